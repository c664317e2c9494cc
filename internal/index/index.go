// Package index is the detector's durable dedup ledger: a small SQLite
// database recording which intake inputs have already been materialized as
// records. It is what keeps at-least-once observation from producing
// duplicate records across restarts, even after the record has left the
// actionable stage.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const dbName = "vaultline.db"

var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS seen (
    content_hash TEXT NOT NULL,
    source_name  TEXT NOT NULL,
    record_id    TEXT NOT NULL,
    detected_at  TEXT NOT NULL,
    PRIMARY KEY (content_hash, source_name)
);
`

// Index wraps the open database.
type Index struct {
	DB *sql.DB
}

func dbPath(root string) string {
	return filepath.Join(root, ".vaultline", dbName)
}

// EnsureDir creates the hidden state directory under the vault root.
func EnsureDir(root string) (string, error) {
	dir := filepath.Join(root, ".vaultline")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Open opens (creating if needed) the index database under the vault root
// and applies the schema.
func Open(root string) (Index, error) {
	if _, err := EnsureDir(root); err != nil {
		return Index{}, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared", dbPath(root))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return Index{}, err
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return Index{}, fmt.Errorf("apply index schema: %w", err)
	}
	return Index{DB: conn}, nil
}

func (ix Index) Close() error {
	return ix.DB.Close()
}

// Seen reports whether a dedup key is already recorded, returning the record
// id it produced.
func (ix Index) Seen(ctx context.Context, contentHash, sourceName string) (string, error) {
	var recordID string
	err := ix.DB.QueryRowContext(ctx,
		`SELECT record_id FROM seen WHERE content_hash=? AND source_name=?`,
		contentHash, sourceName).Scan(&recordID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return recordID, nil
}

// Mark records a dedup key. Marking the same key again is a no-op, not an
// error, matching at-least-once observation.
func (ix Index) Mark(ctx context.Context, contentHash, sourceName, recordID, detectedAt string) error {
	_, err := ix.DB.ExecContext(ctx,
		`INSERT INTO seen(content_hash, source_name, record_id, detected_at) VALUES (?,?,?,?)
		 ON CONFLICT(content_hash, source_name) DO NOTHING`,
		contentHash, sourceName, recordID, detectedAt)
	return err
}

// Count returns the number of distinct inputs ever materialized.
func (ix Index) Count(ctx context.Context) (int, error) {
	var n int
	if err := ix.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM seen`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
