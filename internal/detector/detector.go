// Package detector watches the vault's intake folder and materializes newly
// dropped files as actionable records. Detection is at-least-once: the same
// input observed twice (including across restarts) yields exactly one record.
package detector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"vaultline/internal/audit"
	"vaultline/internal/domain"
	"vaultline/internal/index"
	"vaultline/internal/vault"
)

// observation tracks a candidate intake file across polls. A file counts as
// arrived only once its size and mtime held still for the stability window,
// so partially-written files are never materialized.
type observation struct {
	size    int64
	modTime time.Time
	stable  int
}

// Detector scans the intake folder. One instance is driven by one goroutine;
// the pending table is not shared.
type Detector struct {
	Vault           vault.Vault
	Index           index.Index
	Audit           audit.Writer
	StabilityCycles int
	Now             func() time.Time

	pending map[string]observation
}

func New(v vault.Vault, ix index.Index, aw audit.Writer, stabilityCycles int) *Detector {
	if stabilityCycles < 1 {
		stabilityCycles = 1
	}
	return &Detector{
		Vault:           v,
		Index:           ix,
		Audit:           aw,
		StabilityCycles: stabilityCycles,
		Now:             time.Now,
		pending:         make(map[string]observation),
	}
}

func (d *Detector) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Scan performs one observation pass and returns the records it
// materialized. Dedup-key hits are silent no-ops.
func (d *Detector) Scan(ctx context.Context) ([]domain.Record, error) {
	inbox := d.Vault.StageDir(domain.StageIntake)
	entries, err := os.ReadDir(inbox)
	if err != nil {
		return nil, fmt.Errorf("scan intake: %w", err)
	}
	seenNames := make(map[string]bool, len(entries))
	var created []domain.Record
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "~") {
			continue
		}
		seenNames[name] = true
		info, err := e.Info()
		if err != nil {
			continue
		}
		prev, known := d.pending[name]
		if !known || prev.size != info.Size() || !prev.modTime.Equal(info.ModTime()) {
			d.pending[name] = observation{size: info.Size(), modTime: info.ModTime(), stable: 1}
			continue
		}
		prev.stable++
		d.pending[name] = prev
		if prev.stable < d.StabilityCycles {
			continue
		}
		rec, materialized, err := d.materialize(ctx, filepath.Join(inbox, name), name, info.Size())
		if materialized {
			created = append(created, rec)
		}
		if err != nil {
			log.Printf("detector: %s: %v", name, err)
			// a record that was written counts as handled even when
			// marking it seen failed; re-observing the file can only
			// produce a duplicate, never drop the record
			if !materialized {
				continue
			}
		}
		delete(d.pending, name)
	}
	// forget files that disappeared from the intake folder
	for name := range d.pending {
		if !seenNames[name] {
			delete(d.pending, name)
		}
	}
	return created, nil
}

func (d *Detector) materialize(ctx context.Context, path, name string, size int64) (domain.Record, bool, error) {
	hash, err := hashFile(path)
	if err != nil {
		return domain.Record{}, false, err
	}
	if _, err := d.Index.Seen(ctx, hash, name); err == nil {
		return domain.Record{}, false, nil
	} else if !errors.Is(err, index.ErrNotFound) {
		return domain.Record{}, false, err
	}

	detectedAt := d.now().UTC()
	meta := domain.Meta{
		ID:          vault.NewRecordID(hash, name, detectedAt),
		Kind:        domain.KindIntakeItem,
		Status:      "pending",
		Priority:    domain.PriorityNormal,
		SourceFile:  name,
		SourcePath:  path,
		ContentHash: hash,
		FileSize:    size,
		CreatedAt:   detectedAt.Format(time.RFC3339),
		DetectedAt:  detectedAt.Format(time.RFC3339),
	}
	rec, err := d.Vault.Create(domain.StageActionable, vault.NewStem(domain.KindIntakeItem, name, detectedAt), meta, actionBody(meta))
	if err != nil {
		d.auditCreate(meta.ID, domain.OutcomeFailure, err.Error())
		return domain.Record{}, false, err
	}
	if err := d.Index.Mark(ctx, hash, name, meta.ID, meta.DetectedAt); err != nil {
		// the record file is already on disk, so the mark gets one
		// retry before the seen index is left behind
		log.Printf("detector: mark seen %s: %v (retrying)", name, err)
		if err := d.Index.Mark(ctx, hash, name, meta.ID, meta.DetectedAt); err != nil {
			return rec, true, fmt.Errorf("mark seen: %w", err)
		}
	}
	d.auditCreate(meta.ID, domain.OutcomeSuccess, "")
	log.Printf("detector: materialized %s as %s", name, rec.Stem)
	return rec, true, nil
}

func (d *Detector) auditCreate(id string, outcome domain.Outcome, reason string) {
	if err := d.Audit.Append(domain.AuditEntry{
		Actor:    domain.ActorDetector,
		RecordID: id,
		To:       domain.StageActionable,
		Outcome:  outcome,
		Reason:   reason,
	}); err != nil {
		log.Printf("detector: audit append: %v", err)
	}
}

// Run polls until the context is cancelled. An fsnotify watch on the intake
// folder wakes the loop early when something lands; polling stays the source
// of truth since arrival needs two stable observations anyway.
func (d *Detector) Run(ctx context.Context, interval time.Duration) error {
	wake := make(chan struct{}, 1)
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if werr := watcher.Add(d.Vault.StageDir(domain.StageIntake)); werr != nil {
			log.Printf("detector: intake watch unavailable: %v", werr)
		} else {
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case _, ok := <-watcher.Events:
						if !ok {
							return
						}
						select {
						case wake <- struct{}{}:
						default:
						}
					case _, ok := <-watcher.Errors:
						if !ok {
							return
						}
					}
				}
			}()
		}
	} else {
		log.Printf("detector: fsnotify unavailable, polling only: %v", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Printf("detector: watching %s every %s", d.Vault.StageDir(domain.StageIntake), interval)
	for {
		if _, err := d.Scan(ctx); err != nil {
			log.Printf("detector: scan: %v", err)
		}
		select {
		case <-ctx.Done():
			log.Printf("detector: stopped")
			return ctx.Err()
		case <-ticker.C:
		case <-wake:
		}
	}
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func actionBody(meta domain.Meta) string {
	var b strings.Builder
	b.WriteString("# File Drop for Processing\n\n")
	b.WriteString("## Source Information\n")
	fmt.Fprintf(&b, "- **Original File**: `%s`\n", meta.SourceFile)
	fmt.Fprintf(&b, "- **Location**: `%s`\n", meta.SourcePath)
	fmt.Fprintf(&b, "- **Size**: %d bytes\n", meta.FileSize)
	fmt.Fprintf(&b, "- **Detected**: %s\n\n", meta.DetectedAt)
	b.WriteString("## Suggested Actions\n")
	b.WriteString("- [ ] Read and analyze file contents\n")
	b.WriteString("- [ ] Categorize the file type and purpose\n")
	b.WriteString("- [ ] Determine required actions\n")
	return b.String()
}
