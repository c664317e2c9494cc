// Package audit keeps the append-only transition ledger: one JSONL file per
// calendar day under the vault's Logs folder. Entries are never mutated or
// deleted; every transition attempt, successful or not, lands here exactly
// once.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"vaultline/internal/domain"
)

const ledgerExt = ".jsonl"

// Writer appends entries to the per-day ledger. Now is injectable for tests.
type Writer struct {
	Dir string
	Now func() time.Time
}

func NewWriter(dir string) Writer {
	return Writer{Dir: dir, Now: time.Now}
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// LedgerPath returns the ledger file for a day. One ledger per calendar day,
// never rotated mid-day.
func (w Writer) LedgerPath(day time.Time) string {
	return filepath.Join(w.Dir, day.UTC().Format("2006-01-02")+ledgerExt)
}

// Append writes one entry as a single JSON line. The timestamp is filled in
// when absent so callers can hand over bare transition facts.
func (w Writer) Append(e domain.AuditEntry) error {
	now := w.now().UTC()
	if e.TS == "" {
		e.TS = now.Format(time.RFC3339)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return fmt.Errorf("ensure ledger dir: %w", err)
	}
	f, err := os.OpenFile(w.LedgerPath(now), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	return nil
}

// Reader reads ledgers back for status surfaces and the CLI.
type Reader struct {
	Dir string
}

func NewReader(dir string) Reader {
	return Reader{Dir: dir}
}

// Day returns every entry of one calendar day, in append order. A missing
// ledger is an empty day, not an error.
func (r Reader) Day(day time.Time) ([]domain.AuditEntry, error) {
	path := filepath.Join(r.Dir, day.UTC().Format("2006-01-02")+ledgerExt)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	defer f.Close()
	var out []domain.AuditEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e domain.AuditEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("parse ledger %s: %w", path, err)
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan ledger %s: %w", path, err)
	}
	return out, nil
}

// Tail returns the last n entries across ledgers, newest day last.
func (r Reader) Tail(n int) ([]domain.AuditEntry, error) {
	days, err := r.ledgerDays()
	if err != nil {
		return nil, err
	}
	var out []domain.AuditEntry
	for i := len(days) - 1; i >= 0 && len(out) < n; i-- {
		entries, err := r.Day(days[i])
		if err != nil {
			return nil, err
		}
		if len(entries)+len(out) > n {
			entries = entries[len(entries)+len(out)-n:]
		}
		out = append(entries, out...)
	}
	return out, nil
}

func (r Reader) ledgerDays() ([]time.Time, error) {
	entries, err := os.ReadDir(r.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read ledger dir: %w", err)
	}
	var days []time.Time
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ledgerExt) {
			continue
		}
		day, err := time.Parse("2006-01-02", strings.TrimSuffix(name, ledgerExt))
		if err != nil {
			continue
		}
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days, nil
}

// Prune removes ledgers older than the retention window. It is never called
// automatically; the retention window is a floor, not a rotation schedule.
func Prune(dir string, minDays int, now time.Time) (int, error) {
	if minDays <= 0 {
		return 0, fmt.Errorf("retention window must be positive")
	}
	r := Reader{Dir: dir}
	days, err := r.ledgerDays()
	if err != nil {
		return 0, err
	}
	cutoff := now.UTC().AddDate(0, 0, -minDays)
	removed := 0
	for _, day := range days {
		if !day.Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, day.Format("2006-01-02")+ledgerExt)
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("prune %s: %w", path, err)
		}
		removed++
	}
	return removed, nil
}
