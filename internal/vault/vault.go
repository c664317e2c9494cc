// Package vault is the record store: stage folders under one root directory,
// records as markdown files with YAML frontmatter, and atomic rename as the
// only mutation primitive. The folder a record file sits in is its stage;
// nothing else is authoritative.
package vault

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"vaultline/internal/domain"
)

var (
	// ErrConflict means the destination already holds a record with the
	// same identity. It is recoverable: the store resolves it by suffixing
	// a disambiguator, never by overwriting.
	ErrConflict = errors.New("destination conflict")
	// ErrNotFound means the source record vanished, usually because
	// another actor moved it first. Expected under concurrency.
	ErrNotFound = errors.New("record not found")
	// ErrIO wraps underlying storage failures. Fatal for the current
	// cycle, never for existing records.
	ErrIO = errors.New("store io error")
)

const (
	recordExt     = ".md"
	claimExt      = ".claim.yml"
	quarantineDir = "Quarantine"
	logsDir       = "Logs"
	plansDir      = "Plans"
	briefingsDir  = "Briefings"
	dashboardFile = "Dashboard.md"
)

// maxDisambiguation bounds the suffix search when a destination name is
// taken. Identities embed a content hash, so collisions past a handful mean
// something is broken.
const maxDisambiguation = 100

// Vault is a handle on one vault root. Zero coordination state lives in
// memory; every operation re-reads the filesystem so concurrent processes
// observe each other's moves.
type Vault struct {
	Root string
}

func New(root string) Vault {
	return Vault{Root: root}
}

// StageDir returns the folder backing a stage.
func (v Vault) StageDir(s domain.Stage) string {
	return filepath.Join(v.Root, s.Folder())
}

// QuarantineDir is the sub-stage under Actionable for records that exhausted
// their retries.
func (v Vault) QuarantineDir() string {
	return filepath.Join(v.StageDir(domain.StageActionable), quarantineDir)
}

func (v Vault) LogsDir() string { return filepath.Join(v.Root, logsDir) }

func (v Vault) DashboardPath() string { return filepath.Join(v.Root, dashboardFile) }

// EnsureLayout creates every stage folder plus the supporting folders the
// vault carries (logs, plans, briefings, quarantine).
func (v Vault) EnsureLayout() error {
	dirs := make([]string, 0, len(domain.Stages())+4)
	for _, s := range domain.Stages() {
		dirs = append(dirs, v.StageDir(s))
	}
	dirs = append(dirs,
		v.QuarantineDir(),
		v.LogsDir(),
		filepath.Join(v.Root, plansDir),
		filepath.Join(v.Root, briefingsDir),
	)
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("ensure %s: %w: %v", d, ErrIO, err)
		}
	}
	return nil
}

// NewRecordID derives a deterministic id from the dedup key plus detection
// time, so re-detecting the same input yields the same identity.
func NewRecordID(contentHash, sourceName string, detectedAt time.Time) string {
	seed := contentHash + "|" + sourceName + "|" + detectedAt.UTC().Format(time.RFC3339)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()
}

// NewStem builds the filename stem for a fresh record, in the vault's
// human-readable shape, e.g. FILE_DROP_report_pdf_20260829_153000.
func NewStem(kind domain.Kind, sourceName string, at time.Time) string {
	prefix := "RECORD"
	switch kind {
	case domain.KindIntakeItem:
		prefix = "FILE_DROP"
	case domain.KindTask:
		prefix = "TASK"
	case domain.KindPlan:
		prefix = "PLAN"
	case domain.KindApprovalRequest:
		prefix = "APPROVAL"
	case domain.KindLogEntry:
		prefix = "LOG"
	}
	safe := strings.NewReplacer(" ", "_", ".", "_", string(filepath.Separator), "_").Replace(sourceName)
	return fmt.Sprintf("%s_%s_%s", prefix, safe, at.UTC().Format("20060102_150405"))
}

// Create materializes a new record in the given stage. The file appears
// atomically: content is staged under a temporary name in the destination
// folder and renamed into place. A taken stem is disambiguated with a
// monotonic suffix.
func (v Vault) Create(stage domain.Stage, stem string, meta domain.Meta, body string) (domain.Record, error) {
	if !meta.Kind.Valid() {
		return domain.Record{}, fmt.Errorf("create: invalid kind %q", meta.Kind)
	}
	if meta.Priority == "" {
		meta.Priority = domain.PriorityNormal
	}
	data, err := EncodeRecord(meta, body)
	if err != nil {
		return domain.Record{}, err
	}
	dir := v.StageDir(stage)
	finalStem, err := v.placeNew(dir, stem, data)
	if err != nil {
		return domain.Record{}, err
	}
	return domain.Record{
		Meta:  meta,
		Body:  body,
		Stem:  finalStem,
		Stage: stage,
		Path:  filepath.Join(dir, finalStem+recordExt),
	}, nil
}

func (v Vault) placeNew(dir, stem string, data []byte) (string, error) {
	tmp, err := stageBytes(dir, data)
	if err != nil {
		return "", err
	}
	for i := 0; i < maxDisambiguation; i++ {
		candidate := stem
		if i > 0 {
			candidate = fmt.Sprintf("%s-%d", stem, i+1)
		}
		dst := filepath.Join(dir, candidate+recordExt)
		err := renameNoReplace(tmp, dst)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			os.Remove(tmp)
			return "", fmt.Errorf("place %s: %w: %v", dst, ErrIO, err)
		}
		return candidate, nil
	}
	os.Remove(tmp)
	return "", fmt.Errorf("place %s: %w", stem, ErrConflict)
}

// renameNoReplace moves src to dst, failing with fs.ErrExist when dst is
// already taken. renameat2 with RENAME_NOREPLACE keeps the existence check
// and the move one atomic step, so two movers racing distinct records onto
// the same name can never overwrite each other. Filesystems without
// renameat2 fall back to link+unlink: the link fails on a taken dst, and a
// loser of the source unlink undoes its link so the record exists exactly
// once either way.
func renameNoReplace(src, dst string) error {
	err := unix.Renameat2(unix.AT_FDCWD, src, unix.AT_FDCWD, dst, unix.RENAME_NOREPLACE)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.ENOSYS) && !errors.Is(err, unix.EINVAL) {
		return &os.LinkError{Op: "rename", Old: src, New: dst, Err: err}
	}
	if lerr := os.Link(src, dst); lerr != nil {
		return lerr
	}
	if rerr := os.Remove(src); rerr != nil {
		os.Remove(dst)
		return rerr
	}
	return nil
}

// Move relocates a record between stages with rename(2). It either fully
// succeeds (record visible only at the destination) or fully fails (record
// untouched at the source). A vanished source returns ErrNotFound; a taken
// destination stem is suffixed rather than overwritten.
func (v Vault) Move(rec domain.Record, from, to domain.Stage) (domain.Record, error) {
	src := rec.Path
	if src == "" {
		src = filepath.Join(v.StageDir(from), rec.Stem+recordExt)
	}
	return v.moveFile(rec, src, v.StageDir(to), to)
}

// MoveToQuarantine parks a record under the actionable quarantine folder.
func (v Vault) MoveToQuarantine(rec domain.Record) (domain.Record, error) {
	out, err := v.moveFile(rec, rec.Path, v.QuarantineDir(), domain.StageActionable)
	if err != nil {
		return out, err
	}
	out.Quarantined = true
	return out, nil
}

func (v Vault) moveFile(rec domain.Record, src, dstDir string, to domain.Stage) (domain.Record, error) {
	for i := 0; i < maxDisambiguation; i++ {
		candidate := rec.Stem
		if i > 0 {
			candidate = fmt.Sprintf("%s-%d", rec.Stem, i+1)
		}
		dst := filepath.Join(dstDir, candidate+recordExt)
		err := renameNoReplace(src, dst)
		if errors.Is(err, fs.ErrExist) {
			// same name already at destination: disambiguate, never
			// overwrite
			continue
		}
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return domain.Record{}, fmt.Errorf("move %s: %w", rec.Stem, ErrNotFound)
			}
			return domain.Record{}, fmt.Errorf("move %s -> %s: %w: %v", rec.Stem, dst, ErrIO, err)
		}
		out := rec
		out.Stem = candidate
		out.Stage = to
		out.Path = dst
		out.Quarantined = false
		return out, nil
	}
	return domain.Record{}, fmt.Errorf("move %s: %w", rec.Stem, ErrConflict)
}

// List enumerates the records currently in a stage. Enumeration is fresh on
// every call, sorted by filename; hidden files, staging files and sidecars
// are skipped, as are files that do not parse as records (they stay in place
// and never block the rest of the batch). Quarantined records are not part
// of the plain actionable listing.
func (v Vault) List(stage domain.Stage) ([]domain.Record, error) {
	return v.listDir(v.StageDir(stage), stage, false)
}

// ListQuarantine enumerates the quarantine sub-stage.
func (v Vault) ListQuarantine() ([]domain.Record, error) {
	return v.listDir(v.QuarantineDir(), domain.StageActionable, true)
}

func (v Vault) listDir(dir string, stage domain.Stage, quarantined bool) ([]domain.Record, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w: %v", dir, ErrIO, err)
	}
	var out []domain.Record
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, recordExt) {
			continue
		}
		if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "~") {
			continue
		}
		rec, err := v.readFile(filepath.Join(dir, name), stage)
		if err != nil {
			continue
		}
		rec.Quarantined = quarantined
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stem < out[j].Stem })
	return out, nil
}

// Read re-reads a record from disk.
func (v Vault) Read(rec domain.Record) (domain.Record, error) {
	out, err := v.readFile(rec.Path, rec.Stage)
	if err != nil {
		return out, err
	}
	out.Quarantined = rec.Quarantined
	return out, nil
}

// Get looks a record up by id within one stage.
func (v Vault) Get(stage domain.Stage, id string) (domain.Record, error) {
	recs, err := v.List(stage)
	if err != nil {
		return domain.Record{}, err
	}
	for _, r := range recs {
		if r.Meta.ID == id {
			return r, nil
		}
	}
	return domain.Record{}, fmt.Errorf("get %s in %s: %w", id, stage, ErrNotFound)
}

// Find looks a record up by id across every stage, quarantine included.
func (v Vault) Find(id string) (domain.Record, error) {
	for _, s := range domain.Stages() {
		if r, err := v.Get(s, id); err == nil {
			return r, nil
		}
	}
	qs, err := v.ListQuarantine()
	if err != nil {
		return domain.Record{}, err
	}
	for _, r := range qs {
		if r.Meta.ID == id {
			return r, nil
		}
	}
	return domain.Record{}, fmt.Errorf("find %s: %w", id, ErrNotFound)
}

func (v Vault) readFile(path string, stage domain.Stage) (domain.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.Record{}, fmt.Errorf("read %s: %w", path, ErrNotFound)
		}
		return domain.Record{}, fmt.Errorf("read %s: %w: %v", path, ErrIO, err)
	}
	meta, body, err := DecodeRecord(data)
	if err != nil {
		return domain.Record{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return domain.Record{
		Meta:  meta,
		Body:  body,
		Stem:  strings.TrimSuffix(filepath.Base(path), recordExt),
		Stage: stage,
		Path:  path,
	}, nil
}

// Rewrite replaces a record's content in place via staged write + rename, so
// concurrent readers see either the old or the new content, never a partial
// file.
func (v Vault) Rewrite(rec domain.Record) error {
	data, err := EncodeRecord(rec.Meta, rec.Body)
	if err != nil {
		return err
	}
	tmp, err := stageBytes(filepath.Dir(rec.Path), data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, rec.Path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rewrite %s: %w: %v", rec.Path, ErrIO, err)
	}
	return nil
}

// WriteDashboard atomically replaces the vault's status summary document.
// Single-writer: only the orchestration loop calls this, once per cycle.
func (v Vault) WriteDashboard(content []byte) error {
	tmp, err := stageBytes(v.Root, content)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, v.DashboardPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write dashboard: %w: %v", ErrIO, err)
	}
	return nil
}

// --- claim sidecars ---

func (v Vault) claimPath(stem string) string {
	return filepath.Join(v.StageDir(domain.StageClaimed), stem+claimExt)
}

// WriteClaim persists a claim sidecar next to the claimed record.
func (v Vault) WriteClaim(c domain.Claim) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal claim: %w", err)
	}
	tmp, err := stageBytes(v.StageDir(domain.StageClaimed), data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, v.claimPath(c.Stem)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write claim %s: %w: %v", c.Stem, ErrIO, err)
	}
	return nil
}

// ReadClaim loads the claim sidecar for a claimed record, if any.
func (v Vault) ReadClaim(stem string) (domain.Claim, error) {
	data, err := os.ReadFile(v.claimPath(stem))
	if err != nil {
		if os.IsNotExist(err) {
			return domain.Claim{}, fmt.Errorf("claim %s: %w", stem, ErrNotFound)
		}
		return domain.Claim{}, fmt.Errorf("claim %s: %w: %v", stem, ErrIO, err)
	}
	var c domain.Claim
	if err := yaml.Unmarshal(data, &c); err != nil {
		return domain.Claim{}, fmt.Errorf("parse claim %s: %w", stem, err)
	}
	return c, nil
}

// ListClaims enumerates every claim sidecar in the claimed stage, including
// ones whose record file is gone.
func (v Vault) ListClaims() ([]domain.Claim, error) {
	entries, err := os.ReadDir(v.StageDir(domain.StageClaimed))
	if err != nil {
		return nil, fmt.Errorf("list claims: %w: %v", ErrIO, err)
	}
	var claims []domain.Claim
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, claimExt) {
			continue
		}
		stem := strings.TrimSuffix(name, claimExt)
		c, err := v.ReadClaim(stem)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			// unreadable sidecar: surface it with a lease that
			// always counts as expired
			c = domain.Claim{Stem: stem}
		}
		claims = append(claims, c)
	}
	return claims, nil
}

// RemoveClaim drops a claim sidecar. Missing sidecars are a no-op so release
// stays idempotent.
func (v Vault) RemoveClaim(stem string) error {
	if err := os.Remove(v.claimPath(stem)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove claim %s: %w: %v", stem, ErrIO, err)
	}
	return nil
}

// stageBytes writes data to a hidden staging file in dir and returns its
// path. Callers rename it into place; rename within one directory tree is the
// atomicity primitive for every mutation in the store.
func stageBytes(dir string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("stage in %s: %w: %v", dir, ErrIO, err)
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("stage write: %w: %v", ErrIO, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("stage close: %w: %v", ErrIO, err)
	}
	if err := os.Chmod(name, 0o644); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("stage chmod: %w: %v", ErrIO, err)
	}
	return name, nil
}

// StageCounts tallies records per stage for status surfaces. Quarantine is
// reported separately from plain actionable.
func (v Vault) StageCounts() (map[domain.Stage]int, int, error) {
	counts := make(map[domain.Stage]int, len(domain.Stages()))
	for _, s := range domain.Stages() {
		recs, err := v.List(s)
		if err != nil {
			return nil, 0, err
		}
		counts[s] = len(recs)
	}
	qs, err := v.ListQuarantine()
	if err != nil {
		return nil, 0, err
	}
	return counts, len(qs), nil
}
