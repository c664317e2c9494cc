package detector_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"vaultline/internal/audit"
	"vaultline/internal/detector"
	"vaultline/internal/domain"
	"vaultline/internal/index"
	"vaultline/internal/vault"
)

type testEnv struct {
	Vault    vault.Vault
	Index    index.Index
	Detector *detector.Detector
	Ctx      context.Context
	Root     string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	root := t.TempDir()
	v := vault.New(root)
	if err := v.EnsureLayout(); err != nil {
		t.Fatalf("layout: %v", err)
	}
	ix, err := index.Open(root)
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	t.Cleanup(func() { ix.Close() })
	aw := audit.NewWriter(v.LogsDir())
	aw.Now = func() time.Time { return time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC) }
	d := detector.New(v, ix, aw, 2)
	d.Now = aw.Now
	return testEnv{Vault: v, Index: ix, Detector: d, Ctx: context.Background(), Root: root}
}

func drop(t *testing.T, env testEnv, name, content string) string {
	t.Helper()
	path := filepath.Join(env.Vault.StageDir(domain.StageIntake), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func scan(t *testing.T, env testEnv) []domain.Record {
	t.Helper()
	recs, err := env.Detector.Scan(env.Ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	return recs
}

func TestStabilityWindowDelaysMaterialization(t *testing.T) {
	env := newTestEnv(t)
	drop(t, env, "report.txt", "quarterly numbers")

	if recs := scan(t, env); len(recs) != 0 {
		t.Fatalf("first observation must not materialize, got %d", len(recs))
	}
	recs := scan(t, env)
	if len(recs) != 1 {
		t.Fatalf("second stable observation should materialize, got %d", len(recs))
	}
	rec := recs[0]
	if rec.Meta.Kind != domain.KindIntakeItem || rec.Meta.SourceFile != "report.txt" {
		t.Fatalf("record meta wrong: %+v", rec.Meta)
	}
	if rec.Stage != domain.StageActionable {
		t.Fatalf("record must land in actionable, got %s", rec.Stage)
	}
}

func TestGrowingFileIsNotMaterialized(t *testing.T) {
	env := newTestEnv(t)
	path := drop(t, env, "upload.bin", "partial")
	scan(t, env)
	// still being written: size changes between observations
	if err := os.WriteFile(path, []byte("partial but longer now"), 0o644); err != nil {
		t.Fatal(err)
	}
	if recs := scan(t, env); len(recs) != 0 {
		t.Fatalf("changed file must restart its stability window")
	}
	// second stable observation completes the window
	if recs := scan(t, env); len(recs) != 1 {
		t.Fatalf("stable file should materialize, got %d", len(recs))
	}
}

func TestDedupByteIdenticalInputOnce(t *testing.T) {
	env := newTestEnv(t)
	drop(t, env, "invoice.txt", "pay me")
	scan(t, env)
	if recs := scan(t, env); len(recs) != 1 {
		t.Fatalf("expected one record")
	}
	// the same file observed again (e.g. after restart) is a no-op
	fresh := detector.New(env.Vault, env.Index, audit.NewWriter(env.Vault.LogsDir()), 2)
	if _, err := fresh.Scan(env.Ctx); err != nil {
		t.Fatal(err)
	}
	if recs, err := fresh.Scan(env.Ctx); err != nil || len(recs) != 0 {
		t.Fatalf("restarted detector must not duplicate: %v %d", err, len(recs))
	}
	actionable, err := env.Vault.List(domain.StageActionable)
	if err != nil {
		t.Fatal(err)
	}
	if len(actionable) != 1 {
		t.Fatalf("exactly one actionable record expected, got %d", len(actionable))
	}
}

func TestDedupHoldsAfterRecordMovesOn(t *testing.T) {
	env := newTestEnv(t)
	drop(t, env, "memo.txt", "hello")
	scan(t, env)
	recs := scan(t, env)
	if len(recs) != 1 {
		t.Fatalf("expected one record")
	}
	// record completes its lifecycle and leaves actionable entirely
	if _, err := env.Vault.Move(recs[0], domain.StageActionable, domain.StageTerminal); err != nil {
		t.Fatal(err)
	}
	scan(t, env)
	if got := scan(t, env); len(got) != 0 {
		t.Fatalf("input must stay deduplicated after its record moved on")
	}
}

func TestInterruptedMaterializationDuplicatesRatherThanLoses(t *testing.T) {
	env := newTestEnv(t)
	content := "ledger rows"
	drop(t, env, "ledger.csv", content)

	// an earlier run stopped after writing the record but before marking
	// the input seen, so the index still says unseen
	sum := sha256.Sum256([]byte(content))
	hash := hex.EncodeToString(sum[:])
	earlier := time.Date(2026, 8, 29, 11, 0, 0, 0, time.UTC)
	meta := domain.Meta{
		ID:          vault.NewRecordID(hash, "ledger.csv", earlier),
		Kind:        domain.KindIntakeItem,
		Status:      "pending",
		Priority:    domain.PriorityNormal,
		SourceFile:  "ledger.csv",
		ContentHash: hash,
		CreatedAt:   earlier.Format(time.RFC3339),
		DetectedAt:  earlier.Format(time.RFC3339),
	}
	if _, err := env.Vault.Create(domain.StageActionable, vault.NewStem(domain.KindIntakeItem, "ledger.csv", earlier), meta, "# ledger.csv\n"); err != nil {
		t.Fatalf("pre-create: %v", err)
	}

	scan(t, env)
	if recs := scan(t, env); len(recs) != 1 {
		t.Fatalf("unmarked input must materialize again, got %d", len(recs))
	}
	actionable, err := env.Vault.List(domain.StageActionable)
	if err != nil {
		t.Fatal(err)
	}
	// a duplicate record, never a lost one
	if len(actionable) != 2 {
		t.Fatalf("want both records present, got %d", len(actionable))
	}
	scan(t, env)
	if got := scan(t, env); len(got) != 0 {
		t.Fatalf("input must be deduplicated once marked, got %d", len(got))
	}
}

func TestHiddenAndTempFilesSkipped(t *testing.T) {
	env := newTestEnv(t)
	drop(t, env, ".hidden", "x")
	drop(t, env, "~lockfile", "x")
	if err := os.MkdirAll(filepath.Join(env.Vault.StageDir(domain.StageIntake), "subdir"), 0o755); err != nil {
		t.Fatal(err)
	}
	scan(t, env)
	if recs := scan(t, env); len(recs) != 0 {
		t.Fatalf("noise files must be ignored, got %d records", len(recs))
	}
}

func TestDetectionProducesOneAuditEntry(t *testing.T) {
	env := newTestEnv(t)
	drop(t, env, "audit-me.txt", "content")
	scan(t, env)
	recs := scan(t, env)
	if len(recs) != 1 {
		t.Fatalf("expected one record")
	}
	entries, err := audit.NewReader(env.Vault.LogsDir()).Day(time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("want exactly one audit entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Actor != domain.ActorDetector || e.To != domain.StageActionable || e.From != "" || e.Outcome != domain.OutcomeSuccess {
		t.Fatalf("audit entry wrong: %+v", e)
	}
	if e.RecordID != recs[0].Meta.ID {
		t.Fatalf("audit entry must reference the record")
	}
}
