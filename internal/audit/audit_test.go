package audit_test

import (
	"os"
	"testing"
	"time"

	"vaultline/internal/audit"
	"vaultline/internal/domain"
)

func fixedClock(day int, hour int) func() time.Time {
	return func() time.Time {
		return time.Date(2026, 8, day, hour, 0, 0, 0, time.UTC)
	}
}

func entry(id string, from, to domain.Stage, outcome domain.Outcome) domain.AuditEntry {
	return domain.AuditEntry{
		Actor:    domain.ActorOrchestrator,
		RecordID: id,
		From:     from,
		To:       to,
		Outcome:  outcome,
	}
}

func TestAppendAndReadBack(t *testing.T) {
	dir := t.TempDir()
	w := audit.NewWriter(dir)
	w.Now = fixedClock(29, 10)

	if err := w.Append(entry("r1", domain.StageActionable, domain.StageClaimed, domain.OutcomeSuccess)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Append(entry("r1", domain.StageClaimed, domain.StageAwaitingApproval, domain.OutcomeSuccess)); err != nil {
		t.Fatalf("append: %v", err)
	}
	r := audit.NewReader(dir)
	got, err := r.Day(time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("day: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 entries, got %d", len(got))
	}
	if got[0].To != domain.StageClaimed || got[1].To != domain.StageAwaitingApproval {
		t.Fatalf("order not preserved: %+v", got)
	}
	if got[0].TS == "" {
		t.Fatalf("timestamp not filled in")
	}
}

func TestOneLedgerPerDay(t *testing.T) {
	dir := t.TempDir()
	w := audit.NewWriter(dir)

	w.Now = fixedClock(28, 23)
	if err := w.Append(entry("r1", "", domain.StageActionable, domain.OutcomeSuccess)); err != nil {
		t.Fatal(err)
	}
	w.Now = fixedClock(29, 0)
	if err := w.Append(entry("r2", "", domain.StageActionable, domain.OutcomeSuccess)); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir + "/2026-08-28.jsonl"); err != nil {
		t.Fatalf("first day ledger missing: %v", err)
	}
	if _, err := os.Stat(dir + "/2026-08-29.jsonl"); err != nil {
		t.Fatalf("second day ledger missing: %v", err)
	}
}

func TestTailSpansDays(t *testing.T) {
	dir := t.TempDir()
	w := audit.NewWriter(dir)
	w.Now = fixedClock(28, 12)
	for i := 0; i < 3; i++ {
		if err := w.Append(entry("old", "", domain.StageActionable, domain.OutcomeSuccess)); err != nil {
			t.Fatal(err)
		}
	}
	w.Now = fixedClock(29, 12)
	if err := w.Append(entry("new", domain.StageActionable, domain.StageClaimed, domain.OutcomeFailure)); err != nil {
		t.Fatal(err)
	}
	got, err := audit.NewReader(dir).Tail(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2, got %d", len(got))
	}
	if got[1].RecordID != "new" || got[1].Outcome != domain.OutcomeFailure {
		t.Fatalf("tail order wrong: %+v", got)
	}
	if got[0].RecordID != "old" {
		t.Fatalf("tail should reach into previous day: %+v", got)
	}
}

func TestEmptyDayIsNotAnError(t *testing.T) {
	r := audit.NewReader(t.TempDir())
	got, err := r.Day(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	if err != nil || got != nil {
		t.Fatalf("want empty day, got %v %v", got, err)
	}
}

func TestPruneKeepsRetentionWindow(t *testing.T) {
	dir := t.TempDir()
	w := audit.NewWriter(dir)
	w.Now = fixedClock(1, 12)
	if err := w.Append(entry("ancient", "", domain.StageActionable, domain.OutcomeSuccess)); err != nil {
		t.Fatal(err)
	}
	w.Now = fixedClock(29, 12)
	if err := w.Append(entry("recent", "", domain.StageActionable, domain.OutcomeSuccess)); err != nil {
		t.Fatal(err)
	}
	removed, err := audit.Prune(dir, 7, time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("want 1 pruned, got %d", removed)
	}
	if _, err := os.Stat(dir + "/2026-08-29.jsonl"); err != nil {
		t.Fatalf("recent ledger must survive: %v", err)
	}
	if _, err := os.Stat(dir + "/2026-08-01.jsonl"); !os.IsNotExist(err) {
		t.Fatalf("ancient ledger should be gone")
	}
}
