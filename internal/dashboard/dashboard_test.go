package dashboard_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"vaultline/internal/dashboard"
	"vaultline/internal/domain"
)

func sampleSnapshot() dashboard.Snapshot {
	return dashboard.Snapshot{
		VaultID:     "acme",
		GeneratedAt: time.Date(2026, 8, 29, 15, 0, 0, 0, time.UTC),
		Counts: map[domain.Stage]int{
			domain.StageActionable:       2,
			domain.StageAwaitingApproval: 1,
		},
		Pending: []domain.Record{
			{Stem: "APPROVAL_send_email_20260829_140000", Meta: domain.Meta{Kind: domain.KindApprovalRequest, Priority: domain.PriorityHigh, DetectedAt: "2026-08-29T14:00:00Z"}},
		},
		Quarantine: []domain.Record{
			{Stem: "FILE_DROP_broken_20260829_120000", Meta: domain.Meta{Attempts: 3, LastError: "collaborator failure"}},
		},
		RecentAudit: []domain.AuditEntry{
			{TS: "2026-08-29T14:59:00Z", Actor: domain.ActorOrchestrator, RecordID: "abcdef1234567890", From: domain.StageActionable, To: domain.StageClaimed, Outcome: domain.OutcomeSuccess},
		},
	}
}

func TestRenderContainsSections(t *testing.T) {
	out := string(dashboard.Render(sampleSnapshot()))
	for _, want := range []string{
		"# Vault Dashboard: acme",
		"## Pipeline",
		"## Awaiting Approval",
		"## Quarantine",
		"## Recent Activity",
		"Needs_Action",
		"APPROVAL_send_email_20260829_140000",
		"collaborator failure",
		"actionable -> claimed",
		"abcdef12",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("dashboard missing %q", want)
		}
	}
}

func TestRenderIsPure(t *testing.T) {
	snap := sampleSnapshot()
	a := dashboard.Render(snap)
	b := dashboard.Render(snap)
	if !bytes.Equal(a, b) {
		t.Fatalf("render must be deterministic for the same snapshot")
	}
}

func TestRenderEmptySnapshot(t *testing.T) {
	out := string(dashboard.Render(dashboard.Snapshot{VaultID: "empty", GeneratedAt: time.Now()}))
	if !strings.Contains(out, "## Pipeline") {
		t.Fatalf("pipeline table must render even when the vault is empty")
	}
	if strings.Contains(out, "## Quarantine") || strings.Contains(out, "## Awaiting Approval") {
		t.Fatalf("empty sections must be omitted")
	}
}
