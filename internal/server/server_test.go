package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"vaultline/internal/audit"
	"vaultline/internal/config"
	"vaultline/internal/domain"
	"vaultline/internal/vault"
)

type testServer struct {
	URL   string
	vault vault.Vault
	close func()
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	v := vault.New(t.TempDir())
	if err := v.EnsureLayout(); err != nil {
		t.Fatalf("layout: %v", err)
	}
	handler, err := New(Config{Vault: v, AppCfg: config.Default("test-vault")})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:   "http://" + ln.Addr().String(),
		vault: v,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func seedRecord(t *testing.T, v vault.Vault, stage domain.Stage, stem string) domain.Record {
	t.Helper()
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	meta := domain.Meta{
		ID:       vault.NewRecordID("hash-"+stem, stem, now),
		Kind:     domain.KindTask,
		Status:   "pending",
		Priority: domain.PriorityNormal,
	}
	rec, err := v.Create(stage, stem, meta, "# "+stem+"\n")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return rec
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	var body map[string]string
	if code := getJSON(t, ts.URL+"/v0/health", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestStatusCountsStages(t *testing.T) {
	ts := newTestServer(t)
	seedRecord(t, ts.vault, domain.StageActionable, "TASK_a_20260314_090000")
	seedRecord(t, ts.vault, domain.StageActionable, "TASK_b_20260314_090000")
	seedRecord(t, ts.vault, domain.StageTerminal, "TASK_c_20260314_090000")

	var body struct {
		VaultID string         `json:"vault_id"`
		Stages  map[string]int `json:"stages"`
	}
	if code := getJSON(t, ts.URL+"/v0/status", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body.VaultID != "test-vault" {
		t.Fatalf("vault_id = %q", body.VaultID)
	}
	if body.Stages["actionable"] != 2 || body.Stages["terminal"] != 1 {
		t.Fatalf("stages = %v", body.Stages)
	}
}

func TestListRecordsByStage(t *testing.T) {
	ts := newTestServer(t)
	seeded := seedRecord(t, ts.vault, domain.StageAwaitingApproval, "APPROVAL_send_20260314_090000")

	var views []recordView
	if code := getJSON(t, ts.URL+"/v0/records/awaiting_approval", &views); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(views) != 1 || views[0].ID != seeded.Meta.ID {
		t.Fatalf("views = %+v", views)
	}
	if views[0].Body != "" {
		t.Fatal("list view should not carry bodies")
	}

	if code := getJSON(t, ts.URL+"/v0/records/nonsense", nil); code != http.StatusBadRequest {
		t.Fatalf("unknown stage status = %d", code)
	}
}

func TestGetRecordByID(t *testing.T) {
	ts := newTestServer(t)
	seeded := seedRecord(t, ts.vault, domain.StageActionable, "TASK_find_20260314_090000")

	var view recordView
	if code := getJSON(t, ts.URL+"/v0/records/id/"+seeded.Meta.ID, &view); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if view.ID != seeded.Meta.ID || view.Body == "" {
		t.Fatalf("view = %+v", view)
	}

	if code := getJSON(t, ts.URL+"/v0/records/id/no-such-id", nil); code != http.StatusNotFound {
		t.Fatalf("missing record status = %d", code)
	}
}

func TestAuditTail(t *testing.T) {
	ts := newTestServer(t)
	w := audit.NewWriter(ts.vault.LogsDir())
	for i := 0; i < 3; i++ {
		if err := w.Append(domain.AuditEntry{
			Actor:    domain.ActorOrchestrator,
			RecordID: "rec-1",
			From:     domain.StageActionable,
			To:       domain.StageClaimed,
			Outcome:  domain.OutcomeSuccess,
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	var entries []domain.AuditEntry
	if code := getJSON(t, ts.URL+"/v0/audit/tail?n=2", &entries); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
}

func TestQuarantineListing(t *testing.T) {
	ts := newTestServer(t)
	rec := seedRecord(t, ts.vault, domain.StageClaimed, "TASK_bad_20260314_090000")
	if _, err := ts.vault.MoveToQuarantine(rec); err != nil {
		t.Fatalf("quarantine: %v", err)
	}

	var views []recordView
	if code := getJSON(t, ts.URL+"/v0/quarantine", &views); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(views) != 1 || !views[0].Quarantined {
		t.Fatalf("views = %+v", views)
	}
}
