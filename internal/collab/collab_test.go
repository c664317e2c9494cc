package collab_test

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"vaultline/internal/collab"
	"vaultline/internal/domain"
)

func TestParseDecision(t *testing.T) {
	d, err := collab.ParseDecision([]byte(`{"decision":"advance","note":"needs sign-off","status":"in_progress"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.Kind != domain.DecisionAdvance || d.Note != "needs sign-off" {
		t.Fatalf("decision mismatch: %+v", d)
	}
}

func TestParseDecisionRejectsUnknownKind(t *testing.T) {
	_, err := collab.ParseDecision([]byte(`{"decision":"shrug"}`))
	if !errors.Is(err, collab.ErrFailure) {
		t.Fatalf("want ErrFailure, got %v", err)
	}
}

func TestParseDecisionRejectsGarbage(t *testing.T) {
	_, err := collab.ParseDecision([]byte("not json"))
	if !errors.Is(err, collab.ErrFailure) {
		t.Fatalf("want ErrFailure, got %v", err)
	}
}

func TestCommandDecide(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on sh")
	}
	cmd := collab.Command{
		Argv:    []string{"sh", "-c", `echo '{"decision":"complete","note":"done"}'`},
		Timeout: 5 * time.Second,
	}
	d, err := cmd.Decide(context.Background(), collab.Request{RecordID: "r1", RecordPath: "/tmp/r1.md", Mode: collab.ModeDecide})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Kind != domain.DecisionComplete {
		t.Fatalf("want complete, got %s", d.Kind)
	}
}

func TestCommandNonZeroExitIsFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on sh")
	}
	cmd := collab.Command{
		Argv:    []string{"sh", "-c", "echo boom >&2; exit 3"},
		Timeout: 5 * time.Second,
	}
	_, err := cmd.Decide(context.Background(), collab.Request{RecordID: "r1"})
	if !errors.Is(err, collab.ErrFailure) {
		t.Fatalf("want ErrFailure, got %v", err)
	}
}

func TestCommandTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on sh")
	}
	cmd := collab.Command{
		Argv:    []string{"sh", "-c", "sleep 5"},
		Timeout: 100 * time.Millisecond,
	}
	start := time.Now()
	_, err := cmd.Decide(context.Background(), collab.Request{RecordID: "r1"})
	if !errors.Is(err, collab.ErrTimeout) {
		t.Fatalf("want ErrTimeout, got %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("timeout not enforced")
	}
}

func TestFuncAdapter(t *testing.T) {
	f := collab.Func(func(ctx context.Context, req collab.Request) (domain.Decision, error) {
		return domain.Decision{Kind: domain.DecisionDefer}, nil
	})
	d, err := f.Decide(context.Background(), collab.Request{})
	if err != nil || d.Kind != domain.DecisionDefer {
		t.Fatalf("adapter broken: %v %v", d, err)
	}
}
