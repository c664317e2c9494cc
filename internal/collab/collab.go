// Package collab is the boundary to the external reasoning agent. The agent
// is a black box invoked out of process: it gets a record plus read-only
// reference documents and answers with a decision. At most one invocation per
// record per orchestration cycle.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"vaultline/internal/domain"
)

var (
	// ErrTimeout means the agent did not answer within the configured
	// window. Recoverable: the orchestrator defers and retries.
	ErrTimeout = errors.New("collaborator timeout")
	// ErrFailure means the agent crashed, exited non-zero or answered
	// garbage. Recoverable up to the retry ceiling.
	ErrFailure = errors.New("collaborator failure")
)

// Request carries everything the agent may look at for one record.
type Request struct {
	RecordID   string   `json:"record_id"`
	RecordPath string   `json:"record_path"`
	Stage      string   `json:"stage"`
	Attempts   int      `json:"attempts"`
	Docs       []string `json:"docs"`
	// Mode distinguishes deciding on a claimed record from executing an
	// approved one.
	Mode string `json:"mode"`
}

const (
	ModeDecide  = "decide"
	ModeExecute = "execute"
)

// Collaborator decides the fate of one record.
type Collaborator interface {
	Decide(ctx context.Context, req Request) (domain.Decision, error)
}

// Func adapts a function to the Collaborator interface, for tests and
// registered side-effect handlers.
type Func func(ctx context.Context, req Request) (domain.Decision, error)

func (f Func) Decide(ctx context.Context, req Request) (domain.Decision, error) {
	return f(ctx, req)
}

// Command invokes an external agent process. The request is written to stdin
// as JSON and the record path is appended as the final argument; the agent
// answers with a JSON decision on stdout.
type Command struct {
	Argv    []string
	Timeout time.Duration
	Dir     string
}

func (c Command) Decide(ctx context.Context, req Request) (domain.Decision, error) {
	if len(c.Argv) == 0 {
		return domain.Decision{}, fmt.Errorf("%w: no command configured", ErrFailure)
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	input, err := json.Marshal(req)
	if err != nil {
		return domain.Decision{}, fmt.Errorf("%w: encode request: %v", ErrFailure, err)
	}
	args := append(append([]string(nil), c.Argv[1:]...), req.RecordPath)
	cmd := exec.CommandContext(ctx, c.Argv[0], args...)
	cmd.Dir = c.Dir
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return domain.Decision{}, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	if runErr != nil {
		return domain.Decision{}, fmt.Errorf("%w: %v: %s", ErrFailure, runErr, firstLine(stderr.Bytes()))
	}
	return ParseDecision(stdout.Bytes())
}

// ParseDecision decodes the agent's stdout. The decision kind is a closed
// set; anything else is a failure, not a guess.
func ParseDecision(out []byte) (domain.Decision, error) {
	var d domain.Decision
	if err := json.Unmarshal(bytes.TrimSpace(out), &d); err != nil {
		return domain.Decision{}, fmt.Errorf("%w: bad decision json: %v", ErrFailure, err)
	}
	if !d.Kind.Valid() {
		return domain.Decision{}, fmt.Errorf("%w: unknown decision %q", ErrFailure, d.Kind)
	}
	return d, nil
}

func firstLine(b []byte) string {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		b = b[:i]
	}
	if len(b) > 200 {
		b = b[:200]
	}
	return string(b)
}
