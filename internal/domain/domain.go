package domain

import "time"

// Stage is one discrete step in a record's lifecycle. Each stage maps 1:1 to
// a folder inside the vault; the folder a record sits in is the single source
// of truth for its stage.
type Stage string

const (
	StageIntake           Stage = "intake"
	StageActionable       Stage = "actionable"
	StageClaimed          Stage = "claimed"
	StageAwaitingApproval Stage = "awaiting_approval"
	StageApproved         Stage = "approved"
	StageRejected         Stage = "rejected"
	StageTerminal         Stage = "terminal"
)

// Stages lists every stage in lifecycle order.
func Stages() []Stage {
	return []Stage{
		StageIntake,
		StageActionable,
		StageClaimed,
		StageAwaitingApproval,
		StageApproved,
		StageRejected,
		StageTerminal,
	}
}

// Folder returns the vault folder name for a stage. Folder names are what a
// human sees in their file manager.
func (s Stage) Folder() string {
	switch s {
	case StageIntake:
		return "Inbox"
	case StageActionable:
		return "Needs_Action"
	case StageClaimed:
		return "In_Progress"
	case StageAwaitingApproval:
		return "Pending_Approval"
	case StageApproved:
		return "Approved"
	case StageRejected:
		return "Rejected"
	case StageTerminal:
		return "Done"
	}
	return string(s)
}

func (s Stage) Valid() bool {
	switch s {
	case StageIntake, StageActionable, StageClaimed, StageAwaitingApproval,
		StageApproved, StageRejected, StageTerminal:
		return true
	}
	return false
}

// Actor identifies which class of process performs a transition.
type Actor string

const (
	ActorDetector     Actor = "detector"
	ActorOrchestrator Actor = "orchestrator"
	ActorHuman        Actor = "human"
	ActorCollaborator Actor = "collaborator"
)

// Kind classifies a record.
type Kind string

const (
	KindIntakeItem      Kind = "intake-item"
	KindTask            Kind = "task"
	KindPlan            Kind = "plan"
	KindApprovalRequest Kind = "approval-request"
	KindLogEntry        Kind = "log-entry"
)

func (k Kind) Valid() bool {
	switch k {
	case KindIntakeItem, KindTask, KindPlan, KindApprovalRequest, KindLogEntry:
		return true
	}
	return false
}

// Priority orders records within a stage scan.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank returns a sortable weight, higher first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	}
	return 1
}

// Meta is the structured frontmatter of a record file. Status is an advisory
// sub-state inside a stage; it never overrides the folder the record sits in.
type Meta struct {
	ID          string   `yaml:"id" json:"id"`
	Kind        Kind     `yaml:"kind" json:"kind"`
	Status      string   `yaml:"status,omitempty" json:"status,omitempty"`
	Priority    Priority `yaml:"priority" json:"priority"`
	SourceFile  string   `yaml:"source_file,omitempty" json:"source_file,omitempty"`
	SourcePath  string   `yaml:"source_path,omitempty" json:"source_path,omitempty"`
	ContentHash string   `yaml:"content_hash,omitempty" json:"content_hash,omitempty"`
	FileSize    int64    `yaml:"file_size,omitempty" json:"file_size,omitempty"`
	CreatedAt   string   `yaml:"created_at" json:"created_at"`
	DetectedAt  string   `yaml:"detected_at,omitempty" json:"detected_at,omitempty"`
	Attempts    int      `yaml:"attempts,omitempty" json:"attempts,omitempty"`
	LastError   string   `yaml:"last_error,omitempty" json:"last_error,omitempty"`
	Refs        []string `yaml:"refs,omitempty" json:"refs,omitempty"`
}

// Record is a unit of work: one markdown file in a stage folder.
type Record struct {
	Meta Meta
	Body string
	// Stem is the filename without extension: the identity used for
	// collision handling inside a destination folder.
	Stem  string
	Stage Stage
	Path  string
	// Quarantined marks records parked under the actionable quarantine
	// sub-folder after exhausting retries.
	Quarantined bool
}

func (r Record) ID() string { return r.Meta.ID }

// Claim is a time-bounded exclusive lease on a claimed record, persisted as a
// sidecar next to the record file.
type Claim struct {
	RecordID   string `yaml:"record_id"`
	Stem       string `yaml:"stem"`
	Owner      string `yaml:"owner"`
	AcquiredAt string `yaml:"acquired_at"`
	ExpiresAt  string `yaml:"expires_at"`
}

// Expired reports whether the claim's lease has run out at the given instant.
// An unparseable expiry counts as expired so a corrupt sidecar cannot pin a
// record in the claimed stage forever.
func (c Claim) Expired(now time.Time) bool {
	exp, err := time.Parse(time.RFC3339, c.ExpiresAt)
	if err != nil {
		return true
	}
	return now.After(exp)
}

// Outcome of a transition attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// AuditEntry is one immutable ledger line describing a transition attempt.
type AuditEntry struct {
	TS       string  `json:"ts"`
	Actor    Actor   `json:"actor"`
	RecordID string  `json:"record_id"`
	From     Stage   `json:"from,omitempty"`
	To       Stage   `json:"to"`
	Outcome  Outcome `json:"outcome"`
	Reason   string  `json:"reason,omitempty"`
}

// DecisionKind is what the collaborator tells the orchestrator to do with a
// claimed record.
type DecisionKind string

const (
	DecisionAdvance  DecisionKind = "advance"
	DecisionComplete DecisionKind = "complete"
	DecisionDefer    DecisionKind = "defer"
	DecisionFail     DecisionKind = "fail"
)

func (d DecisionKind) Valid() bool {
	switch d {
	case DecisionAdvance, DecisionComplete, DecisionDefer, DecisionFail:
		return true
	}
	return false
}

// Decision is the collaborator's verdict on one record, plus optional payload
// updates applied before the record moves on.
type Decision struct {
	Kind       DecisionKind `json:"decision"`
	Note       string       `json:"note,omitempty"`
	Status     string       `json:"status,omitempty"`
	BodyAppend string       `json:"body_append,omitempty"`
}
