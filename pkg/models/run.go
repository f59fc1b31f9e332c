package models

import "time"

// RunSchemaVersion is the layout version written with every run record.
const RunSchemaVersion = 1

// RunStatus is the state of a workflow run.
type RunStatus string

const (
	RunStatusPending        RunStatus = "pending"
	RunStatusRunning        RunStatus = "running"
	RunStatusPausedApproval RunStatus = "paused_approval"
	RunStatusCompleted      RunStatus = "completed"
	RunStatusFailed         RunStatus = "failed"
	RunStatusRejected       RunStatus = "rejected"
)

var runTransitions = map[RunStatus][]RunStatus{
	RunStatusPending:        {RunStatusRunning},
	RunStatusRunning:        {RunStatusCompleted, RunStatusFailed, RunStatusPausedApproval, RunStatusRejected},
	RunStatusPausedApproval: {RunStatusRunning, RunStatusRejected},
}

// IsTerminal reports whether no transition leaves s.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusRejected:
		return true
	}
	return false
}

// CanTransitionTo reports whether the run state machine allows s -> next.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StepStatus is the outcome recorded for a single step.
type StepStatus string

const (
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusRejected  StepStatus = "rejected"
)

// ApprovalRecord is the human decision folded into the gated step's record.
type ApprovalRecord struct {
	Approved  bool      `json:"approved"`
	Comment   string    `json:"comment,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// StepExecutionRecord is the append-only outcome of one step within a run.
// A run holds at most one record per step index.
type StepExecutionRecord struct {
	RunID      string                 `json:"run_id"`
	StepIndex  int                    `json:"step_index"`
	StepID     string                 `json:"step_id"`
	ActionType string                 `json:"action_type"`
	Status     StepStatus             `json:"status"`
	Input      map[string]interface{} `json:"input,omitempty"`
	Output     interface{}            `json:"output,omitempty"`
	Error      string                 `json:"error,omitempty"`
	DryRun     bool                   `json:"dry_run"`
	Approval   *ApprovalRecord        `json:"approval,omitempty"`
	StartedAt  time.Time              `json:"started_at"`
	EndedAt    time.Time              `json:"ended_at"`
}

// WorkflowRun is one execution attempt of a workflow version and the unit of
// checkpointing. Version is bumped on every persisted change and guards
// concurrent writers.
type WorkflowRun struct {
	ID             string                 `json:"id"`
	WorkflowID     string                 `json:"workflow_id"`
	OwnerID        string                 `json:"owner_id"`
	TenantID       string                 `json:"tenant_id,omitempty"`
	Status         RunStatus              `json:"status"`
	Input          map[string]interface{} `json:"input,omitempty"`
	DryRun         bool                   `json:"dry_run"`
	Output         map[string]interface{} `json:"output"`
	Error          string                 `json:"error,omitempty"`
	Cursor         int                    `json:"cursor"`
	Steps          []StepExecutionRecord  `json:"steps"`
	PendingSteps   []int                  `json:"pending_steps"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	Version        int                    `json:"version"`
	SchemaVersion  int                    `json:"schema_version"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// ResumeToken binds a paused run to the step it paused at. Only the SHA-256
// hash of the token value is stored.
type ResumeToken struct {
	TokenHash  string     `json:"-"`
	RunID      string     `json:"run_id"`
	StepIndex  int        `json:"step_index"`
	IssuedAt   time.Time  `json:"issued_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Consumed   bool       `json:"consumed"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
}

// Usable reports whether the token can still be claimed at now.
func (t *ResumeToken) Usable(now time.Time) bool {
	return !t.Consumed && now.Before(t.ExpiresAt)
}
