package engine

import (
	"time"

	"maiachat/backend/pkg/models"
)

// ExecuteRequest starts a run.
type ExecuteRequest struct {
	// WorkflowID is a version ID or a stable workflow ID, which resolves to
	// the latest version.
	WorkflowID string
	UserID     string
	Input      map[string]interface{}
	DryRun     bool
	// IdempotencyKey makes repeated requests return the same run.
	IdempotencyKey string
}

// ResumeRequest carries an approval decision for a paused run.
type ResumeRequest struct {
	Token    string
	Approved bool
	Comment  string
	// UserID, when set, must own the run.
	UserID string
}

// Approval is set on a result whose run is waiting for a decision.
type Approval struct {
	Token     string    `json:"token,omitempty"`
	StepIndex int       `json:"step_index"`
	Prompt    string    `json:"prompt,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// StepSummary describes one executed step.
type StepSummary struct {
	Index      int                    `json:"index"`
	StepID     string                 `json:"step_id,omitempty"`
	ActionType string                 `json:"action_type"`
	Status     models.StepStatus      `json:"status"`
	Output     interface{}            `json:"output,omitempty"`
	DryRun     bool                   `json:"dry_run"`
	Approval   *models.ApprovalRecord `json:"approval,omitempty"`
	StartedAt  time.Time              `json:"started_at"`
	EndedAt    time.Time              `json:"ended_at"`
}

// RunResult is returned by Execute, Resume and GetRun. Status tells whether
// the run completed, failed, was rejected or is waiting for approval.
type RunResult struct {
	RunID          string                 `json:"run_id"`
	WorkflowID     string                 `json:"workflow_id"`
	Status         models.RunStatus       `json:"status"`
	Output         map[string]interface{} `json:"output"`
	Error          string                 `json:"error,omitempty"`
	Approval       *Approval              `json:"approval,omitempty"`
	CompletedSteps []StepSummary          `json:"completed_steps"`
	PendingSteps   []int                  `json:"pending_steps"`
	DryRun         bool                   `json:"dry_run"`
}

func newResult(run *models.WorkflowRun) *RunResult {
	res := &RunResult{
		RunID:          run.ID,
		WorkflowID:     run.WorkflowID,
		Status:         run.Status,
		Output:         run.Output,
		Error:          run.Error,
		CompletedSteps: []StepSummary{},
		PendingSteps:   []int{},
		DryRun:         run.DryRun,
	}
	if res.Output == nil {
		res.Output = map[string]interface{}{}
	}
	for _, rec := range run.Steps {
		if rec.Status != models.StepStatusSucceeded {
			continue
		}
		res.CompletedSteps = append(res.CompletedSteps, StepSummary{
			Index:      rec.StepIndex,
			StepID:     rec.StepID,
			ActionType: rec.ActionType,
			Status:     rec.Status,
			Output:     rec.Output,
			DryRun:     rec.DryRun,
			Approval:   rec.Approval,
			StartedAt:  rec.StartedAt,
			EndedAt:    rec.EndedAt,
		})
	}
	if !run.Status.IsTerminal() {
		res.PendingSteps = append(res.PendingSteps, run.PendingSteps...)
	}
	if run.Status == models.RunStatusPausedApproval {
		res.Approval = &Approval{StepIndex: run.Cursor}
	}
	return res
}
