package models

import (
	"strconv"
	"time"
)

// Workflow status values for a definition version.
const (
	WorkflowStatusActive   = "active"
	WorkflowStatusDraft    = "draft"
	WorkflowStatusArchived = "archived"
)

// ApprovalMode selects how an approval policy is evaluated.
type ApprovalMode string

const (
	ApprovalNever  ApprovalMode = "never"
	ApprovalAlways ApprovalMode = "always"
	// ApprovalWhen gates the step when Expression evaluates truthy.
	ApprovalWhen ApprovalMode = "when"
)

// ApprovalPolicy decides whether a step must be approved by a human before it runs.
type ApprovalPolicy struct {
	Mode       ApprovalMode `json:"mode" yaml:"mode"`
	Expression string       `json:"expression,omitempty" yaml:"expression,omitempty"` // JMESPath
	Prompt     string       `json:"prompt,omitempty" yaml:"prompt,omitempty"`
}

// StepSpec is one entry of a workflow definition.
type StepSpec struct {
	ID       string                 `json:"id,omitempty" yaml:"id,omitempty"`
	Name     string                 `json:"name,omitempty" yaml:"name,omitempty"`
	Type     string                 `json:"type" yaml:"type"`
	Config   map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
	Approval *ApprovalPolicy        `json:"approval,omitempty" yaml:"approval,omitempty"`
}

// Key returns the name under which the step's output is stored in the run's
// accumulated output.
func (s StepSpec) Key(index int) string {
	if s.ID != "" {
		return s.ID
	}
	return "step_" + strconv.Itoa(index)
}

// Workflow is one immutable version of an automation definition. Editing a
// workflow creates a new version sharing the same WorkflowID; runs keep a
// reference to the exact version they were started from.
type Workflow struct {
	ID          string                 `json:"id"`          // Unique Version ID
	TenantID    string                 `json:"tenant_id"`   // Multi-tenancy isolation
	WorkflowID  string                 `json:"workflow_id"` // Stable Concept ID
	OwnerID     string                 `json:"owner_id"`
	Version     int                    `json:"version"`
	IsLatest    bool                   `json:"is_latest"`
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Status      string                 `json:"status"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
	Steps       []StepSpec             `json:"steps"`
	CreatedBy   string                 `json:"created_by"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}
