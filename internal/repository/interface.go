package repository

import (
	"context"
	"errors"
	"time"

	"maiachat/backend/pkg/models"
)

var (
	// ErrNotFound is returned when a workflow, run, tenant or token does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when creating a record whose key already exists.
	ErrDuplicate = errors.New("already exists")
	// ErrVersionConflict is returned when a run was modified since it was read.
	ErrVersionConflict = errors.New("run version conflict")
	// ErrStepAlreadyRecorded is returned when a step index already has a record.
	ErrStepAlreadyRecorded = errors.New("step already recorded")
	// ErrStepOutOfOrder is returned when a record does not match the run cursor.
	ErrStepOutOfOrder = errors.New("step record does not match run cursor")
	// ErrTokenInvalid is returned when a resume token is missing, expired or consumed.
	ErrTokenInvalid = errors.New("resume token invalid")
	// ErrRunNotPaused is returned when a token's run is no longer paused at the token's step.
	ErrRunNotPaused = errors.New("run not paused at token step")
)

// RunUpdate carries the run fields written together with a status change or
// a step checkpoint.
type RunUpdate struct {
	Status       models.RunStatus
	Cursor       int
	Output       map[string]interface{}
	Error        string
	PendingSteps []int
	UpdatedAt    time.Time
}

// WorkflowStore persists workflow definition versions.
type WorkflowStore interface {
	// CreateWorkflow saves a new version of a workflow. If a version with the
	// same WorkflowID exists, the new row becomes the latest version.
	CreateWorkflow(ctx context.Context, workflow *models.Workflow) error
	// GetWorkflow resolves a version ID, or a stable WorkflowID to its latest version.
	GetWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	// ListWorkflows returns the latest version of each workflow in a tenant.
	ListWorkflows(ctx context.Context, tenantID string) ([]*models.Workflow, error)
}

// TenantStore persists tenants.
type TenantStore interface {
	GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error)
	CreateTenant(ctx context.Context, tenant *models.Tenant) error
}

// RunStore persists workflow runs and their step records.
type RunStore interface {
	// CreateRun inserts a new run. Returns ErrDuplicate if the ID is taken.
	CreateRun(ctx context.Context, run *models.WorkflowRun) error
	// GetRun returns the run with its step records ordered by index.
	GetRun(ctx context.Context, runID string) (*models.WorkflowRun, error)
	// AppendStepRecord inserts rec and applies upd in one transaction, provided
	// the run is still at expectedVersion and its cursor equals rec.StepIndex.
	// It returns the new run version.
	AppendStepRecord(ctx context.Context, runID string, expectedVersion int, rec models.StepExecutionRecord, upd RunUpdate) (int, error)
	// UpdateRunStatus applies upd if the run is still at expectedVersion and
	// returns the new run version.
	UpdateRunStatus(ctx context.Context, runID string, expectedVersion int, upd RunUpdate) (int, error)
}

// TokenStore persists single-use resume tokens.
type TokenStore interface {
	CreateResumeToken(ctx context.Context, token *models.ResumeToken) error
	// SuspendRun stores token and applies upd in one transaction, provided the
	// run is still at expectedVersion. Either both are written or neither.
	SuspendRun(ctx context.Context, runID string, expectedVersion int, upd RunUpdate, token *models.ResumeToken) (int, error)
	// GetResumeToken reads a token without claiming it.
	GetResumeToken(ctx context.Context, tokenHash string) (*models.ResumeToken, error)
	// ClaimResumeToken marks the token consumed and reads the gated run in the
	// same transaction. Exactly one caller can succeed for a given token; the
	// others get ErrTokenInvalid. If the run is no longer paused at the token's
	// step, nothing is written and ErrRunNotPaused is returned.
	ClaimResumeToken(ctx context.Context, tokenHash string, now time.Time) (*models.ResumeToken, *models.WorkflowRun, error)
}

// Repository is the persistence port used by the engine and the API layer.
type Repository interface {
	WorkflowStore
	TenantStore
	RunStore
	TokenStore
	Ping(ctx context.Context) error
	Close() error
}
