package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"maiachat/backend/pkg/models"
)

// MemoryStore is an in-process Repository used in dev mode and in tests.
// Every read returns a deep copy so callers never share state with the store.
type MemoryStore struct {
	mu        sync.Mutex
	workflows map[string]*models.Workflow
	tenants   map[string]*models.Tenant
	runs      map[string]*models.WorkflowRun
	tokens    map[string]*models.ResumeToken
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*models.Workflow),
		tenants:   make(map[string]*models.Tenant),
		runs:      make(map[string]*models.WorkflowRun),
		tokens:    make(map[string]*models.ResumeToken),
	}
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// CreateWorkflow saves a new workflow version.
func (s *MemoryStore) CreateWorkflow(ctx context.Context, workflow *models.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if workflow.ID == "" {
		workflow.ID = uuid.New().String()
	}
	if _, exists := s.workflows[workflow.ID]; exists {
		return ErrDuplicate
	}
	if workflow.WorkflowID == "" {
		workflow.WorkflowID = workflow.ID
	}

	version := 0
	for _, w := range s.workflows {
		if w.WorkflowID == workflow.WorkflowID {
			if w.Version > version {
				version = w.Version
			}
			w.IsLatest = false
		}
	}
	now := time.Now().UTC()
	workflow.Version = version + 1
	workflow.IsLatest = true
	workflow.CreatedAt = now
	workflow.UpdatedAt = now

	s.workflows[workflow.ID] = cloneJSON(workflow)
	return nil
}

// GetWorkflow resolves a version ID or the latest version of a stable WorkflowID.
func (s *MemoryStore) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.workflows[id]; ok {
		return cloneJSON(w), nil
	}
	for _, w := range s.workflows {
		if w.WorkflowID == id && w.IsLatest {
			return cloneJSON(w), nil
		}
	}
	return nil, ErrNotFound
}

// ListWorkflows returns the latest version of each workflow in the tenant.
func (s *MemoryStore) ListWorkflows(ctx context.Context, tenantID string) ([]*models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Workflow
	for _, w := range s.workflows {
		if w.IsLatest && w.TenantID == tenantID {
			out = append(out, cloneJSON(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetTenantByDomain looks up a tenant by email domain.
func (s *MemoryStore) GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tenants {
		if t.Domain == domain {
			copied := *t
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

// CreateTenant saves a new tenant and assigns its ID.
func (s *MemoryStore) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tenants {
		if t.Domain == tenant.Domain {
			return ErrDuplicate
		}
	}
	if tenant.ID == "" {
		tenant.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	tenant.CreatedAt, tenant.UpdatedAt = now, now
	copied := *tenant
	s.tenants[tenant.ID] = &copied
	return nil
}

// CreateRun inserts a new run.
func (s *MemoryStore) CreateRun(ctx context.Context, run *models.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return ErrDuplicate
	}
	s.runs[run.ID] = cloneJSON(run)
	return nil
}

// GetRun returns a copy of the run.
func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*models.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJSON(run), nil
}

// AppendStepRecord appends rec and applies upd atomically.
func (s *MemoryStore) AppendStepRecord(ctx context.Context, runID string, expectedVersion int, rec models.StepExecutionRecord, upd RunUpdate) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return 0, ErrNotFound
	}
	if run.Version != expectedVersion {
		return 0, ErrVersionConflict
	}
	for _, existing := range run.Steps {
		if existing.StepIndex == rec.StepIndex {
			return 0, ErrStepAlreadyRecorded
		}
	}
	if rec.StepIndex != run.Cursor {
		return 0, ErrStepOutOfOrder
	}

	rec.RunID = runID
	run.Steps = append(run.Steps, *cloneJSON(&rec))
	applyUpdate(run, upd)
	return run.Version, nil
}

// UpdateRunStatus applies upd if the version matches.
func (s *MemoryStore) UpdateRunStatus(ctx context.Context, runID string, expectedVersion int, upd RunUpdate) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return 0, ErrNotFound
	}
	if run.Version != expectedVersion {
		return 0, ErrVersionConflict
	}
	applyUpdate(run, upd)
	return run.Version, nil
}

func applyUpdate(run *models.WorkflowRun, upd RunUpdate) {
	run.Status = upd.Status
	run.Cursor = upd.Cursor
	run.Output = cloneMap(upd.Output)
	run.Error = upd.Error
	run.PendingSteps = append([]int(nil), upd.PendingSteps...)
	run.UpdatedAt = upd.UpdatedAt
	run.Version++
}

// CreateResumeToken stores a token row.
func (s *MemoryStore) CreateResumeToken(ctx context.Context, token *models.ResumeToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[token.TokenHash]; exists {
		return ErrDuplicate
	}
	copied := *token
	s.tokens[token.TokenHash] = &copied
	return nil
}

// SuspendRun stores token and applies upd if the version matches.
func (s *MemoryStore) SuspendRun(ctx context.Context, runID string, expectedVersion int, upd RunUpdate, token *models.ResumeToken) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return 0, ErrNotFound
	}
	if run.Version != expectedVersion {
		return 0, ErrVersionConflict
	}
	if _, exists := s.tokens[token.TokenHash]; exists {
		return 0, ErrDuplicate
	}
	copied := *token
	s.tokens[token.TokenHash] = &copied
	applyUpdate(run, upd)
	return run.Version, nil
}

// GetResumeToken reads a token without claiming it.
func (s *MemoryStore) GetResumeToken(ctx context.Context, tokenHash string) (*models.ResumeToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.tokens[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *tok
	return &copied, nil
}

// ClaimResumeToken consumes the token and returns the gated run.
func (s *MemoryStore) ClaimResumeToken(ctx context.Context, tokenHash string, now time.Time) (*models.ResumeToken, *models.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.tokens[tokenHash]
	if !ok || !tok.Usable(now) {
		return nil, nil, ErrTokenInvalid
	}
	run, ok := s.runs[tok.RunID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	if run.Status != models.RunStatusPausedApproval || run.Cursor != tok.StepIndex {
		return nil, nil, ErrRunNotPaused
	}

	consumedAt := now
	tok.Consumed = true
	tok.ConsumedAt = &consumedAt

	copied := *tok
	return &copied, cloneJSON(run), nil
}

// cloneJSON deep-copies v through its JSON form, the same form the SQL stores
// persist, so in-memory runs behave like reloaded ones.
func cloneJSON[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		panic("repository: value is not JSON encodable: " + err.Error())
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		panic("repository: value is not JSON decodable: " + err.Error())
	}
	return &out
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return *cloneJSON(&m)
}
