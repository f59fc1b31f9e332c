// Package engine runs workflow definitions step by step, checkpointing after
// every step and suspending at approval gates until a resume call arrives.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"maiachat/backend/internal/lease"
	"maiachat/backend/internal/metrics"
	"maiachat/backend/internal/repository"
	"maiachat/backend/pkg/models"
)

const tracerName = "maiachat/backend/internal/engine"

var idempotencyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:maiachat:workflow-run"))

// Store is the persistence the engine needs.
type Store interface {
	repository.WorkflowStore
	repository.RunStore
	repository.TokenStore
}

// Engine executes and resumes workflow runs.
type Engine struct {
	store       Store
	registry    *Registry
	gate        *ApprovalGate
	checkpoints *CheckpointWriter
	locker      lease.Locker
	metrics     metrics.Recorder
	logger      Logger
	tracer      trace.Tracer

	maxSteps    int
	stepTimeout time.Duration
	tokenTTL    time.Duration
	now         func() time.Time
}

// New creates an Engine over store dispatching steps through registry.
func New(store Store, registry *Registry, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		registry: registry,
		locker:   lease.NewMemoryLocker(),
		metrics:  metrics.Noop{},
		logger:   nopLogger{},
		tracer:   otel.Tracer(tracerName),
		maxSteps: DefaultMaxSteps,
		tokenTTL: DefaultTokenTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.gate = NewApprovalGate(store, e.tokenTTL, e.now)
	e.checkpoints = NewCheckpointWriter(store, e.now)
	return e
}

// Registry returns the registry the engine dispatches through.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Execute starts a run of the workflow and advances it until it completes,
// fails or reaches an approval gate. A failing step is reported through the
// result's Status and Error; the returned error is reserved for requests that
// were refused or could not be persisted.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) (res *RunResult, err error) {
	start := e.now()
	ctx, span := e.tracer.Start(ctx, "engine.Execute", trace.WithAttributes(
		attribute.String("workflow.id", req.WorkflowID),
		attribute.Bool("run.dry_run", req.DryRun),
	))
	defer func() { e.finishCall(span, "execute", start, res, err) }()

	if req.WorkflowID == "" || req.UserID == "" {
		return nil, newError(KindValidationFailed, "workflow id and user id are required")
	}
	wf, err := e.store.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, fromStore(err, "loading workflow %s", req.WorkflowID)
	}
	if wf.OwnerID != req.UserID {
		return nil, newError(KindForbidden, "workflow %s is not owned by the caller", req.WorkflowID)
	}
	if err := e.ValidateWorkflow(wf); err != nil {
		return nil, err
	}
	input, err := normalizeInput(req.Input)
	if err != nil {
		return nil, wrapError(KindValidationFailed, err, "input is not a JSON object")
	}
	if err := validateInput(wf.InputSchema, input); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	if req.IdempotencyKey != "" {
		runID = uuid.NewSHA1(idempotencyNamespace, []byte(req.UserID+"\n"+req.WorkflowID+"\n"+req.IdempotencyKey)).String()
	}
	span.SetAttributes(attribute.String("run.id", runID))

	ctx, release, err := e.acquire(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer release()

	run, created, err := e.openRun(ctx, wf, req, runID, input)
	if err != nil {
		return nil, err
	}

	if !created {
		if run.OwnerID != req.UserID {
			return nil, newError(KindForbidden, "run %s is not owned by the caller", run.ID)
		}
		if run.Status == models.RunStatusPausedApproval {
			return e.reissue(ctx, wf, run)
		}
		if run.Status != models.RunStatusRunning {
			return newResult(run), nil
		}
		// A previous holder stopped between checkpoints; pick up at the cursor
		// with the version the run was started from.
		if wf.ID != run.WorkflowID {
			if wf, err = e.store.GetWorkflow(ctx, run.WorkflowID); err != nil {
				return nil, fromStore(err, "loading workflow %s", run.WorkflowID)
			}
		}
		e.logger.Warn("continuing interrupted run", "run_id", run.ID, "cursor", run.Cursor)
		return e.advance(ctx, wf, run, -1, nil)
	}

	e.metrics.RunStarted(run.DryRun)
	e.logger.Info("run started", "run_id", run.ID, "workflow_id", wf.ID, "dry_run", run.DryRun)

	if err := e.checkpoints.Transition(ctx, run, repository.RunUpdate{
		Status:       models.RunStatusRunning,
		Cursor:       0,
		Output:       run.Output,
		PendingSteps: run.PendingSteps,
	}); err != nil {
		return nil, err
	}
	return e.advance(ctx, wf, run, -1, nil)
}

// Resume applies an approval decision to the run a token was issued for.
// Rejection ends the run; approval executes the gated step and continues.
func (e *Engine) Resume(ctx context.Context, req ResumeRequest) (res *RunResult, err error) {
	start := e.now()
	ctx, span := e.tracer.Start(ctx, "engine.Resume", trace.WithAttributes(
		attribute.Bool("approval.approved", req.Approved),
	))
	defer func() {
		if err != nil && res == nil {
			e.metrics.ResumeRefused(string(KindOf(err)))
		}
		e.finishCall(span, "resume", start, res, err)
	}()

	if req.Token == "" {
		return nil, newError(KindValidationFailed, "resume token is required")
	}
	hash := HashToken(req.Token)

	tok, err := e.store.GetResumeToken(ctx, hash)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, wrapError(KindInvalidResumeToken, err, "unknown resume token")
		}
		return nil, fromStore(err, "reading resume token")
	}
	if !tok.Usable(e.now()) {
		return nil, newError(KindInvalidResumeToken, "resume token for run %s is expired or already used", tok.RunID)
	}
	span.SetAttributes(attribute.String("run.id", tok.RunID), attribute.Int("step.index", tok.StepIndex))

	current, err := e.store.GetRun(ctx, tok.RunID)
	if err != nil {
		return nil, fromStore(err, "loading run %s", tok.RunID)
	}
	if req.UserID != "" && current.OwnerID != req.UserID {
		return nil, newError(KindForbidden, "run %s is not owned by the caller", current.ID)
	}
	wf, err := e.store.GetWorkflow(ctx, current.WorkflowID)
	if err != nil {
		return nil, fromStore(err, "loading workflow %s", current.WorkflowID)
	}
	if tok.StepIndex >= len(wf.Steps) {
		return nil, newError(KindInternal, "token step %d is outside workflow %s", tok.StepIndex, wf.ID)
	}

	ctx, release, err := e.acquire(ctx, tok.RunID)
	if err != nil {
		return nil, err
	}
	defer release()

	now := e.now().UTC()
	claimed, run, err := e.store.ClaimResumeToken(ctx, hash, now)
	if err != nil {
		return nil, fromStore(err, "claiming resume token for run %s", tok.RunID)
	}

	step := claimed.StepIndex
	spec := wf.Steps[step]
	decision := &models.ApprovalRecord{Approved: req.Approved, Comment: req.Comment, DecidedAt: now}
	e.logger.Info("approval decided", "run_id", run.ID, "step_index", step, "approved", req.Approved)

	if !req.Approved {
		rec := e.newRecord(run, spec, step, now)
		rec.Status = models.StepStatusRejected
		rec.Approval = decision
		if err := e.checkpoints.Checkpoint(ctx, run, rec, repository.RunUpdate{
			Status: models.RunStatusRejected,
			Cursor: step,
			Output: run.Output,
		}); err != nil {
			return nil, err
		}
		return newResult(run), nil
	}

	if err := e.checkpoints.Transition(ctx, run, repository.RunUpdate{
		Status:       models.RunStatusRunning,
		Cursor:       step,
		Output:       run.Output,
		PendingSteps: run.PendingSteps,
	}); err != nil {
		return nil, err
	}
	return e.advance(ctx, wf, run, step, decision)
}

// GetRun returns the current state of a run. A non-empty userID must own it.
func (e *Engine) GetRun(ctx context.Context, runID, userID string) (*RunResult, error) {
	if runID == "" {
		return nil, newError(KindValidationFailed, "run id is required")
	}
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fromStore(err, "loading run %s", runID)
	}
	if userID != "" && run.OwnerID != userID {
		return nil, newError(KindForbidden, "run %s is not owned by the caller", runID)
	}
	res := newResult(run)
	if res.Approval != nil {
		wf, err := e.store.GetWorkflow(ctx, run.WorkflowID)
		switch {
		case err != nil:
			e.logger.Warn("loading workflow for approval prompt", "run_id", run.ID, "workflow_id", run.WorkflowID, "error", err)
		case run.Cursor < len(wf.Steps):
			res.Approval.Prompt = approvalPrompt(wf.Steps[run.Cursor], run.Cursor)
		}
	}
	return res, nil
}

// advance runs steps from the run's cursor. approvedStep is the index a
// resume has just approved, or -1.
func (e *Engine) advance(ctx context.Context, wf *models.Workflow, run *models.WorkflowRun, approvedStep int, decision *models.ApprovalRecord) (*RunResult, error) {
	n := len(wf.Steps)
	for i := run.Cursor; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return e.interrupt(ctx, run, i, context.Cause(ctx))
		}
		spec := wf.Steps[i]
		sc := StepContext{
			RunID:       run.ID,
			WorkflowID:  run.WorkflowID,
			StepIndex:   i,
			StepID:      spec.Key(i),
			Input:       run.Input,
			Accumulated: copyMap(run.Output),
			Config:      spec.Config,
			DryRun:      run.DryRun,
		}

		if i != approvedStep {
			gated, err := e.gate.RequiresApproval(spec, sc)
			if err != nil {
				now := e.now().UTC()
				rec := e.newRecord(run, spec, i, now)
				rec.Status = models.StepStatusFailed
				rec.Error = err.Error()
				return e.fail(ctx, run, rec, err)
			}
			if gated {
				return e.pause(ctx, run, spec, i, n)
			}
		}

		rec, out, err := e.runStep(ctx, run, spec, sc)
		if i == approvedStep {
			rec.Approval = decision
		}
		if err != nil {
			return e.fail(ctx, run, rec, err)
		}

		output := copyMap(run.Output)
		output[spec.Key(i)] = out
		if err := e.checkpoints.Checkpoint(ctx, run, rec, repository.RunUpdate{
			Status:       models.RunStatusRunning,
			Cursor:       i + 1,
			Output:       output,
			PendingSteps: pendingFrom(i+1, n),
		}); err != nil {
			return nil, err
		}
		e.logger.Debug("step checkpointed", "run_id", run.ID, "step_index", i, "action_type", spec.Type)
	}

	if err := e.checkpoints.Transition(ctx, run, repository.RunUpdate{
		Status: models.RunStatusCompleted,
		Cursor: n,
		Output: run.Output,
	}); err != nil {
		return nil, err
	}
	e.logger.Info("run completed", "run_id", run.ID, "steps", n)
	return newResult(run), nil
}

func (e *Engine) runStep(ctx context.Context, run *models.WorkflowRun, spec models.StepSpec, sc StepContext) (models.StepExecutionRecord, interface{}, error) {
	ctx, span := e.tracer.Start(ctx, "engine.step", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.Int("step.index", sc.StepIndex),
		attribute.String("step.type", spec.Type),
		attribute.Bool("run.dry_run", run.DryRun),
	))
	defer span.End()

	if e.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
	}

	started := e.now().UTC()
	out, err := e.registry.Run(ctx, spec.Type, sc)
	rec := e.newRecord(run, spec, sc.StepIndex, started)
	rec.EndedAt = e.now().UTC()

	if err != nil {
		if cause := context.Cause(ctx); cause != nil && !errors.Is(err, cause) {
			err = fmt.Errorf("%w: %w", err, cause)
		}
		rec.Status = models.StepStatusFailed
		rec.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		out = nil
	} else {
		rec.Output = out
	}
	e.metrics.StepFinished(spec.Type, string(rec.Status), rec.EndedAt.Sub(rec.StartedAt))
	return rec, out, err
}

func (e *Engine) newRecord(run *models.WorkflowRun, spec models.StepSpec, index int, started time.Time) models.StepExecutionRecord {
	return models.StepExecutionRecord{
		RunID:      run.ID,
		StepIndex:  index,
		StepID:     spec.ID,
		ActionType: spec.Type,
		Status:     models.StepStatusSucceeded,
		Input:      copyMap(spec.Config),
		DryRun:     run.DryRun,
		StartedAt:  started,
		EndedAt:    started,
	}
}

// fail records the failed step and ends the run in one checkpoint.
func (e *Engine) fail(ctx context.Context, run *models.WorkflowRun, rec models.StepExecutionRecord, cause error) (*RunResult, error) {
	stepErr := wrapError(KindStepExecutionFailed, cause, "step %d (%s) failed", rec.StepIndex, rec.ActionType)
	if err := e.checkpoints.Checkpoint(ctx, run, rec, repository.RunUpdate{
		Status: models.RunStatusFailed,
		Cursor: rec.StepIndex,
		Output: run.Output,
		Error:  stepErr.Error(),
	}); err != nil {
		return nil, err
	}
	e.logger.Warn("run failed", "run_id", run.ID, "step_index", rec.StepIndex, "error", cause)
	return newResult(run), nil
}

// interrupt ends the run when the caller's context is done before step i
// starts. Nothing of step i has run, so no record is written.
func (e *Engine) interrupt(ctx context.Context, run *models.WorkflowRun, i int, cause error) (*RunResult, error) {
	runErr := wrapError(KindInternal, cause, "run interrupted before step %d", i)
	if err := e.checkpoints.Transition(ctx, run, repository.RunUpdate{
		Status: models.RunStatusFailed,
		Cursor: i,
		Output: run.Output,
		Error:  runErr.Error(),
	}); err != nil {
		return nil, err
	}
	e.logger.Warn("run interrupted", "run_id", run.ID, "step_index", i, "error", cause)
	return newResult(run), nil
}

// pause suspends the run before step i.
func (e *Engine) pause(ctx context.Context, run *models.WorkflowRun, spec models.StepSpec, i, n int) (*RunResult, error) {
	issued, token, err := e.gate.Mint(run, i)
	if err != nil {
		return nil, err
	}
	if err := e.checkpoints.Suspend(ctx, run, token, repository.RunUpdate{
		Status:       models.RunStatusPausedApproval,
		Cursor:       i,
		Output:       run.Output,
		PendingSteps: pendingFrom(i, n),
	}); err != nil {
		return nil, err
	}
	e.metrics.TokenIssued()
	e.logger.Info("run paused for approval", "run_id", run.ID, "step_index", i, "expires_at", issued.ExpiresAt)

	res := newResult(run)
	res.Approval = &Approval{
		Token:     issued.Token,
		StepIndex: i,
		Prompt:    approvalPrompt(spec, i),
		ExpiresAt: issued.ExpiresAt,
	}
	return res, nil
}

// reissue answers a repeated Execute on a paused run with a fresh token for
// the same pause. Only the first claim of any of its tokens can succeed.
func (e *Engine) reissue(ctx context.Context, wf *models.Workflow, run *models.WorkflowRun) (*RunResult, error) {
	if wf.ID != run.WorkflowID {
		var err error
		if wf, err = e.store.GetWorkflow(ctx, run.WorkflowID); err != nil {
			return nil, fromStore(err, "loading workflow %s", run.WorkflowID)
		}
	}
	if run.Cursor >= len(wf.Steps) {
		return nil, newError(KindInternal, "run %s is paused past the last step", run.ID)
	}
	issued, err := e.gate.Suspend(ctx, run, run.Cursor)
	if err != nil {
		return nil, err
	}
	e.metrics.TokenIssued()
	e.logger.Info("resume token reissued", "run_id", run.ID, "step_index", run.Cursor)

	res := newResult(run)
	res.Approval = &Approval{
		Token:     issued.Token,
		StepIndex: run.Cursor,
		Prompt:    approvalPrompt(wf.Steps[run.Cursor], run.Cursor),
		ExpiresAt: issued.ExpiresAt,
	}
	return res, nil
}

func (e *Engine) openRun(ctx context.Context, wf *models.Workflow, req ExecuteRequest, runID string, input map[string]interface{}) (*models.WorkflowRun, bool, error) {
	if req.IdempotencyKey != "" {
		existing, err := e.store.GetRun(ctx, runID)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, false, fromStore(err, "loading run %s", runID)
		}
	}

	now := e.now().UTC()
	run := &models.WorkflowRun{
		ID:             runID,
		WorkflowID:     wf.ID,
		OwnerID:        req.UserID,
		TenantID:       wf.TenantID,
		Status:         models.RunStatusPending,
		Input:          input,
		DryRun:         req.DryRun,
		Output:         map[string]interface{}{},
		PendingSteps:   pendingFrom(0, len(wf.Steps)),
		IdempotencyKey: req.IdempotencyKey,
		SchemaVersion:  models.RunSchemaVersion,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		if errors.Is(err, repository.ErrDuplicate) && req.IdempotencyKey != "" {
			existing, getErr := e.store.GetRun(ctx, runID)
			if getErr != nil {
				return nil, false, fromStore(getErr, "loading run %s", runID)
			}
			return existing, false, nil
		}
		return nil, false, fromStore(err, "creating run for workflow %s", wf.ID)
	}
	return run, true, nil
}

// acquire takes the run lease. The returned context is cancelled with
// lease.ErrLost when the lease can no longer be relied on, which stops the
// step in flight and keeps later steps from starting.
func (e *Engine) acquire(ctx context.Context, runID string) (context.Context, func(), error) {
	held, err := e.locker.Acquire(ctx, runID)
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			return nil, nil, wrapError(KindRunAlreadyAdvanced, err, "run %s is being advanced by another caller", runID)
		}
		return nil, nil, wrapError(KindInternal, err, "acquiring lease for run %s", runID)
	}

	leaseCtx, cancel := context.WithCancelCause(ctx)
	if lost := held.Lost(); lost != nil {
		go func() {
			select {
			case <-lost:
				e.logger.Error("run lease lost", "run_id", runID)
				cancel(lease.ErrLost)
			case <-leaseCtx.Done():
			}
		}()
	}
	return leaseCtx, func() {
		cancel(nil)
		if err := held.Release(context.WithoutCancel(ctx)); err != nil {
			e.logger.Warn("releasing run lease", "run_id", runID, "error", err)
		}
	}, nil
}

func (e *Engine) finishCall(span trace.Span, op string, start time.Time, res *RunResult, err error) {
	status := "error"
	switch {
	case err != nil:
		status = string(KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case res != nil:
		status = string(res.Status)
		span.SetAttributes(attribute.String("run.status", status))
		if res.Status == models.RunStatusFailed {
			span.SetStatus(codes.Error, res.Error)
		}
	}
	e.metrics.CallFinished(op, status, e.now().Sub(start))
	span.End()
}

func approvalPrompt(spec models.StepSpec, index int) string {
	if spec.Approval != nil && spec.Approval.Prompt != "" {
		return spec.Approval.Prompt
	}
	name := spec.Name
	if name == "" {
		name = spec.Key(index)
	}
	return fmt.Sprintf("Approve step %d (%s)?", index, name)
}

func normalizeInput(in map[string]interface{}) (map[string]interface{}, error) {
	if in == nil {
		return map[string]interface{}{}, nil
	}
	v, err := normalizeOutput(in)
	if err != nil {
		return nil, err
	}
	out, ok := v.(map[string]interface{})
	if !ok {
		return nil, errors.New("input is not an object")
	}
	return out, nil
}

func pendingFrom(from, n int) []int {
	pending := make([]int, 0, n-from)
	for i := from; i < n; i++ {
		pending = append(pending, i)
	}
	return pending
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
