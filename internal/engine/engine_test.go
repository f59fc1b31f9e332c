package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maiachat/backend/internal/lease"
	"maiachat/backend/internal/repository"
	"maiachat/backend/pkg/models"
)

const owner = "user-1"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// effects records externally visible work done by the test actions.
type effects struct {
	mu    sync.Mutex
	steps []string
}

func (e *effects) add(step string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.steps = append(e.steps, step)
}

func (e *effects) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.steps...)
}

type harness struct {
	store   *repository.MemoryStore
	engine  *Engine
	clock   *fakeClock
	effects *effects
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:   repository.NewMemoryStore(),
		clock:   &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		effects: &effects{},
	}

	registry, err := NewRegistry(
		ActionFunc("echo", true, func(ctx context.Context, sc StepContext) (interface{}, error) {
			if !sc.DryRun {
				h.effects.add(sc.StepID)
			}
			return map[string]interface{}{"index": sc.StepIndex, "seen": len(sc.Accumulated)}, nil
		}),
		ActionFunc("fail", true, func(ctx context.Context, sc StepContext) (interface{}, error) {
			return nil, errors.New("boom")
		}),
		ActionFunc("wait", true, func(ctx context.Context, sc StepContext) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
		ActionFunc("live_only", false, func(ctx context.Context, sc StepContext) (interface{}, error) {
			h.effects.add(sc.StepID)
			return nil, nil
		}),
	)
	require.NoError(t, err)

	opts = append([]Option{WithClock(h.clock.Now)}, opts...)
	h.engine = New(h.store, registry, opts...)
	return h
}

func (h *harness) workflow(t *testing.T, steps ...models.StepSpec) *models.Workflow {
	t.Helper()
	wf := &models.Workflow{
		TenantID: "tenant-1",
		OwnerID:  owner,
		Name:     "test",
		Status:   models.WorkflowStatusActive,
		Steps:    steps,
	}
	require.NoError(t, h.store.CreateWorkflow(context.Background(), wf))
	return wf
}

func (h *harness) storedRun(t *testing.T, runID string) *models.WorkflowRun {
	t.Helper()
	run, err := h.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	return run
}

func echo(id string) models.StepSpec {
	return models.StepSpec{ID: id, Type: "echo"}
}

func gated(spec models.StepSpec) models.StepSpec {
	spec.Approval = &models.ApprovalPolicy{Mode: models.ApprovalAlways, Prompt: "ok to run " + spec.ID + "?"}
	return spec
}

func summaryIndices(steps []StepSummary) []int {
	out := make([]int, len(steps))
	for i, s := range steps {
		out[i] = s.Index
	}
	return out
}

// assertContiguous checks that step records are numbered 0..n-1 in order.
func assertContiguous(t *testing.T, run *models.WorkflowRun) {
	t.Helper()
	for i, rec := range run.Steps {
		assert.Equal(t, i, rec.StepIndex, "step records must have no gaps or repeats")
	}
}

func TestExecute_CompletesAllSteps(t *testing.T) {
	h := newHarness(t)
	wf := h.workflow(t, echo("a"), echo("b"), echo("c"))

	res, err := h.engine.Execute(context.Background(), ExecuteRequest{WorkflowID: wf.WorkflowID, UserID: owner})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, res.Status)
	assert.Empty(t, res.Error)
	assert.Nil(t, res.Approval)
	assert.Equal(t, []int{0, 1, 2}, summaryIndices(res.CompletedSteps))
	assert.Empty(t, res.PendingSteps)
	assert.Equal(t, map[string]interface{}{"index": float64(2), "seen": float64(2)}, res.Output["c"])
	assert.Equal(t, []string{"a", "b", "c"}, h.effects.list())

	run := h.storedRun(t, res.RunID)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, 3, run.Cursor)
	assert.Equal(t, wf.ID, run.WorkflowID)
	assertContiguous(t, run)
}

func TestScenario_ApprovalAtSecondStep(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	wf := h.workflow(t, echo("a"), gated(echo("b")), echo("c"))

	paused, err := h.engine.Execute(ctx, ExecuteRequest{WorkflowID: wf.WorkflowID, UserID: owner})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusPausedApproval, paused.Status)
	assert.Equal(t, []int{0}, summaryIndices(paused.CompletedSteps))
	assert.Equal(t, []int{1, 2}, paused.PendingSteps)
	require.NotNil(t, paused.Approval)
	assert.NotEmpty(t, paused.Approval.Token)
	assert.Equal(t, 1, paused.Approval.StepIndex)
	assert.Equal(t, "ok to run b?", paused.Approval.Prompt)
	assert.Equal(t, h.clock.Now().Add(DefaultTokenTTL), paused.Approval.ExpiresAt)
	assert.Equal(t, []string{"a"}, h.effects.list(), "the gated step must not run before approval")

	done, err := h.engine.Resume(ctx, ResumeRequest{Token: paused.Approval.Token, Approved: true, Comment: "lgtm"})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, done.Status)
	assert.Equal(t, []int{0, 1, 2}, summaryIndices(done.CompletedSteps))
	assert.Empty(t, done.PendingSteps)
	require.NotNil(t, done.CompletedSteps[1].Approval)
	assert.True(t, done.CompletedSteps[1].Approval.Approved)
	assert.Equal(t, "lgtm", done.CompletedSteps[1].Approval.Comment)
	assert.Equal(t, []string{"a", "b", "c"}, h.effects.list())

	before := h.storedRun(t, paused.RunID)

	_, err = h.engine.Resume(ctx, ResumeRequest{Token: paused.Approval.Token, Approved: true})
	assert.ErrorIs(t, err, ErrInvalidResumeToken)

	after := h.storedRun(t, paused.RunID)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.Version, after.Version)
	assert.Len(t, after.Steps, 3)
	assertContiguous(t, after)
}

func TestResume_RejectionStopsRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	wf := h.workflow(t, echo("a"), gated(echo("b")), echo("c"))

	paused, err := h.engine.Execute(ctx, ExecuteRequest{WorkflowID: wf.ID, UserID: owner})
	require.NoError(t, err)

	res, err := h.engine.Resume(ctx, ResumeRequest{Token: paused.Approval.Token, Approved: false, Comment: "not today"})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusRejected, res.Status)
	assert.Equal(t, []int{0}, summaryIndices(res.CompletedSteps))
	assert.Empty(t, res.PendingSteps)
	assert.Nil(t, res.Approval)
	assert.Equal(t, []string{"a"}, h.effects.list(), "neither the gated step nor later steps may run")

	run := h.storedRun(t, paused.RunID)
	require.Len(t, run.Steps, 2)
	rejected := run.Steps[1]
	assert.Equal(t, models.StepStatusRejected, rejected.Status)
	require.NotNil(t, rejected.Approval)
	assert.False(t, rejected.Approval.Approved)
	assert.Equal(t, "not today", rejected.Approval.Comment)
	assert.Nil(t, rejected.Output)

	_, err = h.engine.Resume(ctx, ResumeRequest{Token: paused.Approval.Token, Approved: true})
	assert.ErrorIs(t, err, ErrInvalidResumeToken)
}

func TestScenario_FirstStepFails(t *testing.T) {
	h := newHarness(t)
	wf := h.workflow(t, models.StepSpec{ID: "a", Type: "fail"}, echo("b"))

	res, err := h.engine.Execute(context.Background(), ExecuteRequest{WorkflowID: wf.ID, UserID: owner})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusFailed, res.Status)
	assert.Empty(t, res.CompletedSteps)
	assert.Empty(t, res.PendingSteps)
	assert.Contains(t, res.Error, "boom")
	assert.Contains(t, res.Error, string(KindStepExecutionFailed))
	assert.Empty(t, h.effects.list())

	run := h.storedRun(t, res.RunID)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	require.Len(t, run.Steps, 1, "no record may exist for step 2")
	assert.Equal(t, models.StepStatusFailed, run.Steps[0].Status)
	assert.Equal(t, "boom", run.Steps[0].Error)
	assert.Equal(t, res.Error, run.Error)
}

func TestDryRun_MatchesLiveRunWithoutEffects(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	wf := h.workflow(t, echo("a"), echo("b"), echo("c"))

	dry, err := h.engine.Execute(ctx, ExecuteRequest{WorkflowID: wf.ID, UserID: owner, DryRun: true})
	require.NoError(t, err)
	assert.Empty(t, h.effects.list(), "dry run must not produce effects")

	live, err := h.engine.Execute(ctx, ExecuteRequest{WorkflowID: wf.ID, UserID: owner})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, dry.Status)
	assert.True(t, dry.DryRun)
	assert.Equal(t, summaryIndices(live.CompletedSteps), summaryIndices(dry.CompletedSteps))
	for _, s := range dry.CompletedSteps {
		assert.True(t, s.DryRun)
	}
	for _, s := range live.CompletedSteps {
		assert.False(t, s.DryRun)
	}
	assert.Len(t, h.effects.list(), 3)
}

func TestDryRun_StillStopsAtApprovalGates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	wf := h.workflow(t, gated(echo("a")), echo("b"))

	paused, err := h.engine.Execute(ctx, ExecuteRequest{WorkflowID: wf.ID, UserID: owner, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPausedApproval, paused.Status)
	assert.Equal(t, []int{0, 1}, paused.PendingSteps)

	done, err := h.engine.Resume(ctx, ResumeRequest{Token: paused.Approval.Token, Approved: true})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, done.Status)
	assert.True(t, done.DryRun)
	assert.Empty(t, h.effects.list())
}

func TestResume_OutputMatchesUninterruptedRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	withGates := h.workflow(t, echo("a"), gated(echo("b")), echo("c"), gated(echo("d")))
	without := h.workflow(t, echo("a"), echo("b"), echo("c"), echo("d"))

	res, err := h.engine.Execute(ctx, ExecuteRequest{WorkflowID: withGates.ID, UserID: owner})
	require.NoError(t, err)
	require.Equal(t, 1, res.Approval.StepIndex)

	res, err = h.engine.Resume(ctx, ResumeRequest{Token: res.Approval.Token, Approved: true})
	require.NoError(t, err)
	require.Equal(t, models.RunStatusPausedApproval, res.Status, "the second gate suspends again")
	require.Equal(t, 3, res.Approval.StepIndex)
	assert.Equal(t, []int{3}, res.PendingSteps)

	res, err = h.engine.Resume(ctx, ResumeRequest{Token: res.Approval.Token, Approved: true})
	require.NoError(t, err)
	require.Equal(t, models.RunStatusCompleted, res.Status)

	plain, err := h.engine.Execute(ctx, ExecuteRequest{WorkflowID: without.ID, UserID: owner})
	require.NoError(t, err)

	assert.Equal(t, plain.Output, res.Output)
	assertContiguous(t, h.storedRun(t, res.RunID))
}

func TestApprovalWhenExpression(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	review := echo("b")
	review.Approval = &models.ApprovalPolicy{Mode: models.ApprovalWhen, Expression: "input.amount > `100`"}
	wf := h.workflow(t, echo("a"), review)

	small, err := h.engine.Execute(ctx, ExecuteRequest{WorkflowID: wf.ID, UserID: owner, Input: map[string]interface{}{"amount": 50}})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, small.Status)

	large, err := h.engine.Execute(ctx, ExecuteRequest{WorkflowID: wf.ID, UserID: owner, Input: map[string]interface{}{"amount": 500}})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPausedApproval, large.Status)
	assert.Equal(t, "Approve step 1 (b)?", large.Approval.Prompt)
}

func TestExecute_RefusedRequests(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithMaxSteps(2))
	ok := h.workflow(t, echo("a"))

	tests := []struct {
		name string
		wf   func() string
		user string
		in   map[string]interface{}
		want error
	}{
		{name: "missing ids", wf: func() string { return "" }, user: owner, want: ErrValidationFailed},
		{name: "missing user", wf: func() string { return ok.ID }, user: "", want: ErrValidationFailed},
		{name: "unknown workflow", wf: func() string { return "nope" }, user: owner, want: ErrNotFound},
		{name: "not owner", wf: func() string { return ok.ID }, user: "intruder", want: ErrForbidden},
		{name: "unknown step type", wf: func() string {
			return h.workflow(t, models.StepSpec{Type: "teleport"}).ID
		}, user: owner, want: ErrUnknownStepType},
		{name: "no dry-run behaviour", wf: func() string {
			return h.workflow(t, models.StepSpec{Type: "live_only"}).ID
		}, user: owner, want: ErrValidationFailed},
		{name: "too many steps", wf: func() string {
			return h.workflow(t, echo("a"), echo("b"), echo("c")).ID
		}, user: owner, want: ErrValidationFailed},
		{name: "duplicate step keys", wf: func() string {
			return h.workflow(t, echo("a"), echo("a")).ID
		}, user: owner, want: ErrValidationFailed},
		{name: "input schema", wf: func() string {
			wf := &models.Workflow{
				OwnerID: owner,
				Name:    "schema",
				Steps:   []models.StepSpec{echo("a")},
				InputSchema: map[string]interface{}{
					"type":     "object",
					"required": []interface{}{"text"},
				},
			}
			require.NoError(t, h.store.CreateWorkflow(ctx, wf))
			return wf.ID
		}, user: owner, in: map[string]interface{}{"other": 1}, want: ErrValidationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.engine.Execute(ctx, ExecuteRequest{WorkflowID: tt.wf(), UserID: tt.user, Input: tt.in})
			assert.Nil(t, res)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, h.effects.list())
}

func TestResume_RefusedRequests(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	wf := h.workflow(t, gated(echo("a")))

	paused, err := h.engine.Execute(ctx, ExecuteRequest{WorkflowID: wf.ID, UserID: owner})
	require.NoError(t, err)
	token := paused.Approval.Token

	_, err = h.engine.Resume(ctx, ResumeRequest{})
	assert.ErrorIs(t, err, ErrValidationFailed)

	_, err = h.engine.Resume(ctx, ResumeRequest{Token: "not-a-token", Approved: true})
	assert.ErrorIs(t, err, ErrInvalidResumeToken)

	_, err = h.engine.Resume(ctx, ResumeRequest{Token: token, Approved: true, UserID: "intruder"})
	assert.ErrorIs(t, err, ErrForbidden)

	stored, err := h.store.GetResumeToken(ctx, HashToken(token))
	require.NoError(t, err)
	assert.False(t, stored.Consumed, "a refused resume must not consume the token")
	assert.Equal(t, models.RunStatusPausedApproval, h.storedRun(t, paused.RunID).Status)

	res, err := h.engine.Resume(ctx, ResumeRequest{Token: token, Approved: true, UserID: owner})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, res.Status)
}

func TestResume_ExpiredToken(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithTokenTTL(time.Hour))
	wf := h.workflow(t, gated(echo("a")))

	paused, err := h.engine.Execute(ctx, ExecuteRequest{WorkflowID: wf.ID, UserID: owner})
	require.NoError(t, err)
	assert.Equal(t, h.clock.Now().Add(time.Hour), paused.Approval.ExpiresAt)

	h.clock.Advance(2 * time.Hour)

	_, err = h.engine.Resume(ctx, ResumeRequest{Token: paused.Approval.Token, Approved: true})
	assert.ErrorIs(t, err, ErrInvalidResumeToken)

	run := h.storedRun(t, paused.RunID)
	assert.Equal(t, models.RunStatusPausedApproval, run.Status)
	assert.Empty(t, run.Steps)
	assert.Empty(t, h.effects.list())
}

func TestResume_ConcurrentCallsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	wf := h.workflow(t, gated(echo("a")), echo("b"))

	paused, err := h.engine.Execute(ctx, ExecuteRequest{WorkflowID: wf.ID, UserID: owner})
	require.NoError(t, err)

	const contenders = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   int
		refusedOK = true
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.engine.Resume(ctx, ResumeRequest{Token: paused.Approval.Token, Approved: true})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners++
				assert.Equal(t, models.RunStatusCompleted, res.Status)
				return
			}
			if !errors.Is(err, ErrInvalidResumeToken) && !errors.Is(err, ErrRunAlreadyAdvanced) {
				refusedOK = false
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.True(t, refusedOK, "losers must see an invalid token or an advanced run")
	assert.Equal(t, []string{"a", "b"}, h.effects.list())
	assertContiguous(t, h.storedRun(t, paused.RunID))
}

func TestResume_LeaseHeldElsewhere(t *testing.T) {
	ctx := context.Background()
	locker := lease.NewMemoryLocker()
	h := newHarness(t, WithLocker(locker))
	wf := h.workflow(t, gated(echo("a")))

	paused, err := h.engine.Execute(ctx, ExecuteRequest{WorkflowID: wf.ID, UserID: owner})
	require.NoError(t, err)

	held, err := locker.Acquire(ctx, paused.RunID)
	require.NoError(t, err)

	_, err = h.engine.Resume(ctx, ResumeRequest{Token: paused.Approval.Token, Approved: true})
	assert.ErrorIs(t, err, ErrRunAlreadyAdvanced)

	require.NoError(t, held.Release(ctx))
	res, err := h.engine.Resume(ctx, ResumeRequest{Token: paused.Approval.Token, Approved: true})
	require.NoError(t, err, "the token survives a refused resume")
	assert.Equal(t, models.RunStatusCompleted, res.Status)
}

// losableLocker hands out leases whose loss the test triggers.
type losableLocker struct {
	lost chan struct{}
}

func (l *losableLocker) Acquire(context.Context, string) (lease.Lease, error) {
	return l, nil
}

func (l *losableLocker) Lost() <-chan struct{} { return l.lost }
func (l *losableLocker) Release(context.Context) error { return nil }

func TestExecute_LeaseLostDuringStep(t *testing.T) {
	locker := &losableLocker{lost: make(chan struct{})}
	h := newHarness(t, WithLocker(locker))
	wf := h.workflow(t, echo("a"), models.StepSpec{ID: "slow", Type: "wait"}, echo("c"))

	time.AfterFunc(20*time.Millisecond, func() { close(locker.lost) })
	res, err := h.engine.Execute(context.Background(), ExecuteRequest{WorkflowID: wf.ID, UserID: owner})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, res.Status)
	assert.Contains(t, res.Error, lease.ErrLost.Error())

	run := h.storedRun(t, res.RunID)
	require.Len(t, run.Steps, 2)
	assert.Equal(t, models.StepStatusFailed, run.Steps[1].Status)
	assert.Contains(t, run.Steps[1].Error, lease.ErrLost.Error())
	assert.Equal(t, []string{"a"}, h.effects.list(), "no step starts after the lease is gone")
}

func TestExecute_IdempotencyKey(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	wf := h.workflow(t, echo("a"), gated(echo("b")))

	first, err := h.engine.Execute(ctx, ExecuteRequest{WorkflowID: wf.ID, UserID: owner, IdempotencyKey: "order-42"})
	require.NoError(t, err)
	require.Equal(t, models.RunStatusPausedApproval, first.Status)

	again, err := h.engine.Execute(ctx, ExecuteRequest{WorkflowID: wf.ID, UserID: owner, IdempotencyKey: "order-42"})
	require.NoError(t, err)
	assert.Equal(t, first.RunID, again.RunID)
	assert.Equal(t, models.RunStatusPausedApproval, again.Status)
	require.NotNil(t, again.Approval)
	assert.NotEmpty(t, again.Approval.Token, "a repeated call gets a usable token")
	assert.NotEqual(t, first.Approval.Token, again.Approval.Token)
	assert.Equal(t, 1, again.Approval.StepIndex)
	assert.Equal(t, "ok to run b?", again.Approval.Prompt)
	assert.Equal(t, []string{"a"}, h.effects.list())

	other, err := h.engine.Execute(ctx, ExecuteRequest{WorkflowID: wf.ID, UserID: owner, IdempotencyKey: "order-43"})
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, other.RunID)

	// The reissued token resumes the run; the original one is then stale.
	res, err := h.engine.Resume(ctx, ResumeRequest{Token: again.Approval.Token, Approved: true, UserID: owner})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, res.Status)
	assert.Equal(t, []string{"a", "b"}, h.effects.list())

	_, err = h.engine.Resume(ctx, ResumeRequest{Token: first.Approval.Token, Approved: true, UserID: owner})
	assert.ErrorIs(t, err, ErrRunAlreadyAdvanced)
	assert.Equal(t, []string{"a", "b"}, h.effects.list())

	done, err := h.engine.Execute(ctx, ExecuteRequest{WorkflowID: wf.ID, UserID: owner, IdempotencyKey: "order-42"})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, done.Status)
	assert.Nil(t, done.Approval)
}

// cancelAwareStore fails writes whose context is done, as a SQL driver does.
type cancelAwareStore struct {
	*repository.MemoryStore
}

func (s cancelAwareStore) AppendStepRecord(ctx context.Context, runID string, expectedVersion int, rec models.StepExecutionRecord, upd repository.RunUpdate) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.MemoryStore.AppendStepRecord(ctx, runID, expectedVersion, rec, upd)
}

func (s cancelAwareStore) UpdateRunStatus(ctx context.Context, runID string, expectedVersion int, upd repository.RunUpdate) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.MemoryStore.UpdateRunStatus(ctx, runID, expectedVersion, upd)
}

func TestExecute_CallerCancelledDuringStep(t *testing.T) {
	for _, tt := range []struct {
		name  string
		store func(*repository.MemoryStore) Store
	}{
		{"store ignoring context", func(m *repository.MemoryStore) Store { return m }},
		{"store honouring context", func(m *repository.MemoryStore) Store { return cancelAwareStore{m} }},
	} {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.engine = New(tt.store(h.store), h.engine.Registry(), WithClock(h.clock.Now))
			wf := h.workflow(t, echo("a"), models.StepSpec{ID: "slow", Type: "wait"}, echo("c"))

			ctx, cancel := context.WithCancel(context.Background())
			time.AfterFunc(20*time.Millisecond, cancel)
			res, err := h.engine.Execute(ctx, ExecuteRequest{WorkflowID: wf.ID, UserID: owner})
			require.NoError(t, err)
			assert.Equal(t, models.RunStatusFailed, res.Status)
			assert.Contains(t, res.Error, context.Canceled.Error())
			assert.Empty(t, res.PendingSteps)

			run := h.storedRun(t, res.RunID)
			assert.Equal(t, models.RunStatusFailed, run.Status, "the run is never left running")
			require.Len(t, run.Steps, 2)
			assert.Equal(t, models.StepStatusFailed, run.Steps[1].Status)
			assert.Equal(t, []string{"a"}, h.effects.list())
		})
	}
}

func TestExecute_CallerCancelledBetweenSteps(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	registry, err := NewRegistry(ActionFunc("hangup", true, func(context.Context, StepContext) (interface{}, error) {
		cancel()
		return "done", nil
	}))
	require.NoError(t, err)
	h.engine = New(cancelAwareStore{h.store}, registry, WithClock(h.clock.Now))
	wf := h.workflow(t, models.StepSpec{ID: "first", Type: "hangup"}, models.StepSpec{ID: "second", Type: "hangup"})

	res, err := h.engine.Execute(ctx, ExecuteRequest{WorkflowID: wf.ID, UserID: owner})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, res.Status)
	assert.Contains(t, res.Error, "interrupted before step 1")

	run := h.storedRun(t, res.RunID)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	require.Len(t, run.Steps, 1, "the finished step is recorded, the next one never starts")
	assert.Equal(t, models.StepStatusSucceeded, run.Steps[0].Status)
	assert.Equal(t, 1, run.Cursor)
}

// conflictingStore lets the pause write lose a version race.
type conflictingStore struct {
	*repository.MemoryStore
	hashes *[]string
}

func (s conflictingStore) SuspendRun(ctx context.Context, runID string, expectedVersion int, upd repository.RunUpdate, token *models.ResumeToken) (int, error) {
	*s.hashes = append(*s.hashes, token.TokenHash)
	return s.MemoryStore.SuspendRun(ctx, runID, expectedVersion-1, upd, token)
}

func TestPause_LostRaceLeavesNoToken(t *testing.T) {
	h := newHarness(t)
	var hashes []string
	h.engine = New(conflictingStore{h.store, &hashes}, h.engine.Registry(), WithClock(h.clock.Now))
	wf := h.workflow(t, echo("a"), gated(echo("b")))

	_, err := h.engine.Execute(context.Background(), ExecuteRequest{WorkflowID: wf.ID, UserID: owner, IdempotencyKey: "k"})
	assert.ErrorIs(t, err, ErrRunAlreadyAdvanced)

	runID := uuid.NewSHA1(idempotencyNamespace, []byte(owner+"\n"+wf.ID+"\nk")).String()
	run := h.storedRun(t, runID)
	assert.Equal(t, models.RunStatusRunning, run.Status)
	require.Len(t, hashes, 1)
	_, err = h.store.GetResumeToken(context.Background(), hashes[0])
	assert.ErrorIs(t, err, repository.ErrNotFound, "no token outlives a failed pause")
}

func TestExecute_ContinuesInterruptedRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	wf := h.workflow(t, echo("a"), echo("b"), echo("c"))

	// Leave a run as a crashed process would: running, step 0 checkpointed.
	runID := uuid.NewSHA1(idempotencyNamespace, []byte(owner+"\n"+wf.ID+"\n"+"retry-1")).String()
	now := h.clock.Now()
	require.NoError(t, h.store.CreateRun(ctx, &models.WorkflowRun{
		ID:            runID,
		WorkflowID:    wf.ID,
		OwnerID:       owner,
		Status:        models.RunStatusRunning,
		Input:         map[string]interface{}{},
		Output:        map[string]interface{}{},
		PendingSteps:  []int{0, 1, 2},
		SchemaVersion: models.RunSchemaVersion,
		CreatedAt:     now,
		UpdatedAt:     now,
	}))
	_, err := h.store.AppendStepRecord(ctx, runID, 0, models.StepExecutionRecord{
		StepIndex: 0, StepID: "a", ActionType: "echo", Status: models.StepStatusSucceeded,
		Output: map[string]interface{}{"index": float64(0), "seen": float64(0)}, StartedAt: now, EndedAt: now,
	}, repository.RunUpdate{
		Status:       models.RunStatusRunning,
		Cursor:       1,
		Output:       map[string]interface{}{"a": map[string]interface{}{"index": float64(0), "seen": float64(0)}},
		PendingSteps: []int{1, 2},
		UpdatedAt:    now,
	})
	require.NoError(t, err)

	res, err := h.engine.Execute(ctx, ExecuteRequest{WorkflowID: wf.ID, UserID: owner, IdempotencyKey: "retry-1"})
	require.NoError(t, err)

	assert.Equal(t, runID, res.RunID)
	assert.Equal(t, models.RunStatusCompleted, res.Status)
	assert.Equal(t, []string{"b", "c"}, h.effects.list(), "checkpointed steps are not replayed")
	assert.Equal(t, []int{0, 1, 2}, summaryIndices(res.CompletedSteps))
	assertContiguous(t, h.storedRun(t, runID))
}

func TestExecute_StepTimeout(t *testing.T) {
	h := newHarness(t, WithStepTimeout(20*time.Millisecond))
	wf := h.workflow(t, models.StepSpec{ID: "slow", Type: "wait"})

	res, err := h.engine.Execute(context.Background(), ExecuteRequest{WorkflowID: wf.ID, UserID: owner})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, res.Status)
	assert.Contains(t, res.Error, context.DeadlineExceeded.Error())
}

func TestGetRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	wf := h.workflow(t, echo("a"), gated(echo("b")))

	paused, err := h.engine.Execute(ctx, ExecuteRequest{WorkflowID: wf.ID, UserID: owner})
	require.NoError(t, err)

	res, err := h.engine.GetRun(ctx, paused.RunID, owner)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPausedApproval, res.Status)
	require.NotNil(t, res.Approval)
	assert.Empty(t, res.Approval.Token)
	assert.Equal(t, 1, res.Approval.StepIndex)
	assert.Equal(t, "ok to run b?", res.Approval.Prompt)
	assert.Equal(t, []int{1}, res.PendingSteps)

	_, err = h.engine.GetRun(ctx, paused.RunID, "intruder")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = h.engine.GetRun(ctx, "missing", owner)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.engine.GetRun(ctx, "", owner)
	assert.ErrorIs(t, err, ErrValidationFailed)
}

// brokenWorkflows fails workflow reads after the run has been started.
type brokenWorkflows struct {
	*repository.MemoryStore
}

func (brokenWorkflows) GetWorkflow(context.Context, string) (*models.Workflow, error) {
	return nil, errors.New("connection reset")
}

type warnLog struct {
	nopLogger
	mu   sync.Mutex
	msgs []string
}

func (l *warnLog) Warn(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, msg)
}

func TestGetRun_WorkflowLookupFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	wf := h.workflow(t, echo("a"), gated(echo("b")))
	paused, err := h.engine.Execute(ctx, ExecuteRequest{WorkflowID: wf.ID, UserID: owner})
	require.NoError(t, err)

	log := &warnLog{}
	reader := New(brokenWorkflows{h.store}, h.engine.Registry(), WithLogger(log))
	res, err := reader.GetRun(ctx, paused.RunID, owner)
	require.NoError(t, err, "the run is still readable without its prompt")
	require.NotNil(t, res.Approval)
	assert.Equal(t, 1, res.Approval.StepIndex)
	assert.Empty(t, res.Approval.Prompt)
	assert.Equal(t, []string{"loading workflow for approval prompt"}, log.msgs)
}

type countingRecorder struct {
	mu       sync.Mutex
	started  int
	tokens   int
	refused  []string
	steps    map[string]int
	outcomes []string
}

func (r *countingRecorder) RunStarted(bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *countingRecorder) CallFinished(op, status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, op+":"+status)
}

func (r *countingRecorder) StepFinished(actionType, status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.steps == nil {
		r.steps = map[string]int{}
	}
	r.steps[actionType+":"+status]++
}

func (r *countingRecorder) TokenIssued() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens++
}

func (r *countingRecorder) ResumeRefused(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refused = append(r.refused, reason)
}

func TestEngine_RecordsMetrics(t *testing.T) {
	ctx := context.Background()
	rec := &countingRecorder{}
	h := newHarness(t, WithRecorder(rec))
	wf := h.workflow(t, echo("a"), gated(echo("b")))

	paused, err := h.engine.Execute(ctx, ExecuteRequest{WorkflowID: wf.ID, UserID: owner})
	require.NoError(t, err)
	_, err = h.engine.Resume(ctx, ResumeRequest{Token: paused.Approval.Token, Approved: true})
	require.NoError(t, err)
	_, err = h.engine.Resume(ctx, ResumeRequest{Token: paused.Approval.Token, Approved: true})
	require.Error(t, err)

	assert.Equal(t, 1, rec.started)
	assert.Equal(t, 1, rec.tokens)
	assert.Equal(t, 2, rec.steps["echo:succeeded"])
	assert.Equal(t, []string{string(KindInvalidResumeToken)}, rec.refused)
	assert.Equal(t, []string{
		"execute:paused_approval",
		"resume:completed",
		"resume:invalid_resume_token",
	}, rec.outcomes)
}
