package engine

import (
	"context"
	"time"

	"maiachat/backend/internal/repository"
	"maiachat/backend/pkg/models"
)

// CheckpointStore is the persistence a CheckpointWriter writes through.
type CheckpointStore interface {
	repository.RunStore
	SuspendRun(ctx context.Context, runID string, expectedVersion int, upd repository.RunUpdate, token *models.ResumeToken) (int, error)
}

// CheckpointWriter persists run progress and keeps the in-memory run in step
// with what was written. Every write is guarded by the run version, so a
// writer holding a stale run fails with ErrRunAlreadyAdvanced instead of
// overwriting newer progress.
//
// Writes ignore cancellation of the caller's context: once a step has run,
// its outcome is recorded even if the caller has gone away.
type CheckpointWriter struct {
	runs CheckpointStore
	now  func() time.Time
}

// NewCheckpointWriter creates a CheckpointWriter.
func NewCheckpointWriter(runs CheckpointStore, now func() time.Time) *CheckpointWriter {
	if now == nil {
		now = time.Now
	}
	return &CheckpointWriter{runs: runs, now: now}
}

// Checkpoint appends rec and applies upd as one atomic write.
func (w *CheckpointWriter) Checkpoint(ctx context.Context, run *models.WorkflowRun, rec models.StepExecutionRecord, upd repository.RunUpdate) error {
	if err := w.checkTransition(run, upd.Status); err != nil {
		return err
	}
	upd.UpdatedAt = w.now().UTC()
	rec.RunID = run.ID

	version, err := w.runs.AppendStepRecord(context.WithoutCancel(ctx), run.ID, run.Version, rec, upd)
	if err != nil {
		return fromStore(err, "checkpointing step %d of run %s", rec.StepIndex, run.ID)
	}
	run.Steps = append(run.Steps, rec)
	apply(run, upd, version)
	return nil
}

// Transition changes the run status without a step record.
func (w *CheckpointWriter) Transition(ctx context.Context, run *models.WorkflowRun, upd repository.RunUpdate) error {
	if err := w.checkTransition(run, upd.Status); err != nil {
		return err
	}
	upd.UpdatedAt = w.now().UTC()

	version, err := w.runs.UpdateRunStatus(context.WithoutCancel(ctx), run.ID, run.Version, upd)
	if err != nil {
		return fromStore(err, "moving run %s to %s", run.ID, upd.Status)
	}
	apply(run, upd, version)
	return nil
}

// Suspend stores token and pauses the run as one atomic write.
func (w *CheckpointWriter) Suspend(ctx context.Context, run *models.WorkflowRun, token *models.ResumeToken, upd repository.RunUpdate) error {
	if upd.Status != models.RunStatusPausedApproval {
		return newError(KindInternal, "suspending run %s with status %s", run.ID, upd.Status)
	}
	if err := w.checkTransition(run, upd.Status); err != nil {
		return err
	}
	upd.UpdatedAt = w.now().UTC()

	version, err := w.runs.SuspendRun(context.WithoutCancel(ctx), run.ID, run.Version, upd, token)
	if err != nil {
		return fromStore(err, "pausing run %s at step %d", run.ID, token.StepIndex)
	}
	apply(run, upd, version)
	return nil
}

func (w *CheckpointWriter) checkTransition(run *models.WorkflowRun, next models.RunStatus) error {
	if run.Status == next && next == models.RunStatusRunning {
		return nil
	}
	if !run.Status.CanTransitionTo(next) {
		return newError(KindRunAlreadyAdvanced, "run %s cannot move from %s to %s", run.ID, run.Status, next)
	}
	return nil
}

func apply(run *models.WorkflowRun, upd repository.RunUpdate, version int) {
	run.Status = upd.Status
	run.Cursor = upd.Cursor
	run.Output = upd.Output
	run.Error = upd.Error
	run.PendingSteps = upd.PendingSteps
	run.UpdatedAt = upd.UpdatedAt
	run.Version = version
}
