package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maiachat/backend/pkg/models"
)

// runStoreSuite exercises the Repository contract shared by every store.
func runStoreSuite(t *testing.T, store Repository) {
	ctx := context.Background()

	t.Run("Workflow versions", func(t *testing.T) {
		first := &models.Workflow{
			TenantID: "tenant-a",
			OwnerID:  "user-1",
			Name:     "Summarizer",
			Status:   models.WorkflowStatusActive,
			Steps:    []models.StepSpec{{ID: "a", Type: "set"}},
		}
		require.NoError(t, store.CreateWorkflow(ctx, first))
		assert.Equal(t, 1, first.Version)
		assert.True(t, first.IsLatest)

		second := &models.Workflow{
			TenantID:   "tenant-a",
			WorkflowID: first.WorkflowID,
			OwnerID:    "user-1",
			Name:       "Summarizer",
			Status:     models.WorkflowStatusActive,
			Steps:      []models.StepSpec{{ID: "a", Type: "set"}, {ID: "b", Type: "set"}},
		}
		require.NoError(t, store.CreateWorkflow(ctx, second))
		assert.Equal(t, 2, second.Version)

		latest, err := store.GetWorkflow(ctx, first.WorkflowID)
		require.NoError(t, err)
		assert.Equal(t, second.ID, latest.ID)
		assert.Len(t, latest.Steps, 2)

		pinned, err := store.GetWorkflow(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, pinned.Version)
		assert.False(t, pinned.IsLatest)
		assert.Len(t, pinned.Steps, 1)

		list, err := store.ListWorkflows(ctx, "tenant-a")
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, second.ID, list[0].ID)

		_, err = store.GetWorkflow(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Tenants", func(t *testing.T) {
		tenant := &models.Tenant{Name: "acme.com", Domain: "acme.com"}
		require.NoError(t, store.CreateTenant(ctx, tenant))
		assert.NotEmpty(t, tenant.ID)

		got, err := store.GetTenantByDomain(ctx, "acme.com")
		require.NoError(t, err)
		assert.Equal(t, tenant.ID, got.ID)

		_, err = store.GetTenantByDomain(ctx, "nowhere.io")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Checkpoints are ordered and single-use", func(t *testing.T) {
		run := newSuiteRun()
		require.NoError(t, store.CreateRun(ctx, run))
		assert.ErrorIs(t, store.CreateRun(ctx, run), ErrDuplicate)

		v, err := store.AppendStepRecord(ctx, run.ID, 0, suiteRecord(0, models.StepStatusSucceeded), RunUpdate{
			Status:       models.RunStatusRunning,
			Cursor:       1,
			Output:       map[string]interface{}{"a": "one"},
			PendingSteps: []int{1, 2},
			UpdatedAt:    time.Now().UTC(),
		})
		require.NoError(t, err)
		assert.Equal(t, 1, v)

		// Replaying the same step is rejected.
		_, err = store.AppendStepRecord(ctx, run.ID, 1, suiteRecord(0, models.StepStatusSucceeded), RunUpdate{Status: models.RunStatusRunning, Cursor: 1})
		assert.ErrorIs(t, err, ErrStepAlreadyRecorded)

		// Skipping ahead is rejected.
		_, err = store.AppendStepRecord(ctx, run.ID, 1, suiteRecord(2, models.StepStatusSucceeded), RunUpdate{Status: models.RunStatusRunning, Cursor: 3})
		assert.ErrorIs(t, err, ErrStepOutOfOrder)

		// Stale version is rejected.
		_, err = store.AppendStepRecord(ctx, run.ID, 0, suiteRecord(1, models.StepStatusSucceeded), RunUpdate{Status: models.RunStatusRunning, Cursor: 2})
		assert.ErrorIs(t, err, ErrVersionConflict)

		got, err := store.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.Version)
		assert.Equal(t, 1, got.Cursor)
		assert.Equal(t, []int{1, 2}, got.PendingSteps)
		assert.Equal(t, "one", got.Output["a"])
		require.Len(t, got.Steps, 1)
		assert.Equal(t, 0, got.Steps[0].StepIndex)
		assert.Equal(t, map[string]interface{}{"value": "out-0"}, got.Steps[0].Output)

		v, err = store.UpdateRunStatus(ctx, run.ID, 1, RunUpdate{
			Status:    models.RunStatusFailed,
			Cursor:    1,
			Output:    got.Output,
			Error:     "boom",
			UpdatedAt: time.Now().UTC(),
		})
		require.NoError(t, err)
		assert.Equal(t, 2, v)

		_, err = store.UpdateRunStatus(ctx, run.ID, 1, RunUpdate{Status: models.RunStatusCompleted})
		assert.ErrorIs(t, err, ErrVersionConflict)

		_, err = store.UpdateRunStatus(ctx, "missing", 0, RunUpdate{Status: models.RunStatusCompleted})
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = store.GetRun(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Resume token claim has a single winner", func(t *testing.T) {
		run := newSuiteRun()
		run.Status = models.RunStatusPausedApproval
		run.Cursor = 1
		require.NoError(t, store.CreateRun(ctx, run))

		now := time.Now().UTC()
		tok := &models.ResumeToken{
			TokenHash: uuid.New().String(),
			RunID:     run.ID,
			StepIndex: 1,
			IssuedAt:  now,
			ExpiresAt: now.Add(time.Hour),
		}
		require.NoError(t, store.CreateResumeToken(ctx, tok))

		const contenders = 8
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners int
			losers  int
		)
		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				claimed, claimedRun, err := store.ClaimResumeToken(ctx, tok.TokenHash, time.Now().UTC())
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					winners++
					assert.Equal(t, run.ID, claimedRun.ID)
					assert.True(t, claimed.Consumed)
					return
				}
				assert.ErrorIs(t, err, ErrTokenInvalid)
				losers++
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, winners)
		assert.Equal(t, contenders-1, losers)

		stored, err := store.GetResumeToken(ctx, tok.TokenHash)
		require.NoError(t, err)
		assert.True(t, stored.Consumed)
		assert.NotNil(t, stored.ConsumedAt)
	})

	t.Run("Expired token is not claimed", func(t *testing.T) {
		run := newSuiteRun()
		run.Status = models.RunStatusPausedApproval
		require.NoError(t, store.CreateRun(ctx, run))

		issued := time.Now().UTC().Add(-2 * time.Hour)
		tok := &models.ResumeToken{
			TokenHash: uuid.New().String(),
			RunID:     run.ID,
			IssuedAt:  issued,
			ExpiresAt: issued.Add(time.Hour),
		}
		require.NoError(t, store.CreateResumeToken(ctx, tok))

		_, _, err := store.ClaimResumeToken(ctx, tok.TokenHash, time.Now().UTC())
		assert.ErrorIs(t, err, ErrTokenInvalid)

		stored, err := store.GetResumeToken(ctx, tok.TokenHash)
		require.NoError(t, err)
		assert.False(t, stored.Consumed)

		_, _, err = store.ClaimResumeToken(ctx, "unknown", time.Now().UTC())
		assert.ErrorIs(t, err, ErrTokenInvalid)
	})

	t.Run("Claim on advanced run leaves token unconsumed", func(t *testing.T) {
		run := newSuiteRun()
		run.Status = models.RunStatusRunning
		run.Cursor = 2
		require.NoError(t, store.CreateRun(ctx, run))

		now := time.Now().UTC()
		tok := &models.ResumeToken{
			TokenHash: uuid.New().String(),
			RunID:     run.ID,
			StepIndex: 1,
			IssuedAt:  now,
			ExpiresAt: now.Add(time.Hour),
		}
		require.NoError(t, store.CreateResumeToken(ctx, tok))

		_, _, err := store.ClaimResumeToken(ctx, tok.TokenHash, now)
		assert.ErrorIs(t, err, ErrRunNotPaused)

		stored, err := store.GetResumeToken(ctx, tok.TokenHash)
		require.NoError(t, err)
		assert.False(t, stored.Consumed)
	})

	t.Run("Suspend writes token and pause together", func(t *testing.T) {
		run := newSuiteRun()
		require.NoError(t, store.CreateRun(ctx, run))

		now := time.Now().UTC()
		newToken := func() *models.ResumeToken {
			return &models.ResumeToken{
				TokenHash: uuid.New().String(),
				RunID:     run.ID,
				StepIndex: 1,
				IssuedAt:  now,
				ExpiresAt: now.Add(time.Hour),
			}
		}
		pause := RunUpdate{
			Status:       models.RunStatusPausedApproval,
			Cursor:       1,
			Output:       map[string]interface{}{"a": "x"},
			PendingSteps: []int{1, 2},
			UpdatedAt:    now,
		}

		// A stale version writes nothing.
		lost := newToken()
		_, err := store.SuspendRun(ctx, run.ID, 5, pause, lost)
		assert.ErrorIs(t, err, ErrVersionConflict)
		_, err = store.GetResumeToken(ctx, lost.TokenHash)
		assert.ErrorIs(t, err, ErrNotFound)
		stored, err := store.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusRunning, stored.Status)
		assert.Equal(t, 0, stored.Version)

		tok := newToken()
		v, err := store.SuspendRun(ctx, run.ID, 0, pause, tok)
		require.NoError(t, err)
		assert.Equal(t, 1, v)

		stored, err = store.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusPausedApproval, stored.Status)
		assert.Equal(t, 1, stored.Cursor)
		assert.Equal(t, []int{1, 2}, stored.PendingSteps)
		assert.Equal(t, 1, stored.Version)

		claimed, _, err := store.ClaimResumeToken(ctx, tok.TokenHash, now)
		require.NoError(t, err)
		assert.Equal(t, 1, claimed.StepIndex)

		_, err = store.SuspendRun(ctx, "missing", 0, pause, newToken())
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func newSuiteRun() *models.WorkflowRun {
	now := time.Now().UTC()
	return &models.WorkflowRun{
		ID:            uuid.New().String(),
		WorkflowID:    "wf-1",
		OwnerID:       "user-1",
		Status:        models.RunStatusRunning,
		Input:         map[string]interface{}{"text": "hello"},
		Output:        map[string]interface{}{},
		PendingSteps:  []int{0, 1, 2},
		SchemaVersion: models.RunSchemaVersion,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func suiteRecord(index int, status models.StepStatus) models.StepExecutionRecord {
	now := time.Now().UTC()
	return models.StepExecutionRecord{
		StepIndex:  index,
		StepID:     "step",
		ActionType: "set",
		Status:     status,
		Output:     map[string]interface{}{"value": "out-" + string(rune('0'+index))},
		StartedAt:  now,
		EndedAt:    now,
	}
}
