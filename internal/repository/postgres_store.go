package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"maiachat/backend/pkg/models"
)

const pgUniqueViolation = "23505"

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a PostgreSQL implementation of the Repository interface.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

const workflowColumns = `id, tenant_id, workflow_id, owner_id, version, is_latest, name, description,
	status, input_schema, steps, created_by, created_at, updated_at`

// CreateWorkflow saves a new workflow version and demotes the previous latest.
func (s *PostgresStore) CreateWorkflow(ctx context.Context, workflow *models.Workflow) error {
	if workflow.ID == "" {
		workflow.ID = uuid.New().String()
	}
	if workflow.WorkflowID == "" {
		workflow.WorkflowID = workflow.ID
	}
	schema, err := marshalNullable(workflow.InputSchema)
	if err != nil {
		return fmt.Errorf("failed to marshal input schema: %w", err)
	}
	steps, err := json.Marshal(workflow.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize concurrent edits of the same workflow.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", workflow.WorkflowID); err != nil {
		return fmt.Errorf("failed to lock workflow: %w", err)
	}
	var current int
	if err := tx.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM workflows WHERE workflow_id = $1", workflow.WorkflowID).Scan(&current); err != nil {
		return fmt.Errorf("failed to read workflow version: %w", err)
	}
	if _, err := tx.Exec(ctx, "UPDATE workflows SET is_latest = FALSE WHERE workflow_id = $1 AND is_latest", workflow.WorkflowID); err != nil {
		return fmt.Errorf("failed to demote previous version: %w", err)
	}

	now := time.Now().UTC()
	workflow.Version = current + 1
	workflow.IsLatest = true
	workflow.CreatedAt, workflow.UpdatedAt = now, now

	_, err = tx.Exec(ctx, `INSERT INTO workflows (`+workflowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		workflow.ID, workflow.TenantID, workflow.WorkflowID, workflow.OwnerID, workflow.Version, workflow.IsLatest,
		workflow.Name, workflow.Description, workflow.Status, schema, steps, workflow.CreatedBy,
		workflow.CreatedAt, workflow.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert workflow: %w", err)
	}
	return tx.Commit(ctx)
}

// GetWorkflow resolves a version ID, or a stable WorkflowID to its latest version.
func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	row := s.db.QueryRow(ctx, `SELECT `+workflowColumns+` FROM workflows
		WHERE id = $1 OR (workflow_id = $1 AND is_latest)
		ORDER BY (id = $1) DESC LIMIT 1`, id)
	workflow, err := scanWorkflow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return workflow, err
}

// ListWorkflows returns the latest version of each workflow in a tenant.
func (s *PostgresStore) ListWorkflows(ctx context.Context, tenantID string) ([]*models.Workflow, error) {
	rows, err := s.db.Query(ctx, `SELECT `+workflowColumns+` FROM workflows
		WHERE tenant_id = $1 AND is_latest ORDER BY name`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*models.Workflow
	for rows.Next() {
		workflow, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, workflow)
	}
	return workflows, rows.Err()
}

func scanWorkflow(row pgx.Row) (*models.Workflow, error) {
	var (
		w      models.Workflow
		schema []byte
		steps  []byte
	)
	err := row.Scan(&w.ID, &w.TenantID, &w.WorkflowID, &w.OwnerID, &w.Version, &w.IsLatest, &w.Name,
		&w.Description, &w.Status, &schema, &steps, &w.CreatedBy, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalNullable(schema, &w.InputSchema); err != nil {
		return nil, fmt.Errorf("failed to decode input schema: %w", err)
	}
	if err := json.Unmarshal(steps, &w.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode steps: %w", err)
	}
	return &w, nil
}

// GetTenantByDomain looks up a tenant by email domain.
func (s *PostgresStore) GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	var t models.Tenant
	err := s.db.QueryRow(ctx, "SELECT id, name, domain, created_at, updated_at FROM tenants WHERE domain = $1", domain).
		Scan(&t.ID, &t.Name, &t.Domain, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTenant saves a new tenant and assigns its ID.
func (s *PostgresStore) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	if tenant.ID == "" {
		tenant.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	tenant.CreatedAt, tenant.UpdatedAt = now, now
	_, err := s.db.Exec(ctx, "INSERT INTO tenants (id, name, domain, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)",
		tenant.ID, tenant.Name, tenant.Domain, tenant.CreatedAt, tenant.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

const runColumns = `id, workflow_id, owner_id, tenant_id, status, input, dry_run, output, error,
	next_step, pending_steps, idempotency_key, version, schema_version, created_at, updated_at`

// CreateRun inserts a new run.
func (s *PostgresStore) CreateRun(ctx context.Context, run *models.WorkflowRun) error {
	input, err := marshalNullable(run.Input)
	if err != nil {
		return fmt.Errorf("failed to marshal run input: %w", err)
	}
	output, err := json.Marshal(nonNilMap(run.Output))
	if err != nil {
		return fmt.Errorf("failed to marshal run output: %w", err)
	}
	pending, err := json.Marshal(nonNilInts(run.PendingSteps))
	if err != nil {
		return fmt.Errorf("failed to marshal pending steps: %w", err)
	}

	_, err = s.db.Exec(ctx, `INSERT INTO workflow_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		run.ID, run.WorkflowID, run.OwnerID, run.TenantID, string(run.Status), input, run.DryRun, output, run.Error,
		run.Cursor, pending, run.IdempotencyKey, run.Version, run.SchemaVersion, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// GetRun returns the run with its step records ordered by index.
func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*models.WorkflowRun, error) {
	return s.getRun(ctx, s.db, runID, false)
}

func (s *PostgresStore) getRun(ctx context.Context, q querier, runID string, forUpdate bool) (*models.WorkflowRun, error) {
	query := `SELECT ` + runColumns + ` FROM workflow_runs WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		run                    models.WorkflowRun
		status                 string
		input, output, pending []byte
	)
	err := q.QueryRow(ctx, query, runID).Scan(&run.ID, &run.WorkflowID, &run.OwnerID, &run.TenantID, &status,
		&input, &run.DryRun, &output, &run.Error, &run.Cursor, &pending, &run.IdempotencyKey, &run.Version,
		&run.SchemaVersion, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	run.Status = models.RunStatus(status)
	if err := unmarshalNullable(input, &run.Input); err != nil {
		return nil, fmt.Errorf("failed to decode run input: %w", err)
	}
	if err := unmarshalNullable(output, &run.Output); err != nil {
		return nil, fmt.Errorf("failed to decode run output: %w", err)
	}
	if err := unmarshalNullable(pending, &run.PendingSteps); err != nil {
		return nil, fmt.Errorf("failed to decode pending steps: %w", err)
	}

	rows, err := q.Query(ctx, `SELECT step_index, step_id, action_type, status, input, output, error,
		dry_run, approval, started_at, ended_at
		FROM step_executions WHERE run_id = $1 ORDER BY step_index`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec                      models.StepExecutionRecord
			recStatus                string
			recInput, recOut, apprvl []byte
		)
		if err := rows.Scan(&rec.StepIndex, &rec.StepID, &rec.ActionType, &recStatus, &recInput, &recOut,
			&rec.Error, &rec.DryRun, &apprvl, &rec.StartedAt, &rec.EndedAt); err != nil {
			return nil, err
		}
		rec.RunID = runID
		rec.Status = models.StepStatus(recStatus)
		if err := unmarshalNullable(recInput, &rec.Input); err != nil {
			return nil, fmt.Errorf("failed to decode step input: %w", err)
		}
		if err := unmarshalNullable(recOut, &rec.Output); err != nil {
			return nil, fmt.Errorf("failed to decode step output: %w", err)
		}
		if err := unmarshalNullable(apprvl, &rec.Approval); err != nil {
			return nil, fmt.Errorf("failed to decode approval: %w", err)
		}
		run.Steps = append(run.Steps, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &run, nil
}

// AppendStepRecord inserts rec and applies upd in one transaction.
func (s *PostgresStore) AppendStepRecord(ctx context.Context, runID string, expectedVersion int, rec models.StepExecutionRecord, upd RunUpdate) (int, error) {
	input, err := marshalNullable(rec.Input)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal step input: %w", err)
	}
	output, err := marshalNullable(rec.Output)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal step output: %w", err)
	}
	approval, err := marshalNullable(rec.Approval)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal approval: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var version, cursor int
	err = tx.QueryRow(ctx, "SELECT version, next_step FROM workflow_runs WHERE id = $1 FOR UPDATE", runID).Scan(&version, &cursor)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if version != expectedVersion {
		return 0, ErrVersionConflict
	}
	if rec.StepIndex < cursor {
		return 0, ErrStepAlreadyRecorded
	}
	if rec.StepIndex > cursor {
		return 0, ErrStepOutOfOrder
	}

	_, err = tx.Exec(ctx, `INSERT INTO step_executions (run_id, step_index, step_id, action_type, status, input,
		output, error, dry_run, approval, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		runID, rec.StepIndex, rec.StepID, rec.ActionType, string(rec.Status), input, output, rec.Error,
		rec.DryRun, approval, rec.StartedAt, rec.EndedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrStepAlreadyRecorded
		}
		return 0, fmt.Errorf("failed to insert step record: %w", err)
	}

	newVersion, err := updateRun(ctx, tx, runID, expectedVersion, upd)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return newVersion, nil
}

// UpdateRunStatus applies upd if the run is still at expectedVersion.
func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, expectedVersion int, upd RunUpdate) (int, error) {
	newVersion, err := updateRun(ctx, s.db, runID, expectedVersion, upd)
	if errors.Is(err, ErrVersionConflict) {
		var exists bool
		if qerr := s.db.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM workflow_runs WHERE id = $1)", runID).Scan(&exists); qerr == nil && !exists {
			return 0, ErrNotFound
		}
	}
	return newVersion, err
}

func updateRun(ctx context.Context, q querier, runID string, expectedVersion int, upd RunUpdate) (int, error) {
	output, err := json.Marshal(nonNilMap(upd.Output))
	if err != nil {
		return 0, fmt.Errorf("failed to marshal run output: %w", err)
	}
	pending, err := json.Marshal(nonNilInts(upd.PendingSteps))
	if err != nil {
		return 0, fmt.Errorf("failed to marshal pending steps: %w", err)
	}

	var newVersion int
	err = q.QueryRow(ctx, `UPDATE workflow_runs
		SET status = $3, next_step = $4, output = $5, error = $6, pending_steps = $7, updated_at = $8,
			version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version`,
		runID, expectedVersion, string(upd.Status), upd.Cursor, output, upd.Error, pending, upd.UpdatedAt).
		Scan(&newVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrVersionConflict
	}
	if err != nil {
		return 0, fmt.Errorf("failed to update run: %w", err)
	}
	return newVersion, nil
}

// CreateResumeToken stores a token row.
func (s *PostgresStore) CreateResumeToken(ctx context.Context, token *models.ResumeToken) error {
	return insertToken(ctx, s.db, token)
}

// SuspendRun stores token and applies upd in one transaction.
func (s *PostgresStore) SuspendRun(ctx context.Context, runID string, expectedVersion int, upd RunUpdate, token *models.ResumeToken) (int, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	newVersion, err := updateRun(ctx, tx, runID, expectedVersion, upd)
	if errors.Is(err, ErrVersionConflict) {
		var exists bool
		if qerr := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM workflow_runs WHERE id = $1)", runID).Scan(&exists); qerr == nil && !exists {
			return 0, ErrNotFound
		}
	}
	if err != nil {
		return 0, err
	}
	if err := insertToken(ctx, tx, token); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit suspension: %w", err)
	}
	return newVersion, nil
}

func insertToken(ctx context.Context, q execer, token *models.ResumeToken) error {
	_, err := q.Exec(ctx, `INSERT INTO resume_tokens (token_hash, run_id, step_index, issued_at, expires_at, consumed)
		VALUES ($1, $2, $3, $4, $5, FALSE)`,
		token.TokenHash, token.RunID, token.StepIndex, token.IssuedAt, token.ExpiresAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert resume token: %w", err)
	}
	return nil
}

// GetResumeToken reads a token without claiming it.
func (s *PostgresStore) GetResumeToken(ctx context.Context, tokenHash string) (*models.ResumeToken, error) {
	tok := models.ResumeToken{TokenHash: tokenHash}
	err := s.db.QueryRow(ctx, `SELECT run_id, step_index, issued_at, expires_at, consumed, consumed_at
		FROM resume_tokens WHERE token_hash = $1`, tokenHash).
		Scan(&tok.RunID, &tok.StepIndex, &tok.IssuedAt, &tok.ExpiresAt, &tok.Consumed, &tok.ConsumedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

// ClaimResumeToken consumes the token and locks the gated run in one transaction.
// Concurrent claims serialize on the token row; only the first sees it unconsumed.
func (s *PostgresStore) ClaimResumeToken(ctx context.Context, tokenHash string, now time.Time) (*models.ResumeToken, *models.WorkflowRun, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tok := models.ResumeToken{TokenHash: tokenHash, Consumed: true}
	err = tx.QueryRow(ctx, `UPDATE resume_tokens SET consumed = TRUE, consumed_at = $2
		WHERE token_hash = $1 AND NOT consumed AND expires_at > $2
		RETURNING run_id, step_index, issued_at, expires_at, consumed_at`, tokenHash, now).
		Scan(&tok.RunID, &tok.StepIndex, &tok.IssuedAt, &tok.ExpiresAt, &tok.ConsumedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, ErrTokenInvalid
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to claim resume token: %w", err)
	}

	run, err := s.getRun(ctx, tx, tok.RunID, true)
	if err != nil {
		return nil, nil, err
	}
	if run.Status != models.RunStatusPausedApproval || run.Cursor != tok.StepIndex {
		return nil, nil, ErrRunNotPaused
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit token claim: %w", err)
	}
	return &tok, run, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
