package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"maiachat/backend/pkg/models"
)

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore is a single-node Repository backed by an embedded SQLite file.
// The pool is limited to one connection, so transactions are serialized and
// conditional updates have a single winner.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies migrations.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrateSQLite(ctx, db); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("running migrations: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateWorkflow saves a new workflow version and demotes the previous latest.
func (s *SQLiteStore) CreateWorkflow(ctx context.Context, workflow *models.Workflow) error {
	if workflow.ID == "" {
		workflow.ID = uuid.New().String()
	}
	if workflow.WorkflowID == "" {
		workflow.WorkflowID = workflow.ID
	}
	schema, err := marshalNullable(workflow.InputSchema)
	if err != nil {
		return fmt.Errorf("marshaling input schema: %w", err)
	}
	steps, err := json.Marshal(workflow.Steps)
	if err != nil {
		return fmt.Errorf("marshaling steps: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int
	if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM workflows WHERE workflow_id = ?", workflow.WorkflowID).Scan(&current); err != nil {
		return fmt.Errorf("reading workflow version: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE workflows SET is_latest = 0 WHERE workflow_id = ?", workflow.WorkflowID); err != nil {
		return fmt.Errorf("demoting previous version: %w", err)
	}

	now := time.Now().UTC()
	workflow.Version = current + 1
	workflow.IsLatest = true
	workflow.CreatedAt, workflow.UpdatedAt = now, now

	_, err = tx.ExecContext(ctx, `INSERT INTO workflows (`+workflowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		workflow.ID, workflow.TenantID, workflow.WorkflowID, workflow.OwnerID, workflow.Version, workflow.IsLatest,
		workflow.Name, workflow.Description, workflow.Status, nullableText(schema), string(steps), workflow.CreatedBy,
		workflow.CreatedAt, workflow.UpdatedAt)
	if err != nil {
		if isSQLiteConstraint(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting workflow: %w", err)
	}
	return tx.Commit()
}

// GetWorkflow resolves a version ID, or a stable WorkflowID to its latest version.
func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows
		WHERE id = ?1 OR (workflow_id = ?1 AND is_latest = 1)
		ORDER BY (id = ?1) DESC LIMIT 1`, id)
	workflow, err := scanSQLiteWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return workflow, err
}

// ListWorkflows returns the latest version of each workflow in a tenant.
func (s *SQLiteStore) ListWorkflows(ctx context.Context, tenantID string) ([]*models.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+workflowColumns+` FROM workflows
		WHERE tenant_id = ? AND is_latest = 1 ORDER BY name`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*models.Workflow
	for rows.Next() {
		workflow, err := scanSQLiteWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, workflow)
	}
	return workflows, rows.Err()
}

type sqlRowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteWorkflow(row sqlRowScanner) (*models.Workflow, error) {
	var (
		w      models.Workflow
		schema sql.NullString
		steps  string
	)
	err := row.Scan(&w.ID, &w.TenantID, &w.WorkflowID, &w.OwnerID, &w.Version, &w.IsLatest, &w.Name,
		&w.Description, &w.Status, &schema, &steps, &w.CreatedBy, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalNullable([]byte(schema.String), &w.InputSchema); err != nil {
		return nil, fmt.Errorf("decoding input schema: %w", err)
	}
	if err := json.Unmarshal([]byte(steps), &w.Steps); err != nil {
		return nil, fmt.Errorf("decoding steps: %w", err)
	}
	return &w, nil
}

// GetTenantByDomain looks up a tenant by email domain.
func (s *SQLiteStore) GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	var t models.Tenant
	err := s.db.QueryRowContext(ctx, "SELECT id, name, domain, created_at, updated_at FROM tenants WHERE domain = ?", domain).
		Scan(&t.ID, &t.Name, &t.Domain, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTenant saves a new tenant and assigns its ID.
func (s *SQLiteStore) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	if tenant.ID == "" {
		tenant.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	tenant.CreatedAt, tenant.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, "INSERT INTO tenants (id, name, domain, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		tenant.ID, tenant.Name, tenant.Domain, tenant.CreatedAt, tenant.UpdatedAt)
	if err != nil && isSQLiteConstraint(err) {
		return ErrDuplicate
	}
	return err
}

// CreateRun inserts a new run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *models.WorkflowRun) error {
	input, err := marshalNullable(run.Input)
	if err != nil {
		return fmt.Errorf("marshaling run input: %w", err)
	}
	output, err := json.Marshal(nonNilMap(run.Output))
	if err != nil {
		return fmt.Errorf("marshaling run output: %w", err)
	}
	pending, err := json.Marshal(nonNilInts(run.PendingSteps))
	if err != nil {
		return fmt.Errorf("marshaling pending steps: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO workflow_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.OwnerID, run.TenantID, string(run.Status), nullableText(input), run.DryRun,
		string(output), run.Error, run.Cursor, string(pending), run.IdempotencyKey, run.Version, run.SchemaVersion,
		run.CreatedAt.UTC(), run.UpdatedAt.UTC())
	if err != nil {
		if isSQLiteConstraint(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// GetRun returns the run with its step records ordered by index.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*models.WorkflowRun, error) {
	return getSQLiteRun(ctx, s.db, runID)
}

func getSQLiteRun(ctx context.Context, q sqlQuerier, runID string) (*models.WorkflowRun, error) {
	var (
		run             models.WorkflowRun
		status          string
		input           sql.NullString
		output, pending sql.NullString
	)
	err := q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = ?`, runID).Scan(
		&run.ID, &run.WorkflowID, &run.OwnerID, &run.TenantID, &status, &input, &run.DryRun, &output, &run.Error,
		&run.Cursor, &pending, &run.IdempotencyKey, &run.Version, &run.SchemaVersion, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	run.Status = models.RunStatus(status)
	if err := unmarshalNullable([]byte(input.String), &run.Input); err != nil {
		return nil, fmt.Errorf("decoding run input: %w", err)
	}
	if err := unmarshalNullable([]byte(output.String), &run.Output); err != nil {
		return nil, fmt.Errorf("decoding run output: %w", err)
	}
	if err := unmarshalNullable([]byte(pending.String), &run.PendingSteps); err != nil {
		return nil, fmt.Errorf("decoding pending steps: %w", err)
	}

	rows, err := q.QueryContext(ctx, `SELECT step_index, step_id, action_type, status, input, output, error,
		dry_run, approval, started_at, ended_at
		FROM step_executions WHERE run_id = ? ORDER BY step_index`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec                      models.StepExecutionRecord
			recStatus                string
			recInput, recOut, apprvl sql.NullString
		)
		if err := rows.Scan(&rec.StepIndex, &rec.StepID, &rec.ActionType, &recStatus, &recInput, &recOut,
			&rec.Error, &rec.DryRun, &apprvl, &rec.StartedAt, &rec.EndedAt); err != nil {
			return nil, err
		}
		rec.RunID = runID
		rec.Status = models.StepStatus(recStatus)
		if err := unmarshalNullable([]byte(recInput.String), &rec.Input); err != nil {
			return nil, fmt.Errorf("decoding step input: %w", err)
		}
		if err := unmarshalNullable([]byte(recOut.String), &rec.Output); err != nil {
			return nil, fmt.Errorf("decoding step output: %w", err)
		}
		if err := unmarshalNullable([]byte(apprvl.String), &rec.Approval); err != nil {
			return nil, fmt.Errorf("decoding approval: %w", err)
		}
		run.Steps = append(run.Steps, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &run, nil
}

// AppendStepRecord inserts rec and applies upd in one transaction.
func (s *SQLiteStore) AppendStepRecord(ctx context.Context, runID string, expectedVersion int, rec models.StepExecutionRecord, upd RunUpdate) (int, error) {
	input, err := marshalNullable(rec.Input)
	if err != nil {
		return 0, fmt.Errorf("marshaling step input: %w", err)
	}
	output, err := marshalNullable(rec.Output)
	if err != nil {
		return 0, fmt.Errorf("marshaling step output: %w", err)
	}
	approval, err := marshalNullable(rec.Approval)
	if err != nil {
		return 0, fmt.Errorf("marshaling approval: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var version, cursor int
	err = tx.QueryRowContext(ctx, "SELECT version, next_step FROM workflow_runs WHERE id = ?", runID).Scan(&version, &cursor)
	if errors.Is(err, sql.ErrNoRows) {
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

	_, err = tx.ExecContext(ctx, `INSERT INTO step_executions (run_id, step_index, step_id, action_type, status,
		input, output, error, dry_run, approval, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, rec.StepIndex, rec.StepID, rec.ActionType, string(rec.Status), nullableText(input),
		nullableText(output), rec.Error, rec.DryRun, nullableText(approval), rec.StartedAt.UTC(), rec.EndedAt.UTC())
	if err != nil {
		if isSQLiteConstraint(err) {
			return 0, ErrStepAlreadyRecorded
		}
		return 0, fmt.Errorf("inserting step record: %w", err)
	}

	newVersion, err := updateSQLiteRun(ctx, tx, runID, expectedVersion, upd)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing checkpoint: %w", err)
	}
	return newVersion, nil
}

// UpdateRunStatus applies upd if the run is still at expectedVersion.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, expectedVersion int, upd RunUpdate) (int, error) {
	newVersion, err := updateSQLiteRun(ctx, s.db, runID, expectedVersion, upd)
	if errors.Is(err, ErrVersionConflict) {
		var n int
		if qerr := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM workflow_runs WHERE id = ?", runID).Scan(&n); qerr == nil && n == 0 {
			return 0, ErrNotFound
		}
	}
	return newVersion, err
}

func updateSQLiteRun(ctx context.Context, q sqlQuerier, runID string, expectedVersion int, upd RunUpdate) (int, error) {
	output, err := json.Marshal(nonNilMap(upd.Output))
	if err != nil {
		return 0, fmt.Errorf("marshaling run output: %w", err)
	}
	pending, err := json.Marshal(nonNilInts(upd.PendingSteps))
	if err != nil {
		return 0, fmt.Errorf("marshaling pending steps: %w", err)
	}

	res, err := q.ExecContext(ctx, `UPDATE workflow_runs
		SET status = ?, next_step = ?, output = ?, error = ?, pending_steps = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		string(upd.Status), upd.Cursor, string(output), upd.Error, string(pending), upd.UpdatedAt.UTC(),
		runID, expectedVersion)
	if err != nil {
		return 0, fmt.Errorf("updating run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrVersionConflict
	}
	return expectedVersion + 1, nil
}

// CreateResumeToken stores a token row.
func (s *SQLiteStore) CreateResumeToken(ctx context.Context, token *models.ResumeToken) error {
	return insertSQLiteToken(ctx, s.db, token)
}

// SuspendRun stores token and applies upd in one transaction.
func (s *SQLiteStore) SuspendRun(ctx context.Context, runID string, expectedVersion int, upd RunUpdate, token *models.ResumeToken) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	newVersion, err := updateSQLiteRun(ctx, tx, runID, expectedVersion, upd)
	if errors.Is(err, ErrVersionConflict) {
		var n int
		if qerr := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM workflow_runs WHERE id = ?", runID).Scan(&n); qerr == nil && n == 0 {
			return 0, ErrNotFound
		}
	}
	if err != nil {
		return 0, err
	}
	if err := insertSQLiteToken(ctx, tx, token); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing suspension: %w", err)
	}
	return newVersion, nil
}

func insertSQLiteToken(ctx context.Context, q sqlQuerier, token *models.ResumeToken) error {
	_, err := q.ExecContext(ctx, `INSERT INTO resume_tokens (token_hash, run_id, step_index, issued_at, expires_at, consumed)
		VALUES (?, ?, ?, ?, ?, 0)`,
		token.TokenHash, token.RunID, token.StepIndex, token.IssuedAt.UTC(), token.ExpiresAt.UTC())
	if err != nil && isSQLiteConstraint(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("inserting resume token: %w", err)
	}
	return nil
}

// GetResumeToken reads a token without claiming it.
func (s *SQLiteStore) GetResumeToken(ctx context.Context, tokenHash string) (*models.ResumeToken, error) {
	return getSQLiteToken(ctx, s.db, tokenHash)
}

func getSQLiteToken(ctx context.Context, q sqlQuerier, tokenHash string) (*models.ResumeToken, error) {
	tok := models.ResumeToken{TokenHash: tokenHash}
	var consumedAt sql.NullTime
	err := q.QueryRowContext(ctx, `SELECT run_id, step_index, issued_at, expires_at, consumed, consumed_at
		FROM resume_tokens WHERE token_hash = ?`, tokenHash).
		Scan(&tok.RunID, &tok.StepIndex, &tok.IssuedAt, &tok.ExpiresAt, &tok.Consumed, &consumedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if consumedAt.Valid {
		t := consumedAt.Time
		tok.ConsumedAt = &t
	}
	return &tok, nil
}

// ClaimResumeToken consumes the token and reads the gated run in one transaction.
func (s *SQLiteStore) ClaimResumeToken(ctx context.Context, tokenHash string, now time.Time) (*models.ResumeToken, *models.WorkflowRun, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	tok, err := getSQLiteToken(ctx, tx, tokenHash)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, ErrTokenInvalid
	}
	if err != nil {
		return nil, nil, err
	}
	if !tok.Usable(now) {
		return nil, nil, ErrTokenInvalid
	}

	res, err := tx.ExecContext(ctx, "UPDATE resume_tokens SET consumed = 1, consumed_at = ? WHERE token_hash = ? AND consumed = 0",
		now.UTC(), tokenHash)
	if err != nil {
		return nil, nil, fmt.Errorf("claiming resume token: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return nil, nil, ErrTokenInvalid
	}

	run, err := getSQLiteRun(ctx, tx, tok.RunID)
	if err != nil {
		return nil, nil, err
	}
	if run.Status != models.RunStatusPausedApproval || run.Cursor != tok.StepIndex {
		return nil, nil, ErrRunNotPaused
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("committing token claim: %w", err)
	}
	consumedAt := now
	tok.Consumed = true
	tok.ConsumedAt = &consumedAt
	return tok, run, nil
}

func nullableText(data []byte) sql.NullString {
	if data == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(data), Valid: true}
}

func isSQLiteConstraint(err error) bool {
	return strings.Contains(err.Error(), "constraint failed")
}
