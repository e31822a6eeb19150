package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/n8n-work/engine-go/internal/models"
)

// Schema is the persistence layout from the engine's external interface
// section: four tables plus the indices the lease CAS, signal consumption,
// and event lookups depend on. Callers run this once against a fresh
// database; the store itself never runs DDL implicitly.
const Schema = `
CREATE TABLE IF NOT EXISTS workflow_executions (
	id                     TEXT PRIMARY KEY,
	workflow_id            TEXT NOT NULL,
	status                 TEXT NOT NULL,
	input                  JSONB,
	output                 JSONB,
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at_epoch_ms    BIGINT,
	completed_at_epoch_ms  BIGINT,
	next_run_at_epoch_ms   BIGINT,
	locked_until_epoch_ms  BIGINT,
	lock_id                TEXT,
	retry_count            INT NOT NULL DEFAULT 0,
	max_retries            INT NOT NULL DEFAULT 10,
	error                  TEXT,
	suspended_step         TEXT,
	parent_execution_id    TEXT
);
CREATE INDEX IF NOT EXISTS idx_executions_pending
	ON workflow_executions (status, locked_until_epoch_ms)
	WHERE status NOT IN ('completed', 'failed', 'cancelled');

CREATE TABLE IF NOT EXISTS execution_step_results (
	execution_id TEXT NOT NULL,
	step_id      TEXT NOT NULL,
	started_at   TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	output       JSONB,
	error        TEXT,
	PRIMARY KEY (execution_id, step_id)
);

CREATE TABLE IF NOT EXISTS workflow_events (
	id           TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	type         TEXT NOT NULL,
	name         TEXT NOT NULL,
	payload      JSONB,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	visible_at   TIMESTAMPTZ,
	consumed_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_events_unconsumed
	ON workflow_events (execution_id, type, consumed_at, visible_at)
	WHERE consumed_at IS NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_output_unique
	ON workflow_events (execution_id, name) WHERE type = 'output';
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_timer_unique
	ON workflow_events (execution_id, name) WHERE type = 'timer';
CREATE INDEX IF NOT EXISTS idx_events_created
	ON workflow_events (execution_id, created_at);

CREATE TABLE IF NOT EXISTS step_stream_chunks (
	execution_id TEXT NOT NULL,
	step_id      TEXT NOT NULL,
	chunk_index  INT NOT NULL,
	data         BYTEA,
	PRIMARY KEY (execution_id, step_id, chunk_index)
);
`

// SQLStore is the Postgres-backed Store. It exercises the CTE/RETURNING
// and row-skip-lock dialects at once, since Postgres supports both: single
// CAS writes use a plain UPDATE ... RETURNING, and FindPending additionally
// layers FOR UPDATE SKIP LOCKED on top so concurrent pollers never block on
// each other.
type SQLStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewSQLStore opens a pooled Postgres connection.
func NewSQLStore(databaseURL string, logger *zap.Logger) (*SQLStore, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &SQLStore{db: db, logger: logger.With(zap.String("component", "sql_store"))}, nil
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLStore) Close() error                   { return s.db.Close() }

type executionRow struct {
	ID                 string          `db:"id"`
	WorkflowID         string          `db:"workflow_id"`
	Status             string          `db:"status"`
	Input              []byte          `db:"input"`
	Output             []byte          `db:"output"`
	CreatedAt          time.Time       `db:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at"`
	StartedAtEpochMs   sql.NullInt64   `db:"started_at_epoch_ms"`
	CompletedAtEpochMs sql.NullInt64   `db:"completed_at_epoch_ms"`
	NextRunAtEpochMs   sql.NullInt64   `db:"next_run_at_epoch_ms"`
	LockedUntilEpochMs sql.NullInt64   `db:"locked_until_epoch_ms"`
	LockID             sql.NullString  `db:"lock_id"`
	RetryCount         int             `db:"retry_count"`
	MaxRetries         int             `db:"max_retries"`
	Error              sql.NullString  `db:"error"`
	SuspendedStep      sql.NullString  `db:"suspended_step"`
	ParentExecutionID  sql.NullString  `db:"parent_execution_id"`
}

func (r *executionRow) toModel() (*models.Execution, error) {
	e := &models.Execution{
		ID:         r.ID,
		WorkflowID: r.WorkflowID,
		Status:     models.ExecutionStatus(r.Status),
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
		RetryCount: r.RetryCount,
		MaxRetries: r.MaxRetries,
	}
	if len(r.Input) > 0 {
		if err := json.Unmarshal(r.Input, &e.Input); err != nil {
			return nil, fmt.Errorf("store: decode input: %w", err)
		}
	}
	if len(r.Output) > 0 {
		if err := json.Unmarshal(r.Output, &e.Output); err != nil {
			return nil, fmt.Errorf("store: decode output: %w", err)
		}
	}
	if r.StartedAtEpochMs.Valid {
		v := r.StartedAtEpochMs.Int64
		e.StartedAtEpochMs = &v
	}
	if r.CompletedAtEpochMs.Valid {
		v := r.CompletedAtEpochMs.Int64
		e.CompletedAtEpochMs = &v
	}
	if r.NextRunAtEpochMs.Valid {
		v := r.NextRunAtEpochMs.Int64
		e.NextRunAtEpochMs = &v
	}
	if r.SuspendedStep.Valid {
		v := r.SuspendedStep.String
		e.SuspendedStep = &v
	}
	if r.LockedUntilEpochMs.Valid {
		v := r.LockedUntilEpochMs.Int64
		e.LockedUntilEpochMs = &v
	}
	if r.LockID.Valid {
		e.LockID = r.LockID.String
	}
	if r.Error.Valid {
		v := r.Error.String
		e.Error = &v
	}
	if r.ParentExecutionID.Valid {
		v := r.ParentExecutionID.String
		e.ParentExecutionID = &v
	}
	return e, nil
}

func (s *SQLStore) CreateExecution(ctx context.Context, workflowID string, input map[string]interface{}, maxRetries int) (*models.Execution, error) {
	id := uuid.NewString()
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("store: encode input: %w", err)
	}
	const q = `
		INSERT INTO workflow_executions (id, workflow_id, status, input, retry_count, max_retries)
		VALUES ($1, $2, $3, $4, 0, $5)
		RETURNING created_at, updated_at`
	var createdAt, updatedAt time.Time
	if err := s.db.QueryRowContext(ctx, q, id, workflowID, models.ExecutionPending, inputJSON, maxRetries).Scan(&createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("store: create execution: %w", err)
	}
	return &models.Execution{
		ID: id, WorkflowID: workflowID, Status: models.ExecutionPending,
		Input: input, CreatedAt: createdAt, UpdatedAt: updatedAt, MaxRetries: maxRetries,
	}, nil
}

func (s *SQLStore) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	var row executionRow
	const q = `SELECT * FROM workflow_executions WHERE id = $1`
	if err := s.db.GetContext(ctx, &row, q, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get execution: %w", err)
	}
	return row.toModel()
}

// AcquireLease implements the single-row CAS: succeeds iff status is
// pending or running, retries remain, and the lease is free or expired.
func (s *SQLStore) AcquireLease(ctx context.Context, id string, leaseMs int64) (*Lease, error) {
	lockID := uuid.NewString()
	nowMs := time.Now().UnixMilli()
	const q = `
		UPDATE workflow_executions
		SET lock_id = $1, locked_until_epoch_ms = $2, status = 'running', updated_at = now()
		WHERE id = $3
		  AND status IN ('pending', 'running')
		  AND retry_count < max_retries
		  AND (locked_until_epoch_ms IS NULL OR locked_until_epoch_ms < $4)
		RETURNING retry_count`
	var retryCount int
	err := s.db.QueryRowContext(ctx, q, lockID, nowMs+leaseMs, id, nowMs).Scan(&retryCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: acquire lease: %w", err)
	}
	return &Lease{LockID: lockID, RetryCount: retryCount}, nil
}

func (s *SQLStore) ReleaseLease(ctx context.Context, id, lockID string) error {
	const q = `
		UPDATE workflow_executions
		SET lock_id = NULL, locked_until_epoch_ms = NULL, updated_at = now()
		WHERE id = $1 AND lock_id = $2`
	_, err := s.db.ExecContext(ctx, q, id, lockID)
	if err != nil {
		return fmt.Errorf("store: release lease: %w", err)
	}
	return nil
}

// FindPending layers FOR UPDATE SKIP LOCKED on a CTE so that concurrent
// pollers never block on each other, then leases each selected row with
// the same predicate AcquireLease uses.
func (s *SQLStore) FindPending(ctx context.Context, limit int, leaseMs int64, scheduledBefore *time.Time) ([]*models.Execution, error) {
	nowMs := time.Now().UnixMilli()
	before := nowMs
	if scheduledBefore != nil {
		before = scheduledBefore.UnixMilli()
	}
	const q = `
		WITH candidates AS (
			SELECT id FROM workflow_executions
			WHERE status IN ('pending', 'running')
			  AND retry_count < max_retries
			  AND (locked_until_epoch_ms IS NULL OR locked_until_epoch_ms < $1)
			  AND (next_run_at_epoch_ms IS NULL OR next_run_at_epoch_ms <= $2)
			ORDER BY created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE workflow_executions w
		SET lock_id = gen_random_uuid()::text, locked_until_epoch_ms = $4, status = 'running', updated_at = now()
		FROM candidates
		WHERE w.id = candidates.id
		RETURNING w.*`
	var rows []executionRow
	if err := s.db.SelectContext(ctx, &rows, q, nowMs, before, limit, nowMs+leaseMs); err != nil {
		return nil, fmt.Errorf("store: find pending: %w", err)
	}
	out := make([]*models.Execution, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *SQLStore) CompleteExecution(ctx context.Context, id, lockID string, output map[string]interface{}, excludedLarge []string) error {
	for _, key := range excludedLarge {
		if output != nil {
			output[key] = models.ExcludedOutputSentinel
		}
	}
	outputJSON, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("store: encode output: %w", err)
	}
	nowMs := time.Now().UnixMilli()
	const q = `
		UPDATE workflow_executions
		SET status = 'completed', output = $1, completed_at_epoch_ms = $2,
		    lock_id = NULL, locked_until_epoch_ms = NULL, updated_at = now()
		WHERE id = $3 AND lock_id = $4`
	res, err := s.db.ExecContext(ctx, q, outputJSON, nowMs, id, lockID)
	if err != nil {
		return fmt.Errorf("store: complete execution: %w", err)
	}
	return checkCASApplied(res)
}

func (s *SQLStore) FailExecution(ctx context.Context, id, lockID, errMsg string, retryable bool, retryBaseMs int64) (*FailOutcome, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: fail execution begin: %w", err)
	}
	defer tx.Rollback()

	var row executionRow
	if err := tx.GetContext(ctx, &row, `SELECT * FROM workflow_executions WHERE id = $1 AND lock_id = $2 FOR UPDATE`, id, lockID); err != nil {
		if err == sql.ErrNoRows {
			return &FailOutcome{WillRetry: false}, nil
		}
		return nil, fmt.Errorf("store: fail execution select: %w", err)
	}

	if retryable && row.RetryCount+1 < row.MaxRetries {
		nextRetry := row.RetryCount + 1
		backoff := time.Duration(retryBaseMs) * time.Millisecond * time.Duration(1<<uint(nextRetry))
		nextRunAt := time.Now().Add(backoff)
		const q = `
			UPDATE workflow_executions
			SET status = 'pending', retry_count = $1, error = $2, next_run_at_epoch_ms = $3,
			    lock_id = NULL, locked_until_epoch_ms = NULL, updated_at = now()
			WHERE id = $4 AND lock_id = $5`
		if _, err := tx.ExecContext(ctx, q, nextRetry, errMsg, nextRunAt.UnixMilli(), id, lockID); err != nil {
			return nil, fmt.Errorf("store: fail execution requeue: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("store: fail execution commit: %w", err)
		}
		return &FailOutcome{WillRetry: true, NextRunAt: &nextRunAt}, nil
	}

	const q = `
		UPDATE workflow_executions
		SET status = 'failed', error = $1, completed_at_epoch_ms = $2,
		    lock_id = NULL, locked_until_epoch_ms = NULL, updated_at = now()
		WHERE id = $3 AND lock_id = $4`
	if _, err := tx.ExecContext(ctx, q, errMsg, time.Now().UnixMilli(), id, lockID); err != nil {
		return nil, fmt.Errorf("store: fail execution terminal: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: fail execution commit: %w", err)
	}
	return &FailOutcome{WillRetry: false}, nil
}

func (s *SQLStore) SetSleeping(ctx context.Context, id, lockID, step string, wakeAt time.Time) error {
	const q = `
		UPDATE workflow_executions
		SET status = 'sleeping', suspended_step = $3, lock_id = NULL, locked_until_epoch_ms = NULL, updated_at = now()
		WHERE id = $1 AND lock_id = $2`
	res, err := s.db.ExecContext(ctx, q, id, lockID, step)
	if err != nil {
		return fmt.Errorf("store: set sleeping: %w", err)
	}
	if err := checkCASApplied(res); err != nil {
		return err
	}
	return s.ScheduleTimer(ctx, id, step, wakeAt)
}

func (s *SQLStore) SetWaiting(ctx context.Context, id, lockID, step, signalName string, timeoutAt *time.Time) error {
	var suspendedStep interface{}
	if timeoutAt != nil {
		suspendedStep = step + ":timeout"
	}
	const q = `
		UPDATE workflow_executions
		SET status = 'waiting_for_signal', suspended_step = $3, lock_id = NULL, locked_until_epoch_ms = NULL, updated_at = now()
		WHERE id = $1 AND lock_id = $2`
	res, err := s.db.ExecContext(ctx, q, id, lockID, suspendedStep)
	if err != nil {
		return fmt.Errorf("store: set waiting: %w", err)
	}
	if err := checkCASApplied(res); err != nil {
		return err
	}
	if timeoutAt == nil {
		return nil
	}
	return s.ScheduleTimer(ctx, id, step+":timeout", *timeoutAt)
}

// WakeIfDue moves a sleeping execution whose timer has fired, or a
// waiting_for_signal execution with a pending signal or an elapsed
// timeout, back to pending. It never touches an execution that is
// pending/running/terminal already or still legitimately suspended.
func (s *SQLStore) WakeIfDue(ctx context.Context, id string) (bool, error) {
	const q = `
		UPDATE workflow_executions w
		SET status = 'pending', updated_at = now()
		WHERE w.id = $1
		  AND (
		    (w.status = 'sleeping' AND EXISTS (
		      SELECT 1 FROM workflow_events e
		      WHERE e.execution_id = w.id AND e.type = 'timer' AND e.consumed_at IS NULL
		        AND e.name = w.suspended_step AND e.visible_at <= now()
		    ))
		    OR
		    (w.status = 'waiting_for_signal' AND (
		      EXISTS (
		        SELECT 1 FROM workflow_events e
		        WHERE e.execution_id = w.id AND e.type = 'signal' AND e.consumed_at IS NULL
		      )
		      OR EXISTS (
		        SELECT 1 FROM workflow_events e
		        WHERE e.execution_id = w.id AND e.type = 'timer' AND e.consumed_at IS NULL
		          AND e.name = w.suspended_step AND e.visible_at <= now()
		      )
		    ))
		  )`
	res, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return false, fmt.Errorf("store: wake if due: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLStore) ListSuspended(ctx context.Context, limit int) ([]*models.Execution, error) {
	const q = `
		SELECT * FROM workflow_executions
		WHERE status IN ('sleeping', 'waiting_for_signal')
		ORDER BY updated_at ASC
		LIMIT $1`
	var rows []executionRow
	if err := s.db.SelectContext(ctx, &rows, q, limit); err != nil {
		return nil, fmt.Errorf("store: list suspended: %w", err)
	}
	out := make([]*models.Execution, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *SQLStore) CancelExecution(ctx context.Context, id string) (CancelOutcome, error) {
	const q = `
		UPDATE workflow_executions
		SET status = 'cancelled', completed_at_epoch_ms = $1, updated_at = now()
		WHERE id = $2 AND status IN ('pending', 'running', 'sleeping', 'waiting_for_signal')`
	res, err := s.db.ExecContext(ctx, q, time.Now().UnixMilli(), id)
	if err != nil {
		return "", fmt.Errorf("store: cancel execution: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		return CancelOK, nil
	}
	exec, err := s.GetExecution(ctx, id)
	if err == ErrNotFound {
		return CancelNotFound, nil
	}
	if err != nil {
		return "", err
	}
	if exec.Status == models.ExecutionCancelled {
		return CancelAlreadyCancelled, nil
	}
	return CancelNotCancellable, nil
}

func (s *SQLStore) ResumeExecution(ctx context.Context, id string, resetRetries, requeue bool) (ResumeOutcome, error) {
	setClause := "status = 'pending', updated_at = now(), completed_at_epoch_ms = NULL"
	if resetRetries {
		setClause += ", retry_count = 0"
	}
	q := fmt.Sprintf(`UPDATE workflow_executions SET %s WHERE id = $1 AND status IN ('cancelled', 'failed')`, setClause)
	res, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return "", fmt.Errorf("store: resume execution: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		return ResumeOK, nil
	}
	exec, err := s.GetExecution(ctx, id)
	if err == ErrNotFound {
		return ResumeNotFound, nil
	}
	if err != nil {
		return "", err
	}
	_ = exec
	return ResumeNotResumable, nil
}

func (s *SQLStore) UpsertStepResult(ctx context.Context, executionID, stepID string, patch StepResultPatch) error {
	const q = `
		INSERT INTO execution_step_results (execution_id, step_id, started_at, completed_at, output, error)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (execution_id, step_id) DO UPDATE SET
			started_at   = COALESCE(EXCLUDED.started_at, execution_step_results.started_at),
			completed_at = COALESCE(EXCLUDED.completed_at, execution_step_results.completed_at),
			output       = COALESCE(EXCLUDED.output, execution_step_results.output),
			error        = COALESCE(EXCLUDED.error, execution_step_results.error)`
	_, err := s.db.ExecContext(ctx, q, executionID, stepID, patch.StartedAt, patch.CompletedAt, patch.Output, patch.Error)
	if err != nil {
		return fmt.Errorf("store: upsert step result: %w", err)
	}
	return nil
}

func (s *SQLStore) GetStepResults(ctx context.Context, executionID string) (map[string]*models.StepResult, error) {
	var rows []models.StepResult
	const q = `SELECT execution_id, step_id, started_at, completed_at, output, error FROM execution_step_results WHERE execution_id = $1`
	if err := s.db.SelectContext(ctx, &rows, q, executionID); err != nil {
		return nil, fmt.Errorf("store: get step results: %w", err)
	}
	out := make(map[string]*models.StepResult, len(rows))
	for i := range rows {
		r := rows[i]
		out[r.StepID] = &r
	}
	return out, nil
}

func (s *SQLStore) AppendEvent(ctx context.Context, event *models.WorkflowEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("store: encode event payload: %w", err)
	}
	const q = `
		INSERT INTO workflow_events (id, execution_id, type, name, payload, visible_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err = s.db.ExecContext(ctx, q, event.ID, event.ExecutionID, event.Type, event.Name, payload, event.VisibleAt)
	if err != nil {
		return fmt.Errorf("store: append event: %w", err)
	}
	return nil
}

func (s *SQLStore) ConsumeSignal(ctx context.Context, eventID string) (bool, error) {
	const q = `UPDATE workflow_events SET consumed_at = now() WHERE id = $1 AND consumed_at IS NULL`
	res, err := s.db.ExecContext(ctx, q, eventID)
	if err != nil {
		return false, fmt.Errorf("store: consume signal: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ConsumeTimer marks a fired timer event consumed so it can no longer
// satisfy WakeIfDue's EXISTS check for a later suspension at the same or
// a different step.
func (s *SQLStore) ConsumeTimer(ctx context.Context, eventID string) (bool, error) {
	const q = `UPDATE workflow_events SET consumed_at = now() WHERE id = $1 AND consumed_at IS NULL`
	res, err := s.db.ExecContext(ctx, q, eventID)
	if err != nil {
		return false, fmt.Errorf("store: consume timer: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLStore) GetPendingSignals(ctx context.Context, executionID string) ([]*models.WorkflowEvent, error) {
	var rows []eventRow
	const q = `
		SELECT id, execution_id, type, name, payload, created_at, visible_at, consumed_at
		FROM workflow_events
		WHERE execution_id = $1 AND type = 'signal' AND consumed_at IS NULL
		ORDER BY created_at ASC`
	if err := s.db.SelectContext(ctx, &rows, q, executionID); err != nil {
		return nil, fmt.Errorf("store: get pending signals: %w", err)
	}
	return toEventModels(rows)
}

func (s *SQLStore) CheckTimer(ctx context.Context, executionID, stepName string) (*models.WorkflowEvent, error) {
	var rows []eventRow
	const q = `
		SELECT id, execution_id, type, name, payload, created_at, visible_at, consumed_at
		FROM workflow_events
		WHERE execution_id = $1 AND type = 'timer' AND name = $2
		  AND visible_at <= now() AND consumed_at IS NULL
		LIMIT 1`
	if err := s.db.SelectContext(ctx, &rows, q, executionID, stepName); err != nil {
		return nil, fmt.Errorf("store: check timer: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	models_, err := toEventModels(rows)
	if err != nil {
		return nil, err
	}
	return models_[0], nil
}

func (s *SQLStore) ScheduleTimer(ctx context.Context, executionID, stepName string, wakeAt time.Time) error {
	const q = `
		INSERT INTO workflow_events (id, execution_id, type, name, visible_at)
		VALUES ($1, $2, 'timer', $3, $4)
		ON CONFLICT (execution_id, name) WHERE type = 'timer' DO NOTHING`
	_, err := s.db.ExecContext(ctx, q, uuid.NewString(), executionID, stepName, wakeAt)
	if err != nil {
		return fmt.Errorf("store: schedule timer: %w", err)
	}
	return nil
}

func (s *SQLStore) AppendStreamChunk(ctx context.Context, chunk *models.StepStreamChunk) error {
	const q = `
		INSERT INTO step_stream_chunks (execution_id, step_id, chunk_index, data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (execution_id, step_id, chunk_index) DO NOTHING`
	_, err := s.db.ExecContext(ctx, q, chunk.ExecutionID, chunk.StepID, chunk.ChunkIndex, chunk.Data)
	if err != nil {
		return fmt.Errorf("store: append stream chunk: %w", err)
	}
	return nil
}

func (s *SQLStore) GetStreamChunks(ctx context.Context, executionID, stepID string) ([]*models.StepStreamChunk, error) {
	var rows []models.StepStreamChunk
	const q = `
		SELECT execution_id, step_id, chunk_index, data FROM step_stream_chunks
		WHERE execution_id = $1 AND step_id = $2 ORDER BY chunk_index ASC`
	if err := s.db.SelectContext(ctx, &rows, q, executionID, stepID); err != nil {
		return nil, fmt.Errorf("store: get stream chunks: %w", err)
	}
	out := make([]*models.StepStreamChunk, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}

type eventRow struct {
	ID          string         `db:"id"`
	ExecutionID string         `db:"execution_id"`
	Type        string         `db:"type"`
	Name        string         `db:"name"`
	Payload     []byte         `db:"payload"`
	CreatedAt   time.Time      `db:"created_at"`
	VisibleAt   sql.NullTime   `db:"visible_at"`
	ConsumedAt  sql.NullTime   `db:"consumed_at"`
}

func toEventModels(rows []eventRow) ([]*models.WorkflowEvent, error) {
	out := make([]*models.WorkflowEvent, 0, len(rows))
	for _, r := range rows {
		ev := &models.WorkflowEvent{
			ID:          r.ID,
			ExecutionID: r.ExecutionID,
			Type:        models.EventType(r.Type),
			Name:        r.Name,
			CreatedAt:   r.CreatedAt,
		}
		if len(r.Payload) > 0 {
			if err := json.Unmarshal(r.Payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("store: decode event payload: %w", err)
			}
		}
		if r.VisibleAt.Valid {
			v := r.VisibleAt.Time
			ev.VisibleAt = &v
		}
		if r.ConsumedAt.Valid {
			v := r.ConsumedAt.Time
			ev.ConsumedAt = &v
		}
		out = append(out, ev)
	}
	return out, nil
}

func checkCASApplied(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}
