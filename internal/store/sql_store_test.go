package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &SQLStore{db: sqlx.NewDb(db, "postgres"), logger: zap.NewNop()}, mock
}

func TestAcquireLease_SucceedsOnEligibleRow(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("UPDATE workflow_executions").
		WillReturnRows(sqlmock.NewRows([]string{"retry_count"}).AddRow(2))

	lease, err := s.AcquireLease(context.Background(), "exec-1", 300000)
	require.NoError(t, err)
	require.NotNil(t, lease)
	require.Equal(t, 2, lease.RetryCount)
	require.NotEmpty(t, lease.LockID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireLease_NoRowsIsNilNotError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("UPDATE workflow_executions").
		WillReturnRows(sqlmock.NewRows([]string{"retry_count"}))

	lease, err := s.AcquireLease(context.Background(), "exec-1", 300000)
	require.NoError(t, err)
	require.Nil(t, lease)
}

func TestCompleteExecution_NoRowsAffectedIsLeaseNotHeld(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE workflow_executions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.CompleteExecution(context.Background(), "exec-1", "stale-lock", map[string]interface{}{"ok": true}, nil)
	require.ErrorIs(t, err, ErrLeaseNotHeld)
}

func TestCompleteExecution_AppliesExcludedLargeSentinel(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE workflow_executions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	out := map[string]interface{}{"big": "x", "small": 1}
	err := s.CompleteExecution(context.Background(), "exec-1", "lock-1", out, []string{"big"})
	require.NoError(t, err)
	require.Equal(t, "__excluded_large_output__", out["big"])
	require.Equal(t, 1, out["small"])
}

func TestFindPending_OrdersByCreatedAtAndLeasesEachRow(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()
	cols := []string{
		"id", "workflow_id", "status", "input", "output", "created_at", "updated_at",
		"started_at_epoch_ms", "completed_at_epoch_ms", "locked_until_epoch_ms", "lock_id",
		"retry_count", "max_retries", "error", "parent_execution_id",
	}
	rows := sqlmock.NewRows(cols).
		AddRow("e1", "wf", "running", []byte(`{}`), nil, now, now, nil, nil, nil, "lock-a", 0, 10, nil, nil).
		AddRow("e2", "wf", "running", []byte(`{}`), nil, now, now, nil, nil, nil, "lock-b", 0, 10, nil, nil)
	mock.ExpectQuery("WITH candidates").WillReturnRows(rows)

	execs, err := s.FindPending(context.Background(), 2, 300000, nil)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	require.Equal(t, "e1", execs[0].ID)
	require.Equal(t, "e2", execs[1].ID)
}

func TestFailExecution_RetryableWithBudgetRemainingRequeues(t *testing.T) {
	s, mock := newMockStore(t)
	cols := []string{
		"id", "workflow_id", "status", "input", "output", "created_at", "updated_at",
		"started_at_epoch_ms", "completed_at_epoch_ms", "locked_until_epoch_ms", "lock_id",
		"retry_count", "max_retries", "error", "parent_execution_id",
	}
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM workflow_executions WHERE id = \\$1 AND lock_id = \\$2 FOR UPDATE").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("e1", "wf", "running", nil, nil, time.Now(), time.Now(), nil, nil, nil, "lock-1", 1, 10, nil, nil))
	mock.ExpectExec("UPDATE workflow_executions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	outcome, err := s.FailExecution(context.Background(), "e1", "lock-1", "boom", true, 1000)
	require.NoError(t, err)
	require.True(t, outcome.WillRetry)
	require.NotNil(t, outcome.NextRunAt)
	require.True(t, outcome.NextRunAt.After(time.Now()))
}

func TestFailExecution_ExhaustedRetriesIsTerminal(t *testing.T) {
	s, mock := newMockStore(t)
	cols := []string{
		"id", "workflow_id", "status", "input", "output", "created_at", "updated_at",
		"started_at_epoch_ms", "completed_at_epoch_ms", "locked_until_epoch_ms", "lock_id",
		"retry_count", "max_retries", "error", "parent_execution_id",
	}
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM workflow_executions WHERE id = \\$1 AND lock_id = \\$2 FOR UPDATE").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("e1", "wf", "running", nil, nil, time.Now(), time.Now(), nil, nil, nil, "lock-1", 9, 10, nil, nil))
	mock.ExpectExec("UPDATE workflow_executions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	outcome, err := s.FailExecution(context.Background(), "e1", "lock-1", "boom", true, 1000)
	require.NoError(t, err)
	require.False(t, outcome.WillRetry)
}
