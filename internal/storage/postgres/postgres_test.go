package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardledger/internal/storage"
)

var accountColumns = []string{"id", "owner_id", "balance", "created_at"}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestEnsureSchema(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS accounts").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAndGetAccount(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(queryInsertAccount)).
		WithArgs(int64(7), int64(100), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectQuery(regexp.QuoteMeta(querySelectAccount)).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(accountColumns).AddRow(int64(1), int64(7), int64(100), created))
	mock.ExpectQuery(regexp.QuoteMeta(querySelectAccount)).
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows(accountColumns))

	acct, err := store.CreateAccount(ctx, 7, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), acct.ID)

	got, err := store.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.Balance)
	assert.Equal(t, created, got.CreatedAt)

	_, err = store.GetAccount(ctx, 2)
	assert.ErrorIs(t, err, storage.ErrAccountNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginLocksAscending(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(queryLockAccount)).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows(accountColumns).AddRow(int64(3), int64(1), int64(50), now))
	mock.ExpectQuery(regexp.QuoteMeta(queryLockAccount)).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows(accountColumns).AddRow(int64(9), int64(1), int64(10), now))
	mock.ExpectRollback()

	// Arguments arrive in descending order; locks must still go 3 then 9.
	tx, err := store.Begin(ctx, 9, 3)
	require.NoError(t, err)

	acct, ok := tx.Account(9)
	require.True(t, ok)
	assert.Equal(t, int64(10), acct.Balance)

	require.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginMissingAccount(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(queryLockAccount)).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(accountColumns))
	mock.ExpectRollback()

	_, err := store.Begin(context.Background(), 5)
	assert.ErrorIs(t, err, storage.ErrAccountNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitWritesBalancesAndLogs(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(queryLockAccount)).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(accountColumns).AddRow(int64(1), int64(1), int64(50), now))
	mock.ExpectExec(regexp.QuoteMeta(queryUpdateBalance)).
		WithArgs(int64(80), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(queryInsertLog)).
		WithArgs(int64(1), "deposit", "sealed", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))
	mock.ExpectCommit()

	tx, err := store.Begin(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, tx.SetBalance(1, 80))
	require.NoError(t, tx.AppendLog(storage.LogEntry{AccountID: 1, Kind: storage.KindDeposit, Details: "sealed"}))

	logs, err := tx.Commit()
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, int64(11), logs[0].ID)
	assert.False(t, logs[0].Timestamp.IsZero())

	// Rollback after commit is a no-op and issues no statement
	assert.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitFailureRollsBack(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(queryLockAccount)).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(accountColumns).AddRow(int64(1), int64(1), int64(50), now))
	mock.ExpectExec(regexp.QuoteMeta(queryUpdateBalance)).
		WithArgs(int64(0), int64(1)).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	tx, err := store.Begin(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, tx.SetBalance(1, 0))

	_, err = tx.Commit()
	assert.ErrorContains(t, err, "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListLogsFilters(t *testing.T) {
	store, mock := newMockStore(t)
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	kind := storage.KindWithdraw

	query := querySelectLogs + " AND timestamp >= $2 AND operation_type = $3 ORDER BY timestamp DESC, id DESC"
	mock.ExpectQuery(regexp.QuoteMeta(query)).
		WithArgs(int64(4), ts, "withdraw").
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "operation_type", "details", "timestamp"}).
			AddRow(int64(2), int64(4), "withdraw", "b", ts.Add(time.Hour)).
			AddRow(int64(1), int64(4), "withdraw", "a", ts))

	logs, err := store.ListLogs(context.Background(), 4, storage.LogFilter{Start: &ts, Kind: &kind})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, storage.KindWithdraw, logs[0].Kind)
	assert.Equal(t, int64(2), logs[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
