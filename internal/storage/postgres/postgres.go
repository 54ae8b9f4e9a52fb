// Package postgres implements storage.Store on PostgreSQL via lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/exp/slices"

	"github.com/dreamware/shardledger/internal/storage"
)

// Schema creates the two tables the store needs if they are missing.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id         BIGSERIAL PRIMARY KEY,
	owner_id   BIGINT      NOT NULL,
	balance    BIGINT      NOT NULL CHECK (balance >= 0),
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS account_logs (
	id             BIGSERIAL PRIMARY KEY,
	account_id     BIGINT      NOT NULL REFERENCES accounts(id),
	operation_type TEXT        NOT NULL,
	details        TEXT        NOT NULL,
	timestamp      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS account_logs_account_ts ON account_logs (account_id, timestamp DESC);
`

const (
	queryInsertAccount = `INSERT INTO accounts (owner_id, balance, created_at) VALUES ($1, $2, $3) RETURNING id`
	querySelectAccount = `SELECT id, owner_id, balance, created_at FROM accounts WHERE id = $1`
	queryLockAccount   = `SELECT id, owner_id, balance, created_at FROM accounts WHERE id = $1 FOR UPDATE`
	queryUpdateBalance = `UPDATE accounts SET balance = $1 WHERE id = $2`
	queryInsertLog     = `INSERT INTO account_logs (account_id, operation_type, details, timestamp) VALUES ($1, $2, $3, $4) RETURNING id`
	querySelectLogs    = `SELECT id, account_id, operation_type, details, timestamp FROM account_logs WHERE account_id = $1`
)

// Store is a storage.Store backed by a *sql.DB
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Open connects to dsn and verifies the connection
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(db), nil
}

// New wraps an existing connection pool
func New(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// EnsureSchema creates the tables if they don't exist
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *Store) CreateAccount(ctx context.Context, ownerID, balance int64) (storage.Account, error) {
	acct := storage.Account{OwnerID: ownerID, Balance: balance, CreatedAt: s.now()}
	err := s.db.QueryRowContext(ctx, queryInsertAccount, ownerID, balance, acct.CreatedAt).Scan(&acct.ID)
	if err != nil {
		return storage.Account{}, fmt.Errorf("insert account: %w", err)
	}
	return acct, nil
}

func (s *Store) GetAccount(ctx context.Context, id int64) (storage.Account, error) {
	var acct storage.Account
	err := s.db.QueryRowContext(ctx, querySelectAccount, id).
		Scan(&acct.ID, &acct.OwnerID, &acct.Balance, &acct.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Account{}, storage.ErrAccountNotFound
	}
	if err != nil {
		return storage.Account{}, fmt.Errorf("select account %d: %w", id, err)
	}
	return acct, nil
}

func (s *Store) ListLogs(ctx context.Context, accountID int64, filter storage.LogFilter) ([]storage.LogEntry, error) {
	var b strings.Builder
	b.WriteString(querySelectLogs)
	args := []any{accountID}
	if filter.Start != nil {
		args = append(args, *filter.Start)
		fmt.Fprintf(&b, " AND timestamp >= $%d", len(args))
	}
	if filter.End != nil {
		args = append(args, *filter.End)
		fmt.Fprintf(&b, " AND timestamp <= $%d", len(args))
	}
	if filter.Kind != nil {
		args = append(args, string(*filter.Kind))
		fmt.Fprintf(&b, " AND operation_type = $%d", len(args))
	}
	b.WriteString(" ORDER BY timestamp DESC, id DESC")

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("select logs: %w", err)
	}
	defer rows.Close()

	var out []storage.LogEntry
	for rows.Next() {
		var e storage.LogEntry
		var kind string
		if err := rows.Scan(&e.ID, &e.AccountID, &kind, &e.Details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		e.Kind = storage.OperationKind(kind)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate logs: %w", err)
	}
	return out, nil
}

// Begin opens a database transaction and locks each row with
// SELECT ... FOR UPDATE, one id at a time in ascending order.
func (s *Store) Begin(ctx context.Context, ids ...int64) (storage.Tx, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}

	rows := make(map[int64]storage.Account, len(ids))
	for _, id := range storage.SortedIDs(ids) {
		var acct storage.Account
		err := sqlTx.QueryRowContext(ctx, queryLockAccount, id).
			Scan(&acct.ID, &acct.OwnerID, &acct.Balance, &acct.CreatedAt)
		if err != nil {
			sqlTx.Rollback()
			if errors.Is(err, sql.ErrNoRows) {
				return nil, storage.ErrAccountNotFound
			}
			return nil, fmt.Errorf("lock account %d: %w", id, err)
		}
		rows[id] = acct
	}

	return &tx{ctx: ctx, sqlTx: sqlTx, rows: rows, dirty: map[int64]bool{}, now: s.now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type tx struct {
	ctx     context.Context
	sqlTx   *sql.Tx
	rows    map[int64]storage.Account
	dirty   map[int64]bool
	pending []storage.LogEntry
	now     func() time.Time
	done    bool
}

func (t *tx) Account(id int64) (storage.Account, bool) {
	acct, ok := t.rows[id]
	return acct, ok
}

func (t *tx) SetBalance(id, balance int64) error {
	if t.done {
		return storage.ErrTxDone
	}
	acct, ok := t.rows[id]
	if !ok {
		return storage.ErrNotLocked
	}
	acct.Balance = balance
	t.rows[id] = acct
	t.dirty[id] = true
	return nil
}

func (t *tx) AppendLog(entry storage.LogEntry) error {
	if t.done {
		return storage.ErrTxDone
	}
	if _, ok := t.rows[entry.AccountID]; !ok {
		return storage.ErrNotLocked
	}
	t.pending = append(t.pending, entry)
	return nil
}

// Commit writes balances in ascending id order, inserts the log rows and
// commits. Any failure rolls the database transaction back.
func (t *tx) Commit() ([]storage.LogEntry, error) {
	if t.done {
		return nil, storage.ErrTxDone
	}
	t.done = true

	ids := make([]int64, 0, len(t.dirty))
	for id := range t.dirty {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		if _, err := t.sqlTx.ExecContext(t.ctx, queryUpdateBalance, t.rows[id].Balance, id); err != nil {
			t.sqlTx.Rollback()
			return nil, fmt.Errorf("update balance %d: %w", id, err)
		}
	}

	committed := make([]storage.LogEntry, len(t.pending))
	for i, e := range t.pending {
		if e.Timestamp.IsZero() {
			e.Timestamp = t.now()
		}
		err := t.sqlTx.QueryRowContext(t.ctx, queryInsertLog, e.AccountID, string(e.Kind), e.Details, e.Timestamp).Scan(&e.ID)
		if err != nil {
			t.sqlTx.Rollback()
			return nil, fmt.Errorf("insert log: %w", err)
		}
		committed[i] = e
	}

	if err := t.sqlTx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return committed, nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.sqlTx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}
