package storage

import (
	"context"
	"errors"
	"time"

	"golang.org/x/exp/slices"
)

// ErrAccountNotFound is returned when an account id doesn't exist in the store
var ErrAccountNotFound = errors.New("account not found")

// ErrTxDone is returned by operations on a committed or rolled back transaction
var ErrTxDone = errors.New("transaction already finished")

// ErrNotLocked is returned when a transaction touches a row it did not lock
var ErrNotLocked = errors.New("account not locked by this transaction")

// OperationKind classifies a log entry
type OperationKind string

const (
	KindDeposit     OperationKind = "deposit"
	KindWithdraw    OperationKind = "withdraw"
	KindTransferOut OperationKind = "transfer-out"
	KindTransferIn  OperationKind = "transfer-in"
)

// Valid reports whether k is one of the known operation kinds
func (k OperationKind) Valid() bool {
	switch k {
	case KindDeposit, KindWithdraw, KindTransferOut, KindTransferIn:
		return true
	}
	return false
}

// Account is one balance-holding row
type Account struct {
	ID        int64     `json:"id"`
	OwnerID   int64     `json:"owner_id"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}

// LogEntry records one committed balance mutation on one account.
// Details is stored exactly as handed in; sealing happens above the store.
type LogEntry struct {
	ID        int64         `json:"id"`
	AccountID int64         `json:"account_id"`
	Kind      OperationKind `json:"operation_type"`
	Details   string        `json:"details"`
	Timestamp time.Time     `json:"timestamp"`
}

// LogFilter narrows ListLogs. Nil fields don't filter; bounds are inclusive.
type LogFilter struct {
	Start *time.Time
	End   *time.Time
	Kind  *OperationKind
}

// Match reports whether e passes the filter
func (f LogFilter) Match(e LogEntry) bool {
	if f.Start != nil && e.Timestamp.Before(*f.Start) {
		return false
	}
	if f.End != nil && e.Timestamp.After(*f.End) {
		return false
	}
	if f.Kind != nil && e.Kind != *f.Kind {
		return false
	}
	return true
}

// Store is the transactional row store behind the ledger.
// All implementations must be safe for concurrent use.
type Store interface {
	// CreateAccount inserts a new account and returns it with its id
	CreateAccount(ctx context.Context, ownerID, balance int64) (Account, error)

	// GetAccount reads the committed state of one account
	// Returns ErrAccountNotFound if the id doesn't exist
	GetAccount(ctx context.Context, id int64) (Account, error)

	// ListLogs returns the account's log entries newest first
	ListLogs(ctx context.Context, accountID int64, filter LogFilter) ([]LogEntry, error)

	// Begin opens a transaction holding exclusive row locks on ids.
	// Locks are taken in ascending id order regardless of argument order,
	// and waiting for a lock is abandoned when ctx ends.
	Begin(ctx context.Context, ids ...int64) (Tx, error)

	// Close releases the store's resources
	Close() error
}

// Tx is an open transaction over a fixed set of locked accounts.
// Writes are staged and become visible together at Commit.
type Tx interface {
	// Account returns the locked row as seen by this transaction
	Account(id int64) (Account, bool)

	// SetBalance stages a new balance for a locked row
	SetBalance(id, balance int64) error

	// AppendLog stages a log entry; ID and a zero Timestamp are filled at commit
	AppendLog(entry LogEntry) error

	// Commit applies every staged write atomically, releases the locks and
	// returns the log entries as stored
	Commit() ([]LogEntry, error)

	// Rollback discards staged writes and releases the locks.
	// Calling it after Commit is a no-op.
	Rollback() error
}

// SortedIDs returns ids deduplicated in ascending order
func SortedIDs(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
