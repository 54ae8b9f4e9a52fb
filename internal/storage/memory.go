package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// MemoryStore implements Store in process memory.
// mu guards the maps; each account additionally has a one-slot channel that
// acts as its row lock, so waiting for a row can be cancelled via context.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[int64]Account
	rowLocks map[int64]chan struct{}
	logs     map[int64][]LogEntry
	nextAcct int64
	nextLog  int64
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[int64]Account),
		rowLocks: make(map[int64]chan struct{}),
		logs:     make(map[int64][]LogEntry),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used for created_at and log timestamps
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// CreateAccount inserts a new account with the next sequential id
func (m *MemoryStore) CreateAccount(_ context.Context, ownerID, balance int64) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextAcct++
	acct := Account{
		ID:        m.nextAcct,
		OwnerID:   ownerID,
		Balance:   balance,
		CreatedAt: m.now(),
	}
	m.accounts[acct.ID] = acct
	m.rowLocks[acct.ID] = make(chan struct{}, 1)
	return acct, nil
}

// GetAccount returns the committed state of an account
func (m *MemoryStore) GetAccount(_ context.Context, id int64) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return acct, nil
}

// ListLogs returns a filtered copy of the account's log, newest first
func (m *MemoryStore) ListLogs(_ context.Context, accountID int64, filter LogFilter) ([]LogEntry, error) {
	m.mu.RLock()
	entries := m.logs[accountID]
	out := make([]LogEntry, 0, len(entries))
	for _, e := range entries {
		if filter.Match(e) {
			out = append(out, e)
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b LogEntry) int {
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		return int(b.ID - a.ID)
	})
	return out, nil
}

// Begin locks the rows for ids in ascending order.
// On any failure every lock taken so far is released.
func (m *MemoryStore) Begin(ctx context.Context, ids ...int64) (Tx, error) {
	ordered := SortedIDs(ids)
	held := make([]chan struct{}, 0, len(ordered))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}

	for _, id := range ordered {
		m.mu.RLock()
		lock, ok := m.rowLocks[id]
		m.mu.RUnlock()
		if !ok {
			release()
			return nil, ErrAccountNotFound
		}

		select {
		case lock <- struct{}{}:
			held = append(held, lock)
		case <-ctx.Done():
			release()
			return nil, fmt.Errorf("acquire lock on account %d: %w", id, ctx.Err())
		}
	}

	// Rows are read only after every lock is held.
	snapshot := make(map[int64]Account, len(ordered))
	m.mu.RLock()
	for _, id := range ordered {
		snapshot[id] = m.accounts[id]
	}
	m.mu.RUnlock()

	return &memoryTx{store: m, locks: held, rows: snapshot}, nil
}

// Close is a no-op for the memory store
func (m *MemoryStore) Close() error { return nil }

type memoryTx struct {
	store   *MemoryStore
	locks   []chan struct{}
	rows    map[int64]Account
	pending []LogEntry
	done    bool
}

func (tx *memoryTx) Account(id int64) (Account, bool) {
	acct, ok := tx.rows[id]
	return acct, ok
}

func (tx *memoryTx) SetBalance(id, balance int64) error {
	if tx.done {
		return ErrTxDone
	}
	acct, ok := tx.rows[id]
	if !ok {
		return ErrNotLocked
	}
	acct.Balance = balance
	tx.rows[id] = acct
	return nil
}

func (tx *memoryTx) AppendLog(entry LogEntry) error {
	if tx.done {
		return ErrTxDone
	}
	if _, ok := tx.rows[entry.AccountID]; !ok {
		return ErrNotLocked
	}
	tx.pending = append(tx.pending, entry)
	return nil
}

func (tx *memoryTx) Commit() ([]LogEntry, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	m := tx.store

	m.mu.Lock()
	for id, acct := range tx.rows {
		m.accounts[id] = acct
	}
	committed := make([]LogEntry, len(tx.pending))
	for i, e := range tx.pending {
		m.nextLog++
		e.ID = m.nextLog
		if e.Timestamp.IsZero() {
			e.Timestamp = m.now()
		}
		m.logs[e.AccountID] = append(m.logs[e.AccountID], e)
		committed[i] = e
	}
	m.mu.Unlock()

	tx.finish()
	return committed, nil
}

func (tx *memoryTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.finish()
	return nil
}

func (tx *memoryTx) finish() {
	tx.done = true
	for i := len(tx.locks) - 1; i >= 0; i-- {
		<-tx.locks[i]
	}
	tx.locks = nil
}
