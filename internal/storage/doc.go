// Package storage defines the transactional row store that backs the ledger
// and provides an in-memory implementation. A PostgreSQL implementation lives
// in the postgres subpackage.
//
// # Overview
//
// The store holds two kinds of rows: accounts and their append-only log
// entries. It knows nothing about ownership, amounts or notifications; those
// rules live in internal/ledger. What the store does guarantee is row-level
// mutual exclusion and atomic commit.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│           internal/ledger           │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│       Store / Tx interfaces         │
//	└─────────────────────────────────────┘
//	         │                  │
//	         ▼                  ▼
//	┌────────────────┐  ┌────────────────┐
//	│  MemoryStore   │  │ postgres.Store │
//	└────────────────┘  └────────────────┘
//
// # Transactions and Locking
//
// Begin(ctx, ids...) takes an exclusive lock on every listed account:
//   - Locks are acquired in ascending id order, so two transactions over the
//     same pair of accounts can never wait on each other in a cycle
//   - Duplicate ids are collapsed
//   - A cancelled context abandons the wait and releases what was taken
//   - Rows are read after all locks are held
//
// Inside the transaction SetBalance and AppendLog only stage changes.
// Commit applies balances and log rows together; Rollback drops them. Either
// way every lock is released exactly once.
//
// MemoryStore implements row locks as one-slot channels so a waiter can
// select on ctx.Done(). postgres.Store issues SELECT ... FOR UPDATE per id
// inside a database transaction.
//
// # Error Handling
//
// ErrAccountNotFound: the id doesn't exist (GetAccount, Begin)
//
// ErrNotLocked: a transaction touched a row outside its lock set
//
// ErrTxDone: the transaction was already committed or rolled back
//
// # Usage Examples
//
//	tx, err := store.Begin(ctx, from, to)
//	if err != nil {
//	    return err
//	}
//	defer tx.Rollback()
//
//	src, _ := tx.Account(from)
//	tx.SetBalance(from, src.Balance-amount)
//	tx.AppendLog(storage.LogEntry{AccountID: from, Kind: storage.KindTransferOut})
//	logs, err := tx.Commit()
package storage
