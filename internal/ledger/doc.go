// Package ledger implements the account operations of a node: opening
// accounts, deposits, withdrawals, transfers and log queries.
//
// # Overview
//
// Every balance mutation follows the same sequence:
//
//  1. Validate the amount (InvalidAmount, InvalidTransfer)
//  2. Check the account exists and belongs to the caller (NotFound, Forbidden)
//  3. Lock the involved rows through storage.Store.Begin, ascending by id
//  4. Re-read balances under the lock and apply the rule
//     (InsufficientFunds, Overflow)
//  5. Stage the new balances and the sealed log entries
//  6. Commit, which releases the locks
//  7. Notify the broadcast hub
//
// Steps 1 and 2 never hold a lock. Any failure in 4 to 6 rolls back, so no
// partial debit or credit is ever visible. Log entries are committed with the
// balances they describe, so they exist before the caller sees success and
// before any notification leaves the node.
//
// # Errors
//
// All returned errors are *failure.Error values. Store failures surface as
// KindInternal with the cause attached for logging.
//
// # Notifications
//
// The ledger calls Notifier.Notify after commit. A transfer produces one
// message per affected account. Notify must not block; the broadcast hub
// drops on overflow instead of applying backpressure.
package ledger
