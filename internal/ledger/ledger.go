package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/shardledger/internal/auth"
	"github.com/dreamware/shardledger/internal/failure"
	"github.com/dreamware/shardledger/internal/metrics"
	"github.com/dreamware/shardledger/internal/seal"
	"github.com/dreamware/shardledger/internal/storage"
)

type (
	Account       = storage.Account
	LogEntry      = storage.LogEntry
	OperationKind = storage.OperationKind
)

// Notifier receives a plain-text description of every committed operation.
// Implementations must not block; the ledger never waits on delivery.
type Notifier interface {
	Notify(text string)
}

type noopNotifier struct{}

func (noopNotifier) Notify(string) {}

// Config wires a Ledger. Only Store is required.
type Config struct {
	Store    storage.Store
	Sealer   seal.Sealer
	Notifier Notifier
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Ledger executes balance-affecting operations against a Store.
type Ledger struct {
	store    storage.Store
	sealer   seal.Sealer
	notifier Notifier
	log      *zap.Logger
	metrics  *metrics.Metrics
}

// TransferResult reports both sides of a committed transfer
type TransferResult struct {
	FromAccountID int64 `json:"from_account_id"`
	ToAccountID   int64 `json:"to_account_id"`
	Amount        int64 `json:"amount"`
	FromBalance   int64 `json:"from_balance"`
	ToBalance     int64 `json:"to_balance"`
}

// LogQuery narrows Logs. Nil fields don't filter.
type LogQuery struct {
	Start *time.Time
	End   *time.Time
	Kind  *OperationKind
}

func New(cfg Config) *Ledger {
	l := &Ledger{
		store:    cfg.Store,
		sealer:   cfg.Sealer,
		notifier: cfg.Notifier,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
	}
	if l.sealer == nil {
		l.sealer = seal.Plain{}
	}
	if l.notifier == nil {
		l.notifier = noopNotifier{}
	}
	if l.log == nil {
		l.log = zap.NewNop()
	}
	return l
}

// OpenAccount creates an account owned by p with an optional opening balance.
func (l *Ledger) OpenAccount(ctx context.Context, p auth.Principal, initialBalance int64) (Account, error) {
	if initialBalance < 0 {
		return Account{}, l.record("open", failure.New(failure.KindInvalidAmount, "initial balance cannot be negative"))
	}
	acct, err := l.store.CreateAccount(ctx, p.UserID, initialBalance)
	if err != nil {
		return Account{}, l.record("open", failure.Wrap(failure.KindInternal, err, "could not create account"))
	}
	l.record("open", nil)

	owner := p.Username
	if owner == "" {
		owner = fmt.Sprint(p.UserID)
	}
	l.log.Info("account opened", zap.Int64("account", acct.ID), zap.Int64("owner", p.UserID))
	l.notifier.Notify(fmt.Sprintf("New account created for user %s, account ID: %d", owner, acct.ID))
	return acct, nil
}

// Account returns an account the principal owns.
func (l *Ledger) Account(ctx context.Context, p auth.Principal, id int64) (Account, error) {
	return l.authorize(ctx, p, id)
}

// Balance returns the committed balance of an account the principal owns.
func (l *Ledger) Balance(ctx context.Context, p auth.Principal, id int64) (int64, error) {
	acct, err := l.authorize(ctx, p, id)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// Deposit adds amount to the account and returns the new balance.
func (l *Ledger) Deposit(ctx context.Context, p auth.Principal, id, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, l.record("deposit", failure.ErrInvalidAmount)
	}
	if _, err := l.authorize(ctx, p, id); err != nil {
		return 0, l.record("deposit", err)
	}

	var balance int64
	err := l.inTx(ctx, []int64{id}, func(tx storage.Tx) error {
		acct, _ := tx.Account(id)
		if acct.Balance > math.MaxInt64-amount {
			return failure.ErrOverflow
		}
		balance = acct.Balance + amount
		if err := tx.SetBalance(id, balance); err != nil {
			return err
		}
		return l.appendLog(tx, id, storage.KindDeposit, fmt.Sprintf("Deposited %d", amount))
	})
	if err != nil {
		return 0, l.record("deposit", err)
	}
	l.record("deposit", nil)

	l.log.Info("deposit committed", zap.Int64("account", id), zap.Int64("amount", amount), zap.Int64("balance", balance))
	l.notifier.Notify(fmt.Sprintf("Deposit of %d made to account ID: %d", amount, id))
	return balance, nil
}

// Withdraw removes amount from the account and returns the new balance.
func (l *Ledger) Withdraw(ctx context.Context, p auth.Principal, id, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, l.record("withdraw", failure.ErrInvalidAmount)
	}
	if _, err := l.authorize(ctx, p, id); err != nil {
		return 0, l.record("withdraw", err)
	}

	var balance int64
	err := l.inTx(ctx, []int64{id}, func(tx storage.Tx) error {
		acct, _ := tx.Account(id)
		if acct.Balance < amount {
			return failure.ErrInsufficientFunds
		}
		balance = acct.Balance - amount
		if err := tx.SetBalance(id, balance); err != nil {
			return err
		}
		return l.appendLog(tx, id, storage.KindWithdraw, fmt.Sprintf("Withdrew %d", amount))
	})
	if err != nil {
		return 0, l.record("withdraw", err)
	}
	l.record("withdraw", nil)

	l.log.Info("withdrawal committed", zap.Int64("account", id), zap.Int64("amount", amount), zap.Int64("balance", balance))
	l.notifier.Notify(fmt.Sprintf("Withdrawal of %d made from account ID: %d", amount, id))
	return balance, nil
}

// Transfer moves amount from one account to another. The principal must own
// from; to only has to exist. Both rows are locked for the whole operation.
func (l *Ledger) Transfer(ctx context.Context, p auth.Principal, from, to, amount int64) (TransferResult, error) {
	if amount <= 0 {
		return TransferResult{}, l.record("transfer", failure.ErrInvalidAmount)
	}
	if from == to {
		return TransferResult{}, l.record("transfer", failure.ErrInvalidTransfer)
	}
	if _, err := l.authorize(ctx, p, from); err != nil {
		return TransferResult{}, l.record("transfer", err)
	}
	if _, err := l.lookup(ctx, to); err != nil {
		return TransferResult{}, l.record("transfer", err)
	}

	res := TransferResult{FromAccountID: from, ToAccountID: to, Amount: amount}
	err := l.inTx(ctx, []int64{from, to}, func(tx storage.Tx) error {
		src, _ := tx.Account(from)
		dst, _ := tx.Account(to)
		if src.Balance < amount {
			return failure.ErrInsufficientFunds
		}
		if dst.Balance > math.MaxInt64-amount {
			return failure.ErrOverflow
		}
		res.FromBalance = src.Balance - amount
		res.ToBalance = dst.Balance + amount

		if err := tx.SetBalance(from, res.FromBalance); err != nil {
			return err
		}
		if err := tx.SetBalance(to, res.ToBalance); err != nil {
			return err
		}
		if err := l.appendLog(tx, from, storage.KindTransferOut, fmt.Sprintf("Transferred %d to account %d", amount, to)); err != nil {
			return err
		}
		return l.appendLog(tx, to, storage.KindTransferIn, fmt.Sprintf("Received %d from account %d", amount, from))
	})
	if err != nil {
		return TransferResult{}, l.record("transfer", err)
	}
	l.record("transfer", nil)

	l.log.Info("transfer committed",
		zap.Int64("from", from),
		zap.Int64("to", to),
		zap.Int64("amount", amount))
	l.notifier.Notify(fmt.Sprintf("Transfer of %d from account %d to account %d", amount, from, to))
	l.notifier.Notify(fmt.Sprintf("Transfer of %d received by account %d from account %d", amount, to, from))
	return res, nil
}

// Logs returns the account's log entries newest first with details opened.
func (l *Ledger) Logs(ctx context.Context, p auth.Principal, id int64, q LogQuery) ([]LogEntry, error) {
	if q.Kind != nil && !q.Kind.Valid() {
		return nil, failure.Errorf(failure.KindInvalidInput, "unknown operation type %q", *q.Kind)
	}
	if q.Start != nil && q.End != nil && q.Start.After(*q.End) {
		return nil, failure.New(failure.KindInvalidInput, "start_date must not be after end_date")
	}
	if _, err := l.authorize(ctx, p, id); err != nil {
		return nil, err
	}

	entries, err := l.store.ListLogs(ctx, id, storage.LogFilter{Start: q.Start, End: q.End, Kind: q.Kind})
	if err != nil {
		return nil, failure.Wrap(failure.KindInternal, err, "could not read logs")
	}
	for i := range entries {
		details, err := l.sealer.Open(entries[i].Details)
		if err != nil {
			l.log.Error("log details unreadable", zap.Int64("log", entries[i].ID), zap.Error(err))
			return nil, failure.Wrap(failure.KindInternal, err, "could not read logs")
		}
		entries[i].Details = details
	}
	return entries, nil
}

func (l *Ledger) lookup(ctx context.Context, id int64) (Account, error) {
	acct, err := l.store.GetAccount(ctx, id)
	if errors.Is(err, storage.ErrAccountNotFound) {
		return Account{}, failure.ErrNotFound
	}
	if err != nil {
		return Account{}, failure.Wrap(failure.KindInternal, err, "could not read account")
	}
	return acct, nil
}

// authorize checks existence and ownership without taking any lock.
func (l *Ledger) authorize(ctx context.Context, p auth.Principal, id int64) (Account, error) {
	acct, err := l.lookup(ctx, id)
	if err != nil {
		return Account{}, err
	}
	if acct.OwnerID != p.UserID {
		return Account{}, failure.ErrForbidden
	}
	return acct, nil
}

// inTx locks ids, runs fn and commits. Any error from fn or from the commit
// rolls back and releases every lock.
func (l *Ledger) inTx(ctx context.Context, ids []int64, fn func(storage.Tx) error) error {
	tx, err := l.store.Begin(ctx, ids...)
	switch {
	case errors.Is(err, storage.ErrAccountNotFound):
		return failure.ErrNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return failure.Wrap(failure.KindTimeout, err, "timed out waiting for account lock")
	case err != nil:
		return failure.Wrap(failure.KindInternal, err, "could not lock accounts")
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		var classified *failure.Error
		if errors.As(err, &classified) {
			return err
		}
		return failure.Wrap(failure.KindInternal, err, "could not stage changes")
	}
	if _, err := tx.Commit(); err != nil {
		return failure.Wrap(failure.KindInternal, err, "could not commit")
	}
	return nil
}

func (l *Ledger) appendLog(tx storage.Tx, id int64, kind OperationKind, details string) error {
	sealed, err := l.sealer.Seal(details)
	if err != nil {
		return fmt.Errorf("seal details: %w", err)
	}
	return tx.AppendLog(storage.LogEntry{AccountID: id, Kind: kind, Details: sealed})
}

// record counts the outcome of op and passes err through.
func (l *Ledger) record(op string, err error) error {
	if l.metrics == nil {
		return err
	}
	outcome := "ok"
	if err != nil {
		outcome = string(failure.KindOf(err))
	}
	l.metrics.LedgerOps.WithLabelValues(op, outcome).Inc()
	return err
}
