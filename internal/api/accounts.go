package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/dreamware/shardledger/internal/auth"
	"github.com/dreamware/shardledger/internal/failure"
	"github.com/dreamware/shardledger/internal/ledger"
	"github.com/dreamware/shardledger/internal/storage"
)

// maxBodyBytes bounds request bodies on ledger routes
const maxBodyBytes = 1 << 20

const dateOnly = "2006-01-02"

// Accounts serves the /accounts and /sessions routes of a node.
type Accounts struct {
	ledger   *ledger.Ledger
	sessions *auth.Sessions
	log      *zap.Logger
	onError  func(http.ResponseWriter, *http.Request, error)
}

func NewAccounts(l *ledger.Ledger, sessions *auth.Sessions, log *zap.Logger) *Accounts {
	if log == nil {
		log = zap.NewNop()
	}
	return &Accounts{ledger: l, sessions: sessions, log: log, onError: ErrorWriter(log)}
}

// Register mounts the authenticated routes on r.
func (a *Accounts) Register(r *mux.Router) {
	requireSession := mux.MiddlewareFunc(a.sessions.Middleware(a.onError))

	accounts := r.PathPrefix("/accounts").Subrouter()
	accounts.Use(requireSession)
	accounts.HandleFunc("", a.handleOpen).Methods(http.MethodPost)
	accounts.HandleFunc("/transfer", a.handleTransfer).Methods(http.MethodPost)
	accounts.HandleFunc("/{id:[0-9]+}", a.handleGet).Methods(http.MethodGet)
	accounts.HandleFunc("/{id:[0-9]+}/balance", a.handleBalance).Methods(http.MethodGet)
	accounts.HandleFunc("/{id:[0-9]+}/deposit", a.handleDeposit).Methods(http.MethodPost)
	accounts.HandleFunc("/{id:[0-9]+}/withdraw", a.handleWithdraw).Methods(http.MethodPost)
	accounts.HandleFunc("/{id:[0-9]+}/logs", a.handleLogs).Methods(http.MethodGet)

	sessions := r.PathPrefix("/sessions").Subrouter()
	sessions.Use(requireSession)
	sessions.HandleFunc("/revoke", a.handleRevoke).Methods(http.MethodPost)
}

type openRequest struct {
	Balance int64 `json:"balance"`
}

type amountRequest struct {
	Amount *int64 `json:"amount"`
}

type transferRequest struct {
	FromAccountID int64  `json:"from_account_id"`
	ToAccountID   int64  `json:"to_account_id"`
	Amount        *int64 `json:"amount"`
}

type balanceResponse struct {
	AccountID int64 `json:"account_id"`
	Balance   int64 `json:"balance"`
}

func (a *Accounts) handleOpen(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFrom(r.Context())
	var req openRequest
	if err := decodeBody(r, &req); err != nil {
		a.onError(w, r, err)
		return
	}
	acct, err := a.ledger.OpenAccount(r.Context(), p, req.Balance)
	if err != nil {
		a.onError(w, r, err)
		return
	}
	WriteSuccess(w, http.StatusCreated, "Account created successfully", acct)
}

func (a *Accounts) handleGet(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFrom(r.Context())
	id, err := accountID(r)
	if err != nil {
		a.onError(w, r, err)
		return
	}
	acct, err := a.ledger.Account(r.Context(), p, id)
	if err != nil {
		a.onError(w, r, err)
		return
	}
	WriteSuccess(w, http.StatusOK, "Account retrieved successfully", acct)
}

func (a *Accounts) handleBalance(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFrom(r.Context())
	id, err := accountID(r)
	if err != nil {
		a.onError(w, r, err)
		return
	}
	balance, err := a.ledger.Balance(r.Context(), p, id)
	if err != nil {
		a.onError(w, r, err)
		return
	}
	WriteSuccess(w, http.StatusOK, "Balance retrieved successfully", balanceResponse{AccountID: id, Balance: balance})
}

func (a *Accounts) handleDeposit(w http.ResponseWriter, r *http.Request) {
	a.handleMutation(w, r, a.ledger.Deposit, "Deposit successful")
}

func (a *Accounts) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	a.handleMutation(w, r, a.ledger.Withdraw, "Withdrawal successful")
}

// mutation is the shape shared by Deposit and Withdraw
type mutation func(ctx context.Context, p auth.Principal, id, amount int64) (int64, error)

func (a *Accounts) handleMutation(w http.ResponseWriter, r *http.Request, op mutation, message string) {
	p, _ := auth.PrincipalFrom(r.Context())
	id, err := accountID(r)
	if err != nil {
		a.onError(w, r, err)
		return
	}
	amount, err := requestAmount(r)
	if err != nil {
		a.onError(w, r, err)
		return
	}
	balance, err := op(r.Context(), p, id, amount)
	if err != nil {
		a.onError(w, r, err)
		return
	}
	WriteSuccess(w, http.StatusOK, message, balanceResponse{AccountID: id, Balance: balance})
}

func (a *Accounts) handleTransfer(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFrom(r.Context())
	var req transferRequest
	if err := decodeBody(r, &req); err != nil {
		a.onError(w, r, err)
		return
	}
	if req.FromAccountID == 0 || req.ToAccountID == 0 {
		a.onError(w, r, failure.New(failure.KindInvalidInput, "from_account_id and to_account_id are required"))
		return
	}
	if req.Amount == nil {
		a.onError(w, r, failure.New(failure.KindInvalidInput, "amount is required"))
		return
	}
	res, err := a.ledger.Transfer(r.Context(), p, req.FromAccountID, req.ToAccountID, *req.Amount)
	if err != nil {
		a.onError(w, r, err)
		return
	}
	WriteSuccess(w, http.StatusOK, "Transfer successful", res)
}

func (a *Accounts) handleLogs(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFrom(r.Context())
	id, err := accountID(r)
	if err != nil {
		a.onError(w, r, err)
		return
	}
	q, err := logQuery(r)
	if err != nil {
		a.onError(w, r, err)
		return
	}
	entries, err := a.ledger.Logs(r.Context(), p, id, q)
	if err != nil {
		a.onError(w, r, err)
		return
	}
	if entries == nil {
		entries = []ledger.LogEntry{}
	}
	WriteSuccess(w, http.StatusOK, "Logs retrieved successfully", entries)
}

func (a *Accounts) handleRevoke(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFrom(r.Context())
	a.sessions.Revoke(sess)
	a.log.Info("session revoked", zap.Int64("user", sess.Principal.UserID), zap.String("token_id", sess.TokenID))
	WriteSuccess(w, http.StatusOK, "Logged out successfully", nil)
}

func accountID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, failure.New(failure.KindInvalidInput, "invalid account id")
	}
	return id, nil
}

// decodeBody reads an optional JSON body into v. An empty body leaves v alone.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return failure.Wrap(failure.KindInvalidInput, err, "invalid request body")
}

// requestAmount takes the amount from the JSON body, falling back to the
// amount query parameter.
func requestAmount(r *http.Request) (int64, error) {
	var req amountRequest
	if err := decodeBody(r, &req); err != nil {
		return 0, err
	}
	if req.Amount != nil {
		return *req.Amount, nil
	}
	raw := r.URL.Query().Get("amount")
	if raw == "" {
		return 0, failure.New(failure.KindInvalidInput, "amount is required")
	}
	amount, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, failure.Wrap(failure.KindInvalidInput, err, "amount must be an integer")
	}
	return amount, nil
}

func logQuery(r *http.Request) (ledger.LogQuery, error) {
	var q ledger.LogQuery
	values := r.URL.Query()
	if raw := values.Get("start_date"); raw != "" {
		t, err := parseDate(raw, false)
		if err != nil {
			return q, err
		}
		q.Start = &t
	}
	if raw := values.Get("end_date"); raw != "" {
		t, err := parseDate(raw, true)
		if err != nil {
			return q, err
		}
		q.End = &t
	}
	if raw := values.Get("operation_type"); raw != "" {
		kind := storage.OperationKind(strings.ToLower(raw))
		q.Kind = &kind
	}
	return q, nil
}

// parseDate accepts RFC3339 or a bare date. A bare end date covers the
// whole day.
func parseDate(raw string, end bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(dateOnly, raw)
	if err != nil {
		return time.Time{}, failure.Errorf(failure.KindInvalidInput, "invalid date %q, use YYYY-MM-DD or RFC3339", raw)
	}
	if end {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}
