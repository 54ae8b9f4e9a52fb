package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dreamware/shardledger/internal/failure"
	"github.com/dreamware/shardledger/internal/metrics"
)

func TestWriteSuccess(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteSuccess(rec, http.StatusCreated, "Account created successfully", map[string]int{"id": 1})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"success","message":"Account created successfully","data":{"id":1}}`, rec.Body.String())
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "classified",
			err:  failure.ErrInsufficientFunds,
			want: `{"status":"error","message":"insufficient funds","code":400,"kind":"InsufficientFunds"}`,
		},
		{
			name: "wrapped",
			err:  failure.Wrap(failure.KindTimeout, errors.New("dial tcp: i/o timeout"), "upstream timed out"),
			want: `{"status":"error","message":"upstream timed out","code":503,"kind":"Timeout"}`,
		},
		{
			name: "unclassified hides its text",
			err:  errors.New("pq: password authentication failed"),
			want: `{"status":"error","message":"internal error","code":500,"kind":"Internal"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteError(rec, tt.err)
			assert.JSONEq(t, tt.want, rec.Body.String())
		})
	}
}

func TestAccessLogAssignsRequestID(t *testing.T) {
	m := metrics.New()
	var seen string
	h := AccessLog(zap.NewNop(), m, func(*http.Request) string { return "/things" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = RequestID(r.Context())
			w.WriteHeader(http.StatusTeapot)
		}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/things", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	// an incoming id is kept
	req := httptest.NewRequest(http.MethodGet, "/things", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", seen)

	families, err := m.Registry.Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if f.GetName() != "shardledger_http_requests_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := map[string]string{}
			for _, l := range metric.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["route"] == "/things" && labels["code"] == "418" {
				found = true
				assert.Equal(t, 2.0, metric.GetCounter().GetValue())
			}
		}
	}
	assert.True(t, found, "request counter recorded")
}

func TestNewRouterUnknownRoutes(t *testing.T) {
	r := NewRouter(zap.NewNop(), metrics.New())
	r.HandleFunc("/only-get", Health).Methods(http.MethodGet)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var env Envelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	assert.Equal(t, failure.KindNotFound, env.Kind)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/only-get", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		raw     string
		end     bool
		want    time.Time
		wantErr bool
	}{
		{raw: "2024-03-01", want: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{raw: "2024-03-01", end: true, want: time.Date(2024, 3, 1, 23, 59, 59, 999999999, time.UTC)},
		{raw: "2024-03-01T10:30:00Z", end: true, want: time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)},
		{raw: "03/01/2024", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := parseDate(tt.raw, tt.end)
			if tt.wantErr {
				assert.ErrorIs(t, err, failure.New(failure.KindInvalidInput, ""))
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
		})
	}
}

func TestRequestAmount(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		body    string
		want    int64
		wantErr bool
	}{
		{name: "json body", target: "/x", body: `{"amount":25}`, want: 25},
		{name: "query", target: "/x?amount=40", want: 40},
		{name: "body wins", target: "/x?amount=40", body: `{"amount":5}`, want: 5},
		{name: "missing", target: "/x", wantErr: true},
		{name: "not a number", target: "/x?amount=ten", wantErr: true},
		{name: "malformed body", target: "/x", body: `{"amount":`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.target, strings.NewReader(tt.body))
			got, err := requestAmount(req)
			if tt.wantErr {
				assert.Equal(t, failure.KindInvalidInput, failure.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
