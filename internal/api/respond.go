// Package api holds the HTTP surface of a ledger node and the response
// envelope shared with the router.
package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/dreamware/shardledger/internal/failure"
)

// Envelope is the body of every JSON response
type Envelope struct {
	Status  string       `json:"status"`
	Message string       `json:"message"`
	Data    any          `json:"data,omitempty"`
	Code    int          `json:"code,omitempty"`
	Kind    failure.Kind `json:"kind,omitempty"`
}

// WriteJSON encodes v with the given status
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteSuccess writes a success envelope
func WriteSuccess(w http.ResponseWriter, status int, message string, data any) {
	WriteJSON(w, status, Envelope{Status: "success", Message: message, Data: data})
}

// WriteError writes err as an error envelope. The status comes from the
// error's kind; unclassified errors become 500 without leaking their text.
func WriteError(w http.ResponseWriter, err error) {
	kind := failure.KindOf(err)
	status := failure.HTTPStatus(kind)
	WriteJSON(w, status, Envelope{
		Status:  "error",
		Message: failure.MessageOf(err),
		Code:    status,
		Kind:    kind,
	})
}

// ErrorWriter returns a WriteError that also logs server-side failures.
func ErrorWriter(log *zap.Logger) func(http.ResponseWriter, *http.Request, error) {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		kind := failure.KindOf(err)
		fields := []zap.Field{
			zap.String("request_id", RequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.String("kind", string(kind)),
			zap.Error(err),
		}
		switch status := failure.HTTPStatus(kind); {
		case status == http.StatusInternalServerError:
			log.Error("request failed", fields...)
		case status > http.StatusInternalServerError:
			log.Warn("request failed", fields...)
		}
		WriteError(w, err)
	}
}
