package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/dreamware/shardledger/internal/failure"
	"github.com/dreamware/shardledger/internal/metrics"
)

var (
	errNoRoute   = failure.New(failure.KindNotFound, "route not found")
	errNoMethod  = failure.New(failure.KindInvalidInput, "method not allowed")
	unmatchedTag = "unmatched"
)

// NewRouter returns a mux.Router that answers unknown routes with the error
// envelope and logs every matched request.
func NewRouter(log *zap.Logger, m *metrics.Metrics) *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, errNoRoute)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusMethodNotAllowed, Envelope{
			Status:  "error",
			Message: errNoMethod.Message,
			Code:    http.StatusMethodNotAllowed,
			Kind:    errNoMethod.Kind,
		})
	})
	r.Use(mux.MiddlewareFunc(AccessLog(log, m, RouteTemplate)))
	return r
}

// RouteTemplate names a request by the mux path template it matched
func RouteTemplate(r *http.Request) string {
	if cur := mux.CurrentRoute(r); cur != nil {
		if tpl, err := cur.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return unmatchedTag
}

// Health answers liveness probes
func Health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}
