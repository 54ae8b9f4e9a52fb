package failure

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("withdraw: %w", New(KindInsufficientFunds, "balance too low"))

	assert.True(t, errors.Is(err, ErrInsufficientFunds))
	assert.False(t, errors.Is(err, ErrInvalidAmount))
	assert.Equal(t, KindInsufficientFunds, KindOf(err))
	assert.Equal(t, "balance too low", MessageOf(err))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(KindUpstreamUnavailable, cause, "service unavailable")

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, "service unavailable", MessageOf(err))
}

func TestUnclassifiedErrors(t *testing.T) {
	err := errors.New("pq: relation \"accounts\" does not exist")

	assert.Equal(t, KindInternal, KindOf(err))
	assert.Equal(t, "internal error", MessageOf(err))
}

func TestErrorf(t *testing.T) {
	err := Errorf(KindInvalidInput, "unknown operation type %q", "refund")
	assert.Equal(t, `InvalidInput: unknown operation type "refund"`, err.Error())
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindInvalidAmount, http.StatusBadRequest},
		{KindInsufficientFunds, http.StatusBadRequest},
		{KindInvalidTransfer, http.StatusBadRequest},
		{KindOverflow, http.StatusBadRequest},
		{KindMissingIdentifier, http.StatusBadRequest},
		{KindInvalidInput, http.StatusBadRequest},
		{KindUnauthorized, http.StatusUnauthorized},
		{KindForbidden, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindNoHealthyNodes, http.StatusServiceUnavailable},
		{KindAssignedNodeUnhealthy, http.StatusServiceUnavailable},
		{KindUpstreamUnavailable, http.StatusServiceUnavailable},
		{KindTimeout, http.StatusServiceUnavailable},
		{KindInternal, http.StatusInternalServerError},
		{Kind("SomethingNew"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.kind))
		})
	}
}
