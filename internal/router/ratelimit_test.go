package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientLimiterDisabled(t *testing.T) {
	l := NewClientLimiter(0, 5, 10)
	assert.Nil(t, l)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("alice"))
	}
}

func TestClientLimiterBurstPerClient(t *testing.T) {
	// One token every 1000s: only the burst is available during the test
	l := NewClientLimiter(0.001, 3, 10)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("alice"), "request %d", i)
	}
	assert.False(t, l.Allow("alice"))

	// Other clients have their own bucket
	assert.True(t, l.Allow("bob"))
}

func TestClientLimiterEvictsOldestClient(t *testing.T) {
	l := NewClientLimiter(0.001, 1, 2)

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
	assert.True(t, l.Allow("c")) // evicts a

	assert.True(t, l.Allow("a"), "evicted client starts with a fresh bucket")
}
