package router

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// ClientLimiter applies a token bucket per client id. Buckets for the least
// recently seen clients are evicted once maxClients is reached.
type ClientLimiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets *lru.Cache[string, *rate.Limiter]
}

// NewClientLimiter returns nil when rps <= 0, which disables limiting.
func NewClientLimiter(rps float64, burst, maxClients int) *ClientLimiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	if maxClients <= 0 {
		maxClients = 10000
	}
	buckets, err := lru.New[string, *rate.Limiter](maxClients)
	if err != nil {
		// lru.New only fails on a non-positive size
		panic(err)
	}
	return &ClientLimiter{rps: rate.Limit(rps), burst: burst, buckets: buckets}
}

// Allow reports whether clientID may make a request now.
// A nil limiter allows everything.
func (l *ClientLimiter) Allow(clientID string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	lim, ok := l.buckets.Get(clientID)
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.buckets.Add(clientID, lim)
	}
	l.mu.Unlock()
	return lim.Allow()
}
