package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
)

// PeerStatus is the dialer's view of one configured peer.
type PeerStatus struct {
	URL       string    `json:"url"`
	Connected bool      `json:"connected"`
	Since     time.Time `json:"since,omitempty"`
}

// Peers keeps one outbound websocket open to every configured peer and
// re-dials with backoff whenever a link drops. Dialed links are ordinary
// hub connections.
type Peers struct {
	hub    *Hub
	log    *zap.Logger
	dialer websocket.Dialer

	retryDelay time.Duration
	maxDelay   time.Duration

	mu     sync.RWMutex
	status map[string]PeerStatus
}

// NewPeers prepares a dialer for urls (ws://host/sync). Nothing is dialed
// until Run.
func NewPeers(hub *Hub, urls []string, log *zap.Logger) *Peers {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Peers{
		hub:        hub,
		log:        log,
		dialer:     websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		retryDelay: 500 * time.Millisecond,
		maxDelay:   30 * time.Second,
		status:     make(map[string]PeerStatus, len(urls)),
	}
	for _, u := range urls {
		p.status[u] = PeerStatus{URL: u}
	}
	return p
}

// SetBackoff overrides the re-dial delays
func (p *Peers) SetBackoff(initial, max time.Duration) {
	p.retryDelay = initial
	p.maxDelay = max
}

// Run maintains every peer link until ctx is cancelled.
func (p *Peers) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, u := range p.urls() {
		url := u
		g.Go(func() error {
			p.maintain(ctx, url)
			return nil
		})
	}
	return g.Wait()
}

// Status returns the peers sorted by URL
func (p *Peers) Status() []PeerStatus {
	p.mu.RLock()
	out := make([]PeerStatus, 0, len(p.status))
	for _, s := range p.status {
		out = append(out, s)
	}
	p.mu.RUnlock()
	slices.SortFunc(out, func(a, b PeerStatus) int {
		switch {
		case a.URL < b.URL:
			return -1
		case a.URL > b.URL:
			return 1
		}
		return 0
	})
	return out
}

func (p *Peers) urls() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.status))
	for u := range p.status {
		out = append(out, u)
	}
	return out
}

func (p *Peers) maintain(ctx context.Context, url string) {
	for {
		var conn *Conn
		err := retry.Do(
			func() error {
				ws, _, err := p.dialer.DialContext(ctx, url, nil)
				if err != nil {
					return err
				}
				conn = p.hub.Attach(ws, url)
				return nil
			},
			retry.Context(ctx),
			retry.Attempts(0),
			retry.Delay(p.retryDelay),
			retry.MaxDelay(p.maxDelay),
			retry.LastErrorOnly(true),
			retry.OnRetry(func(n uint, err error) {
				p.log.Warn("peer dial failed",
					zap.String("peer", url),
					zap.Uint("attempt", n+1),
					zap.Error(err))
			}),
		)
		if err != nil {
			return
		}

		p.setStatus(url, true)
		p.log.Info("peer connected", zap.String("peer", url))

		select {
		case <-conn.Done():
			p.setStatus(url, false)
			p.log.Warn("peer disconnected", zap.String("peer", url))
		case <-ctx.Done():
			p.setStatus(url, false)
			return
		}
	}
}

func (p *Peers) setStatus(url string, connected bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := PeerStatus{URL: url, Connected: connected}
	if connected {
		s.Since = time.Now()
	}
	p.status[url] = s
}
