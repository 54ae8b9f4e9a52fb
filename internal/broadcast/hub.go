package broadcast

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/dreamware/shardledger/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	// defaultSeenTTL covers one trip around the mesh. Identical text from
	// another node after this window is a new event.
	defaultSeenTTL = 2 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Publisher forwards local notifications to other nodes out of band.
type Publisher interface {
	Publish(text string) error
}

// Config tunes a Hub. Zero values fall back to defaults.
type Config struct {
	QueueSize  int
	SendBuffer int
	SeenSize   int
	SeenTTL    time.Duration
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Hub owns the set of live connections and fans messages out to them.
type Hub struct {
	log        *zap.Logger
	metrics    *metrics.Metrics
	queue      chan []byte
	sendBuffer int

	mu    sync.RWMutex
	conns map[uuid.UUID]*Conn

	seenMu sync.Mutex
	seen   *expirable.LRU[uint64, struct{}]

	pubMu     sync.RWMutex
	publisher Publisher
}

// NewHub creates a hub. Call Run to start delivering notifications.
func NewHub(cfg Config) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.SeenSize <= 0 {
		cfg.SeenSize = 4096
	}
	if cfg.SeenTTL <= 0 {
		cfg.SeenTTL = defaultSeenTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	return &Hub{
		log:        cfg.Logger,
		metrics:    cfg.Metrics,
		queue:      make(chan []byte, cfg.QueueSize),
		sendBuffer: cfg.SendBuffer,
		conns:      make(map[uuid.UUID]*Conn),
		seen:       expirable.NewLRU[uint64, struct{}](cfg.SeenSize, nil, cfg.SeenTTL),
	}
}

// SetPublisher installs an out-of-band publisher for local notifications.
func (h *Hub) SetPublisher(p Publisher) {
	h.pubMu.Lock()
	defer h.pubMu.Unlock()
	h.publisher = p
}

// Notify enqueues a locally originated message. It never blocks: when the
// queue is full the message is dropped and counted.
func (h *Hub) Notify(text string) {
	msg := []byte(text)
	h.markSeen(msg)

	select {
	case h.queue <- msg:
	default:
		h.metrics.BroadcastDrops.WithLabelValues("queue_full").Inc()
		h.log.Warn("notification queue full, dropping message", zap.String("message", text))
	}

	h.pubMu.RLock()
	pub := h.publisher
	h.pubMu.RUnlock()
	if pub != nil {
		if err := pub.Publish(text); err != nil {
			h.log.Warn("publish to bridge failed", zap.Error(err))
		}
	}
}

// Run delivers queued notifications until ctx is cancelled, then closes
// every connection.
func (h *Hub) Run(ctx context.Context) error {
	defer h.closeAll()
	for {
		select {
		case msg := <-h.queue:
			h.fanout(msg, nil)
		case <-ctx.Done():
			return nil
		}
	}
}

// Relay forwards an inbound message to every connection except from.
// A message seen recently is not forwarded again.
func (h *Hub) Relay(from *Conn, msg []byte) {
	if !h.firstSighting(msg) {
		h.metrics.BroadcastDrops.WithLabelValues("duplicate").Inc()
		return
	}
	h.fanout(msg, from)
}

// ServeWS upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	h.Attach(ws, r.RemoteAddr)
}

// Attach registers an established websocket and starts its pumps.
func (h *Hub) Attach(ws *websocket.Conn, remote string) *Conn {
	c := &Conn{
		ID:     uuid.New(),
		Remote: remote,
		ws:     ws,
		send:   make(chan []byte, h.sendBuffer),
		done:   make(chan struct{}),
		hub:    h,
	}

	h.mu.Lock()
	h.conns[c.ID] = c
	n := len(h.conns)
	h.mu.Unlock()
	h.metrics.Connections.Set(float64(n))
	h.log.Info("connection attached", zap.String("conn", c.ID.String()), zap.String("remote", remote))

	go c.readPump()
	go c.writePump()
	return c
}

// Count returns the number of live connections
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) fanout(msg []byte, except *Conn) {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		if c != except {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- msg:
			h.metrics.BroadcastSent.Inc()
		default:
			h.metrics.BroadcastDrops.WithLabelValues("slow_consumer").Inc()
			h.log.Warn("send buffer full, dropping connection", zap.String("conn", c.ID.String()))
			h.remove(c)
		}
	}
}

func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	_, present := h.conns[c.ID]
	delete(h.conns, c.ID)
	n := len(h.conns)
	h.mu.Unlock()

	c.close()
	if present {
		h.metrics.Connections.Set(float64(n))
		h.log.Info("connection removed", zap.String("conn", c.ID.String()))
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	all := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		all = append(all, c)
	}
	h.mu.RUnlock()
	for _, c := range all {
		h.remove(c)
	}
}

func (h *Hub) markSeen(msg []byte) {
	h.seenMu.Lock()
	h.seen.Add(xxhash.Sum64(msg), struct{}{})
	h.seenMu.Unlock()
}

func (h *Hub) firstSighting(msg []byte) bool {
	d := xxhash.Sum64(msg)
	h.seenMu.Lock()
	defer h.seenMu.Unlock()
	if _, ok := h.seen.Get(d); ok {
		return false
	}
	h.seen.Add(d, struct{}{})
	return true
}

// Conn is one live websocket attached to the hub, inbound or dialed.
type Conn struct {
	ID     uuid.UUID
	Remote string

	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	hub       *Hub
}

// Done is closed once the connection has been removed from the hub.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (c *Conn) readPump() {
	defer c.hub.remove(c)

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("connection read failed", zap.String("conn", c.ID.String()), zap.Error(err))
			}
			return
		}
		c.hub.Relay(c, msg)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.hub.remove(c)
	}()

	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.log.Debug("connection write failed", zap.String("conn", c.ID.String()), zap.Error(err))
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
