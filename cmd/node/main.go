// Package main implements the shardledger node service, which owns the
// accounts of the clients routed to it and executes their balance operations.
//
// The node is a worker in the shardledger cluster, responsible for:
//   - Executing account operations (open, deposit, withdraw, transfer, logs)
//   - Authenticating callers with bearer tokens
//   - Broadcasting a notification for every committed operation
//   - Registering with the router
//   - Responding to health checks
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                Node                     │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /accounts/*   - Ledger operations    │
//	│    /sessions/*   - Token revocation     │
//	│    /ws           - Subscriber sockets   │
//	│    /sync         - Peer sockets         │
//	│    /health       - Health check         │
//	│    /info         - Node information     │
//	│    /metrics      - Prometheus           │
//	├─────────────────────────────────────────┤
//	│  Ledger ──▶ Store (memory | postgres)   │
//	│     │                                   │
//	│     └──▶ Hub ──▶ sockets, peers, NATS   │
//	└─────────────────────────────────────────┘
//
// Required environment:
//   - NODE_ID: Unique identifier for this node
//   - JWT_SECRET: HS256 key for bearer tokens
//
// Optional environment (see internal/config for the full list):
//   - NODE_LISTEN: Local listen address (default: ":8081")
//   - NODE_ADDR: Public address announced to the router
//   - ROUTER_URL: Router to register with; registration is skipped when empty
//   - PEERS: Comma separated ws:// URLs of peer /sync endpoints
//   - STORE_DRIVER, DATABASE_URL: memory (default) or postgres
//   - LOG_SEAL_KEY: Encrypts log details at rest when set
//   - NATS_URL: Enables the NATS notification bridge
//
// Exit codes:
//   - 0: Normal shutdown via signal
//   - 1: Invalid configuration, store failure or failed registration
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/shardledger/internal/api"
	"github.com/dreamware/shardledger/internal/auth"
	"github.com/dreamware/shardledger/internal/broadcast"
	"github.com/dreamware/shardledger/internal/cluster"
	"github.com/dreamware/shardledger/internal/config"
	"github.com/dreamware/shardledger/internal/ledger"
	"github.com/dreamware/shardledger/internal/logging"
	"github.com/dreamware/shardledger/internal/metrics"
	"github.com/dreamware/shardledger/internal/seal"
	"github.com/dreamware/shardledger/internal/storage"
	"github.com/dreamware/shardledger/internal/storage/postgres"
)

// registerAttempts bounds registration retries at startup
const registerAttempts = 10

func main() {
	os.Exit(realMain())
}

// realMain returns the process exit code. The store and the NATS bridge are
// closed and the logger flushed before it returns.
func realMain() int {
	cfg, err := config.LoadNode()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	log = log.With(zap.String("node", cfg.ID))
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := newNode(ctx, cfg, log)
	if err != nil {
		log.Error("node setup failed", zap.Error(err))
		return 1
	}
	defer n.close()

	if err := n.run(ctx); err != nil {
		log.Error("node failed", zap.Error(err))
		return 1
	}
	log.Info("node stopped")
	return 0
}

// node wires one ledger node together
type node struct {
	cfg      config.Node
	log      *zap.Logger
	metrics  *metrics.Metrics
	store    storage.Store
	sessions *auth.Sessions
	hub      *broadcast.Hub
	peers    *broadcast.Peers
	bridge   *broadcast.Bridge
	ledger   *ledger.Ledger
	started  time.Time
}

func newNode(ctx context.Context, cfg config.Node, log *zap.Logger) (*node, error) {
	m := metrics.New()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	sealer, err := seal.FromKey(cfg.SealKey, cfg.SealSalt)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("log sealing: %w", err)
	}

	hub := broadcast.NewHub(broadcast.Config{
		QueueSize:  cfg.NotifyQueue,
		SendBuffer: cfg.SendBuffer,
		Logger:     log.Named("hub"),
		Metrics:    m,
	})

	n := &node{
		cfg:      cfg,
		log:      log,
		metrics:  m,
		store:    store,
		sessions: auth.NewSessions([]byte(cfg.JWTSecret), cfg.TokenTTL),
		hub:      hub,
		peers:    broadcast.NewPeers(hub, cfg.PeerList(), log.Named("peers")),
		started:  time.Now(),
	}

	if cfg.NATSURL != "" {
		bridge, err := broadcast.DialBridge(cfg.NATSURL, cfg.NATSSubject, cfg.ID, log.Named("nats"))
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		if err := bridge.Attach(hub); err != nil {
			_ = bridge.Close()
			_ = store.Close()
			return nil, err
		}
		n.bridge = bridge
	}

	n.ledger = ledger.New(ledger.Config{
		Store:    store,
		Sealer:   sealer,
		Notifier: hub,
		Logger:   log.Named("ledger"),
		Metrics:  m,
	})
	return n, nil
}

func openStore(ctx context.Context, cfg config.Node) (storage.Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		s, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	default:
		return storage.NewMemoryStore(), nil
	}
}

func (n *node) routes() http.Handler {
	r := api.NewRouter(n.log, n.metrics)
	api.NewAccounts(n.ledger, n.sessions, n.log).Register(r)
	r.HandleFunc("/ws", n.hub.ServeWS).Methods(http.MethodGet)
	r.HandleFunc("/sync", n.hub.ServeWS).Methods(http.MethodGet)
	r.HandleFunc("/health", api.Health).Methods(http.MethodGet)
	r.HandleFunc("/info", n.handleInfo).Methods(http.MethodGet)
	r.Handle("/metrics", n.metrics.Handler()).Methods(http.MethodGet)
	return r
}

// run serves until ctx is cancelled, then shuts the server down.
func (n *node) run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              n.cfg.Listen,
		Handler:           n.routes(),
		ReadHeaderTimeout: 5 * time.Second, // Prevent slowloris attacks
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.hub.Run(ctx) })
	g.Go(func() error { return n.peers.Run(ctx) })
	g.Go(func() error {
		n.log.Info("node listening",
			zap.String("listen", n.cfg.Listen),
			zap.String("public", n.cfg.PublicAddr),
			zap.String("store", n.cfg.StoreDriver))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	if n.cfg.RouterURL != "" {
		g.Go(func() error {
			self := cluster.NodeInfo{ID: n.cfg.ID, Addr: n.cfg.PublicAddr}
			if err := cluster.Register(ctx, n.cfg.RouterURL, self, registerAttempts, n.log); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("register with router: %w", err)
			}
			fields := []zap.Field{zap.String("router", n.cfg.RouterURL)}
			if nodes, err := cluster.ListNodes(ctx, n.cfg.RouterURL); err != nil {
				n.log.Warn("could not read router node set", zap.Error(err))
			} else {
				fields = append(fields, zap.Int("nodes", len(nodes)))
			}
			n.log.Info("registered with router", fields...)
			return nil
		})
	}
	return g.Wait()
}

func (n *node) close() {
	if n.bridge != nil {
		if err := n.bridge.Close(); err != nil {
			n.log.Warn("nats drain failed", zap.Error(err))
		}
	}
	if err := n.store.Close(); err != nil {
		n.log.Warn("store close failed", zap.Error(err))
	}
}

type nodeInfo struct {
	ID          string                 `json:"id"`
	Store       string                 `json:"store"`
	Connections int                    `json:"connections"`
	Peers       []broadcast.PeerStatus `json:"peers"`
	Uptime      string                 `json:"uptime"`
}

// handleInfo reports node state for debugging and monitoring
func (n *node) handleInfo(w http.ResponseWriter, _ *http.Request) {
	peers := n.peers.Status()
	if peers == nil {
		peers = []broadcast.PeerStatus{}
	}
	api.WriteSuccess(w, http.StatusOK, "Node info", nodeInfo{
		ID:          n.cfg.ID,
		Store:       n.cfg.StoreDriver,
		Connections: n.hub.Count(),
		Peers:       peers,
		Uptime:      time.Since(n.started).Round(time.Second).String(),
	})
}
