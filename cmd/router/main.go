// Command router is the routing tier of a shardledger cluster.
//
// It keeps the node registry, probes node health in the background and relays
// every client request to the ledger node that owns the client, chosen from
// the X-Client-Id header.
//
// Endpoints:
//
//	GET  /health    - router liveness
//	GET  /nodes     - node set with health
//	POST /register  - a node announces {id, addr}
//	GET  /metrics   - Prometheus
//	*    /...       - everything else is relayed to the client's node
//
// Configuration is read from the environment (see internal/config):
// ROUTER_ADDR, NODES, HEALTH_INTERVAL, HEALTH_TIMEOUT, FORWARD_TIMEOUT,
// ROUTING_STRATEGY, RATE_LIMIT_RPS, RATE_LIMIT_BURST, LOG_LEVEL.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/shardledger/internal/api"
	"github.com/dreamware/shardledger/internal/cluster"
	"github.com/dreamware/shardledger/internal/config"
	"github.com/dreamware/shardledger/internal/failure"
	"github.com/dreamware/shardledger/internal/logging"
	"github.com/dreamware/shardledger/internal/metrics"
	"github.com/dreamware/shardledger/internal/router"
)

// maxRequestBody bounds what the router buffers before relaying
const maxRequestBody = 1 << 20

// maxRateLimitedClients bounds the number of per-client buckets kept
const maxRateLimitedClients = 10000

func main() {
	os.Exit(realMain())
}

// realMain returns the process exit code once every deferred cleanup has run.
func realMain() int {
	cfg, err := config.LoadRouter()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("router failed", zap.Error(err))
		return 1
	}
	log.Info("router stopped")
	return 0
}

func run(ctx context.Context, cfg config.Router, log *zap.Logger) error {
	srv, err := newServer(cfg, log)
	if err != nil {
		return err
	}
	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.monitor.Run(ctx) })
	g.Go(func() error {
		log.Info("router listening",
			zap.String("addr", cfg.Addr),
			zap.Int("nodes", srv.registry.Len()),
			zap.String("strategy", cfg.Strategy))
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
	return g.Wait()
}

type server struct {
	registry  *router.Registry
	monitor   *router.HealthMonitor
	forwarder *router.Forwarder
	limiter   *router.ClientLimiter
	metrics   *metrics.Metrics
	log       *zap.Logger
	onError   func(http.ResponseWriter, *http.Request, error)
}

func newServer(cfg config.Router, log *zap.Logger) (*server, error) {
	nodes, err := cfg.NodeList()
	if err != nil {
		return nil, err
	}
	strategy, err := router.StrategyByName(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	m := metrics.New()
	registry := router.NewRegistry(nodes)
	return &server{
		registry:  registry,
		monitor:   router.NewHealthMonitor(registry, cfg.HealthInterval, cfg.HealthTimeout, log.Named("health"), m),
		forwarder: router.NewForwarder(registry, strategy, cfg.ForwardTimeout, log.Named("forward"), m),
		limiter:   router.NewClientLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, maxRateLimitedClients),
		metrics:   m,
		log:       log,
		onError:   api.ErrorWriter(log),
	}, nil
}

func (s *server) routes() http.Handler {
	r := api.NewRouter(s.log, s.metrics)
	r.HandleFunc("/health", api.Health).Methods(http.MethodGet)
	r.HandleFunc("/nodes", s.handleListNodes).Methods(http.MethodGet)
	r.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	r.PathPrefix("/").HandlerFunc(s.handleForward)
	return r
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, failure.Wrap(failure.KindInvalidInput, err, "bad json"))
		return
	}
	if req.Node.ID == "" || req.Node.Addr == "" {
		api.WriteError(w, failure.New(failure.KindInvalidInput, "missing id/addr"))
		return
	}

	if s.registry.Register(req.Node) {
		// The node set grew, so the modulo assignment of most clients moved.
		s.log.Warn("node joined; client assignments redistributed",
			zap.String("node", req.Node.ID),
			zap.String("addr", req.Node.Addr),
			zap.Int("nodes", s.registry.Len()))
	} else {
		s.log.Info("node re-registered", zap.String("node", req.Node.ID), zap.String("addr", req.Node.Addr))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, struct {
		Nodes []cluster.NodeInfo `json:"nodes"`
	}{Nodes: s.registry.Nodes()})
}

// handleForward relays the request to the client's node and copies the
// answer back unchanged.
func (s *server) handleForward(w http.ResponseWriter, r *http.Request) {
	clientID := r.Header.Get(router.ClientIDHeader)
	if clientID != "" && !s.limiter.Allow(clientID) {
		api.WriteError(w, failure.ErrRateLimited)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.onError(w, r, failure.Errorf(failure.KindInvalidInput, "request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		s.onError(w, r, failure.Wrap(failure.KindInvalidInput, err, "could not read request body"))
		return
	}

	header := r.Header.Clone()
	header.Set(api.RequestIDHeader, api.RequestID(r.Context()))
	resp, err := s.forwarder.Forward(r.Context(), router.Request{
		ClientID: clientID,
		Method:   r.Method,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
		Header:   header,
		Body:     body,
	})
	if err != nil {
		s.onError(w, r, err)
		return
	}

	for k, vs := range resp.Header {
		w.Header()[k] = vs
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}
