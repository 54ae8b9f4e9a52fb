package router

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/shardledger/internal/cluster"
	"github.com/dreamware/shardledger/internal/metrics"
)

// HealthMonitor periodically probes every node in a Registry and records the
// result. It is the only writer of node health.
// Thread-safe: Run and CheckNow may be called concurrently.
type HealthMonitor struct {
	registry   *Registry
	httpClient *http.Client
	checkFunc  func(ctx context.Context, addr string) error
	log        *zap.Logger
	metrics    *metrics.Metrics
	interval   time.Duration // How often to probe the node set
	timeout    time.Duration // Bound on a single probe
	now        func() time.Time
}

// NewHealthMonitor creates a monitor for registry.
//
// Parameters:
//   - registry: node set to probe and update
//   - interval: time between probe rounds (default 10s)
//   - timeout: bound on each probe (default 5s)
//
// Example:
//
//	monitor := NewHealthMonitor(registry, 10*time.Second, 5*time.Second, log, m)
//	go monitor.Run(ctx)
func NewHealthMonitor(registry *Registry, interval, timeout time.Duration, log *zap.Logger, m *metrics.Metrics) *HealthMonitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	h := &HealthMonitor{
		registry:   registry,
		httpClient: &http.Client{},
		log:        log,
		metrics:    m,
		interval:   interval,
		timeout:    timeout,
		now:        time.Now,
	}
	h.checkFunc = h.defaultHealthCheck
	return h
}

// SetCheckFunction replaces the probe, for tests
func (h *HealthMonitor) SetCheckFunction(checkFunc func(ctx context.Context, addr string) error) {
	h.checkFunc = checkFunc
}

// Run probes immediately and then on every tick until ctx is cancelled.
// It always returns nil; probe failures are recorded, never returned.
func (h *HealthMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.log.Info("health monitor started", zap.Duration("interval", h.interval), zap.Duration("timeout", h.timeout))
	h.CheckNow(ctx)

	for {
		select {
		case <-ticker.C:
			h.CheckNow(ctx)
		case <-ctx.Done():
			h.log.Info("health monitor stopped")
			return nil
		}
	}
}

// CheckNow runs one probe round over every registered node concurrently and
// returns when all probes have finished or timed out.
func (h *HealthMonitor) CheckNow(ctx context.Context) {
	var g errgroup.Group
	for _, node := range h.registry.Nodes() {
		node := node
		g.Go(func() error {
			h.checkNode(ctx, node)
			return nil
		})
	}
	g.Wait()
}

func (h *HealthMonitor) checkNode(ctx context.Context, node cluster.NodeInfo) {
	probeCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	status := cluster.StatusHealthy
	err := h.checkFunc(probeCtx, node.Addr)
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down; don't record a failure the node didn't cause.
			return
		}
		status = cluster.StatusUnhealthy
	}
	h.metrics.HealthProbes.WithLabelValues(status).Inc()

	previous, ok := h.registry.setStatus(node.ID, node.Addr, status, h.now())
	if !ok {
		return
	}

	gauge := 0.0
	if status == cluster.StatusHealthy {
		gauge = 1
	}
	h.metrics.NodeHealthy.WithLabelValues(node.ID).Set(gauge)

	if previous != status {
		fields := []zap.Field{
			zap.String("node", node.ID),
			zap.String("from", previous),
			zap.String("to", status),
		}
		if err != nil {
			fields = append(fields, zap.Error(err))
			h.log.Warn("node health changed", fields...)
		} else {
			h.log.Info("node health changed", fields...)
		}
	}
}

// defaultHealthCheck issues GET {addr}/health and expects 200.
func (h *HealthMonitor) defaultHealthCheck(ctx context.Context, addr string) error {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = fmt.Sprintf("http://%s", addr)
	}
	if !strings.HasSuffix(url, "/health") {
		url = strings.TrimRight(url, "/") + "/health"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("health check request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}
