package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/shardledger/internal/failure"
	"github.com/dreamware/shardledger/internal/metrics"
)

// ClientIDHeader carries the client identifier used for routing
const ClientIDHeader = "X-Client-Id"

// maxUpstreamBody bounds how much of an upstream response is relayed
const maxUpstreamBody = 10 << 20

// hopHeaders are connection-scoped and never relayed (RFC 7230 section 6.1)
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Request is one client request to relay
type Request struct {
	ClientID string
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// Response is the upstream answer, relayed verbatim
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Forwarder routes requests to the node owning the client and relays them.
type Forwarder struct {
	registry *Registry
	strategy Strategy
	client   *http.Client
	timeout  time.Duration
	maxBody  int64
	log      *zap.Logger
	metrics  *metrics.Metrics
}

// NewForwarder creates a relay over registry. A nil strategy means Route.
func NewForwarder(registry *Registry, strategy Strategy, timeout time.Duration, log *zap.Logger, m *metrics.Metrics) *Forwarder {
	if strategy == nil {
		strategy = Route
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
	return &Forwarder{
		registry: registry,
		strategy: strategy,
		client:   &http.Client{},
		timeout:  timeout,
		maxBody:  maxUpstreamBody,
		log:      log,
		metrics:  m,
	}
}

// Forward relays req to the node assigned to req.ClientID.
// The assignment is computed over the full node set so a client always maps
// to the same node; if that node is unhealthy the request fails rather than
// moving to another node.
func (f *Forwarder) Forward(ctx context.Context, req Request) (*Response, error) {
	resp, err := f.forward(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = string(failure.KindOf(err))
	}
	f.metrics.ForwardRequests.WithLabelValues(outcome).Inc()
	return resp, err
}

func (f *Forwarder) forward(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.ClientID) == "" {
		return nil, failure.ErrMissingIdentifier
	}

	nodes := f.registry.Nodes()
	healthy := false
	for _, n := range nodes {
		if n.Healthy() {
			healthy = true
			break
		}
	}
	if !healthy {
		return nil, failure.ErrNoHealthyNodes
	}

	node, err := f.strategy(req.ClientID, nodes)
	if err != nil {
		return nil, err
	}
	if !node.Healthy() {
		f.log.Warn("assigned node unhealthy", zap.String("client", req.ClientID), zap.String("node", node.ID))
		return nil, failure.ErrAssignedNodeUnhealthy
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	url := strings.TrimRight(node.Addr, "/") + "/" + strings.TrimLeft(req.Path, "/")
	if req.RawQuery != "" {
		url += "?" + req.RawQuery
	}
	upstream, err := http.NewRequestWithContext(ctx, req.Method, url, bytes.NewReader(req.Body))
	if err != nil {
		return nil, failure.Wrap(failure.KindInvalidInput, err, "could not build upstream request")
	}
	upstream.Header = cloneHeader(req.Header)

	start := time.Now()
	resp, err := f.client.Do(upstream)
	f.metrics.ForwardDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		f.log.Warn("upstream request failed", zap.String("node", node.ID), zap.Stringer("request", req), zap.Error(err))
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		f.log.Warn("upstream body read failed", zap.String("node", node.ID), zap.Error(err))
		return nil, classifyTransport(err)
	}
	if int64(len(body)) > f.maxBody {
		f.log.Warn("upstream body too large", zap.String("node", node.ID), zap.Stringer("request", req), zap.Int64("limit", f.maxBody))
		return nil, failure.New(failure.KindUpstreamUnavailable, "upstream response too large")
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     cloneHeader(resp.Header),
		Body:       body,
	}, nil
}

func classifyTransport(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return failure.Wrap(failure.KindTimeout, err, "upstream timed out")
	}
	return failure.Wrap(failure.KindUpstreamUnavailable, err, "service unavailable")
}

// cloneHeader copies h without hop-by-hop headers or anything named in
// Connection.
func cloneHeader(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		return http.Header{}
	}
	for _, v := range out.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		out.Del(name)
	}
	out.Del("Content-Length")
	return out
}

// String is used in logs only; it names the route, not the node.
func (r Request) String() string {
	return fmt.Sprintf("%s /%s", r.Method, strings.TrimLeft(r.Path, "/"))
}
