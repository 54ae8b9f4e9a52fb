package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
)

// Health status values for NodeInfo.Status.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// NodeInfo describes one ledger node as the router sees it.
// Status and LastCheck are only ever written by the health monitor.
type NodeInfo struct {
	ID        string    `json:"id"`
	Addr      string    `json:"addr"`
	Status    string    `json:"status,omitempty"`
	LastCheck time.Time `json:"last_check"`
}

// Healthy reports whether the node is routable.
func (n NodeInfo) Healthy() bool {
	return n.Status == StatusHealthy
}

type RegisterRequest struct {
	Node NodeInfo `json:"node"`
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ListNodes returns the node set the router at routerURL currently holds,
// in routing order.
func ListNodes(ctx context.Context, routerURL string) ([]NodeInfo, error) {
	var resp struct {
		Nodes []NodeInfo `json:"nodes"`
	}
	if err := GetJSON(ctx, routerURL+"/nodes", &resp); err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

// Register announces node to the router at routerURL, retrying with
// exponential backoff until it succeeds, attempts run out or ctx ends.
func Register(ctx context.Context, routerURL string, node NodeInfo, attempts uint, log *zap.Logger) error {
	req := RegisterRequest{Node: NodeInfo{ID: node.ID, Addr: node.Addr}}
	return retry.Do(
		func() error {
			return PostJSON(ctx, routerURL+"/register", req, nil)
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(400*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("registration attempt failed",
				zap.String("router", routerURL),
				zap.Uint("attempt", n+1),
				zap.Error(err))
		}),
	)
}
