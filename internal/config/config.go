// Package config loads process configuration from the environment.
//
// A .env file in the working directory is read first when present; real
// environment variables always win over it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	"github.com/dreamware/shardledger/internal/cluster"
)

// Router configures cmd/router.
type Router struct {
	Addr           string        `env:"ROUTER_ADDR,default=:8080"`
	Nodes          string        `env:"NODES"` // id=url pairs or bare urls, comma separated
	HealthInterval time.Duration `env:"HEALTH_INTERVAL,default=10s"`
	HealthTimeout  time.Duration `env:"HEALTH_TIMEOUT,default=5s"`
	ForwardTimeout time.Duration `env:"FORWARD_TIMEOUT,default=5s"`
	Strategy       string        `env:"ROUTING_STRATEGY,default=modulo"`
	RateLimitRPS   float64       `env:"RATE_LIMIT_RPS,default=0"`
	RateLimitBurst int           `env:"RATE_LIMIT_BURST,default=20"`
	LogLevel       string        `env:"LOG_LEVEL,default=info"`
	LogDevelopment bool          `env:"LOG_DEVELOPMENT,default=false"`
}

// Node configures cmd/node.
type Node struct {
	ID          string        `env:"NODE_ID,required"`
	Listen      string        `env:"NODE_LISTEN,default=:8081"`
	PublicAddr  string        `env:"NODE_ADDR,default=http://127.0.0.1:8081"`
	RouterURL   string        `env:"ROUTER_URL"`
	Peers       string        `env:"PEERS"` // websocket urls of peer /sync endpoints
	StoreDriver string        `env:"STORE_DRIVER,default=memory"`
	DatabaseURL string        `env:"DATABASE_URL"`
	JWTSecret   string        `env:"JWT_SECRET,required"`
	TokenTTL    time.Duration `env:"TOKEN_TTL,default=24h"`
	SealKey     string        `env:"LOG_SEAL_KEY"`
	SealSalt    string        `env:"LOG_SEAL_SALT"`
	NATSURL     string        `env:"NATS_URL"`
	NATSSubject string        `env:"NATS_SUBJECT,default=shardledger.notifications"`
	NotifyQueue int           `env:"NOTIFY_QUEUE,default=256"`
	SendBuffer  int           `env:"SEND_BUFFER,default=64"`
	LogLevel    string        `env:"LOG_LEVEL,default=info"`
	// LogDevelopment switches to zap's console encoder
	LogDevelopment bool `env:"LOG_DEVELOPMENT,default=false"`
}

// LoadRouter reads the router configuration.
func LoadRouter() (Router, error) {
	var c Router
	if err := load(&c); err != nil {
		return Router{}, err
	}
	if _, err := c.NodeList(); err != nil {
		return Router{}, err
	}
	return c, nil
}

// LoadNode reads the node configuration.
func LoadNode() (Node, error) {
	var c Node
	if err := load(&c); err != nil {
		return Node{}, err
	}
	switch c.StoreDriver {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return Node{}, errors.New("config: DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	default:
		return Node{}, fmt.Errorf("config: unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.SealSalt != "" && c.SealKey == "" {
		return Node{}, errors.New("config: LOG_SEAL_SALT set without LOG_SEAL_KEY")
	}
	return c, nil
}

func load(target any) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("config: read .env: %w", err)
	}
	err := envdecode.Decode(target)
	if err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// NodeList parses NODES. Entries are "id=url" or a bare url, which gets the
// id node-{position}. Order is preserved; it is the routing order.
func (c Router) NodeList() ([]cluster.NodeInfo, error) {
	var nodes []cluster.NodeInfo
	seen := make(map[string]bool)
	for i, entry := range splitList(c.Nodes) {
		id, addr, ok := strings.Cut(entry, "=")
		if !ok {
			id, addr = fmt.Sprintf("node-%d", i+1), entry
		}
		id, addr = strings.TrimSpace(id), strings.TrimSpace(addr)
		if id == "" || addr == "" {
			return nil, fmt.Errorf("config: bad NODES entry %q", entry)
		}
		if seen[id] {
			return nil, fmt.Errorf("config: duplicate node id %q in NODES", id)
		}
		seen[id] = true
		nodes = append(nodes, cluster.NodeInfo{ID: id, Addr: addr, Status: cluster.StatusUnknown})
	}
	return nodes, nil
}

// PeerList parses PEERS
func (c Node) PeerList() []string {
	return splitList(c.Peers)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
