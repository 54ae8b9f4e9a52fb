package router

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardledger/internal/cluster"
	"github.com/dreamware/shardledger/internal/failure"
)

// upstream is a fake ledger node that echoes what it received
func upstream(t *testing.T, name string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Node", name)
		w.Header().Set("X-Path", r.URL.Path)
		w.Header().Set("X-Query", r.URL.RawQuery)
		w.Header().Set("X-Seen-Client", r.Header.Get(ClientIDHeader))
		w.Header().Set("X-Seen-Auth", r.Header.Get("Authorization"))
		w.Header().Set("X-Seen-Conn-Token", r.Header.Get("X-Conn-Token"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(append([]byte(r.Method+" "), body...))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// healthyRegistry builds a registry over servers and marks them all healthy
func healthyRegistry(t *testing.T, servers ...*httptest.Server) *Registry {
	t.Helper()
	nodes := make([]cluster.NodeInfo, len(servers))
	for i, s := range servers {
		nodes[i] = cluster.NodeInfo{ID: testNodes(len(servers))[i].ID, Addr: s.URL}
	}
	r := NewRegistry(nodes)
	for _, n := range nodes {
		_, ok := r.setStatus(n.ID, n.Addr, cluster.StatusHealthy, time.Now())
		require.True(t, ok)
	}
	return r
}

func TestForwardRelaysVerbatim(t *testing.T) {
	node := upstream(t, "node-1")
	f := NewForwarder(healthyRegistry(t, node), Route, time.Second, nil, nil)

	header := http.Header{}
	header.Set(ClientIDHeader, "alice")
	header.Set("Authorization", "Bearer abc")
	header.Set("Connection", "X-Conn-Token")
	header.Set("X-Conn-Token", "secret")
	resp, err := f.Forward(context.Background(), Request{
		ClientID: "alice",
		Method:   http.MethodPost,
		Path:     "/accounts/7/deposit",
		RawQuery: "amount=50",
		Header:   header,
		Body:     []byte(`{"amount":50}`),
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, `POST {"amount":50}`, string(resp.Body))
	assert.Equal(t, "/accounts/7/deposit", resp.Header.Get("X-Path"))
	assert.Equal(t, "amount=50", resp.Header.Get("X-Query"))
	assert.Equal(t, "alice", resp.Header.Get("X-Seen-Client"))
	assert.Equal(t, "Bearer abc", resp.Header.Get("X-Seen-Auth"))
	assert.Empty(t, resp.Header.Get("X-Seen-Conn-Token"), "headers named in Connection are dropped")
}

func TestForwardRejectsOversizedResponse(t *testing.T) {
	node := upstream(t, "node-1")
	f := NewForwarder(healthyRegistry(t, node), Route, time.Second, nil, nil)
	f.maxBody = 8

	req := Request{ClientID: "alice", Method: http.MethodPost, Path: "/x", Header: http.Header{}}

	// "POST " plus a 3 byte body fits exactly
	req.Body = []byte("abc")
	resp, err := f.Forward(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "POST abc", string(resp.Body))

	req.Body = []byte("abcd")
	_, err = f.Forward(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, failure.KindUpstreamUnavailable, failure.KindOf(err))
}

func TestForwardIsSticky(t *testing.T) {
	a, b, c := upstream(t, "a"), upstream(t, "b"), upstream(t, "c")
	f := NewForwarder(healthyRegistry(t, a, b, c), Route, time.Second, nil, nil)

	for _, client := range []string{"alice", "bob", "client-42", "user-2"} {
		var first string
		for i := 0; i < 5; i++ {
			resp, err := f.Forward(context.Background(), Request{ClientID: client, Method: http.MethodGet, Path: "/accounts/1"})
			require.NoError(t, err)
			if i == 0 {
				first = resp.Header.Get("X-Node")
				continue
			}
			assert.Equal(t, first, resp.Header.Get("X-Node"), client)
		}
	}

	// alice maps to index 1 of 3
	resp, err := f.Forward(context.Background(), Request{ClientID: "alice", Method: http.MethodGet, Path: "/"})
	require.NoError(t, err)
	assert.Equal(t, "b", resp.Header.Get("X-Node"))
}

func TestForwardErrors(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	tests := []struct {
		name     string
		clientID string
		registry func() *Registry
		want     error
	}{
		{
			name:     "missing client id",
			clientID: "  ",
			registry: func() *Registry { return healthyRegistry(t, upstream(t, "a")) },
			want:     failure.ErrMissingIdentifier,
		},
		{
			name:     "no nodes configured",
			clientID: "alice",
			registry: func() *Registry { return NewRegistry(nil) },
			want:     failure.ErrNoHealthyNodes,
		},
		{
			name:     "all nodes unknown",
			clientID: "alice",
			registry: func() *Registry { return NewRegistry(testNodes(3)) },
			want:     failure.ErrNoHealthyNodes,
		},
		{
			name:     "all nodes unhealthy",
			clientID: "alice",
			registry: func() *Registry {
				r := NewRegistry(testNodes(2))
				for _, n := range r.Nodes() {
					r.setStatus(n.ID, n.Addr, cluster.StatusUnhealthy, time.Now())
				}
				return r
			},
			want: failure.ErrNoHealthyNodes,
		},
		{
			name:     "assigned node unhealthy",
			clientID: "alice", // index 0 of 2
			registry: func() *Registry {
				r := healthyRegistry(t, upstream(t, "a"), upstream(t, "b"))
				n := r.Nodes()[0]
				r.setStatus(n.ID, n.Addr, cluster.StatusUnhealthy, time.Now())
				return r
			},
			want: failure.ErrAssignedNodeUnhealthy,
		},
		{
			name:     "upstream unreachable",
			clientID: "alice",
			registry: func() *Registry {
				r := NewRegistry([]cluster.NodeInfo{{ID: "gone", Addr: closedURL}})
				r.setStatus("gone", closedURL, cluster.StatusHealthy, time.Now())
				return r
			},
			want: failure.ErrUpstreamUnavailable,
		},
		{
			name:     "upstream timeout",
			clientID: "alice",
			registry: func() *Registry { return healthyRegistry(t, slow) },
			want:     failure.ErrTimeout,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewForwarder(tt.registry(), Route, 100*time.Millisecond, nil, nil)
			resp, err := f.Forward(context.Background(), Request{ClientID: tt.clientID, Method: http.MethodPost, Path: "/accounts"})
			assert.Nil(t, resp)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

// TestForwardDoesNotRerouteAroundUnhealthyNode verifies stickiness wins over
// availability: the client's node is down, another is up, and the request
// still fails.
func TestForwardDoesNotRerouteAroundUnhealthyNode(t *testing.T) {
	a, b := upstream(t, "a"), upstream(t, "b")
	r := healthyRegistry(t, a, b)
	f := NewForwarder(r, Route, time.Second, nil, nil)

	// client-42 maps to index 1 of 2
	n := r.Nodes()[1]
	r.setStatus(n.ID, n.Addr, cluster.StatusUnhealthy, time.Now())

	_, err := f.Forward(context.Background(), Request{ClientID: "client-42", Method: http.MethodGet, Path: "/"})
	assert.ErrorIs(t, err, failure.ErrAssignedNodeUnhealthy)

	resp, err := f.Forward(context.Background(), Request{ClientID: "alice", Method: http.MethodGet, Path: "/"})
	require.NoError(t, err)
	assert.Equal(t, "a", resp.Header.Get("X-Node"))
}

func TestCloneHeader(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "keep-alive, X-Private")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("X-Private", "1")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Content-Length", "12")
	h.Set("Content-Type", "application/json")

	out := cloneHeader(h)
	assert.Equal(t, http.Header{"Content-Type": {"application/json"}}, out)
	assert.Equal(t, "1", h.Get("X-Private"), "input untouched")

	assert.NotNil(t, cloneHeader(nil))
}
