// Package cluster holds the wire types and HTTP helpers shared by the router
// and the ledger nodes.
//
// # Overview
//
// The router keeps an ordered list of NodeInfo values. Each node is
// identified by ID, reached at Addr and carries a Status written by the
// router's health monitor:
//
//	unknown    never probed, not routable
//	healthy    last probe returned 200
//	unhealthy  last probe failed or returned anything else
//
// # Communication Protocol
//
// All inter-process traffic is HTTP/JSON:
//
// Node Registration (POST /register):
//   - A node announces {id, addr} to the router at startup
//   - Register retries with exponential backoff (avast/retry-go)
//   - The node set only grows; a restarted node re-announces the same ID
//
// Health Checking (GET /health):
//   - Periodic probes from the router to every configured node
//   - Any non-200 answer or transport error marks the node unhealthy
//
// # Usage Example
//
//	node := cluster.NodeInfo{ID: "node-1", Addr: "http://localhost:8081"}
//	if err := cluster.Register(ctx, "http://localhost:8080", node, 10, log); err != nil {
//	    log.Fatal("registration failed", zap.Error(err))
//	}
//
// # See Also
//
//   - internal/router: routing, forwarding and health monitoring
//   - internal/broadcast: node-to-node notification mesh
package cluster
