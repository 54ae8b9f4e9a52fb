// Package router implements the routing tier of a shardledger cluster: the
// node registry with its health table, deterministic client-to-node routing,
// the HTTP relay and the background health monitor.
//
// # Overview
//
// The router owns no account data. It receives client requests, picks the
// ledger node that owns the client and relays the request verbatim:
//
//	┌──────────┐  X-Client-Id  ┌──────────────────────────────┐
//	│  client  │ ────────────▶ │           ROUTER             │
//	└──────────┘               │                              │
//	                           │  Registry   ◀── HealthMonitor│
//	                           │     │                        │
//	                           │  Strategy (md5 mod n)        │
//	                           │     │                        │
//	                           │  Forwarder ──────────────────┼──▶ node-k
//	                           └──────────────────────────────┘
//
// # Routing
//
// The default strategy hashes the client id with MD5, reads the digest as an
// unsigned 128-bit integer and takes it modulo the number of configured
// nodes. The index is always computed over the full node set in
// configuration order, never over the healthy subset. A client whose node is
// down gets AssignedNodeUnhealthy instead of being moved, so its accounts are
// never split across nodes.
//
// A rendezvous strategy (highest random weight over xxhash) is available
// for deployments that add nodes often; it moves only the clients of the
// node that joined or left.
//
// # Health
//
// HealthMonitor probes GET {addr}/health on every node concurrently, each
// probe bounded by its own timeout, and is the only writer of node status.
// Nodes start as unknown and are not routable until a probe succeeds.
//
// # Errors
//
// All failures are *failure.Error values:
//   - MissingIdentifier: no X-Client-Id header
//   - NoHealthyNodes: nothing is healthy
//   - AssignedNodeUnhealthy: the client's node is down
//   - UpstreamUnavailable, Timeout: the relay itself failed
package router
