// Package broadcast fans ledger notifications out to websocket subscribers
// and peer nodes.
//
// # Overview
//
// A Hub owns every live connection. Connections arrive three ways:
//   - subscribers hitting /ws on this node
//   - peers dialing this node's /sync
//   - links this node dials to its configured peers (Peers)
//
// All three are treated the same once attached.
//
// # Delivery
//
// Local notifications go through a bounded queue drained by Run. Each
// connection has its own bounded send buffer and a write pump, so one slow
// socket never delays the others; a connection whose buffer is full or whose
// write fails is removed. Nothing here ever blocks the ledger.
//
// Text received on any connection is relayed verbatim to every other
// connection. In a cyclic mesh a message would circulate forever, so the hub
// remembers message digests (xxhash in an expiring LRU) for about one trip
// around the mesh and drops repeats inside that window. The text carries no
// origin, so identical events from different nodes, or the same event twice
// from one node, also collapse when they land inside the window. Delivery is
// at most once and best effort.
//
// # NATS
//
// When configured, a Bridge also publishes local notifications to a NATS
// subject and relays messages from other nodes on that subject into the hub.
package broadcast
