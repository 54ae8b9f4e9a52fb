package router

import (
	"crypto/md5"
	"fmt"
	"math/big"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"

	"github.com/dreamware/shardledger/internal/cluster"
	"github.com/dreamware/shardledger/internal/failure"
)

// Strategy maps a client id onto one member of a node set. Implementations
// must be pure functions of their arguments.
type Strategy func(clientID string, nodes []cluster.NodeInfo) (cluster.NodeInfo, error)

// Strategy names accepted by StrategyByName
const (
	StrategyModulo     = "modulo"
	StrategyRendezvous = "rendezvous"
)

// StrategyByName resolves a configured strategy name
func StrategyByName(name string) (Strategy, error) {
	switch name {
	case "", StrategyModulo:
		return Route, nil
	case StrategyRendezvous:
		return Rendezvous, nil
	default:
		return nil, fmt.Errorf("unknown routing strategy %q", name)
	}
}

// Route picks a node by taking the 128-bit MD5 of the client id as an
// unsigned integer modulo the number of nodes.
// Changing the size of the node set moves most clients; that is accepted.
func Route(clientID string, nodes []cluster.NodeInfo) (cluster.NodeInfo, error) {
	if len(nodes) == 0 {
		return cluster.NodeInfo{}, failure.ErrNoHealthyNodes
	}
	sum := md5.Sum([]byte(clientID))
	idx := new(big.Int).Mod(new(big.Int).SetBytes(sum[:]), big.NewInt(int64(len(nodes))))
	return nodes[idx.Int64()], nil
}

// Rendezvous picks the node with the highest hash weight for the client id.
// Adding or removing one node only moves the clients that node gains or
// loses.
func Rendezvous(clientID string, nodes []cluster.NodeInfo) (cluster.NodeInfo, error) {
	if len(nodes) == 0 {
		return cluster.NodeInfo{}, failure.ErrNoHealthyNodes
	}
	ids := make([]string, len(nodes))
	byID := make(map[string]cluster.NodeInfo, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
		byID[n.ID] = n
	}
	return byID[rendezvous.New(ids, xxhash.Sum64String).Lookup(clientID)], nil
}
