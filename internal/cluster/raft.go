// Package cluster holds the scaffolding for metadata replication across
// nodes. Replication is not functional; the types exist so the config
// surface and lifecycle hooks are stable while the consensus layer is built
// out.
package cluster

import (
	"errors"
	"log/slog"
)

// ErrNotReplicated is returned by Apply until log replication lands.
var ErrNotReplicated = errors.New("cluster: replication not implemented")

// Node is a single member of the (future) replication group.
type Node struct {
	ID       string
	BindAddr string
	Peers    []string
}

// NewNode builds a Node from the cluster configuration.
func NewNode(id, bindAddr string, peers []string) *Node {
	return &Node{ID: id, BindAddr: bindAddr, Peers: peers}
}

// Start brings the node online. Today it only logs; the transport, log
// stores and state machine are not wired yet.
// TODO: open the TCP transport on BindAddr and bootstrap or join the group.
func (n *Node) Start() error {
	slog.Info("cluster node starting", "node_id", n.ID, "bind_addr", n.BindAddr, "peers", n.Peers)
	return nil
}

// Stop takes the node offline.
func (n *Node) Stop() error {
	slog.Info("cluster node stopping", "node_id", n.ID)
	return nil
}

// Apply proposes a replicated command. Always fails until consensus exists.
func (n *Node) Apply(command []byte) error {
	slog.Debug("cluster apply", "node_id", n.ID, "bytes", len(command))
	return ErrNotReplicated
}

// IsLeader reports whether this node currently leads the group.
func (n *Node) IsLeader() bool { return false }

// LeaderAddr returns the current leader address, if known.
func (n *Node) LeaderAddr() string { return "" }
