// Package memory provides a fixed, in-process cluster view.
package memory

import (
	"context"
	"sort"
	"sync"
)

// Cluster is a shared registry of in-process nodes with one designated
// coordinator.
type Cluster struct {
	mu          sync.RWMutex
	members     map[string]struct{}
	coordinator string
}

// NewCluster creates a cluster whose coordinator is the given node id.
func NewCluster(coordinator string) *Cluster {
	return &Cluster{members: make(map[string]struct{}), coordinator: coordinator}
}

// Join registers a node and returns its view of the cluster.
func (c *Cluster) Join(nodeID string) *Node {
	c.mu.Lock()
	c.members[nodeID] = struct{}{}
	c.mu.Unlock()
	return &Node{cluster: c, id: nodeID}
}

// Leave removes a node from membership.
func (c *Cluster) Leave(nodeID string) {
	c.mu.Lock()
	delete(c.members, nodeID)
	c.mu.Unlock()
}

// SetCoordinator designates a new coordinator, simulating a re-election.
func (c *Cluster) SetCoordinator(nodeID string) {
	c.mu.Lock()
	c.coordinator = nodeID
	c.mu.Unlock()
}

// Members lists node ids in sorted order.
func (c *Cluster) Members(context.Context) ([]string, error) {
	c.mu.RLock()
	out := make([]string, 0, len(c.members))
	for id := range c.members {
		out = append(out, id)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out, nil
}

// Node is one member's view; it implements grid.Elector and grid.Membership.
type Node struct {
	cluster *Cluster
	id      string
}

// NodeID returns the node id.
func (n *Node) NodeID() string {
	return n.id
}

// IsCoordinator reports whether this node is the designated coordinator.
func (n *Node) IsCoordinator() bool {
	n.cluster.mu.RLock()
	defer n.cluster.mu.RUnlock()
	return n.cluster.coordinator == n.id
}

// Members lists every node in the cluster.
func (n *Node) Members(ctx context.Context) ([]string, error) {
	return n.cluster.Members(ctx)
}
