package consensus

import (
	"fmt"
	"sync"

	"go.vocdoni.io/dvote/log"

	"github.com/tallyforge/ballotchain/types"
)

const memNetBuffer = 1024

// MemNetwork is an in-process message hub connecting the validators of one
// consensus group. It delivers each broadcast to every other attached node and
// supports splitting the nodes into partitions to exercise network failures.
type MemNetwork struct {
	mu     sync.RWMutex
	nodes  map[string]*MemNode
	groups map[string]int // partition group per node, all zero when healed
}

// NewMemNetwork creates an empty hub.
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{
		nodes:  make(map[string]*MemNode),
		groups: make(map[string]int),
	}
}

// Node attaches (or returns) the endpoint for the given validator address.
func (n *MemNetwork) Node(addr types.HexBytes) *MemNode {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := addr.String()
	if node, ok := n.nodes[key]; ok {
		return node
	}
	node := &MemNode{
		hub:   n,
		addr:  key,
		inbox: make(chan *Message, memNetBuffer),
	}
	n.nodes[key] = node
	return node
}

// Partition splits the nodes into isolated groups. Messages only flow between
// nodes sharing a group number.
func (n *MemNetwork) Partition(groups map[string]int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.groups = make(map[string]int, len(groups))
	for addr, g := range groups {
		n.groups[addr] = g
	}
}

// Heal removes all partitions.
func (n *MemNetwork) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.groups = make(map[string]int)
}

func (n *MemNetwork) deliver(from string, msg *Message) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	fromGroup := n.groups[from]
	for key, node := range n.nodes {
		if key == from || n.groups[key] != fromGroup {
			continue
		}
		select {
		case node.inbox <- msg:
		default:
			// a stalled node loses messages rather than blocking the cluster;
			// it recovers through the sync protocol
			log.Warnw("memnet inbox full, dropping message",
				"to", key, "type", msg.Type.String())
		}
	}
}

// MemNode is one validator's endpoint on a MemNetwork. It implements Network.
type MemNode struct {
	hub   *MemNetwork
	addr  string
	inbox chan *Message
}

// Broadcast delivers the message to every other reachable node.
func (m *MemNode) Broadcast(msg *Message) error {
	if msg.Sender == nil || msg.Signature == nil {
		return fmt.Errorf("refusing to broadcast unsigned message")
	}
	m.hub.deliver(m.addr, msg)
	return nil
}

// Receive returns the node's inbox.
func (m *MemNode) Receive() <-chan *Message {
	return m.inbox
}
