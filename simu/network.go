package simu

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/thinkermao/marquee/raft"
	raftpd "github.com/thinkermao/marquee/raft/proto"
	"github.com/thinkermao/marquee/utils/pd"
)

var errUnreachable = errors.New("simu: peer unreachable")

// Network is an in-process, partitionable peer transport. Each node
// gets an endpoint implementing raft.Transporter; calls between
// disconnected ends fail the way a dead TCP connection would. In
// unreliable mode calls are randomly delayed and dropped.
//
// Arguments and replies cross the "wire" through the same codec the
// durable log uses, so nothing is shared between nodes.
type Network struct {
	mu         sync.Mutex
	nodes      map[uint64]*raft.Node
	connected  map[uint64]bool
	unreliable bool
}

// MakeNetwork build an empty network.
func MakeNetwork(unreliable bool) *Network {
	return &Network{
		nodes:      make(map[uint64]*raft.Node),
		connected:  make(map[uint64]bool),
		unreliable: unreliable,
	}
}

// Register attach a node; it starts disconnected.
func (n *Network) Register(id uint64, node *raft.Node) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[id] = node
}

// Remove detach a crashed node.
func (n *Network) Remove(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, id)
	n.connected[id] = false
}

// Connect let a node reach and be reached.
func (n *Network) Connect(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connected[id] = true
}

// Disconnect isolate a node from every other one.
func (n *Network) Disconnect(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connected[id] = false
}

func (n *Network) isConnected(id uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connected[id]
}

// Transport return the outbound endpoint of one node.
func (n *Network) Transport(from uint64) raft.Transporter {
	return &endpoint{net: n, from: from}
}

func (n *Network) target(from, to uint64) (*raft.Node, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.connected[from] || !n.connected[to] {
		return nil, false
	}
	node, ok := n.nodes[to]
	return node, ok
}

// delay simulate wire latency; in unreliable mode roughly one call
// in ten is lost outright.
func (n *Network) delay(ctx context.Context) error {
	n.mu.Lock()
	unreliable := n.unreliable
	n.mu.Unlock()

	if !unreliable {
		return nil
	}

	if rand.Intn(10) == 0 {
		return errUnreachable
	}

	select {
	case <-time.After(time.Duration(rand.Intn(25)) * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type endpoint struct {
	net  *Network
	from uint64
}

func (e *endpoint) RequestVote(ctx context.Context, to uint64,
	args *raftpd.RequestVoteArgs) (*raftpd.RequestVoteReply, error) {
	if err := e.net.delay(ctx); err != nil {
		return nil, err
	}

	node, ok := e.net.target(e.from, to)
	if !ok {
		return nil, errUnreachable
	}

	wire := &raftpd.RequestVoteArgs{}
	pd.MustUnmarshal(wire, pd.MustMarshal(args))

	reply, err := node.HandleRequestVote(wire)
	if err != nil {
		return nil, err
	}
	if _, ok := e.net.target(e.from, to); !ok {
		/* reply lost in the partition */
		return nil, errUnreachable
	}

	dup := &raftpd.RequestVoteReply{}
	pd.MustUnmarshal(dup, pd.MustMarshal(reply))
	return dup, nil
}

func (e *endpoint) AppendEntries(ctx context.Context, to uint64,
	args *raftpd.AppendEntriesArgs) (*raftpd.AppendEntriesReply, error) {
	if err := e.net.delay(ctx); err != nil {
		return nil, err
	}

	node, ok := e.net.target(e.from, to)
	if !ok {
		return nil, errUnreachable
	}

	wire := &raftpd.AppendEntriesArgs{}
	pd.MustUnmarshal(wire, pd.MustMarshal(args))

	reply, err := node.HandleAppendEntries(wire)
	if err != nil {
		return nil, err
	}
	if _, ok := e.net.target(e.from, to); !ok {
		return nil, errUnreachable
	}

	dup := &raftpd.AppendEntriesReply{}
	pd.MustUnmarshal(dup, pd.MustMarshal(reply))
	return dup, nil
}
