package raft

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/thinkermao/marquee/raft/core"
	"github.com/thinkermao/marquee/raft/core/conf"
	raftpd "github.com/thinkermao/marquee/raft/proto"
	"github.com/thinkermao/marquee/raft/wal"
	"github.com/thinkermao/marquee/utils"
)

// Options bundles the timing knobs of a node. All durations that
// drive the core are expressed in milliseconds of tick time.
type Options struct {
	ElectionTickMin  int
	ElectionTickMax  int
	HeartbeatTick    int
	TickSize         int
	MaxEntriesPerMsg int
	RPCDeadline      time.Duration
}

// DefaultOptions mirror the timing profile used by the tests:
// heartbeat well under the election minimum, deadline under the
// election minimum.
func DefaultOptions() Options {
	return Options{
		ElectionTickMin:  150,
		ElectionTickMax:  300,
		HeartbeatTick:    50,
		TickSize:         10,
		MaxEntriesPerMsg: 64,
		RPCDeadline:      100 * time.Millisecond,
	}
}

// Status is a point-in-time view of the node.
type Status struct {
	ID          uint64
	Term        uint64
	IsLeader    bool
	LeaderHint  uint64
	LastIndex   uint64
	CommitIndex uint64
	LastApplied uint64
}

type applyResult struct {
	value interface{}
	err   error
}

type waiter struct {
	term uint64
	ch   chan applyResult
}

// Node is a member of the replicated group: the single-threaded core
// under a node-state mutex, a tick loop, the durable wal, one sender
// task per peer, and a single apply worker.
//
// The node-state mutex is never held across an outbound RPC, a
// blocking durable write, or an unbounded channel send: handlers
// gather under lock, release, then perform I/O from advance.
type Node struct {
	mutex sync.Mutex // guards raft
	ioMu  sync.Mutex // serializes persist/dispatch cycles

	id uint64

	raft core.Raft
	wal  *wal.Wal

	callback  Application
	transport Transporter
	deadline  time.Duration

	senders map[uint64]*peerSender

	applyCh     chan raftpd.Entry
	lastApplied atomic.Uint64

	waitMu  sync.Mutex
	waiters map[uint64]*waiter

	prevTerm  uint64
	prevVote  uint64
	wasLeader bool

	timer    chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool
}

// MakeNode build a node, creating or restoring the wal under walDir,
// and starts its workers. nodes lists every member id, self included.
func MakeNode(
	id uint64,
	nodes []uint64,
	opts Options,
	walDir string,
	application Application,
	transport Transporter) (*Node, error) {

	var w *wal.Wal
	var state raftpd.HardState
	var entries []raftpd.Entry
	var err error

	if wal.Exists(walDir) {
		w, state, entries, err = wal.Restore(walDir)
	} else {
		w, err = wal.Create(walDir)
	}
	if err != nil {
		return nil, err
	}

	config := conf.Config{
		ID:               id,
		Vote:             state.Vote,
		Term:             state.Term,
		ElectionTickMin:  opts.ElectionTickMin,
		ElectionTickMax:  opts.ElectionTickMax,
		HeartbeatTick:    opts.HeartbeatTick,
		MaxEntriesPerMsg: opts.MaxEntriesPerMsg,
		Nodes:            nodes,
		Entries:          nil,
	}
	if len(entries) != 0 {
		config.Entries = entries
	}
	if state.Term == 0 {
		config.Vote = conf.InvalidID
	}

	node := &Node{
		id:        id,
		wal:       w,
		callback:  application,
		transport: transport,
		deadline:  opts.RPCDeadline,
		senders:   make(map[uint64]*peerSender),
		applyCh:   make(chan raftpd.Entry, 1024),
		waiters:   make(map[uint64]*waiter),
		prevTerm:  state.Term,
		prevVote:  config.Vote,
		stopCh:    make(chan struct{}),
	}
	node.raft = core.MakeRaft(&config)

	for _, peerID := range nodes {
		if peerID == id {
			continue
		}
		sender := makePeerSender(node, peerID)
		node.senders[peerID] = sender
		go sender.loop()
	}

	go node.applyLoop()
	node.service(opts.TickSize)

	return node, nil
}

// service create tick per tickSize milliseconds; each tick drives the
// core timers and drains the ready.
func (n *Node) service(tickSize int) {
	last := time.Now()
	n.timer = utils.StartTimer(tickSize, func(now time.Time) {
		elapsed := int(now.Sub(last).Nanoseconds() / 1e6)
		last = now

		n.mutex.Lock()
		n.raft.Periodic(elapsed)
		n.mutex.Unlock()

		n.advance()
	})
}

// Stop shuts down cooperatively: workers exit their loops and
// in-flight proposals receive ErrShuttingDown.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.stopped.Store(true)
		close(n.stopCh)
		close(n.timer)

		// wait out any in-flight advance before closing the apply
		// channel; later cycles observe stopped and bail out early.
		n.ioMu.Lock()
		close(n.applyCh)
		n.ioMu.Unlock()

		n.failWaiters(ErrShuttingDown)
		n.wal.Close()
	})
}

// Status return a snapshot of the node.
func (n *Node) Status() Status {
	n.mutex.Lock()
	ss := n.raft.ReadSoftState()
	term, isLeader := n.raft.ReadStatus()
	n.mutex.Unlock()

	return Status{
		ID:          n.id,
		Term:        term,
		IsLeader:    isLeader,
		LeaderHint:  ss.LeaderID,
		LastIndex:   ss.LastIndex,
		CommitIndex: ss.CommitIndex,
		LastApplied: n.lastApplied.Load(),
	}
}

// IsLeader report whether the node currently believes it leads.
func (n *Node) IsLeader() bool {
	_, isLeader := n.GetState()
	return isLeader
}

// GetState return the current term and whether self is leader.
func (n *Node) GetState() (uint64, bool) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return n.raft.ReadStatus()
}

// Submit propose a command and wait until the entry is applied,
// returning the state machine's result and the applied index.
// Followers fail fast with NotLeaderError carrying the leader hint.
func (n *Node) Submit(ctx context.Context, clientID string,
	requestSeq uint64, data []byte) (uint64, interface{}, error) {
	if n.stopped.Load() {
		return 0, nil, ErrShuttingDown
	}

	n.mutex.Lock()
	index, term, isLeader := n.raft.Propose(data, clientID, requestSeq)
	if !isLeader {
		hint := n.raft.ReadSoftState().LeaderID
		n.mutex.Unlock()
		return 0, nil, &NotLeaderError{LeaderHint: hint}
	}

	w := &waiter{term: term, ch: make(chan applyResult, 1)}
	n.waitMu.Lock()
	n.waiters[index] = w
	n.waitMu.Unlock()
	n.mutex.Unlock()

	n.advance()

	select {
	case res := <-w.ch:
		return index, res.value, res.err
	case <-ctx.Done():
		n.waitMu.Lock()
		delete(n.waiters, index)
		n.waitMu.Unlock()
		return index, nil, ctx.Err()
	case <-n.stopCh:
		return index, nil, ErrShuttingDown
	}
}

// HandleRequestVote serves the peer RPC. The reply does not leave
// before the vote it depends on is durable.
func (n *Node) HandleRequestVote(args *raftpd.RequestVoteArgs) (*raftpd.RequestVoteReply, error) {
	if n.stopped.Load() {
		return nil, ErrShuttingDown
	}

	n.mutex.Lock()
	reply := n.raft.HandleRequestVote(args)
	n.mutex.Unlock()

	if err := n.advance(); err != nil {
		return nil, err
	}
	return reply, nil
}

// HandleAppendEntries serves the peer RPC. Appended entries are
// durable before the reply leaves.
func (n *Node) HandleAppendEntries(args *raftpd.AppendEntriesArgs) (*raftpd.AppendEntriesReply, error) {
	if n.stopped.Load() {
		return nil, ErrShuttingDown
	}

	n.mutex.Lock()
	reply := n.raft.HandleAppendEntries(args)
	n.mutex.Unlock()

	if err := n.advance(); err != nil {
		return nil, err
	}
	return reply, nil
}

// advance drains the core's ready: persist first, then dispatch
// messages and hand committed entries to the apply worker. ioMu keeps
// cycles serialized so apply order equals index order; the node-state
// mutex is only taken to snatch the ready.
func (n *Node) advance() error {
	n.ioMu.Lock()
	defer n.ioMu.Unlock()

	if n.stopped.Load() {
		return ErrShuttingDown
	}

	n.mutex.Lock()
	rd := n.raft.TakeReady()
	n.mutex.Unlock()

	if rd.HS.Term != n.prevTerm || rd.HS.Vote != n.prevVote {
		if err := n.wal.SaveState(&rd.HS); err != nil {
			return n.fatal(err)
		}
		n.prevTerm, n.prevVote = rd.HS.Term, rd.HS.Vote
	}

	if len(rd.Entries) != 0 {
		if err := n.wal.SaveEntries(rd.Entries); err != nil {
			return n.fatal(err)
		}
		if err := n.wal.Sync(); err != nil {
			return n.fatal(err)
		}
	}

	if n.wasLeader && !rd.SS.State.IsLeader() {
		n.failWaiters(ErrLeadershipLost)
	}
	n.wasLeader = rd.SS.State.IsLeader()

	for i := 0; i < len(rd.Messages); i++ {
		msg := rd.Messages[i]
		sender := n.senders[msg.To]
		if sender == nil {
			continue
		}
		sender.enqueue(msg)
	}

	for i := 0; i < len(rd.CommitEntries); i++ {
		select {
		case n.applyCh <- rd.CommitEntries[i]:
		case <-n.stopCh:
			return ErrShuttingDown
		}
	}

	return nil
}

// fatal: a durable write on a must-persist path failed. The node
// stops accepting RPCs; the cluster tolerates it via majority.
func (n *Node) fatal(err error) error {
	log.Errorf("%d persistent store failure: %v", n.id, err)
	n.stopped.Store(true)
	n.failWaiters(ErrStoreFailed)
	return ErrStoreFailed
}

// applyLoop is the single apply worker: strict index order, one step
// at a time. A panic from the state machine is caught and logged, and
// the worker carries on with the next entry.
func (n *Node) applyLoop() {
	for entry := range n.applyCh {
		result := n.safeApply(&entry)
		n.lastApplied.Store(entry.Index)
		n.completeWaiter(&entry, result)
	}
}

func (n *Node) safeApply(entry *raftpd.Entry) (result interface{}) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("%d apply panic at index %d: %v", n.id, entry.Index, r)
			result = nil
		}
	}()
	return n.callback.Apply(entry)
}

// completeWaiter wake the proposer of entry, if it is still waiting.
// An entry whose term differs from the registered one was replaced by
// another leader's entry at the same index.
func (n *Node) completeWaiter(entry *raftpd.Entry, result interface{}) {
	n.waitMu.Lock()
	w, ok := n.waiters[entry.Index]
	if ok {
		delete(n.waiters, entry.Index)
	}
	n.waitMu.Unlock()

	if !ok {
		return
	}

	if w.term == entry.Term {
		w.ch <- applyResult{value: result}
	} else {
		w.ch <- applyResult{err: ErrLeadershipLost}
	}
}

func (n *Node) failWaiters(err error) {
	n.waitMu.Lock()
	defer n.waitMu.Unlock()

	for index, w := range n.waiters {
		w.ch <- applyResult{err: err}
		delete(n.waiters, index)
	}
}

// unreachable records a failed outbound call.
func (n *Node) unreachable(peerID uint64) {
	n.mutex.Lock()
	n.raft.HandleUnreachable(peerID)
	n.mutex.Unlock()
}
