package core

import (
	raftpd "github.com/thinkermao/marquee/raft/proto"
)

// Message is one outbound peer request produced by the core. Exactly
// one of Vote/Append is set. The core never performs I/O itself; the
// owner drains messages via TakeReady and sends them without holding
// any node-state mutex.
type Message struct {
	To     uint64
	Vote   *raftpd.RequestVoteArgs
	Append *raftpd.AppendEntriesArgs
}

// Ready bundles everything the owner must act on after stepping the
// core: the hard state and entries to persist (before any dependent
// reply leaves the node), the committed entries to apply in order,
// and the outbound requests to dispatch.
type Ready struct {
	SS SoftState
	HS raftpd.HardState

	// Entries not yet durable, in index order.
	Entries []raftpd.Entry

	// CommitEntries are committed and durable, ready for the state
	// machine, in index order.
	CommitEntries []raftpd.Entry

	Messages []Message
}

// Contains reports whether there is any work in the ready.
func (rd *Ready) Contains() bool {
	return len(rd.Entries) != 0 || len(rd.CommitEntries) != 0 ||
		len(rd.Messages) != 0
}
