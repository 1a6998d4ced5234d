package raft

import (
	"context"

	raftpd "github.com/thinkermao/marquee/raft/proto"
)

// Transporter is the outbound RPC client fan-out to peers. Every
// call carries a context whose deadline is shorter than the election
// timeout; errors are observed, never fatal, and the caller retries
// on a later tick.
type Transporter interface {
	RequestVote(ctx context.Context, to uint64,
		args *raftpd.RequestVoteArgs) (*raftpd.RequestVoteReply, error)
	AppendEntries(ctx context.Context, to uint64,
		args *raftpd.AppendEntriesArgs) (*raftpd.AppendEntriesReply, error)
}

// Application is the deterministic state machine fed by committed
// entries, strictly in index order. The returned value is handed to
// the proposal waiter, if any.
type Application interface {
	Apply(entry *raftpd.Entry) interface{}
}
