package core

import (
	"github.com/thinkermao/marquee/raft/core/conf"
	raftpd "github.com/thinkermao/marquee/raft/proto"
)

// Raft interface provides the driver to run the entire raft
// algorithm, and the query of raft status. It is single-threaded;
// the owner serializes access and performs all I/O from TakeReady.
type Raft interface {
	// Read status of raft.
	ReadSoftState() SoftState
	ReadHardState() raftpd.HardState
	ReadStatus() (uint64, bool)

	// Drivers.
	Periodic(millsSinceLastPeriod int)
	TakeReady() Ready

	// Propose first test whether the current role is leader,
	// if true adds the entry to the log and returns index
	// and term; otherwise it returns false.
	Propose(data []byte, clientID string, requestSeq uint64) (uint64, uint64, bool)

	// Inbound peer RPCs.
	HandleRequestVote(args *raftpd.RequestVoteArgs) *raftpd.RequestVoteReply
	HandleAppendEntries(args *raftpd.AppendEntriesArgs) *raftpd.AppendEntriesReply

	// Outbound call outcomes.
	HandleRequestVoteReply(from uint64, reply *raftpd.RequestVoteReply)
	HandleAppendEntriesReply(from uint64,
		args *raftpd.AppendEntriesArgs, reply *raftpd.AppendEntriesReply)
	HandleUnreachable(peerID uint64)
}

// MakeRaft return a Raft interface.
func MakeRaft(config *conf.Config) Raft {
	return makeCore(config)
}
