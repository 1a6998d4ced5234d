package core

import (
	log "github.com/sirupsen/logrus"
	"github.com/thinkermao/marquee/raft/core/conf"
	raftpd "github.com/thinkermao/marquee/raft/proto"
	"github.com/thinkermao/marquee/utils"
)

// HandleRequestVote is the vote receiver. Grant if and only if the
// candidate's term is current, we have not voted for anyone else in
// this term, and the candidate's log is at least as up-to-date.
func (c *core) HandleRequestVote(args *raftpd.RequestVoteArgs) *raftpd.RequestVoteReply {
	reply := &raftpd.RequestVoteReply{Term: c.term, VoteGranted: false}

	if args.Term < c.term {
		log.Debugf("%d [term: %d] reject vote request with lower term from %d [term: %d]",
			c.id, c.term, args.CandidateID, args.Term)
		return reply
	}

	if args.Term > c.term {
		log.Infof("%d [Term: %d] receive vote request with higher Term from %d [Term: %d]",
			c.id, c.term, args.CandidateID, args.Term)
		c.becomeFollower(args.Term, conf.InvalidID)
	}
	reply.Term = c.term

	if (c.vote == conf.InvalidID || c.vote == args.CandidateID) &&
		c.log.IsUpToDate(args.LastLogIndex, args.LastLogTerm) {
		c.vote = args.CandidateID
		c.resetLease()
		reply.VoteGranted = true

		log.Infof("%d [term: %d] grant vote to %d [lastIdx: %d, lastTerm: %d]",
			c.id, c.term, args.CandidateID, args.LastLogIndex, args.LastLogTerm)
	} else {
		log.Debugf("%d [term: %d, vote: %d] reject vote to %d",
			c.id, c.term, c.vote, args.CandidateID)
	}

	return reply
}

// HandleRequestVoteReply integrates one peer's answer to our
// candidacy.
func (c *core) HandleRequestVoteReply(from uint64, reply *raftpd.RequestVoteReply) {
	if reply.Term > c.term {
		c.becomeFollower(reply.Term, conf.InvalidID)
		return
	}

	if c.state != RoleCandidate || reply.Term < c.term {
		/* stale answer from an old round */
		return
	}

	node := c.getNodeByID(from)
	if node == nil {
		return
	}
	node.UpdateVoteState(reply.VoteGranted)

	if reply.VoteGranted {
		log.Infof("%d received vote from %d at term %d", c.id, from, c.term)
	} else {
		log.Infof("%d received vote rejection from %d at term %d", c.id, from, c.term)
	}

	if c.voteStateCount(true) >= c.quorum() {
		c.becomeLeader()
		return
	}

	// back to follower if a majority denies this candidacy.
	if c.voteStateCount(false) >= c.quorum() {
		c.becomeFollower(c.term, conf.InvalidID)
	}
}

// HandleAppendEntries is the replication receiver.
func (c *core) HandleAppendEntries(args *raftpd.AppendEntriesArgs) *raftpd.AppendEntriesReply {
	reply := &raftpd.AppendEntriesReply{Term: c.term, Success: false}

	if args.Term < c.term {
		log.Debugf("%d [term: %d] reject append with lower term from %d [term: %d]",
			c.id, c.term, args.LeaderID, args.Term)
		return reply
	}

	// any append from a current or newer leader makes us its
	// follower; this also covers the candidate step-down.
	c.becomeFollower(args.Term, args.LeaderID)
	reply.Term = c.term

	if c.log.CommitIndex() > args.PrevLogIndex {
		// expired append: everything up to commitIndex already
		// matches the leader's log, reply same with success append.
		log.Debugf("%d [Term: %d, commit: %d] observe expired append "+
			"from %d [prevIdx: %d]", c.id, c.term, c.log.CommitIndex(),
			args.LeaderID, args.PrevLogIndex)
		reply.Success = true
		reply.LastIndex = c.log.CommitIndex()
		return reply
	}

	if lastNew, ok := c.log.TryAppend(args.PrevLogIndex,
		args.PrevLogTerm, args.Entries); ok {
		c.log.CommitTo(utils.MinUint64(args.LeaderCommit, lastNew))
		reply.Success = true
		reply.LastIndex = lastNew
	} else {
		log.Infof("%d [term: %d, last idx: %d] rejected append "+
			"[prevTerm: %d, prevIdx: %d] from %d, hint: %d",
			c.id, c.term, c.log.LastIndex(), args.PrevLogTerm,
			args.PrevLogIndex, args.LeaderID, lastNew)
		reply.LastIndex = c.log.LastIndex()
		reply.ConflictIndex = lastNew
	}

	return reply
}

// HandleAppendEntriesReply integrates a follower's answer to the
// batch described by args.
func (c *core) HandleAppendEntriesReply(from uint64,
	args *raftpd.AppendEntriesArgs, reply *raftpd.AppendEntriesReply) {
	if reply.Term > c.term {
		c.becomeFollower(reply.Term, conf.InvalidID)
		return
	}

	if !c.state.IsLeader() || reply.Term < c.term {
		return
	}

	node := c.getNodeByID(from)
	if node == nil {
		return
	}

	if reply.Success {
		// LastIndex is prevLogIndex+len(entries) on a plain accept,
		// or the follower's commit index when our batch was already
		// behind it; both are indices the follower durably holds.
		if node.HandleAppendEntries(false, reply.LastIndex) {
			c.poll(node.Matched)
		}
		/* keep draining backlog */
		if c.log.LastIndex() >= node.NextIdx {
			c.sendAppend(node)
		}
	} else {
		node.HandleAppendEntries(true, reply.ConflictIndex)
		c.sendAppend(node)
	}
}

// HandleUnreachable records a failed outbound call; the batch is
// resent on a later tick.
func (c *core) HandleUnreachable(peerID uint64) {
	node := c.getNodeByID(peerID)
	if node == nil {
		return
	}

	node.HandleUnreachable()
	log.Debugf("%d failed to send message to %d because it is unreachable",
		c.id, peerID)
}
