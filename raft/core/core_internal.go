package core

import (
	"math/rand"

	log "github.com/sirupsen/logrus"
	"github.com/thinkermao/marquee/raft/core/conf"
	"github.com/thinkermao/marquee/raft/core/peer"
	raftpd "github.com/thinkermao/marquee/raft/proto"
	"github.com/thinkermao/marquee/utils"
)

func quorum(len int) int {
	return len/2 + 1
}

func (c *core) resetRandomizedElectionTimeout() {
	previousTimeout := c.randomizedElectionTick
	c.randomizedElectionTick =
		c.electionTickMin + rand.Intn(c.electionTickMax-c.electionTickMin)

	log.Debugf("%d reset randomized election timeout [%d => %d]",
		c.id, previousTimeout, c.randomizedElectionTick)
}

func (c *core) resetLease() {
	c.timeElapsed = 0
	c.resetRandomizedElectionTimeout()
}

func (c *core) reset(term uint64) {
	if c.term != term {
		c.term = term
		c.vote = conf.InvalidID
	}
	c.leaderID = conf.InvalidID
	c.resetLease()
}

func (c *core) becomeFollower(term, leaderID uint64) {
	c.reset(term)
	c.leaderID = leaderID
	c.state = RoleFollower

	if leaderID != conf.InvalidID {
		log.Debugf("%d become %d's follower at %d", c.id, leaderID, c.term)
	} else {
		log.Debugf("%d become follower at %d, without leader", c.id, c.term)
	}
}

func (c *core) becomeLeader() {
	utils.Assert(c.state == RoleCandidate,
		"%d invalid translation [%v => Leader]", c.id, c.state)

	c.reset(c.term)
	c.leaderID = c.id
	c.state = RoleLeader

	// When a leader first comes to power, it initializes all
	// nextIndex values to the index just after the last one in
	// its log.
	nextIndex := c.log.LastIndex() + 1
	for i := 0; i < len(c.nodes); i++ {
		c.nodes[i].Reset(nextIndex)
	}

	log.Infof("%d become leader at %d [lastIdx: %d]",
		c.id, c.term, c.log.LastIndex())

	/* announce immediately with empty appends */
	c.broadcastAppend()
}

func (c *core) becomeCandidate() {
	utils.Assert(c.state != RoleLeader,
		"%d invalid translation [Leader => Candidate]", c.id)

	c.reset(c.term + 1)
	c.vote = c.id
	c.state = RoleCandidate

	for i := 0; i < len(c.nodes); i++ {
		c.nodes[i].ResetVoteState()
	}

	log.Infof("%d become candidate at %d", c.id, c.term)
}

func (c *core) campaign() {
	c.becomeCandidate()

	if c.quorum() == 1 {
		/* single-node group wins its own election */
		c.becomeLeader()
		return
	}

	for i := 0; i < len(c.nodes); i++ {
		node := c.nodes[i]

		log.Debugf("%d [lastTerm: %d, lastIdx: %d] send vote request to %d at term %d",
			c.id, c.log.LastTerm(), c.log.LastIndex(), node.ID, c.term)

		c.msgs = append(c.msgs, Message{
			To: node.ID,
			Vote: &raftpd.RequestVoteArgs{
				Term:         c.term,
				CandidateID:  c.id,
				LastLogIndex: c.log.LastIndex(),
				LastLogTerm:  c.log.LastTerm(),
			},
		})
	}
}

func (c *core) quorum() int {
	return quorum(len(c.nodes) + 1)
}

func (c *core) voteStateCount(granted bool) int {
	want := peer.VoteReject
	/* self has one granted */
	count := 0
	if granted {
		want = peer.VoteGranted
		count = 1
	}
	for i := 0; i < len(c.nodes); i++ {
		if c.nodes[i].Vote == want {
			count++
		}
	}
	return count
}

// poll commit all could commit.
// If there exists an N such that N > commitIndex, a majority
// of matchIndex[i] >= N, and log[N].term == currentTerm:
// set commitIndex = N.
func (c *core) poll(idx uint64) {
	if idx <= c.log.CommitIndex() || c.log.Term(idx) != c.term {
		/* maybe committed, or old Term's log entry */
		return
	}
	count := 1
	for i := 0; i < len(c.nodes); i++ {
		if c.nodes[i].Matched >= idx {
			count++
		}
	}

	if count >= c.quorum() {
		c.log.CommitTo(idx)
	}
}

func (c *core) getNodeByID(nodeID uint64) *peer.Node {
	for i := 0; i < len(c.nodes); i++ {
		if c.nodes[i].ID == nodeID {
			return c.nodes[i]
		}
	}
	return nil
}

// broadcastAppend send append to all followers; heartbeats are empty
// appends on the same path.
func (c *core) broadcastAppend() {
	for i := 0; i < len(c.nodes); i++ {
		c.sendAppend(c.nodes[i])
	}
}

func (c *core) sendAppend(node *peer.Node) {
	args := &raftpd.AppendEntriesArgs{
		Term:         c.term,
		LeaderID:     c.id,
		PrevLogIndex: node.NextIdx - 1,
		LeaderCommit: c.log.CommitIndex(),
	}
	args.PrevLogTerm = c.log.Term(args.PrevLogIndex)

	if c.log.LastIndex() >= node.NextIdx {
		entries := c.log.Slice(node.NextIdx, c.log.LastIndex()+1)
		if len(entries) > c.maxEntriesPerMsg {
			entries = entries[:c.maxEntriesPerMsg]
		}
		args.Entries = make([]raftpd.Entry, len(entries))
		copy(args.Entries, entries)
	}

	log.Debugf("%d [Term: %d] send append [prevIdx: %d, prevTerm: %d, entries: %d] "+
		"to node: %d [matched: %d, next index: %d]",
		c.id, c.term, args.PrevLogIndex, args.PrevLogTerm,
		len(args.Entries), node.ID, node.Matched, node.NextIdx)

	if len(args.Entries) != 0 {
		// optimistically increase the next index; a transport error
		// rolls it back via HandleUnreachable.
		node.OptimisticUpdate(args.Entries[len(args.Entries)-1].Index)
	}

	c.msgs = append(c.msgs, Message{To: node.ID, Append: args})
}
