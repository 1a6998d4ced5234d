package core

import (
	log "github.com/sirupsen/logrus"
	"github.com/thinkermao/marquee/raft/core/conf"
	"github.com/thinkermao/marquee/raft/core/holder"
	"github.com/thinkermao/marquee/raft/core/peer"
	raftpd "github.com/thinkermao/marquee/raft/proto"
	"github.com/thinkermao/marquee/utils"
)

type core struct {
	// Fields need to be persistent.
	term uint64            // current term
	vote uint64            // vote for
	log  *holder.LogHolder // log holder

	// Fields just keep in memory.
	id uint64 // raft id

	// last leader id. If the long time did not
	// receive the leader's message, set InvalidID.
	leaderID uint64
	state    StateRole    // current state role
	nodes    []*peer.Node // information of other nodes in same raft group.

	// Fields for time.
	timeElapsed            int // total elapsed since last reset
	randomizedElectionTick int // randomized election tick
	electionTickMin        int
	electionTickMax        int
	heartbeatTick          int // heartbeat timeout tick

	// Other fields.
	maxEntriesPerMsg int
	msgs             []Message // outbound box drained by TakeReady
}

func makeCore(config *conf.Config) *core {
	config.Verify()

	c := new(core)

	// Initialize persistence fields.
	c.vote = config.Vote
	c.term = config.Term
	if config.Entries == nil {
		c.log = holder.MakeLogHolder(config.ID)
	} else {
		c.log = holder.RebuildLogHolder(config.ID, config.Entries)
	}

	// Initialize memory fields.
	c.id = config.ID
	c.leaderID = conf.InvalidID
	c.state = RoleFollower

	/* make nodes */
	c.nodes = make([]*peer.Node, 0)
	lastIndex := c.log.LastIndex()
	for i := 0; i < len(config.Nodes); i++ {
		if config.Nodes[i] != c.id {
			node := peer.MakeNode(c.id, config.Nodes[i], lastIndex+1)
			c.nodes = append(c.nodes, node)
		}
	}

	// Initialize time related fields.
	c.timeElapsed = 0
	c.electionTickMin = config.ElectionTickMin
	c.electionTickMax = config.ElectionTickMax
	c.heartbeatTick = config.HeartbeatTick
	c.resetRandomizedElectionTimeout()

	c.maxEntriesPerMsg = config.MaxEntriesPerMsg

	utils.Assert(c.log.LastIndex() >= c.log.CommitIndex(),
		"%d [Term: %d] last idx: %d less than commit: %d",
		c.id, c.term, c.log.LastIndex(), c.log.CommitIndex())

	log.Debugf("%d build raft at term: %d [lastIdx: %d, commitIdx: %d]",
		c.id, c.term, c.log.LastIndex(), c.log.CommitIndex())

	return c
}

func (c *core) ReadSoftState() SoftState {
	return SoftState{
		LeaderID:    c.leaderID,
		State:       c.state,
		LastIndex:   c.log.LastIndex(),
		CommitIndex: c.log.CommitIndex(),
	}
}

func (c *core) ReadHardState() raftpd.HardState {
	return raftpd.HardState{
		Vote:   c.vote,
		Term:   c.term,
		Commit: c.log.CommitIndex(),
	}
}

// Propose append a client command at lastIndex+1 in the current
// term and kicks replication. Followers refuse.
func (c *core) Propose(data []byte, clientID string, requestSeq uint64) (
	index uint64, term uint64, isLeader bool) {
	if !c.state.IsLeader() {
		return conf.InvalidIndex, conf.InvalidTerm, false
	}

	entry := raftpd.Entry{
		Index:      c.log.LastIndex() + 1,
		Term:       c.term,
		ClientID:   clientID,
		RequestSeq: requestSeq,
		Data:       data,
	}

	// Leader Append-Only: a leader never overwrites or deletes
	// entries in its log; it only appends new entries.
	c.log.Append([]raftpd.Entry{entry})

	c.broadcastAppend()

	// a single-node group commits immediately.
	c.poll(entry.Index)

	return entry.Index, entry.Term, true
}

// Periodic drives timers: election timeout for followers and
// candidates, heartbeat interval for leaders.
func (c *core) Periodic(millsSinceLastPeriod int) {
	c.timeElapsed += millsSinceLastPeriod

	if c.state.IsLeader() {
		if c.heartbeatTick <= c.timeElapsed {
			c.timeElapsed = 0
			c.broadcastAppend()
		}
	} else if c.randomizedElectionTick <= c.timeElapsed {
		c.campaign()
	}
}

// TakeReady drain accumulated side effects since last call. The
// entry slices are copied out: the owner works on them after
// releasing the state mutex, while the log may truncate and reuse
// its backing storage.
func (c *core) TakeReady() Ready {
	rd := Ready{
		SS:            c.ReadSoftState(),
		HS:            c.ReadHardState(),
		Entries:       dupEntries(c.log.StableEntries()),
		CommitEntries: dupEntries(c.log.ApplyEntries()),
		Messages:      c.msgs,
	}
	c.msgs = nil
	return rd
}

func dupEntries(entries []raftpd.Entry) []raftpd.Entry {
	if len(entries) == 0 {
		return nil
	}
	dup := make([]raftpd.Entry, len(entries))
	copy(dup, entries)
	return dup
}

// ReadStatus return current term and whether self is leader.
func (c *core) ReadStatus() (uint64, bool) {
	return c.term, c.state.IsLeader()
}
