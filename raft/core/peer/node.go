package peer

import (
	log "github.com/sirupsen/logrus"
	"github.com/thinkermao/marquee/raft/core/conf"
	"github.com/thinkermao/marquee/utils"
)

// Node maintains the replication and vote progress the local raft
// keeps about one remote peer in the same group.
type Node struct {
	belongID uint64

	// node id
	ID uint64

	// detected vote status for the current candidacy
	Vote VoteState

	// highest index known replicated on the peer
	Matched uint64

	// next entry index to send
	NextIdx uint64
}

// MakeNode create instance for remote peer.
func MakeNode(belong, id, nextIdx uint64) *Node {
	return &Node{
		belongID: belong,
		ID:       id,
		Vote:     VoteNone,
		Matched:  conf.InvalidIndex,
		NextIdx:  nextIdx,
	}
}

// Reset forgets replication progress; used when the local node
// becomes leader. nextIdx is the leader's lastIndex+1.
func (n *Node) Reset(nextIdx uint64) {
	n.Matched = conf.InvalidIndex
	n.NextIdx = nextIdx
}

// HandleUnreachable trigger unreachable event: roll back the
// optimistic next index so the lost batch is resent.
func (n *Node) HandleUnreachable() {
	if n.NextIdx > n.Matched+1 {
		n.NextIdx = n.Matched + 1
		log.Debugf("%d node: %d unreachable, next index back to %d",
			n.belongID, n.ID, n.NextIdx)
	}
}

// HandleAppendEntries trigger append response event. index is the
// last index acknowledged on success, or the conflict hint on
// rejection. Returns true when Matched advanced.
func (n *Node) HandleAppendEntries(reject bool, index uint64) bool {
	if reject {
		// the hint may be stale; never move forward on rejection.
		next := utils.MinUint64(index, n.NextIdx-1)
		if next < conf.InvalidIndex+1 {
			next = conf.InvalidIndex + 1
		}
		n.NextIdx = next

		log.Debugf("%d node: %d update next index: %d",
			n.belongID, n.ID, n.NextIdx)
		return false
	}

	if index <= n.Matched {
		/* stale response */
		return false
	}

	n.Matched = index
	if n.NextIdx <= n.Matched {
		n.NextIdx = n.Matched + 1
	}
	return true
}

// OptimisticUpdate increase NextIdx to idx + 1 after a batch ending
// at idx has been handed to the transport.
func (n *Node) OptimisticUpdate(idx uint64) {
	n.NextIdx = idx + 1
}

// UpdateVoteState set vote by granted flag.
func (n *Node) UpdateVoteState(granted bool) {
	if granted {
		n.Vote = VoteGranted
	} else {
		n.Vote = VoteReject
	}
}

// ResetVoteState set vote to VoteNone.
func (n *Node) ResetVoteState() {
	n.Vote = VoteNone
}
