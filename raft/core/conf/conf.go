package conf

import (
	"math"

	log "github.com/sirupsen/logrus"
	raftpd "github.com/thinkermao/marquee/raft/proto"
)

// Invalid value for raft.
const (
	InvalidIndex uint64 = 0
	InvalidID    uint64 = math.MaxUint64
	InvalidTerm  uint64 = 0
)

// Config given information to build raft algorithm.
type Config struct {
	// ID is the identity of the local raft. ID cannot be 0.
	ID uint64

	Vote uint64
	Term uint64

	// ElectionTickMin/ElectionTickMax bound the randomized election
	// timeout in milliseconds. A follower that hears nothing from a
	// leader for a duration drawn uniformly from [min, max) becomes
	// candidate. Max should be well above 2*min to avoid split votes.
	ElectionTickMin int
	ElectionTickMax int

	// HeartbeatTick is the leader's fixed heartbeat interval in
	// milliseconds. Must be strictly less than ElectionTickMin.
	HeartbeatTick int

	// MaxEntriesPerMsg bounds the batch size of a single
	// AppendEntries message.
	MaxEntriesPerMsg int

	Nodes   []uint64
	Entries []raftpd.Entry
}

// Verify check whether fields of Config is valid.
func (c *Config) Verify() bool {
	if c.ID == 0 {
		log.Panicf("ID cannot be zero")
	}

	if c.HeartbeatTick <= 0 {
		log.Panicf("heartbeat tick must be great than zero")
	}

	if c.ElectionTickMin <= c.HeartbeatTick {
		log.Panicf("election tick must be great than heartbeat tick")
	}

	if c.ElectionTickMax <= c.ElectionTickMin {
		log.Panicf("election tick max must be great than min")
	}

	if c.MaxEntriesPerMsg <= 0 {
		log.Panicf("max entries per msg must be great than zero")
	}

	return true
}
