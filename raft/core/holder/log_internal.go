package holder

import (
	log "github.com/sirupsen/logrus"
	raftpd "github.com/thinkermao/marquee/raft/proto"
	"github.com/thinkermao/marquee/utils"
)

func (holder *LogHolder) checkOutOfBounds(lo, hi uint64) {
	utils.Assert(lo <= hi, "%d invalid slice %d > %d", holder.id, lo, hi)

	upper := holder.LastIndex() + 1
	utils.Assert(hi <= upper,
		"%d slice[%d, %d] out of bound[0, %d]", holder.id, lo, hi, upper)
}

func (holder *LogHolder) truncateAndAppend(entries []raftpd.Entry) {
	if len(entries) == 0 {
		return
	}

	lastIndex := holder.LastIndex()
	after := entries[0].Index
	if after != lastIndex+1 {
		// conflicting suffix, drop it and make the replaced range
		// unstable again so it reaches the durable log.
		holder.checkOutOfBounds(0, after)
		holder.entries = holder.entries[:after]
		holder.lastStabled = utils.MinUint64(holder.lastStabled, after-1)
	}
	holder.entries = append(holder.entries, entries...)

	holder.validateConsistency()
}

// findConflict return the first index which entries[i].Term is not
// equal to `holder.Term(entries[i].Index)`, if all Term with same
// index are equals, return zero.
func (holder *LogHolder) findConflict(entries []raftpd.Entry) uint64 {
	for i := 0; i < len(entries); i++ {
		entry := &entries[i]
		if holder.Term(entry.Index) != entry.Term {
			if entry.Index <= holder.LastIndex() {
				log.Infof("%d found conflict at index %d, "+
					"[existing Term: %d, conflicting Term: %d]",
					holder.id, entry.Index, holder.Term(entry.Index), entry.Term)
			}
			return entry.Index
		}
	}
	return 0
}

// conflictHint computes the accelerated backtracking hint for a
// rejected append: the first index of the term found at prevIdx, or
// lastIndex+1 when prevIdx is beyond the log.
func (holder *LogHolder) conflictHint(prevIdx uint64) uint64 {
	lastIndex := holder.LastIndex()
	if prevIdx > lastIndex {
		return lastIndex + 1
	}

	term := holder.Term(prevIdx)
	idx := prevIdx
	for idx > holder.commitIndex+1 && holder.Term(idx-1) == term {
		idx--
	}
	return idx
}

func (holder *LogHolder) validateConsistency() {
	for i := 0; i < len(holder.entries); i++ {
		utils.Assert(holder.entries[i].Index == uint64(i),
			"%d index:%d at:%d not sequences", holder.id, holder.entries[i].Index, i)
	}
}
