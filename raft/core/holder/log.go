package holder

import (
	log "github.com/sirupsen/logrus"
	"github.com/thinkermao/marquee/raft/core/conf"
	raftpd "github.com/thinkermao/marquee/raft/proto"
	"github.com/thinkermao/marquee/utils"
)

// LogHolder provides structure to holder log entries,
// and given some useful information for raft.
// Here is the memory layout of LogHolder:
//
// [0, lastApplied, commitIndex, stabled, lastIndex)
// +--------------+-------------+-------------+
// |  wait apply  | wait commit | wait stable |
// +--------------+-------------+-------------+
// ^ Applied      ^ committed   ^ stabled     ^ last
//
// Notice:
//   - sometime we need to stable & send append parallel, so stabled
//     will less than commitIndex sometimes. in order to keep
//     consistency, lastApplied must less or equal to stabled.
//   - there always has a dummy entry at index zero with term zero, it
//     make the programming more easy.
type LogHolder struct {
	// raft inner id
	id uint64

	// last index of entry has been applied
	lastApplied uint64

	// last index of committed entry
	commitIndex uint64

	// last index stable to storage
	lastStabled uint64

	// buffered entries, entries[0] is the dummy
	entries []raftpd.Entry
}

// MakeLogHolder create & initialize empty LogHolder, and returns.
func MakeLogHolder(id uint64) *LogHolder {
	log.Debugf("make log holder id: %d", id)

	// make dummy entry.
	entries := make([]raftpd.Entry, 1)
	entries[0].Index = conf.InvalidIndex
	entries[0].Term = conf.InvalidTerm
	return &LogHolder{
		id:      id,
		entries: entries,
	}
}

// RebuildLogHolder construction log holder from exists log Entries,
// as restored from the durable log. The dummy is prepended here.
func RebuildLogHolder(id uint64, entries []raftpd.Entry) *LogHolder {
	dup := make([]raftpd.Entry, len(entries)+1)
	dup[0].Index = conf.InvalidIndex
	dup[0].Term = conf.InvalidTerm
	copy(dup[1:], entries)

	holder := &LogHolder{
		id:          id,
		entries:     dup,
		lastStabled: dup[len(dup)-1].Index,
	}
	holder.validateConsistency()

	log.Debugf("%d rebuild log holder [lastIdx: %d, lastTerm: %d]",
		id, holder.LastIndex(), holder.LastTerm())

	return holder
}

// Term return the Term of idx, if there no entry
// with these index, return InvalidTerm.
func (holder *LogHolder) Term(idx uint64) uint64 {
	if idx > holder.LastIndex() {
		return conf.InvalidTerm
	}
	return holder.entries[idx].Term
}

// Slice return the Entries between [lo, hi), no included dummy entry.
func (holder *LogHolder) Slice(lo, hi uint64) []raftpd.Entry {
	holder.checkOutOfBounds(lo, hi)
	entries := holder.entries[lo:hi]

	if len(entries) != 0 {
		utils.Assert(entries[0].Index == lo, "error index")
		utils.Assert(entries[len(entries)-1].Index == hi-1, "error index")
	}
	return entries
}

// IsUpToDate determines if the given (idx, term) log is at least as
// up-to-date as the receiver's, by comparing last entries: the later
// last term wins; with equal last terms the longer log wins.
func (holder *LogHolder) IsUpToDate(idx, term uint64) bool {
	return term > holder.LastTerm() ||
		(term == holder.LastTerm() && idx >= holder.LastIndex())
}

// LastIndex return the last index of current Entries.
func (holder *LogHolder) LastIndex() uint64 {
	utils.Assert(len(holder.entries) != 0, "require len(holder.entries) great than zero")
	length := len(holder.entries)
	actual := holder.entries[length-1].Index
	utils.Assert(actual == uint64(length-1), "bad Entries")
	return actual
}

// LastTerm return the last term of current Entries.
func (holder *LogHolder) LastTerm() uint64 {
	return holder.Term(holder.LastIndex())
}

// CommitIndex return holder.commitIndex.
func (holder *LogHolder) CommitIndex() uint64 {
	return holder.commitIndex
}

// LastApplied return holder.lastApplied.
func (holder *LogHolder) LastApplied() uint64 {
	return holder.lastApplied
}

// CommitTo change commitIndex to `to`.
func (holder *LogHolder) CommitTo(to uint64) {
	if holder.commitIndex >= to {
		/* never decrease commit */
		return
	}

	utils.Assert(holder.LastIndex() >= to,
		"%d toCommit %d is out of range [last index: %d]",
		holder.id, to, holder.LastIndex())

	holder.commitIndex = to

	log.Debugf("%d commit entries to index: %d", holder.id, to)
}

// ApplyEntries return the entries need to apply to state machine, and
// move lastApplied behind them. Because stabled may less than commit,
// lastApplied will be `min(commit, stabled)` after execution.
func (holder *LogHolder) ApplyEntries() []raftpd.Entry {
	target := utils.MinUint64(holder.commitIndex, holder.lastStabled)
	if holder.lastApplied == target {
		return nil
	}

	log.Debugf("%d apply entries to index: %d", holder.id, target)

	result := holder.Slice(holder.lastApplied+1, target+1)
	holder.lastApplied = target

	return result
}

// StableEntries mark all entries[stable:] as stabled,
// and return the entries need to stabled.
func (holder *LogHolder) StableEntries() []raftpd.Entry {
	lastStabled := holder.lastStabled
	lastIndex := holder.LastIndex()
	utils.Assert(lastStabled <= lastIndex,
		"%d stabled: %d, lastIndex: %d", holder.id, lastStabled, lastIndex)

	entries := holder.Slice(lastStabled+1, lastIndex+1)
	holder.lastStabled = lastIndex
	return entries
}

// TryAppend check whether log matches at (prevIdx, prevTerm). If it
// does, conflicting suffixes are truncated, new entries appended, and
// the index of the last new entry is returned. Otherwise it returns
// the conflict index: the first index of the conflicting term, or
// lastIndex+1 when the log has no entry at prevIdx.
func (holder *LogHolder) TryAppend(prevIdx, prevTerm uint64,
	entries []raftpd.Entry) (uint64, bool) {
	if holder.Term(prevIdx) == prevTerm && prevIdx <= holder.LastIndex() {
		conflictIdx := holder.findConflict(entries)
		if conflictIdx == 0 {
			/* success, no conflict */
		} else if conflictIdx <= holder.commitIndex {
			log.Panicf("%d entry %d conflict with committed entry %d",
				holder.id, conflictIdx, holder.commitIndex)
		} else {
			offset := prevIdx + 1
			holder.truncateAndAppend(entries[conflictIdx-offset:])
		}

		return prevIdx + uint64(len(entries)), true
	}

	utils.Assert(prevIdx >= holder.commitIndex,
		"%d entry %d [Term: %d] conflict with committed entry Term: %d",
		holder.id, prevIdx, prevTerm, holder.Term(prevIdx))

	return holder.conflictHint(prevIdx), false
}

// Append push entries at back, and return the new last index.
// The leader never overwrites or deletes entries in its own log.
func (holder *LogHolder) Append(entries []raftpd.Entry) uint64 {
	if len(entries) == 0 {
		return holder.LastIndex()
	}

	prevIndex := entries[0].Index - 1
	utils.Assert(prevIndex == holder.LastIndex(),
		"%d append at %d is not contiguous [last index: %d]",
		holder.id, prevIndex+1, holder.LastIndex())

	holder.entries = append(holder.entries, entries...)
	return holder.LastIndex()
}
