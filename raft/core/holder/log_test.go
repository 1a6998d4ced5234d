package holder

import (
	"fmt"
	"testing"

	raftpd "github.com/thinkermao/marquee/raft/proto"
)

func makeEntry(idx, term uint64) raftpd.Entry {
	return raftpd.Entry{
		Index: idx,
		Term:  term,
	}
}

func compareEntry(a, b raftpd.Entry) bool {
	return a.Term == b.Term && a.Index == b.Index
}

func compareEntries(t *testing.T, i int, a, want []raftpd.Entry) {
	if len(a) != len(want) {
		t.Errorf("#%d: len(entries) want: %d, get: %d",
			i, len(want), len(a))
	}
	for j := 0; j < len(a); j++ {
		if !compareEntry(a[j], want[j]) {
			t.Errorf("#%d: ents[%d] want: %v, get: %v",
				i, j, want[j], a[j])
		}
	}
}

func TestMakeLogHolder(t *testing.T) {
	e := MakeLogHolder(1)
	if e.LastIndex() != 0 || e.LastTerm() != 0 ||
		e.CommitIndex() != 0 || e.LastApplied() != 0 {
		t.Fatalf("fresh holder not at sentinel: %+v", e)
	}
}

func TestRebuildLogHolder(t *testing.T) {
	entries := []raftpd.Entry{makeEntry(1, 1), makeEntry(2, 2), makeEntry(3, 2)}
	e := RebuildLogHolder(1, entries)

	if e.LastIndex() != 3 || e.LastTerm() != 2 {
		t.Fatalf("rebuild: lastIndex %d lastTerm %d", e.LastIndex(), e.LastTerm())
	}
	if e.CommitIndex() != 0 || e.LastApplied() != 0 {
		t.Fatalf("rebuild must not resurrect commit state")
	}
	if e.lastStabled != 3 {
		t.Fatalf("restored entries are already durable, stabled: %d", e.lastStabled)
	}
}

func TestLogHolder_findConflict(t *testing.T) {
	previousEntries := []raftpd.Entry{
		makeEntry(1, 1), makeEntry(2, 2), makeEntry(3, 3),
	}

	tests := []struct {
		entries  []raftpd.Entry
		conflict uint64
	}{
		// no conflict, empty Entries
		{[]raftpd.Entry{}, 0},
		// no conflict
		{[]raftpd.Entry{makeEntry(1, 1), makeEntry(2, 2), makeEntry(3, 3)}, 0},
		{[]raftpd.Entry{makeEntry(2, 2), makeEntry(3, 3)}, 0},
		{[]raftpd.Entry{makeEntry(3, 3)}, 0},
		// no conflict, but has new Entries
		{[]raftpd.Entry{makeEntry(1, 1), makeEntry(2, 2), makeEntry(3, 3), makeEntry(4, 4), makeEntry(5, 5)}, 4},
		{[]raftpd.Entry{makeEntry(2, 2), makeEntry(3, 3), makeEntry(4, 4), makeEntry(5, 4)}, 4},
		{[]raftpd.Entry{makeEntry(3, 3), makeEntry(4, 4), makeEntry(5, 4)}, 4},
		{[]raftpd.Entry{makeEntry(4, 4), makeEntry(5, 5)}, 4},
		// conflicts with existing Entries
		{[]raftpd.Entry{makeEntry(1, 4), makeEntry(2, 4)}, 1},
		{[]raftpd.Entry{makeEntry(2, 1), makeEntry(3, 4), makeEntry(4, 4)}, 2},
		{[]raftpd.Entry{makeEntry(3, 1), makeEntry(4, 2), makeEntry(5, 4), makeEntry(6, 4)}, 3},
	}
	for i := 0; i < len(tests); i++ {
		tt := tests[i]
		e := RebuildLogHolder(1, previousEntries)
		conflict := e.findConflict(tt.entries)
		if conflict != tt.conflict {
			t.Errorf("#%d: conflict = %d, want %d", i, conflict, tt.conflict)
		}
	}
}

func TestLogHolder_conflictHint(t *testing.T) {
	type param struct {
		entries []raftpd.Entry
		prevIdx uint64
		want    uint64
	}

	tests := []param{
		// missing entry: hint past the end.
		{[]raftpd.Entry{makeEntry(1, 1)}, 5, 2},
		// conflicting term 2 starts at index 2.
		{[]raftpd.Entry{makeEntry(1, 1), makeEntry(2, 2), makeEntry(3, 2)}, 3, 2},
		// conflicting term spans the whole log.
		{[]raftpd.Entry{makeEntry(1, 2), makeEntry(2, 2)}, 2, 1},
	}

	for i := 0; i < len(tests); i++ {
		tt := &tests[i]
		e := RebuildLogHolder(1, tt.entries)
		get := e.conflictHint(tt.prevIdx)
		if get != tt.want {
			t.Errorf("#%d: get: %d, want: %d", i, get, tt.want)
		}
	}
}

func TestLogHolder_TryAppend(t *testing.T) {
	previousEntries := []raftpd.Entry{
		makeEntry(1, 1), makeEntry(2, 2), makeEntry(3, 3),
	}

	tests := []struct {
		prevIdx  uint64
		prevTerm uint64
		entries  []raftpd.Entry
		ok       bool
		lastNew  uint64
		wantLast uint64
	}{
		// heartbeat against matching log
		{3, 3, nil, true, 3, 3},
		// plain append
		{3, 3, []raftpd.Entry{makeEntry(4, 3)}, true, 4, 4},
		// duplicate delivery is absorbed
		{2, 2, []raftpd.Entry{makeEntry(3, 3)}, true, 3, 3},
		// conflicting suffix is truncated and replaced
		{1, 1, []raftpd.Entry{makeEntry(2, 4)}, true, 2, 2},
		// mismatched prev term is rejected
		{3, 2, []raftpd.Entry{makeEntry(4, 4)}, false, 3, 3},
		// missing prev entry is rejected with hint last+1
		{5, 3, []raftpd.Entry{makeEntry(6, 3)}, false, 4, 3},
	}

	for i := 0; i < len(tests); i++ {
		tt := &tests[i]
		e := RebuildLogHolder(1, previousEntries)
		get, ok := e.TryAppend(tt.prevIdx, tt.prevTerm, tt.entries)
		if ok != tt.ok || get != tt.lastNew {
			t.Errorf("#%d: get: (%d, %v), want: (%d, %v)",
				i, get, ok, tt.lastNew, tt.ok)
		}
		if e.LastIndex() != tt.wantLast {
			t.Errorf("#%d: lastIndex: %d, want: %d", i, e.LastIndex(), tt.wantLast)
		}
	}
}

func TestLogHolder_TruncateRewindsStable(t *testing.T) {
	e := RebuildLogHolder(1, []raftpd.Entry{
		makeEntry(1, 1), makeEntry(2, 2), makeEntry(3, 2),
	})

	// replace [2, 3] with a higher-term suffix.
	if _, ok := e.TryAppend(1, 1, []raftpd.Entry{makeEntry(2, 3)}); !ok {
		t.Fatalf("append rejected")
	}

	// the replaced range must be handed back for re-persisting.
	stable := e.StableEntries()
	compareEntries(t, 0, stable, []raftpd.Entry{makeEntry(2, 3)})
}

func TestLogHolder_CommitAndApply(t *testing.T) {
	e := MakeLogHolder(1)
	e.Append([]raftpd.Entry{makeEntry(1, 1), makeEntry(2, 1)})

	// nothing applies before the entries are stable.
	e.CommitTo(2)
	if applied := e.ApplyEntries(); len(applied) != 0 {
		t.Fatalf("applied unstable entries: %v", applied)
	}

	stable := e.StableEntries()
	compareEntries(t, 0, stable, []raftpd.Entry{makeEntry(1, 1), makeEntry(2, 1)})

	applied := e.ApplyEntries()
	compareEntries(t, 1, applied, []raftpd.Entry{makeEntry(1, 1), makeEntry(2, 1)})
	if e.LastApplied() != 2 {
		t.Fatalf("lastApplied: %d", e.LastApplied())
	}

	// commit never decreases.
	e.CommitTo(1)
	if e.CommitIndex() != 2 {
		t.Fatalf("commit decreased to %d", e.CommitIndex())
	}
}

func TestLogHolder_IsUpToDate(t *testing.T) {
	e := RebuildLogHolder(1, []raftpd.Entry{makeEntry(1, 1), makeEntry(2, 2)})

	tests := []struct {
		idx  uint64
		term uint64
		want bool
	}{
		{2, 2, true},
		{3, 2, true},
		{1, 2, false},
		{5, 1, false},
		{1, 3, true},
	}

	for i, tt := range tests {
		if get := e.IsUpToDate(tt.idx, tt.term); get != tt.want {
			panic(fmt.Errorf("#%d: get: %v, want: %v", i, get, tt.want))
		}
	}
}
