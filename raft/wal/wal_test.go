package wal

import (
	"os"
	"path/filepath"
	"testing"

	raftpd "github.com/thinkermao/marquee/raft/proto"
)

func makeEntry(idx, term uint64, data string) raftpd.Entry {
	return raftpd.Entry{Index: idx, Term: term, Data: []byte(data)}
}

func TestWal_CreateRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()

	w, err := Create(dir)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	entries := []raftpd.Entry{
		makeEntry(1, 1, "a"), makeEntry(2, 1, "b"), makeEntry(3, 2, "c"),
	}
	if err := w.SaveEntries(entries); err != nil {
		t.Fatalf("save entries: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	state := raftpd.HardState{Term: 2, Vote: 3, Commit: 2}
	if err := w.SaveState(&state); err != nil {
		t.Fatalf("save state: %v", err)
	}
	w.Close()

	restored, got, back, err := Restore(dir)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	defer restored.Close()

	if got != state {
		t.Fatalf("state: got %v, want %v", got, state)
	}
	if len(back) != len(entries) {
		t.Fatalf("entries: got %d, want %d", len(back), len(entries))
	}
	for i := range entries {
		if back[i].Index != entries[i].Index || back[i].Term != entries[i].Term ||
			string(back[i].Data) != string(entries[i].Data) {
			t.Fatalf("entry %d: got %v, want %v", i, back[i], entries[i])
		}
	}
}

// overwriting an index by appending supersedes the older suffix on
// replay; the file itself stays append-only.
func TestWal_OverwriteByAppend(t *testing.T) {
	dir := t.TempDir()

	w, err := Create(dir)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := w.SaveEntries([]raftpd.Entry{
		makeEntry(1, 1, "a"), makeEntry(2, 1, "b"), makeEntry(3, 1, "c"),
	}); err != nil {
		t.Fatalf("save: %v", err)
	}
	// a conflicting suffix from a newer leader replaces [2, 3].
	if err := w.SaveEntries([]raftpd.Entry{makeEntry(2, 2, "x")}); err != nil {
		t.Fatalf("save overwrite: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := w.SaveState(&raftpd.HardState{Term: 2}); err != nil {
		t.Fatalf("save state: %v", err)
	}
	w.Close()

	restored, _, back, err := Restore(dir)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	defer restored.Close()

	if len(back) != 2 {
		t.Fatalf("replay kept the replaced suffix: %v", back)
	}
	if back[1].Term != 2 || string(back[1].Data) != "x" {
		t.Fatalf("overwrite lost: %v", back[1])
	}
}

// a torn tail from a crash mid-write is dropped, not fatal.
func TestWal_TornTailTolerated(t *testing.T) {
	dir := t.TempDir()

	w, err := Create(dir)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := w.SaveEntries([]raftpd.Entry{makeEntry(1, 1, "a")}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := w.SaveState(&raftpd.HardState{Term: 1}); err != nil {
		t.Fatalf("save state: %v", err)
	}
	w.Close()

	// simulate a torn write: a length prefix promising more than
	// the file holds.
	file, err := os.OpenFile(filepath.Join(dir, logName),
		os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := file.Write([]byte{0x40, 0, 0, 0, 0xde, 0xad}); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	file.Close()

	restored, _, back, err := Restore(dir)
	if err != nil {
		t.Fatalf("restore with torn tail: %v", err)
	}
	defer restored.Close()

	if len(back) != 1 {
		t.Fatalf("want 1 entry, got %d", len(back))
	}

	// the tail was truncated away: appending keeps working.
	if err := restored.SaveEntries([]raftpd.Entry{makeEntry(2, 1, "b")}); err != nil {
		t.Fatalf("append after truncate: %v", err)
	}
}

func TestWal_MissingMetaIsPristine(t *testing.T) {
	dir := t.TempDir()

	w, err := Create(dir)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	w.Close()

	restored, state, entries, err := Restore(dir)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	defer restored.Close()

	if state.Term != 0 || len(entries) != 0 {
		t.Fatalf("pristine wal came back dirty: %v, %v", state, entries)
	}
}

func TestWal_CorruptMetaRejected(t *testing.T) {
	dir := t.TempDir()

	w, err := Create(dir)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := w.SaveState(&raftpd.HardState{Term: 3}); err != nil {
		t.Fatalf("save state: %v", err)
	}
	w.Close()

	path := filepath.Join(dir, metaName)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read meta: %v", err)
	}
	data[len(data)-1] ^= 0xff
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write meta: %v", err)
	}

	if _, _, _, err := Restore(dir); err == nil {
		t.Fatalf("corrupt meta restored without error")
	}
}
