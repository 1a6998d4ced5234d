package raftpd

import (
	"encoding/gob"
	"fmt"
)

// HardState is the part of node state that must survive a crash
// before any reply depending on it is emitted.
type HardState struct {
	Term   uint64
	Vote   uint64
	Commit uint64
}

func (e *HardState) Reset() { *e = HardState{} }

func (e HardState) String() string {
	return fmt.Sprintf("raftpd.HardState{term: %d, vote: %d, commit: %d}",
		e.Term, e.Vote, e.Commit)
}

// Entry is a single replicated log record. ClientID and RequestSeq
// travel with the command so every replica dedupes identically.
type Entry struct {
	Index      uint64
	Term       uint64
	ClientID   string
	RequestSeq uint64
	Data       []byte
}

func (e *Entry) Reset() { *e = Entry{} }

func (e Entry) String() string {
	return fmt.Sprintf("raftpd.Entry{idx: %d, term: %d, client: %s, seq: %d}",
		e.Index, e.Term, e.ClientID, e.RequestSeq)
}

// RequestVoteArgs carries an explicit CandidateID rather than relying
// on any transport-level sender field.
type RequestVoteArgs struct {
	Term         uint64
	CandidateID  uint64
	LastLogIndex uint64
	LastLogTerm  uint64
}

func (a *RequestVoteArgs) Reset() { *a = RequestVoteArgs{} }

func (a RequestVoteArgs) String() string {
	return fmt.Sprintf("raftpd.RequestVoteArgs{term: %d, candidate: %d, "+
		"lastIdx: %d, lastTerm: %d}",
		a.Term, a.CandidateID, a.LastLogIndex, a.LastLogTerm)
}

type RequestVoteReply struct {
	Term        uint64
	VoteGranted bool
}

func (r *RequestVoteReply) Reset() { *r = RequestVoteReply{} }

type AppendEntriesArgs struct {
	Term         uint64
	LeaderID     uint64
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []Entry
	LeaderCommit uint64
}

func (a *AppendEntriesArgs) Reset() { *a = AppendEntriesArgs{} }

func (a AppendEntriesArgs) String() string {
	return fmt.Sprintf("raftpd.AppendEntriesArgs{term: %d, leader: %d, "+
		"prevIdx: %d, prevTerm: %d, entries: %d, commit: %d}",
		a.Term, a.LeaderID, a.PrevLogIndex, a.PrevLogTerm,
		len(a.Entries), a.LeaderCommit)
}

// AppendEntriesReply reports ConflictIndex on rejection: the first
// index of the conflicting term, or lastIndex+1 when the follower has
// no entry at PrevLogIndex. It lets the leader skip whole terms while
// backtracking.
type AppendEntriesReply struct {
	Term          uint64
	Success       bool
	LastIndex     uint64
	ConflictIndex uint64
}

func (r *AppendEntriesReply) Reset() { *r = AppendEntriesReply{} }

func init() {
	gob.Register(Entry{})
	gob.Register(HardState{})
	gob.Register(RequestVoteArgs{})
	gob.Register(RequestVoteReply{})
	gob.Register(AppendEntriesArgs{})
	gob.Register(AppendEntriesReply{})
}
