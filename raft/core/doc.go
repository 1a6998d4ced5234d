// Package core provides a basic implemention of raft consensus algorithm.
//
// It provides a `Raft` interface to operation raft state machine. The
// core is single-threaded and performs no I/O: the caller serializes
// access, must periodic call `Raft.Periodic` in stable time interval,
// and drain `Raft.TakeReady` to dispatch side effects. Such as
// persistence unstabled raft log entries, send accumulated requests
// to other nodes, apply committed entries to the state machine.
//
// Basic usage for `Raft` must be `Propose`, call it and pass binary
// data, and data will appear at `Ready.CommitEntries` when majority
// nodes has been response. After this, you would safty apply it to
// state machine, and do not worry about a few nodes hang up the lost
// data.
//
// Inbound peer RPCs are fed through `HandleRequestVote` and
// `HandleAppendEntries`, which compute the reply synchronously; the
// caller must persist the ready's hard state and entries before the
// reply leaves the node. Outcomes of outbound calls come back through
// `HandleRequestVoteReply`, `HandleAppendEntriesReply` and
// `HandleUnreachable`.
package core
