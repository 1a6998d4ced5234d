package raft

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/thinkermao/marquee/raft/core"
)

const senderBacklog = 256

// peerSender owns the sequential outbound task for one peer: vote
// requests and appends drain in order, so heartbeats never overtake
// log entries to the same follower. A full backlog drops the message;
// the next tick resends.
type peerSender struct {
	node *Node
	to   uint64
	ch   chan core.Message
}

func makePeerSender(node *Node, to uint64) *peerSender {
	return &peerSender{
		node: node,
		to:   to,
		ch:   make(chan core.Message, senderBacklog),
	}
}

func (s *peerSender) enqueue(msg core.Message) {
	select {
	case s.ch <- msg:
	default:
		log.Debugf("%d sender to %d backlog full, drop message",
			s.node.id, s.to)
	}
}

func (s *peerSender) loop() {
	for {
		select {
		case <-s.node.stopCh:
			return
		case msg := <-s.ch:
			s.send(msg)
		}
	}
}

// send performs one outbound RPC with a finite deadline and feeds the
// outcome back into the core. No node-state mutex is held here.
func (s *peerSender) send(msg core.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), s.node.deadline)
	defer cancel()

	switch {
	case msg.Vote != nil:
		reply, err := s.node.transport.RequestVote(ctx, s.to, msg.Vote)
		if err != nil {
			log.Debugf("%d vote request to %d failed: %v", s.node.id, s.to, err)
			s.node.unreachable(s.to)
			return
		}

		s.node.mutex.Lock()
		s.node.raft.HandleRequestVoteReply(s.to, reply)
		s.node.mutex.Unlock()
		s.node.advance()

	case msg.Append != nil:
		reply, err := s.node.transport.AppendEntries(ctx, s.to, msg.Append)
		if err != nil {
			log.Debugf("%d append to %d failed: %v", s.node.id, s.to, err)
			s.node.unreachable(s.to)
			return
		}

		s.node.mutex.Lock()
		s.node.raft.HandleAppendEntriesReply(s.to, msg.Append, reply)
		s.node.mutex.Unlock()
		s.node.advance()
	}
}
