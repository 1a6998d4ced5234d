package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	raftpd "github.com/thinkermao/marquee/raft/proto"
)

const (
	requestVotePath   = "/raft/request_vote"
	appendEntriesPath = "/raft/append_entries"
)

// HTTP is the outbound peer transport: plain JSON-over-HTTP calls,
// one per RPC, bounded by the caller's context deadline.
type HTTP struct {
	peers  map[uint64]string
	client *http.Client
}

// NewHTTP build a transport over the peer address table.
func NewHTTP(peers map[uint64]string) *HTTP {
	dup := make(map[uint64]string, len(peers))
	for id, addr := range peers {
		dup[id] = addr
	}
	return &HTTP{
		peers:  dup,
		client: &http.Client{},
	}
}

// RequestVote implement raft.Transporter.
func (t *HTTP) RequestVote(ctx context.Context, to uint64,
	args *raftpd.RequestVoteArgs) (*raftpd.RequestVoteReply, error) {
	reply := &raftpd.RequestVoteReply{}
	if err := t.post(ctx, to, requestVotePath, args, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// AppendEntries implement raft.Transporter.
func (t *HTTP) AppendEntries(ctx context.Context, to uint64,
	args *raftpd.AppendEntriesArgs) (*raftpd.AppendEntriesReply, error) {
	reply := &raftpd.AppendEntriesReply{}
	if err := t.post(ctx, to, appendEntriesPath, args, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (t *HTTP) post(ctx context.Context, to uint64, path string,
	args, reply interface{}) error {
	addr, ok := t.peers[to]
	if !ok {
		return fmt.Errorf("transport: unknown peer: %d", to)
	}

	data, err := json.Marshal(args)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s%s", addr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url,
		bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("transport: unexpected status code: %d", resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(reply)
}

// Peer is the inbound side: it decodes peer RPCs and steps the node.
// The node persists before the reply is written back.
type Peer interface {
	HandleRequestVote(args *raftpd.RequestVoteArgs) (*raftpd.RequestVoteReply, error)
	HandleAppendEntries(args *raftpd.AppendEntriesArgs) (*raftpd.AppendEntriesReply, error)
}

// Handler serves the raft peer RPC surface over HTTP.
type Handler struct {
	peer Peer
}

// NewHandler build a handler stepping into peer.
func NewHandler(peer Peer) *Handler {
	return &Handler{peer: peer}
}

// RegisterHandlers attach the peer RPC routes to mux.
func (h *Handler) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("POST "+requestVotePath, h.handleRequestVote)
	mux.HandleFunc("POST "+appendEntriesPath, h.handleAppendEntries)
}

func (h *Handler) handleRequestVote(w http.ResponseWriter, r *http.Request) {
	var args raftpd.RequestVoteArgs
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	reply, err := h.peer.HandleRequestVote(&args)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(reply); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) handleAppendEntries(w http.ResponseWriter, r *http.Request) {
	var args raftpd.AppendEntriesArgs
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	reply, err := h.peer.HandleAppendEntries(&args)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(reply); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
