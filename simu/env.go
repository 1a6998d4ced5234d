package simu

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/thinkermao/marquee/booking"
	"github.com/thinkermao/marquee/raft"
)

// Timing profile of the simulated cluster, in milliseconds.
const (
	ElectionTimeoutMin = 150
	ElectionTimeoutMax = 300
	HeartbeatTimeout   = 50
	tickSize           = 10
)

// Environment drives an in-process cluster for tests: every node is
// a full raft.Node over its own wal dir and booking machine, wired
// through a partitionable network.
type Environment struct {
	t          *testing.T
	net        *Network
	totalNodes int
	dirs       []string
	nodes      []*raft.Node
	machines   []*booking.Machine
	opts       raft.Options
}

// MakeEnvironment return a running cluster of num nodes.
func MakeEnvironment(t *testing.T, num int, unreliable bool) *Environment {
	env := &Environment{
		t:          t,
		net:        MakeNetwork(unreliable),
		totalNodes: num,
		dirs:       make([]string, num),
		nodes:      make([]*raft.Node, num),
		machines:   make([]*booking.Machine, num),
		opts: raft.Options{
			ElectionTickMin:  ElectionTimeoutMin,
			ElectionTickMax:  ElectionTimeoutMax,
			HeartbeatTick:    HeartbeatTimeout,
			TickSize:         tickSize,
			MaxEntriesPerMsg: 64,
			RPCDeadline:      100 * time.Millisecond,
		},
	}

	base := t.TempDir()
	for i := 0; i < num; i++ {
		env.dirs[i] = filepath.Join(base, strconv.Itoa(i))
	}

	for i := 0; i < num; i++ {
		env.Start1(i)
		env.Connect(i)
	}

	return env
}

// Cleanup stop every node.
func (env *Environment) Cleanup() {
	for i := 0; i < env.totalNodes; i++ {
		if env.nodes[i] != nil {
			env.nodes[i].Stop()
		}
	}
}

func (env *Environment) ids() []uint64 {
	ids := make([]uint64, env.totalNodes)
	for i := range ids {
		ids[i] = uint64(i + 1)
	}
	return ids
}

// Start1 start or re-start one node; state comes back from its wal.
func (env *Environment) Start1(i int) {
	env.Crash1(i)

	if err := os.MkdirAll(env.dirs[i], 0777); err != nil {
		env.t.Fatalf("create wal dir: %v", err)
	}

	id := uint64(i + 1)
	machine := booking.MakeMachine(128)
	node, err := raft.MakeNode(id, env.ids(), env.opts, env.dirs[i],
		machine, env.net.Transport(id))
	if err != nil {
		env.t.Fatalf("start node %d: %v", i, err)
	}

	env.nodes[i] = node
	env.machines[i] = machine
	env.net.Register(id, node)
}

// Crash1 shut down one node but keep its persistent state.
func (env *Environment) Crash1(i int) {
	env.net.Remove(uint64(i + 1))
	if env.nodes[i] != nil {
		env.nodes[i].Stop()
		env.nodes[i] = nil
		env.machines[i] = nil
	}
}

// Connect attach node i to the network.
func (env *Environment) Connect(i int) {
	env.net.Connect(uint64(i + 1))
}

// Disconnect partition node i away.
func (env *Environment) Disconnect(i int) {
	env.net.Disconnect(uint64(i + 1))
}

// GetState return term and leadership of node i.
func (env *Environment) GetState(i int) (uint64, bool) {
	if env.nodes[i] == nil {
		return 0, false
	}
	return env.nodes[i].GetState()
}

// Machine return the booking machine of node i.
func (env *Environment) Machine(i int) *booking.Machine {
	return env.machines[i]
}

// Node return the raft node of node i.
func (env *Environment) Node(i int) *raft.Node {
	return env.nodes[i]
}

// CheckOneLeader wait until the connected part of the cluster has
// exactly one leader in its highest term, and return its index.
func (env *Environment) CheckOneLeader() int {
	for iters := 0; iters < 10; iters++ {
		sleep(ElectionTimeoutMax + 150)

		leaders := make(map[uint64][]int)
		for i := 0; i < env.totalNodes; i++ {
			if env.nodes[i] == nil || !env.net.isConnected(uint64(i+1)) {
				continue
			}
			if term, isLeader := env.GetState(i); isLeader {
				leaders[term] = append(leaders[term], i)
			}
		}

		lastTermWithLeader := uint64(0)
		for term, ids := range leaders {
			if len(ids) > 1 {
				env.t.Fatalf("term %d has %d (>1) leaders", term, len(ids))
			}
			if term > lastTermWithLeader {
				lastTermWithLeader = term
			}
		}

		if len(leaders) != 0 {
			return leaders[lastTermWithLeader][0]
		}
	}

	env.t.Fatalf("expected one leader, got none")
	return -1
}

// CheckNoLeader assert no connected node believes it leads.
func (env *Environment) CheckNoLeader() {
	for i := 0; i < env.totalNodes; i++ {
		if env.nodes[i] == nil || !env.net.isConnected(uint64(i+1)) {
			continue
		}
		if _, isLeader := env.GetState(i); isLeader {
			env.t.Fatalf("expected no leader, but %d claims to be leader", i)
		}
	}
}

// CheckTerms assert every connected node agrees on the term, and
// return it.
func (env *Environment) CheckTerms() uint64 {
	term := uint64(0)
	for i := 0; i < env.totalNodes; i++ {
		if env.nodes[i] == nil || !env.net.isConnected(uint64(i+1)) {
			continue
		}
		xterm, _ := env.GetState(i)
		if term == 0 {
			term = xterm
		} else if term != xterm {
			env.t.Fatalf("servers disagree on term: %d != %d", term, xterm)
		}
	}
	return term
}

// Submit propose one command on node i and wait for its result.
func (env *Environment) Submit(i int, cmd *booking.Command) (uint64, booking.Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	index, value, err := env.nodes[i].Submit(ctx, cmd.ClientID,
		cmd.RequestSeq, cmd.MustEncode())
	if err != nil {
		return index, booking.Result{}, err
	}
	result, _ := value.(booking.Result)
	return index, result, nil
}

// One submit a command somewhere until it commits, then wait until
// at least expectServers machines applied it. Returns the index.
func (env *Environment) One(cmd *booking.Command, expectServers int) (uint64, booking.Result) {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		for i := 0; i < env.totalNodes; i++ {
			if env.nodes[i] == nil {
				continue
			}
			index, result, err := env.Submit(i, cmd)
			if err != nil {
				continue
			}

			if env.waitApplied(index, expectServers) {
				return index, result
			}
		}
		sleep(50)
	}

	env.t.Fatalf("command %v did not commit in time", cmd)
	return 0, booking.Result{}
}

func (env *Environment) waitApplied(index uint64, expectServers int) bool {
	for iters := 0; iters < 40; iters++ {
		count := 0
		for i := 0; i < env.totalNodes; i++ {
			if env.machines[i] != nil && env.machines[i].LastApplied() >= index {
				count++
			}
		}
		if count >= expectServers {
			return true
		}
		sleep(50)
	}
	return false
}

// DefaultMovies is the catalogue most tests seed.
func DefaultMovies() []booking.MovieSpec {
	return []booking.MovieSpec{
		{ID: "m1", Title: "A", TotalSeats: 3, Price: 10},
	}
}

// SeedCmd build a SeedMovies command.
func SeedCmd(movies []booking.MovieSpec) *booking.Command {
	return &booking.Command{
		Op:        booking.OpSeedMovies,
		ApplyTime: time.Unix(1000, 0),
		Movies:    movies,
	}
}

// HoldCmd build a HoldSeats command.
func HoldCmd(client string, seq uint64, user, movie string,
	seats []int, ttl time.Duration, at time.Time) *booking.Command {
	return &booking.Command{
		Op:         booking.OpHoldSeats,
		ClientID:   client,
		RequestSeq: seq,
		ApplyTime:  at,
		UserID:     user,
		MovieID:    movie,
		Seats:      seats,
		HoldTTL:    ttl,
	}
}

// CancelCmd build a CancelBooking command.
func CancelCmd(client string, seq uint64, user, bookingID string,
	at time.Time) *booking.Command {
	return &booking.Command{
		Op:         booking.OpCancelBooking,
		ClientID:   client,
		RequestSeq: seq,
		ApplyTime:  at,
		UserID:     user,
		BookingID:  bookingID,
	}
}

// ExpireCmd build an ExpireHolds command stamped at `at`.
func ExpireCmd(at time.Time) *booking.Command {
	return &booking.Command{
		Op:        booking.OpExpireHolds,
		ApplyTime: at,
	}
}

func sleep(ms int) {
	time.Sleep(time.Duration(ms) * time.Millisecond)
}
