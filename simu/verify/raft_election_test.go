package verify

import (
	"fmt"
	"testing"

	"github.com/thinkermao/marquee/simu"
)

func TestRaft_InitialElection(t *testing.T) {
	servers := 3
	env := simu.MakeEnvironment(t, servers, false)
	defer env.Cleanup()

	fmt.Printf("Test: initial election ...\n")

	// is a leader elected?
	env.CheckOneLeader()

	// does the leader+term stay the same if there is no network failure?
	term1 := env.CheckTerms()
	sleep(3 * simu.ElectionTimeoutMax)
	term2 := env.CheckTerms()
	if term1 != term2 {
		fmt.Printf("warning: term changed even though there were no failures")
	}

	fmt.Printf("  ... Passed\n")
}

func TestRaft_ReElection(t *testing.T) {
	servers := 3
	env := simu.MakeEnvironment(t, servers, false)
	defer env.Cleanup()

	fmt.Printf("Test: election after network failure ...\n")

	leader1 := env.CheckOneLeader()

	// if the leader disconnects, a new one should be elected.
	env.Disconnect(leader1)
	leader2 := env.CheckOneLeader()

	// if the old leader rejoins, that shouldn't disturb the new leader.
	env.Connect(leader1)
	sleep(3 * simu.HeartbeatTimeout)
	if leader := env.CheckOneLeader(); leader != leader2 {
		t.Fatal("old leader rejoins, but leader changed from ",
			leader2, " to ", leader)
	}
	if _, isLeader := env.GetState(leader1); isLeader {
		t.Fatal("old leader should lost leadership because expired term")
	}

	// if there's no quorum, no leader should be elected.
	env.Disconnect(leader2)
	env.Disconnect((leader2 + 1) % servers)
	sleep(3 * simu.ElectionTimeoutMax)
	env.CheckNoLeader()

	// if a quorum arises, it should elect a leader.
	env.Connect((leader2 + 1) % servers)
	env.CheckOneLeader()

	// re-join of last node shouldn't prevent leader from existing.
	env.Connect(leader2)
	env.CheckOneLeader()

	fmt.Printf("  ... Passed\n")
}

func TestRaft_LeaderTermMonotonic(t *testing.T) {
	servers := 3
	env := simu.MakeEnvironment(t, servers, false)
	defer env.Cleanup()

	fmt.Printf("Test: terms move forward across elections ...\n")

	leader := env.CheckOneLeader()
	term1 := env.CheckTerms()

	env.Disconnect(leader)
	env.CheckOneLeader()
	env.Connect(leader)
	sleep(3 * simu.HeartbeatTimeout)

	term2 := env.CheckTerms()
	if term2 <= term1 {
		t.Fatalf("term did not advance after re-election: %d -> %d", term1, term2)
	}

	fmt.Printf("  ... Passed\n")
}
