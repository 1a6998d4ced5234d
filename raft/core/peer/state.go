package peer

// VoteState records what a peer answered to the current candidacy.
type VoteState int

const (
	VoteNone VoteState = iota
	VoteGranted
	VoteReject
)

var voteStateString = []string{
	"None",
	"Granted",
	"Reject",
}

func (state VoteState) String() string {
	return voteStateString[state]
}
