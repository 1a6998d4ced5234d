package booking

import (
	"encoding/gob"
	"fmt"
	"time"

	"github.com/thinkermao/marquee/utils/pd"
)

// Op enumerates the state machine commands.
type Op int

const (
	OpSeedMovies Op = iota
	OpHoldSeats
	OpConfirmPayment
	OpCancelBooking
	OpExpireHolds
)

var opString = []string{
	"SeedMovies",
	"HoldSeats",
	"ConfirmPayment",
	"CancelBooking",
	"ExpireHolds",
}

func (op Op) String() string {
	return opString[op]
}

// MovieSpec seeds one movie of the immutable catalogue.
type MovieSpec struct {
	ID         string
	Title      string
	TotalSeats int
	Price      float64
	Showtime   string
}

// Command is the single wire form of every state machine operation.
// ApplyTime is stamped by the proposing leader; replicas must never
// read local clocks while applying, so all of them expire holds and
// timestamp bookings identically.
type Command struct {
	Op         Op
	ClientID   string
	RequestSeq uint64
	ApplyTime  time.Time

	Movies []MovieSpec // SeedMovies

	UserID  string        // HoldSeats, CancelBooking
	MovieID string        // HoldSeats
	Seats   []int         // HoldSeats
	HoldTTL time.Duration // HoldSeats

	BookingID string // ConfirmPayment, CancelBooking
	Method    string // ConfirmPayment
}

func (c *Command) Reset() { *c = Command{} }

func (c Command) String() string {
	return fmt.Sprintf("booking.Command{%v, client: %s, seq: %d}",
		c.Op, c.ClientID, c.RequestSeq)
}

// Encode serialize the command for the raft log.
func (c *Command) Encode() ([]byte, error) {
	return pd.Marshal(c)
}

// MustEncode is Encode for commands built from validated input.
func (c *Command) MustEncode() []byte {
	return pd.MustMarshal(c)
}

// DecodeCommand deserialize an entry payload.
func DecodeCommand(data []byte) (*Command, error) {
	cmd := &Command{}
	if err := pd.Unmarshal(cmd, data); err != nil {
		return nil, err
	}
	return cmd, nil
}

// Code classifies a command outcome.
type Code int

const (
	CodeOK Code = iota
	CodeSeatUnavailable
	CodeNotFound
	CodeNotPending
	CodeExpired
	CodeNotOwner
	CodeNotCancellable
)

var codeString = []string{
	"OK",
	"SeatUnavailable",
	"NotFound",
	"NotPending",
	"Expired",
	"NotOwner",
	"NotCancellable",
}

func (code Code) String() string {
	return codeString[code]
}

// Result is what a command evaluates to. Results are cached by
// (ClientID, RequestSeq) so a replayed command answers identically
// without side effects.
type Result struct {
	Code      Code
	BookingID string
	Total     float64
	Refund    float64
	Payment   *Payment
}

func (r *Result) Reset() { *r = Result{} }

func init() {
	gob.Register(Command{})
	gob.Register(Result{})
}
