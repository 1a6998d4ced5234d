package booking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	raftpd "github.com/thinkermao/marquee/raft/proto"
)

var t0 = time.Unix(1700000000, 0)

func applyAt(t *testing.T, m *Machine, index uint64, cmd *Command) Result {
	t.Helper()
	entry := &raftpd.Entry{
		Index:      index,
		Term:       1,
		ClientID:   cmd.ClientID,
		RequestSeq: cmd.RequestSeq,
		Data:       cmd.MustEncode(),
	}
	result, ok := m.Apply(entry).(Result)
	require.True(t, ok, "apply must return a Result")
	return result
}

func seededMachine(t *testing.T) (*Machine, uint64) {
	t.Helper()
	m := MakeMachine(128)
	result := applyAt(t, m, 1, &Command{
		Op:        OpSeedMovies,
		ApplyTime: t0,
		Movies: []MovieSpec{
			{ID: "m1", Title: "A", TotalSeats: 3, Price: 10},
			{ID: "m2", Title: "B", TotalSeats: 2, Price: 12, Showtime: "19:00"},
		},
	})
	require.Equal(t, CodeOK, result.Code)
	return m, 1
}

func holdCmd(client string, seq uint64, user string, seats []int) *Command {
	return &Command{
		Op:         OpHoldSeats,
		ClientID:   client,
		RequestSeq: seq,
		ApplyTime:  t0,
		UserID:     user,
		MovieID:    "m1",
		Seats:      seats,
		HoldTTL:    5 * time.Minute,
	}
}

func TestMachine_SeedOnlyOnce(t *testing.T) {
	m, index := seededMachine(t)

	result := applyAt(t, m, index+1, &Command{
		Op:        OpSeedMovies,
		ApplyTime: t0,
		Movies:    []MovieSpec{{ID: "m9", Title: "X", TotalSeats: 1, Price: 1}},
	})
	assert.Equal(t, CodeOK, result.Code)

	views := m.Movies()
	require.Len(t, views, 2)
	assert.Equal(t, "m1", views[0].ID)
	assert.Equal(t, 3, views[0].AvailableSeats)
}

func TestMachine_HoldSeats(t *testing.T) {
	m, index := seededMachine(t)

	result := applyAt(t, m, index+1, holdCmd("c1", 1, "u1", []int{1, 2}))
	require.Equal(t, CodeOK, result.Code)
	assert.Equal(t, "BK000001", result.BookingID)
	assert.Equal(t, 20.0, result.Total)

	seat, ok := m.SeatAt("m1", 1)
	require.True(t, ok)
	assert.Equal(t, SeatHeld, seat.Status)
	assert.Equal(t, "u1", seat.Holder)
	assert.Equal(t, t0.Add(5*time.Minute), seat.ExpiresAt)

	free, _ := m.AvailableSeats("m1")
	assert.Equal(t, []int{3}, free)

	bk, ok := m.GetBooking("BK000001")
	require.True(t, ok)
	assert.Equal(t, BookingPending, bk.State)
	assert.Equal(t, []int{1, 2}, bk.Seats)
}

func TestMachine_HoldSeatsAtomic(t *testing.T) {
	m, index := seededMachine(t)

	applyAt(t, m, index+1, holdCmd("c1", 1, "u1", []int{2}))

	// one of the requested seats is taken: nothing changes.
	result := applyAt(t, m, index+2, holdCmd("c2", 1, "u2", []int{1, 2}))
	assert.Equal(t, CodeSeatUnavailable, result.Code)

	seat, _ := m.SeatAt("m1", 1)
	assert.Equal(t, SeatAvailable, seat.Status)
	assert.Len(t, m.BookingsOf("u2"), 0)
}

func TestMachine_HoldRejections(t *testing.T) {
	m, index := seededMachine(t)

	tests := []struct {
		name string
		cmd  *Command
		want Code
	}{
		{"unknown movie", &Command{Op: OpHoldSeats, ClientID: "c1",
			RequestSeq: 1, ApplyTime: t0, UserID: "u1", MovieID: "mX",
			Seats: []int{1}}, CodeNotFound},
		{"seat out of range", holdCmd("c2", 1, "u1", []int{4}), CodeSeatUnavailable},
		{"no seats", holdCmd("c3", 1, "u1", nil), CodeSeatUnavailable},
	}

	for i, tt := range tests {
		result := applyAt(t, m, index+uint64(i)+1, tt.cmd)
		assert.Equal(t, tt.want, result.Code, tt.name)
	}
}

func TestMachine_ConfirmPayment(t *testing.T) {
	m, index := seededMachine(t)
	hold := applyAt(t, m, index+1, holdCmd("c1", 1, "u1", []int{1}))

	result := applyAt(t, m, index+2, &Command{
		Op:         OpConfirmPayment,
		ClientID:   "c1",
		RequestSeq: 2,
		ApplyTime:  t0.Add(time.Minute),
		BookingID:  hold.BookingID,
		Method:     "card",
	})
	require.Equal(t, CodeOK, result.Code)
	require.NotNil(t, result.Payment)
	assert.Equal(t, "PAY000001", result.Payment.ID)
	assert.Equal(t, 10.0, result.Payment.Amount)
	assert.Equal(t, "card", result.Payment.Method)

	seat, _ := m.SeatAt("m1", 1)
	assert.Equal(t, SeatBooked, seat.Status)
	bk, _ := m.GetBooking(hold.BookingID)
	assert.Equal(t, BookingPaid, bk.State)

	// paying twice is NotPending.
	again := applyAt(t, m, index+3, &Command{
		Op: OpConfirmPayment, ClientID: "c1", RequestSeq: 3,
		ApplyTime: t0.Add(time.Minute), BookingID: hold.BookingID,
	})
	assert.Equal(t, CodeNotPending, again.Code)
}

func TestMachine_ConfirmPaymentExpired(t *testing.T) {
	m, index := seededMachine(t)
	hold := applyAt(t, m, index+1, holdCmd("c1", 1, "u1", []int{1}))

	result := applyAt(t, m, index+2, &Command{
		Op: OpConfirmPayment, ClientID: "c1", RequestSeq: 2,
		ApplyTime: t0.Add(6 * time.Minute), BookingID: hold.BookingID,
	})
	assert.Equal(t, CodeExpired, result.Code)

	bk, _ := m.GetBooking(hold.BookingID)
	assert.Equal(t, BookingPending, bk.State)
}

func TestMachine_CancelBooking(t *testing.T) {
	m, index := seededMachine(t)
	hold := applyAt(t, m, index+1, holdCmd("c1", 1, "u1", []int{1, 2}))

	// not the owner.
	result := applyAt(t, m, index+2, &Command{
		Op: OpCancelBooking, ClientID: "c2", RequestSeq: 1,
		ApplyTime: t0, UserID: "u2", BookingID: hold.BookingID,
	})
	assert.Equal(t, CodeNotOwner, result.Code)

	// pending cancels with no refund.
	result = applyAt(t, m, index+3, &Command{
		Op: OpCancelBooking, ClientID: "c1", RequestSeq: 2,
		ApplyTime: t0, UserID: "u1", BookingID: hold.BookingID,
	})
	require.Equal(t, CodeOK, result.Code)
	assert.Equal(t, 0.0, result.Refund)

	for no := 1; no <= 2; no++ {
		seat, _ := m.SeatAt("m1", no)
		assert.Equal(t, SeatAvailable, seat.Status)
		assert.Empty(t, seat.Holder)
	}

	// cancelling twice is NotCancellable.
	result = applyAt(t, m, index+4, &Command{
		Op: OpCancelBooking, ClientID: "c1", RequestSeq: 3,
		ApplyTime: t0, UserID: "u1", BookingID: hold.BookingID,
	})
	assert.Equal(t, CodeNotCancellable, result.Code)
}

func TestMachine_CancelPaidRefunds(t *testing.T) {
	m, index := seededMachine(t)
	hold := applyAt(t, m, index+1, holdCmd("c1", 1, "u1", []int{1, 2}))
	applyAt(t, m, index+2, &Command{
		Op: OpConfirmPayment, ClientID: "c1", RequestSeq: 2,
		ApplyTime: t0, BookingID: hold.BookingID, Method: "card",
	})

	result := applyAt(t, m, index+3, &Command{
		Op: OpCancelBooking, ClientID: "c1", RequestSeq: 3,
		ApplyTime: t0, UserID: "u1", BookingID: hold.BookingID,
	})
	require.Equal(t, CodeOK, result.Code)
	assert.Equal(t, 20.0, result.Refund)

	seat, _ := m.SeatAt("m1", 1)
	assert.Equal(t, SeatAvailable, seat.Status)
}

func TestMachine_ExpireHolds(t *testing.T) {
	m, index := seededMachine(t)
	first := applyAt(t, m, index+1, holdCmd("c1", 1, "u1", []int{1}))

	late := &Command{
		Op: OpHoldSeats, ClientID: "c2", RequestSeq: 1,
		ApplyTime: t0.Add(4 * time.Minute), UserID: "u2",
		MovieID: "m1", Seats: []int{2}, HoldTTL: 5 * time.Minute,
	}
	second := applyAt(t, m, index+2, late)

	// sweep at t0+6m: only the first hold is past its deadline.
	result := applyAt(t, m, index+3, &Command{
		Op: OpExpireHolds, ApplyTime: t0.Add(6 * time.Minute),
	})
	require.Equal(t, CodeOK, result.Code)

	bk1, _ := m.GetBooking(first.BookingID)
	assert.Equal(t, BookingCancelled, bk1.State)
	seat1, _ := m.SeatAt("m1", 1)
	assert.Equal(t, SeatAvailable, seat1.Status)

	bk2, _ := m.GetBooking(second.BookingID)
	assert.Equal(t, BookingPending, bk2.State)
	seat2, _ := m.SeatAt("m1", 2)
	assert.Equal(t, SeatHeld, seat2.Status)
}

func TestMachine_IdempotentReplay(t *testing.T) {
	m, index := seededMachine(t)

	cmd := holdCmd("c1", 7, "u1", []int{1})
	first := applyAt(t, m, index+1, cmd)
	require.Equal(t, CodeOK, first.Code)

	// the raft log can deliver a client retry as a second entry; the
	// applied cache answers it without re-executing.
	replay := applyAt(t, m, index+2, cmd)
	assert.Equal(t, first, replay)

	assert.Len(t, m.BookingsOf("u1"), 1)
	free, _ := m.AvailableSeats("m1")
	assert.Equal(t, []int{2, 3}, free)
	assert.Equal(t, index+2, m.LastApplied())
}

func TestMachine_NextExpiry(t *testing.T) {
	m, index := seededMachine(t)

	if _, ok := m.NextExpiry(); ok {
		t.Fatalf("empty machine has no expiry")
	}

	applyAt(t, m, index+1, holdCmd("c1", 1, "u1", []int{1}))
	next, ok := m.NextExpiry()
	require.True(t, ok)
	assert.Equal(t, t0.Add(5*time.Minute), next)
}
