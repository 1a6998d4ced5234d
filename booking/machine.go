package booking

import (
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
	raftpd "github.com/thinkermao/marquee/raft/proto"
)

// SeatStatus is the lifecycle of one seat row.
type SeatStatus int

const (
	SeatAvailable SeatStatus = iota
	SeatHeld
	SeatBooked
)

var seatStatusString = []string{
	"Available",
	"Held",
	"Booked",
}

func (s SeatStatus) String() string {
	return seatStatusString[s]
}

// BookingState is the lifecycle of a booking.
type BookingState int

const (
	BookingPending BookingState = iota
	BookingPaid
	BookingCancelled
)

var bookingStateString = []string{
	"Pending",
	"Paid",
	"Cancelled",
}

func (s BookingState) String() string {
	return bookingStateString[s]
}

// Movie is one row of the immutable catalogue.
type Movie struct {
	ID         string
	Title      string
	TotalSeats int
	Price      float64
	Showtime   string
}

// Seat is one row per movie seat.
type Seat struct {
	MovieID   string
	No        int
	Status    SeatStatus
	Holder    string
	ExpiresAt time.Time
}

// Booking ties a user to held or booked seats.
type Booking struct {
	ID        string
	UserID    string
	MovieID   string
	Seats     []int
	Total     float64
	State     BookingState
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Payment is one ledger row, created on confirmation.
type Payment struct {
	ID        string
	BookingID string
	Method    string
	Amount    float64
	At        time.Time
}

type appliedKey struct {
	ClientID   string
	RequestSeq uint64
}

// Machine is the deterministic booking state machine. It is
// single-writer: exactly one apply worker calls Apply, strictly in
// log index order; readers take snapshots under the read lock.
type Machine struct {
	mu sync.RWMutex

	order        []string
	movies       map[string]*Movie
	seats        map[string][]Seat // seat no-1 at position 0
	bookings     map[string]*Booking
	userBookings map[string][]string
	payments     map[string]*Payment

	bookingSeq uint64
	paymentSeq uint64

	lastApplied uint64
	applied     *lru.Cache[appliedKey, Result]
}

// MakeMachine build an empty machine whose idempotency cache holds at
// most cacheSize results.
func MakeMachine(cacheSize int) *Machine {
	applied, err := lru.New[appliedKey, Result](cacheSize)
	if err != nil {
		log.Panicf("make applied cache: %v", err)
	}

	return &Machine{
		movies:       make(map[string]*Movie),
		seats:        make(map[string][]Seat),
		bookings:     make(map[string]*Booking),
		userBookings: make(map[string][]string),
		payments:     make(map[string]*Payment),
		applied:      applied,
	}
}

// Apply consume one committed entry. It implements raft.Application;
// the returned value is always a Result.
func (m *Machine) Apply(entry *raftpd.Entry) interface{} {
	cmd, err := DecodeCommand(entry.Data)
	if err != nil {
		log.Errorf("apply %d: undecodable command: %v", entry.Index, err)
		return Result{Code: CodeNotFound}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := appliedKey{ClientID: cmd.ClientID, RequestSeq: cmd.RequestSeq}
	if cmd.ClientID != "" {
		if cached, ok := m.applied.Get(key); ok {
			log.Debugf("apply %d: replay of (%s, %d), cached result",
				entry.Index, cmd.ClientID, cmd.RequestSeq)
			m.lastApplied = entry.Index
			return cached
		}
	}

	var result Result
	switch cmd.Op {
	case OpSeedMovies:
		result = m.seedMovies(cmd)
	case OpHoldSeats:
		result = m.holdSeats(cmd)
	case OpConfirmPayment:
		result = m.confirmPayment(cmd)
	case OpCancelBooking:
		result = m.cancelBooking(cmd)
	case OpExpireHolds:
		result = m.expireHolds(cmd)
	default:
		log.Errorf("apply %d: unknown op %d", entry.Index, cmd.Op)
		result = Result{Code: CodeNotFound}
	}

	if cmd.ClientID != "" {
		m.applied.Add(key, result)
	}
	m.lastApplied = entry.Index

	return result
}

// seedMovies populate the catalogue; only applied to an empty store,
// so replays and re-proposals are harmless.
func (m *Machine) seedMovies(cmd *Command) Result {
	if len(m.movies) != 0 {
		return Result{Code: CodeOK}
	}

	for _, spec := range cmd.Movies {
		movie := &Movie{
			ID:         spec.ID,
			Title:      spec.Title,
			TotalSeats: spec.TotalSeats,
			Price:      spec.Price,
			Showtime:   spec.Showtime,
		}
		m.order = append(m.order, spec.ID)
		m.movies[spec.ID] = movie

		seats := make([]Seat, spec.TotalSeats)
		for i := range seats {
			seats[i] = Seat{MovieID: spec.ID, No: i + 1}
		}
		m.seats[spec.ID] = seats
	}

	log.Infof("seeded %d movies", len(cmd.Movies))
	return Result{Code: CodeOK}
}

// holdSeats is atomic: either every requested seat becomes held by
// the user, or nothing changes.
func (m *Machine) holdSeats(cmd *Command) Result {
	movie, ok := m.movies[cmd.MovieID]
	if !ok {
		return Result{Code: CodeNotFound}
	}

	seats := m.seats[cmd.MovieID]
	for _, no := range cmd.Seats {
		if no < 1 || no > movie.TotalSeats {
			return Result{Code: CodeSeatUnavailable}
		}
		if seats[no-1].Status != SeatAvailable {
			return Result{Code: CodeSeatUnavailable}
		}
	}
	if len(cmd.Seats) == 0 {
		return Result{Code: CodeSeatUnavailable}
	}

	expiresAt := cmd.ApplyTime.Add(cmd.HoldTTL)
	m.bookingSeq++
	id := fmt.Sprintf("BK%06d", m.bookingSeq)

	for _, no := range cmd.Seats {
		seat := &seats[no-1]
		seat.Status = SeatHeld
		seat.Holder = cmd.UserID
		seat.ExpiresAt = expiresAt
	}

	total := movie.Price * float64(len(cmd.Seats))
	bk := &Booking{
		ID:        id,
		UserID:    cmd.UserID,
		MovieID:   cmd.MovieID,
		Seats:     append([]int(nil), cmd.Seats...),
		Total:     total,
		State:     BookingPending,
		CreatedAt: cmd.ApplyTime,
		ExpiresAt: expiresAt,
	}
	m.bookings[id] = bk
	m.userBookings[cmd.UserID] = append(m.userBookings[cmd.UserID], id)

	log.Debugf("hold %v of %s for %s as %s, total %.2f",
		cmd.Seats, cmd.MovieID, cmd.UserID, id, total)

	return Result{Code: CodeOK, BookingID: id, Total: total}
}

func (m *Machine) confirmPayment(cmd *Command) Result {
	bk, ok := m.bookings[cmd.BookingID]
	if !ok {
		return Result{Code: CodeNotFound}
	}
	if bk.State != BookingPending {
		return Result{Code: CodeNotPending, BookingID: bk.ID}
	}
	if cmd.ApplyTime.After(bk.ExpiresAt) {
		return Result{Code: CodeExpired, BookingID: bk.ID}
	}

	seats := m.seats[bk.MovieID]
	for _, no := range bk.Seats {
		seat := &seats[no-1]
		seat.Status = SeatBooked
		seat.ExpiresAt = time.Time{}
	}
	bk.State = BookingPaid

	m.paymentSeq++
	payment := &Payment{
		ID:        fmt.Sprintf("PAY%06d", m.paymentSeq),
		BookingID: bk.ID,
		Method:    cmd.Method,
		Amount:    bk.Total,
		At:        cmd.ApplyTime,
	}
	m.payments[payment.ID] = payment

	log.Debugf("payment %s confirmed %s via %s", payment.ID, bk.ID, cmd.Method)

	confirmation := *payment
	return Result{Code: CodeOK, BookingID: bk.ID,
		Total: bk.Total, Payment: &confirmation}
}

func (m *Machine) cancelBooking(cmd *Command) Result {
	bk, ok := m.bookings[cmd.BookingID]
	if !ok {
		return Result{Code: CodeNotFound}
	}
	if bk.UserID != cmd.UserID {
		return Result{Code: CodeNotOwner, BookingID: bk.ID}
	}
	if bk.State == BookingCancelled {
		return Result{Code: CodeNotCancellable, BookingID: bk.ID}
	}

	refund := 0.0
	if bk.State == BookingPaid {
		refund = bk.Total
	}

	m.releaseSeats(bk)
	bk.State = BookingCancelled

	log.Debugf("cancelled %s, refund %.2f", bk.ID, refund)

	return Result{Code: CodeOK, BookingID: bk.ID, Refund: refund}
}

// expireHolds release every hold whose deadline passed at the
// leader-stamped time, cancelling its pending booking. Bookings are
// visited in id order so replicas stay in lockstep.
func (m *Machine) expireHolds(cmd *Command) Result {
	ids := make([]string, 0)
	for id, bk := range m.bookings {
		if bk.State == BookingPending && cmd.ApplyTime.After(bk.ExpiresAt) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		bk := m.bookings[id]
		m.releaseSeats(bk)
		bk.State = BookingCancelled
		log.Debugf("hold %s expired", id)
	}

	return Result{Code: CodeOK}
}

// releaseSeats free the seats a booking still holds. Booked seats of
// a paid booking are freed too when that booking is cancelled.
func (m *Machine) releaseSeats(bk *Booking) {
	seats := m.seats[bk.MovieID]
	for _, no := range bk.Seats {
		seat := &seats[no-1]
		seat.Status = SeatAvailable
		seat.Holder = ""
		seat.ExpiresAt = time.Time{}
	}
}
