package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/thinkermao/marquee/booking"
	"github.com/thinkermao/marquee/raft"
)

// Server is the client-facing front of one replica: it
// authenticates, turns writes into deterministic commands proposed
// through raft, serves reads from the local state machine, and
// answers NOT_LEADER with a hint when it is not the leader.
type Server struct {
	node    *raft.Node
	machine *booking.Machine

	auth      *Authenticator
	assistant *Assistant

	// leader hints: raft node id to client-facing address.
	peerAddrs map[uint64]string

	proposeTimeout time.Duration
	holdTTL        time.Duration
	seed           []booking.MovieSpec

	// clock stamps ApplyTime into proposed commands. Replicas never
	// read clocks while applying.
	clock func() time.Time

	stopCh chan struct{}
}

// NewServer wire the front to a node and its local machine.
func NewServer(
	node *raft.Node,
	machine *booking.Machine,
	auth *Authenticator,
	assistant *Assistant,
	peerAddrs map[uint64]string,
	proposeTimeout, holdTTL time.Duration,
	seed []booking.MovieSpec) *Server {

	return &Server{
		node:           node,
		machine:        machine,
		auth:           auth,
		assistant:      assistant,
		peerAddrs:      peerAddrs,
		proposeTimeout: proposeTimeout,
		holdTTL:        holdTTL,
		seed:           seed,
		clock:          time.Now,
		stopCh:         make(chan struct{}),
	}
}

// Start launch the background proposers: catalogue seeding and the
// periodic hold-expiry sweep.
func (s *Server) Start() {
	go s.seedLoop()
	go s.expireLoop()
}

// Stop end the background proposers.
func (s *Server) Stop() {
	close(s.stopCh)
}

// RegisterHandlers attach the client RPC surface to mux.
func (s *Server) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("POST /logout", s.handleLogout)
	mux.HandleFunc("GET /movies", s.handleMovies)
	mux.HandleFunc("GET /movies/{id}/seats", s.handleSeats)
	mux.HandleFunc("POST /book", s.handleBook)
	mux.HandleFunc("POST /pay", s.handlePay)
	mux.HandleFunc("GET /bookings", s.handleBookings)
	mux.HandleFunc("POST /cancel", s.handleCancel)
	mux.HandleFunc("POST /chat", s.handleChat)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInternal, err.Error(), "")
		return
	}

	token, expiresAt, err := s.auth.Authenticate(req.User, req.Pass)
	if err != nil {
		log.Debugf("login rejected for %q", req.User)
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "invalid credentials", "")
		return
	}

	writeJSON(w, http.StatusOK, LoginResponse{Token: token, ExpiresAt: expiresAt})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		var req LogoutRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			token = req.Token
		}
	}
	if token != "" {
		s.auth.Revoke(token)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMovies(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}

	views := s.machine.Movies()
	items := make([]MovieItem, 0, len(views))
	for _, view := range views {
		items = append(items, MovieItem{
			ID:             view.ID,
			Title:          view.Title,
			TotalSeats:     view.TotalSeats,
			AvailableSeats: view.AvailableSeats,
			Price:          view.Price,
			Showtime:       view.Showtime,
		})
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleSeats(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}

	movieID := r.PathValue("id")
	seats, ok := s.machine.AvailableSeats(movieID)
	if !ok {
		writeError(w, http.StatusNotFound, CodeNotFound, "no such movie", "")
		return
	}
	writeJSON(w, http.StatusOK, SeatsResponse{MovieID: movieID, AvailableSeats: seats})
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	user, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req BookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInternal, err.Error(), "")
		return
	}

	cmd := &booking.Command{
		Op:         booking.OpHoldSeats,
		ClientID:   req.ClientID,
		RequestSeq: req.RequestSeq,
		ApplyTime:  s.clock(),
		UserID:     user,
		MovieID:    req.MovieID,
		Seats:      req.Seats,
		HoldTTL:    s.holdTTL,
	}

	result, index, ok := s.submit(w, r, cmd)
	if !ok {
		return
	}
	if result.Code != booking.CodeOK {
		s.writeResultError(w, result)
		return
	}

	writeJSON(w, http.StatusOK, BookResponse{
		BookingID:    result.BookingID,
		Total:        result.Total,
		AppliedIndex: index,
	})
}

func (s *Server) handlePay(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}

	var req PayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInternal, err.Error(), "")
		return
	}

	cmd := &booking.Command{
		Op:         booking.OpConfirmPayment,
		ClientID:   req.ClientID,
		RequestSeq: req.RequestSeq,
		ApplyTime:  s.clock(),
		BookingID:  req.BookingID,
		Method:     req.Method,
	}

	result, index, ok := s.submit(w, r, cmd)
	if !ok {
		return
	}
	if result.Code != booking.CodeOK {
		s.writeResultError(w, result)
		return
	}

	writeJSON(w, http.StatusOK, PayResponse{
		PaymentID:    result.Payment.ID,
		Amount:       result.Payment.Amount,
		AppliedIndex: index,
	})
}

func (s *Server) handleBookings(w http.ResponseWriter, r *http.Request) {
	user, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	bookings := s.machine.BookingsOf(user)
	items := make([]BookingItem, 0, len(bookings))
	for _, bk := range bookings {
		items = append(items, BookingItem{
			ID:        bk.ID,
			MovieID:   bk.MovieID,
			Seats:     bk.Seats,
			Total:     bk.Total,
			State:     bk.State.String(),
			CreatedAt: bk.CreatedAt,
			ExpiresAt: bk.ExpiresAt,
		})
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	user, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInternal, err.Error(), "")
		return
	}

	cmd := &booking.Command{
		Op:         booking.OpCancelBooking,
		ClientID:   req.ClientID,
		RequestSeq: req.RequestSeq,
		ApplyTime:  s.clock(),
		UserID:     user,
		BookingID:  req.BookingID,
	}

	result, index, ok := s.submit(w, r, cmd)
	if !ok {
		return
	}
	if result.Code != booking.CodeOK {
		s.writeResultError(w, result)
		return
	}

	writeJSON(w, http.StatusOK, CancelResponse{
		Refund:       result.Refund,
		AppliedIndex: index,
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	user, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if s.assistant == nil {
		writeError(w, http.StatusServiceUnavailable, CodeInternal,
			"assistant not configured", "")
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInternal, err.Error(), "")
		return
	}

	answer, err := s.assistant.Chat(r.Context(), uuid.NewString(),
		req.Prompt, s.contextFor(user))
	if err != nil {
		log.Warnf("assistant call failed: %v", err)
		writeError(w, http.StatusBadGateway, CodeInternal,
			"assistant unavailable", "")
		return
	}

	writeJSON(w, http.StatusOK, ChatResponse{Answer: answer})
}

// submit propose cmd and wait for it to apply. On failure the error
// response is already written and ok is false.
func (s *Server) submit(w http.ResponseWriter, r *http.Request,
	cmd *booking.Command) (booking.Result, uint64, bool) {
	data, err := cmd.Encode()
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error(), "")
		return booking.Result{}, 0, false
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.proposeTimeout)
	defer cancel()

	index, value, err := s.node.Submit(ctx, cmd.ClientID, cmd.RequestSeq, data)
	if err != nil {
		s.writeSubmitError(w, err)
		return booking.Result{}, 0, false
	}

	result, ok := value.(booking.Result)
	if !ok {
		writeError(w, http.StatusInternalServerError, CodeInternal,
			"unexpected apply result", "")
		return booking.Result{}, 0, false
	}
	return result, index, true
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	if hint, ok := raft.IsNotLeader(err); ok {
		writeError(w, http.StatusMisdirectedRequest, CodeNotLeader,
			"not the leader", s.peerAddrs[hint])
		return
	}

	switch {
	case errors.Is(err, raft.ErrLeadershipLost):
		writeError(w, http.StatusServiceUnavailable, CodeLeadershipLost,
			"leadership lost before commit", "")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, CodeTimeout,
			"proposal timed out", "")
	case errors.Is(err, raft.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, CodeShuttingDown,
			"node is shutting down", "")
	default:
		writeError(w, http.StatusInternalServerError, CodeInternal,
			err.Error(), "")
	}
}

func (s *Server) writeResultError(w http.ResponseWriter, result booking.Result) {
	switch result.Code {
	case booking.CodeSeatUnavailable:
		writeError(w, http.StatusConflict, CodeSeatUnavailable,
			"requested seats are not available", "")
	case booking.CodeNotFound:
		writeError(w, http.StatusNotFound, CodeNotFound, "no such booking", "")
	case booking.CodeNotPending:
		writeError(w, http.StatusConflict, CodeNotPending,
			"booking is not pending", "")
	case booking.CodeExpired:
		writeError(w, http.StatusGone, CodeExpired, "hold expired", "")
	case booking.CodeNotOwner:
		writeError(w, http.StatusForbidden, CodeNotOwner,
			"booking belongs to another user", "")
	case booking.CodeNotCancellable:
		writeError(w, http.StatusConflict, CodeNotCancellable,
			"booking cannot be cancelled", "")
	default:
		writeError(w, http.StatusInternalServerError, CodeInternal,
			result.Code.String(), "")
	}
}

// authenticate resolve the caller or write UNAUTHORIZED.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "missing token", "")
		return "", false
	}

	user, err := s.auth.Validate(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized,
			"invalid or expired token", "")
		return "", false
	}
	return user, true
}

// contextFor assemble the system-state block handed to the
// assistant along with the prompt.
func (s *Server) contextFor(user string) string {
	var b strings.Builder
	b.WriteString("Movies:\n")
	for _, movie := range s.machine.Movies() {
		b.WriteString("- ")
		b.WriteString(movie.Title)
		b.WriteString("\n")
	}
	b.WriteString("Your bookings:\n")
	for _, bk := range s.machine.BookingsOf(user) {
		b.WriteString("- ")
		b.WriteString(bk.ID)
		b.WriteString(" (")
		b.WriteString(bk.State.String())
		b.WriteString(")\n")
	}
	return b.String()
}

// seedLoop propose the catalogue until some leader applies it.
// SeedMovies only touches an empty store, so duplicates are no-ops.
func (s *Server) seedLoop() {
	if len(s.seed) == 0 {
		return
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.machine.Seeded() {
				return
			}
			if !s.node.IsLeader() {
				continue
			}

			cmd := &booking.Command{
				Op:        booking.OpSeedMovies,
				ApplyTime: s.clock(),
				Movies:    s.seed,
			}
			s.proposeInternal(cmd)
		}
	}
}

// expireLoop is the leader-side sweeper: when a pending hold is past
// its deadline, propose ExpireHolds so every replica releases it at
// the same stamped time.
func (s *Server) expireLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.node.IsLeader() {
				continue
			}
			next, ok := s.machine.NextExpiry()
			now := s.clock()
			if !ok || now.Before(next) {
				continue
			}

			cmd := &booking.Command{
				Op:        booking.OpExpireHolds,
				ApplyTime: now,
			}
			s.proposeInternal(cmd)
		}
	}
}

func (s *Server) proposeInternal(cmd *booking.Command) {
	data, err := cmd.Encode()
	if err != nil {
		log.Errorf("encode %v: %v", cmd.Op, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.proposeTimeout)
	defer cancel()

	if _, _, err := s.node.Submit(ctx, "", 0, data); err != nil {
		log.Debugf("internal proposal %v failed: %v", cmd.Op, err)
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(auth, prefix) {
		return auth[len(prefix):]
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Errorf("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message, hint string) {
	writeJSON(w, status, ErrorBody{Code: code, Message: message, LeaderHint: hint})
}
