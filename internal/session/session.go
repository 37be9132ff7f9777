// Package session owns the client-side mirror of one user's presence in
// one room: the websocket connection, the round state machine and the
// roster. All shared state enters through events decoded off the
// connection; the server stays the source of truth and the session never
// merges, only replaces.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/Hydoc/estimation-poker/internal/directory"
	"github.com/Hydoc/estimation-poker/internal/transport"
	"github.com/Hydoc/estimation-poker/internal/wire"
)

// RoundState is the lifecycle of an estimation round.
type RoundState string

const (
	RoundWaiting    RoundState = "waiting"
	RoundInProgress RoundState = "in-progress"
	RoundEnd        RoundState = "end"
)

// ErrNotConnected is returned when a command is sent without an open
// connection. This is a programming error, not a recoverable condition.
var ErrNotConnected = errors.New("can not send message without a connection")

// Directory is the subset of the room directory API the session needs
// for event-driven re-fetches.
type Directory interface {
	Users(ctx context.Context, roomID string) ([]directory.User, error)
	RoomState(ctx context.Context, roomID string) (directory.RoomState, error)
	Permissions(ctx context.Context, roomID, name string) (directory.Permissions, error)
}

// Session is the realtime context of one user in one room. It holds at
// most one live connection; Connect on a live session tears the old
// connection down first.
type Session struct {
	baseURL   string
	dialer    transport.Dialer
	directory Directory
	log       *log.Logger

	mu           sync.RWMutex
	conn         transport.Conn
	username     string
	role         wire.Role
	roomID       string
	roundState   RoundState
	ticket       string
	ownGuess     int
	didSkip      bool
	revealed     []wire.RevealedGuess
	usersInRoom  []directory.User
	roomIsLocked bool
	permissions  directory.Permissions

	updates chan struct{}
}

// New returns a new instance of Session.
func New(baseURL string, dialer transport.Dialer, dir Directory, l *log.Logger) *Session {
	return &Session{
		baseURL:    baseURL,
		dialer:     dialer,
		directory:  dir,
		log:        l,
		roundState: RoundWaiting,
		updates:    make(chan struct{}, 1),
	}
}

// Connect joins a room under the given name and role and blocks until
// the connection is open or the dial failed. A previously open
// connection is torn down first.
func (s *Session) Connect(ctx context.Context, name string, role wire.Role, roomID string) error {
	if role != wire.RoleDeveloper && role != wire.RoleProductOwner {
		return fmt.Errorf("can not join room %s with role %q", roomID, role)
	}

	s.Disconnect()

	endpoint, err := transport.Endpoint(s.baseURL, roomID, role, name)
	if err != nil {
		return err
	}

	conn, err := s.dialer.Dial(ctx, endpoint)
	if err != nil {
		return fmt.Errorf("connecting to room %s: %w", roomID, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.username = name
	s.role = role
	s.roomID = roomID
	s.mu.Unlock()
	s.notify()

	go s.readLoop(conn)
	return nil
}

// Disconnect tears down the connection and resets permissions to the
// no-capability default. Round and roster state stay untouched so a view
// can decide whether to also call ResetRound.
func (s *Session) Disconnect() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.permissions = directory.Permissions{}
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.notify()
}

// Send encodes a command and writes it to the room server.
func (s *Session) Send(cmd wire.Command) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := cmd.Marshal()
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(data); err != nil {
		return fmt.Errorf("sending %s command: %w", cmd.Type, err)
	}
	return nil
}

// Estimate starts a round for the given ticket.
func (s *Session) Estimate(ticket string) error {
	return s.Send(wire.Estimate(ticket))
}

// Guess submits the local developer's guess.
func (s *Session) Guess(guess int) error {
	return s.Send(wire.Guess(guess))
}

// Skip abstains from the active round.
func (s *Session) Skip() error {
	return s.Send(wire.Skip())
}

// Reveal publishes all guesses of the finished round.
func (s *Session) Reveal() error {
	return s.Send(wire.Reveal())
}

// NewRound moves the room on to the next ticket.
func (s *Session) NewRound() error {
	return s.Send(wire.NewRound())
}

// LockRoom password-protects the room using the key granted via
// permissions.
func (s *Session) LockRoom(password string) error {
	s.mu.RLock()
	key := s.permissions.Room.Key
	s.mu.RUnlock()
	return s.Send(wire.LockRoom(password, key))
}

// OpenRoom removes the room's password protection.
func (s *Session) OpenRoom() error {
	s.mu.RLock()
	key := s.permissions.Room.Key
	s.mu.RUnlock()
	return s.Send(wire.OpenRoom(key))
}

// ResetRound restores the round to its waiting zero state.
func (s *Session) ResetRound() {
	s.mu.Lock()
	s.roundState = RoundWaiting
	s.ticket = ""
	s.ownGuess = 0
	s.didSkip = false
	s.revealed = nil
	s.mu.Unlock()
	s.notify()
}

// FetchPermissions refreshes the local user's capabilities in the room.
// Any failure collapses to the no-capability default.
func (s *Session) FetchPermissions(ctx context.Context) {
	s.mu.RLock()
	roomID, name := s.roomID, s.username
	s.mu.RUnlock()

	perms, err := s.directory.Permissions(ctx, roomID, name)
	if err != nil {
		s.log.Printf("fetching permissions for %s in room %s: %v", name, roomID, err)
		perms = directory.Permissions{}
	}

	s.mu.Lock()
	s.permissions = perms
	s.mu.Unlock()
	s.notify()
}

// Updates signals state changes. The channel is coalescing: a pending
// signal swallows newer ones, so consumers re-read the full state.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

// readLoop drives all event-based transitions. It runs once per
// connection and applies events strictly in delivery order, including
// the re-fetches they trigger.
func (s *Session) readLoop(conn transport.Conn) {
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			s.teardown(conn)
			return
		}

		ev, err := wire.DecodeEvent(raw)
		if err != nil {
			s.log.Printf("skipping message: %v", err)
			continue
		}
		s.apply(ev)
	}
}

// teardown collapses any connection failure, including a server-side
// close, into the disconnected state. A stale loop whose connection was
// already replaced must not touch the session.
func (s *Session) teardown(conn transport.Conn) {
	conn.Close()

	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.permissions = directory.Permissions{}
	s.mu.Unlock()
	s.notify()
}

func (s *Session) apply(ev wire.Event) {
	switch ev := ev.(type) {
	case wire.Join, wire.Leave, wire.DeveloperGuessed, wire.DeveloperSkipped:
		s.refreshUsers()
	case wire.EstimateStarted:
		s.mu.Lock()
		s.roundState = RoundInProgress
		s.ticket = ev.Ticket
		s.mu.Unlock()
	case wire.YouGuessed:
		s.mu.Lock()
		s.ownGuess = ev.Guess
		s.didSkip = false
		s.mu.Unlock()
	case wire.YouSkipped:
		s.mu.Lock()
		s.didSkip = true
		s.ownGuess = 0
		s.mu.Unlock()
	case wire.EveryoneDone:
		s.mu.Lock()
		s.roundState = RoundEnd
		s.mu.Unlock()
		s.refreshUsers()
	case wire.Revealed:
		s.mu.Lock()
		s.revealed = ev.Guesses
		s.mu.Unlock()
	case wire.RoomLocked, wire.RoomOpened:
		s.refreshRoomState()
	case wire.NewRoundStarted:
		s.ResetRound()
		s.refreshUsers()
	}
	s.notify()
}

// refreshUsers replaces the roster wholesale with the server's snapshot.
// On any failure the roster becomes empty rather than stale.
func (s *Session) refreshUsers() {
	s.mu.RLock()
	roomID := s.roomID
	s.mu.RUnlock()

	users, err := s.directory.Users(context.Background(), roomID)
	if err != nil {
		s.log.Printf("fetching users in room %s: %v", roomID, err)
		users = nil
	}
	if users == nil {
		users = []directory.User{}
	}

	s.mu.Lock()
	s.usersInRoom = users
	s.mu.Unlock()
}

func (s *Session) refreshRoomState() {
	s.mu.RLock()
	roomID := s.roomID
	s.mu.RUnlock()

	state, err := s.directory.RoomState(context.Background(), roomID)
	if err != nil {
		s.log.Printf("fetching state of room %s: %v", roomID, err)
		state = directory.RoomState{}
	}

	s.mu.Lock()
	s.roomIsLocked = state.IsLocked
	s.mu.Unlock()
}

func (s *Session) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// IsConnected reports whether a connection is open or opening.
func (s *Session) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn != nil
}

// Username returns the name chosen at join time.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// Role returns the role chosen at join time, RoleNone before any join.
func (s *Session) Role() wire.Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

// RoomID returns the id of the joined room.
func (s *Session) RoomID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roomID
}

// RoundState returns the current round lifecycle state.
func (s *Session) RoundState() RoundState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roundState
}

// TicketToGuess returns the ticket of the active round, empty while
// waiting.
func (s *Session) TicketToGuess() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ticket
}

// OwnGuess returns the local developer's guess, 0 when not guessed.
func (s *Session) OwnGuess() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ownGuess
}

// DidSkip reports whether the local developer abstained.
func (s *Session) DidSkip() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.didSkip
}

// RevealedGuesses returns everyone's guesses, populated only after a
// reveal.
func (s *Session) RevealedGuesses() []wire.RevealedGuess {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]wire.RevealedGuess, len(s.revealed))
	copy(out, s.revealed)
	return out
}

// UsersInRoom returns the roster as of the last snapshot.
func (s *Session) UsersInRoom() []directory.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]directory.User, len(s.usersInRoom))
	copy(out, s.usersInRoom)
	return out
}

// RoomIsLocked reports the room's lock state as of the last refresh.
func (s *Session) RoomIsLocked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roomIsLocked
}

// Permissions returns the local user's capabilities in the room.
func (s *Session) Permissions() directory.Permissions {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.permissions
}
