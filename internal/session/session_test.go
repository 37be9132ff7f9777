package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi"
	"github.com/gorilla/websocket"

	"github.com/Hydoc/estimation-poker/internal/directory"
	"github.com/Hydoc/estimation-poker/internal/transport"
	"github.com/Hydoc/estimation-poker/internal/wire"
)

var testLogger = log.New(io.Discard, "", 0)

// fakeConn is an in-memory transport.Conn driven by the test.
type fakeConn struct {
	incoming chan []byte

	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{incoming: make(chan []byte)}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	b, ok := <-c.incoming
	if !ok {
		return nil, io.EOF
	}
	return b, nil
}

func (c *fakeConn) WriteMessage(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, b)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.incoming)
	return nil
}

func (c *fakeConn) deliver(frame string) {
	c.incoming <- []byte(frame)
}

func (c *fakeConn) sentFrames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, b := range c.sent {
		out[i] = string(b)
	}
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeDialer struct {
	mu        sync.Mutex
	conns     []*fakeConn
	endpoints []string
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := newFakeConn()
	d.conns = append(d.conns, c)
	d.endpoints = append(d.endpoints, endpoint)
	return c, nil
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

type fakeDirectory struct {
	mu         sync.Mutex
	users      []directory.User
	usersErr   error
	state      directory.RoomState
	stateErr   error
	perms      directory.Permissions
	permsErr   error
	usersCalls int
}

func (d *fakeDirectory) Users(ctx context.Context, roomID string) ([]directory.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.usersCalls++
	return d.users, d.usersErr
}

func (d *fakeDirectory) RoomState(ctx context.Context, roomID string) (directory.RoomState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state, d.stateErr
}

func (d *fakeDirectory) Permissions(ctx context.Context, roomID, name string) (directory.Permissions, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.perms, d.permsErr
}

func (d *fakeDirectory) set(fn func(*fakeDirectory)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d)
}

func newTestSession() (*Session, *fakeDialer, *fakeDirectory) {
	dialer := &fakeDialer{}
	dir := &fakeDirectory{}
	return New("http://localhost:8090", dialer, dir, testLogger), dialer, dir
}

func connect(t *testing.T, s *Session) {
	t.Helper()
	if err := s.Connect(context.Background(), "Ann", wire.RoleDeveloper, "R1"); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second * 2)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond * 2)
	}
	t.Fatal("condition not met in time")
}

func TestConnect(t *testing.T) {
	s, dialer, _ := newTestSession()
	connect(t, s)

	want := "ws://localhost:8090/api/estimation/room/R1/developer?name=Ann"
	if got := dialer.endpoints[0]; got != want {
		t.Fatalf("dialed %s, want %s", got, want)
	}
	if !s.IsConnected() {
		t.Fatal("expected session to be connected")
	}
	if s.Username() != "Ann" || s.Role() != wire.RoleDeveloper || s.RoomID() != "R1" {
		t.Fatalf("identity %s/%s/%s not recorded", s.Username(), s.Role(), s.RoomID())
	}
	if s.RoundState() != RoundWaiting || s.TicketToGuess() != "" || s.OwnGuess() != 0 || s.DidSkip() {
		t.Fatal("expected a fresh round state")
	}
	if len(s.RevealedGuesses()) != 0 || len(s.UsersInRoom()) != 0 {
		t.Fatal("expected empty collections")
	}
}

func TestConnectRejectsMissingRole(t *testing.T) {
	s, _, _ := newTestSession()
	if err := s.Connect(context.Background(), "Ann", wire.RoleNone, "R1"); err == nil {
		t.Fatal("expected error")
	}
	if s.IsConnected() {
		t.Fatal("expected session to stay disconnected")
	}
}

func TestConnectTearsDownPreviousConnection(t *testing.T) {
	s, dialer, _ := newTestSession()
	connect(t, s)
	first := dialer.last()

	connect(t, s)
	if !first.isClosed() {
		t.Fatal("expected first connection to be closed")
	}
	if len(dialer.conns) != 2 {
		t.Fatalf("dialed %d times, want 2", len(dialer.conns))
	}
	if !s.IsConnected() {
		t.Fatal("expected session to be connected")
	}
}

func TestSendWithoutConnection(t *testing.T) {
	s, _, _ := newTestSession()
	if err := s.Estimate("WR-123"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("got %v, want ErrNotConnected", err)
	}

	connect(t, s)
	s.Disconnect()
	if err := s.Guess(3); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("got %v, want ErrNotConnected", err)
	}
}

func TestSendWritesFrame(t *testing.T) {
	s, dialer, _ := newTestSession()
	connect(t, s)

	if err := s.Estimate("WR-123"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	frames := dialer.last().sentFrames()
	if len(frames) != 1 || frames[0] != `{"type":"estimate","data":"WR-123"}` {
		t.Fatalf("sent %v", frames)
	}
}

func TestEstimateEventStartsRound(t *testing.T) {
	s, dialer, _ := newTestSession()
	connect(t, s)

	dialer.last().deliver(`{"type":"estimate","data":"CC-5"}`)
	waitFor(t, func() bool {
		return s.RoundState() == RoundInProgress && s.TicketToGuess() == "CC-5"
	})
}

func TestYouGuessedEvent(t *testing.T) {
	s, dialer, _ := newTestSession()
	connect(t, s)

	dialer.last().deliver(`{"type":"you-skipped"}`)
	waitFor(t, func() bool { return s.DidSkip() })

	// A guess after a skip clears the abstention again.
	dialer.last().deliver(`{"type":"you-guessed","data":3}`)
	waitFor(t, func() bool { return s.OwnGuess() == 3 && !s.DidSkip() })
}

func TestYouSkippedEvent(t *testing.T) {
	s, dialer, _ := newTestSession()
	connect(t, s)

	dialer.last().deliver(`{"type":"you-guessed","data":3}`)
	waitFor(t, func() bool { return s.OwnGuess() == 3 })

	dialer.last().deliver(`{"type":"you-skipped"}`)
	waitFor(t, func() bool { return s.DidSkip() && s.OwnGuess() == 0 })
}

func TestMembershipEventsReplaceRoster(t *testing.T) {
	events := []string{
		`{"type":"join"}`,
		`{"type":"leave"}`,
		`{"type":"developer-guessed"}`,
		`{"type":"developer-skipped"}`,
	}

	for _, event := range events {
		t.Run(event, func(t *testing.T) {
			s, dialer, dir := newTestSession()
			snapshot := []directory.User{
				{Name: "Ann", Role: wire.RoleDeveloper, IsDone: true},
				{Name: "Pete", Role: wire.RoleProductOwner},
			}
			dir.set(func(d *fakeDirectory) { d.users = snapshot })
			connect(t, s)

			dialer.last().deliver(event)
			waitFor(t, func() bool {
				return reflect.DeepEqual(s.UsersInRoom(), snapshot)
			})
		})
	}
}

func TestFailedRosterFetchResetsRoster(t *testing.T) {
	s, dialer, dir := newTestSession()
	dir.set(func(d *fakeDirectory) {
		d.users = []directory.User{{Name: "Ann", Role: wire.RoleDeveloper}}
	})
	connect(t, s)

	dialer.last().deliver(`{"type":"join"}`)
	waitFor(t, func() bool { return len(s.UsersInRoom()) == 1 })

	dir.set(func(d *fakeDirectory) { d.usersErr = errors.New("boom") })
	dialer.last().deliver(`{"type":"leave"}`)
	waitFor(t, func() bool { return len(s.UsersInRoom()) == 0 })
}

func TestEveryoneDoneEndsRound(t *testing.T) {
	s, dialer, dir := newTestSession()
	connect(t, s)

	dialer.last().deliver(`{"type":"estimate","data":"CC-5"}`)
	waitFor(t, func() bool { return s.RoundState() == RoundInProgress })

	dialer.last().deliver(`{"type":"everyone-done"}`)
	waitFor(t, func() bool { return s.RoundState() == RoundEnd })

	dir.mu.Lock()
	calls := dir.usersCalls
	dir.mu.Unlock()
	if calls == 0 {
		t.Fatal("expected a roster re-fetch")
	}
}

func TestRevealEvent(t *testing.T) {
	s, dialer, _ := newTestSession()
	connect(t, s)

	dialer.last().deliver(`{"type":"reveal","data":[{"name":"Ann","role":"developer","guess":3,"doSkip":false}]}`)
	want := []wire.RevealedGuess{{Name: "Ann", Role: wire.RoleDeveloper, Guess: 3}}
	waitFor(t, func() bool {
		return reflect.DeepEqual(s.RevealedGuesses(), want)
	})
}

func TestRoomLockEventsRefreshLockState(t *testing.T) {
	s, dialer, dir := newTestSession()
	dir.set(func(d *fakeDirectory) { d.state = directory.RoomState{IsLocked: true} })
	connect(t, s)

	dialer.last().deliver(`{"type":"room-locked"}`)
	waitFor(t, func() bool { return s.RoomIsLocked() })

	dir.set(func(d *fakeDirectory) { d.state = directory.RoomState{} })
	dialer.last().deliver(`{"type":"room-opened"}`)
	waitFor(t, func() bool { return !s.RoomIsLocked() })
}

func TestNewRoundEventResetsRound(t *testing.T) {
	s, dialer, _ := newTestSession()
	connect(t, s)

	dialer.last().deliver(`{"type":"estimate","data":"CC-5"}`)
	dialer.last().deliver(`{"type":"you-guessed","data":9}`)
	dialer.last().deliver(`{"type":"everyone-done"}`)
	dialer.last().deliver(`{"type":"reveal","data":[{"name":"Ann","role":"developer","guess":9,"doSkip":false}]}`)
	waitFor(t, func() bool { return len(s.RevealedGuesses()) == 1 })

	dialer.last().deliver(`{"type":"new-round"}`)
	waitFor(t, func() bool {
		return s.RoundState() == RoundWaiting && s.TicketToGuess() == "" &&
			s.OwnGuess() == 0 && !s.DidSkip() && len(s.RevealedGuesses()) == 0
	})
}

func TestResetRound(t *testing.T) {
	s, dialer, _ := newTestSession()
	connect(t, s)

	dialer.last().deliver(`{"type":"estimate","data":"CC-5"}`)
	dialer.last().deliver(`{"type":"you-guessed","data":4}`)
	dialer.last().deliver(`{"type":"everyone-done"}`)
	waitFor(t, func() bool { return s.RoundState() == RoundEnd })

	s.ResetRound()
	if s.RoundState() != RoundWaiting || s.TicketToGuess() != "" ||
		s.OwnGuess() != 0 || s.DidSkip() || len(s.RevealedGuesses()) != 0 {
		t.Fatal("expected the round zero state")
	}
}

func TestUnknownEventIsIgnored(t *testing.T) {
	s, dialer, _ := newTestSession()
	connect(t, s)

	dialer.last().deliver(`{"type":"something-new","data":42}`)
	dialer.last().deliver(`not even json`)
	dialer.last().deliver(`{"type":"estimate","data":"CC-5"}`)

	waitFor(t, func() bool { return s.RoundState() == RoundInProgress })
	if !s.IsConnected() {
		t.Fatal("expected session to survive unknown messages")
	}
}

func TestServerCloseTearsDown(t *testing.T) {
	s, dialer, dir := newTestSession()
	dir.set(func(d *fakeDirectory) {
		d.perms = directory.Permissions{Room: directory.RoomPermissions{CanLock: true, Key: "abc"}}
	})
	connect(t, s)
	s.FetchPermissions(context.Background())

	dialer.last().Close()
	waitFor(t, func() bool { return !s.IsConnected() })
	if s.Permissions() != (directory.Permissions{}) {
		t.Fatal("expected permissions to reset on teardown")
	}
}

func TestDisconnectKeepsRoundState(t *testing.T) {
	s, dialer, dir := newTestSession()
	dir.set(func(d *fakeDirectory) {
		d.perms = directory.Permissions{Room: directory.RoomPermissions{CanLock: true, Key: "abc"}}
	})
	connect(t, s)
	s.FetchPermissions(context.Background())

	dialer.last().deliver(`{"type":"estimate","data":"CC-5"}`)
	waitFor(t, func() bool { return s.RoundState() == RoundInProgress })

	s.Disconnect()
	if s.IsConnected() {
		t.Fatal("expected session to be disconnected")
	}
	if !dialer.last().isClosed() {
		t.Fatal("expected connection to be closed")
	}
	if s.Permissions() != (directory.Permissions{}) {
		t.Fatal("expected permissions to reset")
	}
	if s.RoundState() != RoundInProgress || s.TicketToGuess() != "CC-5" {
		t.Fatal("expected round state to survive a disconnect")
	}
}

func TestLockRoomUsesGrantedKey(t *testing.T) {
	s, dialer, dir := newTestSession()
	dir.set(func(d *fakeDirectory) {
		d.perms = directory.Permissions{Room: directory.RoomPermissions{CanLock: true, Key: "abc"}}
	})
	connect(t, s)
	s.FetchPermissions(context.Background())

	if err := s.LockRoom("top secret"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.OpenRoom(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	frames := dialer.last().sentFrames()
	wantLock := `{"type":"lock-room","data":{"key":"abc","password":"top secret"}}`
	wantOpen := `{"type":"open-room","data":{"key":"abc"}}`
	if len(frames) != 2 || frames[0] != wantLock || frames[1] != wantOpen {
		t.Fatalf("sent %v, want [%s %s]", frames, wantLock, wantOpen)
	}
}

func TestFetchPermissionsCollapsesOnFailure(t *testing.T) {
	s, _, dir := newTestSession()
	dir.set(func(d *fakeDirectory) { d.permsErr = errors.New("boom") })
	connect(t, s)

	s.FetchPermissions(context.Background())
	if s.Permissions() != (directory.Permissions{}) {
		t.Fatal("expected no capabilities")
	}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	return true
}}

// TestSessionAgainstStubServer drives a real websocket connection and a
// real directory client against a stub room server.
func TestSessionAgainstStubServer(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/estimation/room/{id}/developer", func(w http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			t.Errorf("upgrading: %v", err)
			return
		}
		defer ws.Close()
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var cmd struct {
				Type string `json:"type"`
				Data any    `json:"data"`
			}
			if err := json.Unmarshal(raw, &cmd); err != nil {
				continue
			}
			if cmd.Type == "guess" {
				ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"you-guessed","data":3}`))
				ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"developer-guessed"}`))
			}
		}
	})
	r.Get("/api/estimation/room/{id}/users", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`[{"name":"Ann","role":"developer","isDone":true}]`))
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	dir := directory.NewClient(srv.URL, testLogger)
	s := New(srv.URL, transport.NewWSDialer(testLogger), dir, testLogger)

	if err := s.Connect(context.Background(), "Ann", wire.RoleDeveloper, "R1"); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}
	defer s.Disconnect()

	if err := s.Guess(3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFor(t, func() bool { return s.OwnGuess() == 3 && !s.DidSkip() })
	waitFor(t, func() bool {
		users := s.UsersInRoom()
		return len(users) == 1 && users[0].Name == "Ann" && users[0].IsDone
	})
}
