// Package directory talks to the room-management HTTP surface of the
// estimation server: existence checks, room state, authentication,
// permissions and listings. Every operation is a single request with no
// retry; a non-2xx answer collapses to a safe default value and is
// never surfaced as an error.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/Hydoc/estimation-poker/internal/wire"
)

// User is one entry in a room's user listing. IsDone is only meaningful
// for developers and reports whether they guessed or skipped already.
type User struct {
	Name   string    `json:"name"`
	Role   wire.Role `json:"role"`
	IsDone bool      `json:"isDone"`
}

// RoomState is the snapshot of a room's round and lock state.
type RoomState struct {
	InProgress bool `json:"inProgress"`
	IsLocked   bool `json:"isLocked"`
}

// RoomInfo is one entry in the active room listing.
type RoomInfo struct {
	ID          string `json:"id"`
	PlayerCount int    `json:"playerCount"`
}

// PossibleGuess is one entry of the guess catalog.
type PossibleGuess struct {
	Guess       int    `json:"guess"`
	Description string `json:"description"`
}

// Permissions mirrors the capabilities of a user in a room. The zero
// value grants nothing.
type Permissions struct {
	Room RoomPermissions `json:"room"`
}

// RoomPermissions holds room-level capabilities. Key is the lock/unlock
// capability and is only set when CanLock is true.
type RoomPermissions struct {
	CanLock bool   `json:"canLock"`
	Key     string `json:"key"`
}

// Client is a stateless client for the room directory API.
type Client struct {
	baseURL string
	client  *http.Client
	log     *log.Logger
}

// NewClient returns a new instance of Client. The base URL points at the
// server root; the API prefix is appended per request. No client-side
// timeout is imposed, callers control cancellation via context.
func NewClient(baseURL string, l *log.Logger) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{},
		log:     l,
	}
}

// UserExists reports whether the given name is already taken in a room.
// The server answers 409 when it is, so the body is decoded regardless
// of the status code.
func (c *Client) UserExists(ctx context.Context, roomID, name string) (bool, error) {
	q := url.Values{"name": []string{name}}.Encode()
	resp, err := c.get(ctx, "/room/"+url.PathEscape(roomID)+"/users/exists?"+q)
	if err != nil {
		return false, err
	}
	defer drain(resp.Body)

	var out struct {
		Exists bool `json:"exists"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, nil
	}
	return out.Exists, nil
}

// RoomState fetches the round and lock state of a room.
func (c *Client) RoomState(ctx context.Context, roomID string) (RoomState, error) {
	var out RoomState
	if err := c.getJSON(ctx, "/room/"+url.PathEscape(roomID)+"/state", &out); err != nil {
		return RoomState{}, err
	}
	return out, nil
}

// PasswordMatches verifies a room password. A mismatch and any non-2xx
// answer both come back as false.
func (c *Client) PasswordMatches(ctx context.Context, roomID, password string) (bool, error) {
	body, err := json.Marshal(map[string]string{"password": password})
	if err != nil {
		return false, fmt.Errorf("encoding authenticate request: %w", err)
	}

	endpoint := c.baseURL + "/api/estimation/room/" + url.PathEscape(roomID) + "/authenticate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("building authenticate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("authenticating against room %s: %w", roomID, err)
	}
	defer drain(resp.Body)

	if !is2xx(resp.StatusCode) {
		return false, nil
	}

	var out struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, nil
	}
	return out.OK, nil
}

// Permissions fetches the capabilities of a user in a room.
func (c *Client) Permissions(ctx context.Context, roomID, name string) (Permissions, error) {
	var out struct {
		Permissions Permissions `json:"permissions"`
	}
	p := "/room/" + url.PathEscape(roomID) + "/" + url.PathEscape(name) + "/permissions"
	if err := c.getJSON(ctx, p, &out); err != nil {
		return Permissions{}, err
	}
	return out.Permissions, nil
}

// ActiveRooms lists the joinable rooms.
func (c *Client) ActiveRooms(ctx context.Context) ([]RoomInfo, error) {
	var out struct {
		Rooms []RoomInfo `json:"rooms"`
	}
	if err := c.getJSON(ctx, "/room/rooms", &out); err != nil {
		return nil, err
	}
	if out.Rooms == nil {
		return []RoomInfo{}, nil
	}
	return out.Rooms, nil
}

// Users fetches the current roster of a room.
func (c *Client) Users(ctx context.Context, roomID string) ([]User, error) {
	var out []User
	if err := c.getJSON(ctx, "/room/"+url.PathEscape(roomID)+"/users", &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []User{}
	}
	return out, nil
}

// PossibleGuesses fetches the catalog of allowed guesses.
func (c *Client) PossibleGuesses(ctx context.Context) ([]PossibleGuess, error) {
	var out []PossibleGuess
	if err := c.getJSON(ctx, "/possible-guesses", &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []PossibleGuess{}
	}
	return out, nil
}

// get issues a GET against the API and returns the raw response.
func (c *Client) get(ctx context.Context, p string) (*http.Response, error) {
	endpoint := c.baseURL + "/api/estimation" + p
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", p, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", p, err)
	}
	return resp, nil
}

// getJSON issues a GET and decodes a 2xx response into out. A non-2xx
// answer leaves out untouched.
func (c *Client) getJSON(ctx context.Context, p string, out any) error {
	resp, err := c.get(ctx, p)
	if err != nil {
		return err
	}
	defer drain(resp.Body)

	if !is2xx(resp.StatusCode) {
		c.log.Printf("directory: %s answered %d", p, resp.StatusCode)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response of %s: %w", p, err)
	}
	return nil
}

func is2xx(status int) bool {
	return status >= 200 && status <= 299
}

// drain consumes and closes a response body so the connection can be
// reused.
func drain(body io.ReadCloser) {
	io.Copy(io.Discard, body)
	body.Close()
}
