// Package wire implements the JSON message protocol spoken over a room's
// websocket connection: a `{"type": ..., "data": ...}` envelope per text
// frame, with a closed set of command types going out and event types
// coming in.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Role of a user in a room. The role doubles as the path segment of the
// websocket endpoint and as the discriminator in user listings.
type Role string

const (
	RoleProductOwner Role = "product-owner"
	RoleDeveloper    Role = "developer"

	// RoleNone means not joined to any room yet.
	RoleNone Role = ""
)

// Types of commands sent to the room server.
const (
	TypeEstimate = "estimate"
	TypeGuess    = "guess"
	TypeSkip     = "skip"
	TypeReveal   = "reveal"
	TypeNewRound = "new-round"
	TypeLockRoom = "lock-room"
	TypeOpenRoom = "open-room"
)

// Types of events received from the room server. Estimate, reveal and
// new-round share their type string with the command that triggers them.
const (
	TypeJoin             = "join"
	TypeLeave            = "leave"
	TypeDeveloperGuessed = "developer-guessed"
	TypeDeveloperSkipped = "developer-skipped"
	TypeYouGuessed       = "you-guessed"
	TypeYouSkipped       = "you-skipped"
	TypeEveryoneDone     = "everyone-done"
	TypeRoomLocked       = "room-locked"
	TypeRoomOpened       = "room-opened"
)

// ErrUnknownType indicates an inbound message with a type this client
// does not know. Callers are expected to skip such messages.
var ErrUnknownType = errors.New("unknown message type")

// envelope is the wire framing shared by commands and events.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Command is an outbound message to the room server.
type Command struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Marshal encodes the command into a wire frame.
func (c Command) Marshal() ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding %s command: %w", c.Type, err)
	}
	return b, nil
}

// Estimate announces the ticket to guess and starts a round.
func Estimate(ticket string) Command {
	return Command{Type: TypeEstimate, Data: ticket}
}

// Guess submits the local developer's guess for the active ticket.
func Guess(guess int) Command {
	return Command{Type: TypeGuess, Data: guess}
}

// Skip abstains from guessing in the active round.
func Skip() Command {
	return Command{Type: TypeSkip}
}

// Reveal asks the server to publish all guesses of the finished round.
func Reveal() Command {
	return Command{Type: TypeReveal}
}

// NewRound resets the room for the next ticket.
func NewRound() Command {
	return Command{Type: TypeNewRound}
}

// LockRoom password-protects the room against new joins. The key is the
// lock capability handed out via the permissions endpoint.
func LockRoom(password, key string) Command {
	return Command{Type: TypeLockRoom, Data: map[string]string{
		"password": password,
		"key":      key,
	}}
}

// OpenRoom removes the room's password protection.
func OpenRoom(key string) Command {
	return Command{Type: TypeOpenRoom, Data: map[string]string{
		"key": key,
	}}
}

// Event is a decoded inbound message from the room server.
type Event interface{ isEvent() }

// Join signals that a user entered the room.
type Join struct{}

// Leave signals that a user left the room.
type Leave struct{}

// DeveloperGuessed signals that some developer submitted a guess.
type DeveloperGuessed struct{}

// DeveloperSkipped signals that some developer abstained.
type DeveloperSkipped struct{}

// EstimateStarted carries the ticket a new round estimates.
type EstimateStarted struct {
	Ticket string
}

// YouGuessed confirms the local developer's own guess.
type YouGuessed struct {
	Guess int
}

// YouSkipped confirms the local developer's own abstention.
type YouSkipped struct{}

// EveryoneDone signals that all developers finished the round.
type EveryoneDone struct{}

// Revealed carries every participant's guess once the round is revealed.
type Revealed struct {
	Guesses []RevealedGuess
}

// RoomLocked signals that the room was password-protected.
type RoomLocked struct{}

// RoomOpened signals that the room's password protection was removed.
type RoomOpened struct{}

// NewRoundStarted signals that the room moved on to the next ticket.
type NewRoundStarted struct{}

func (Join) isEvent()             {}
func (Leave) isEvent()            {}
func (DeveloperGuessed) isEvent() {}
func (DeveloperSkipped) isEvent() {}
func (EstimateStarted) isEvent()  {}
func (YouGuessed) isEvent()       {}
func (YouSkipped) isEvent()       {}
func (EveryoneDone) isEvent()     {}
func (Revealed) isEvent()         {}
func (RoomLocked) isEvent()       {}
func (RoomOpened) isEvent()       {}
func (NewRoundStarted) isEvent()  {}

// RevealedGuess is one participant's entry in a reveal event.
type RevealedGuess struct {
	Name   string `json:"name"`
	Role   Role   `json:"role"`
	Guess  int    `json:"guess"`
	DoSkip bool   `json:"doSkip"`
}

// DecodeEvent decodes a wire frame into an Event. An unrecognized type
// yields ErrUnknownType so that newer server messages degrade to no-ops.
func DecodeEvent(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}

	switch env.Type {
	case TypeJoin:
		return Join{}, nil
	case TypeLeave:
		return Leave{}, nil
	case TypeDeveloperGuessed:
		return DeveloperGuessed{}, nil
	case TypeDeveloperSkipped:
		return DeveloperSkipped{}, nil
	case TypeEstimate:
		var ticket string
		if err := json.Unmarshal(env.Data, &ticket); err != nil {
			return nil, fmt.Errorf("decoding %s data: %w", env.Type, err)
		}
		return EstimateStarted{Ticket: ticket}, nil
	case TypeYouGuessed:
		var guess int
		if err := json.Unmarshal(env.Data, &guess); err != nil {
			return nil, fmt.Errorf("decoding %s data: %w", env.Type, err)
		}
		return YouGuessed{Guess: guess}, nil
	case TypeYouSkipped:
		return YouSkipped{}, nil
	case TypeEveryoneDone:
		return EveryoneDone{}, nil
	case TypeReveal:
		var guesses []RevealedGuess
		if err := json.Unmarshal(env.Data, &guesses); err != nil {
			return nil, fmt.Errorf("decoding %s data: %w", env.Type, err)
		}
		return Revealed{Guesses: guesses}, nil
	case TypeRoomLocked:
		return RoomLocked{}, nil
	case TypeRoomOpened:
		return RoomOpened{}, nil
	case TypeNewRound:
		return NewRoundStarted{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}
