// Package protocol defines the WebSocket envelope exchanged between relay
// clients and the server. Every frame is a JSON object whose "type" field
// selects exactly one payload variant: a chat message, a typing indicator or
// a presence snapshot.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Envelope types. Clients send TypeMessage and TypeTyping; the server sends
// all three.
const (
	TypeMessage    = "message"
	TypeTyping     = "typing"
	TypeUserStatus = "userStatus"
)

// Status is the presence state of a connected client.
type Status string

const (
	StatusOnline Status = "online"
	StatusTyping Status = "typing"
)

// TimestampLayout renders ISO-8601 timestamps with microseconds and a numeric
// zone offset, e.g. 2024-05-01T12:00:00.123456+03:00.
const TimestampLayout = "2006-01-02T15:04:05.000000-07:00"

// ---------------------------------------------------------------------------
// Payloads
// ---------------------------------------------------------------------------

// ChatMessage is a single chat line. ID and Timestamp are filled in by the
// server when the client leaves them empty.
type ChatMessage struct {
	ID        string  `json:"id"`
	Sender    string  `json:"sender"`
	Content   string  `json:"content"`
	Timestamp string  `json:"timestamp"`
	ReplyTo   *string `json:"replyTo"`
}

// UserStatus is one entry of a presence snapshot.
type UserStatus struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
}

// Envelope is the tagged union carried by every frame. Exactly one of
// Message, IsTyping (for TypeTyping) or Users is meaningful, selected by Type.
type Envelope struct {
	Type     string
	Message  *ChatMessage
	IsTyping bool
	Users    []UserStatus
}

// NewMessage wraps a chat message in an envelope.
func NewMessage(msg ChatMessage) Envelope {
	return Envelope{Type: TypeMessage, Message: &msg}
}

// NewTyping builds a typing indicator envelope.
func NewTyping(isTyping bool) Envelope {
	return Envelope{Type: TypeTyping, IsTyping: isTyping}
}

// NewPresence builds a presence snapshot envelope.
func NewPresence(users []UserStatus) Envelope {
	return Envelope{Type: TypeUserStatus, Users: users}
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

var (
	// ErrUnknownType is returned for envelopes whose type is not recognised.
	ErrUnknownType = errors.New("unknown envelope type")

	// ErrServerOnly is returned when a client sends a server-to-client variant.
	ErrServerOnly = errors.New("envelope type is server-only")

	// ErrMissingPayload is returned when the variant's payload field is absent.
	ErrMissingPayload = errors.New("missing envelope payload")
)

// DecodeError reports a malformed inbound frame. It is never fatal on its
// own; the caller decides whether to keep the connection open.
type DecodeError struct {
	Type string // envelope type, empty if it could not be read
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("protocol: decode envelope: %v", e.Err)
	}
	return fmt.Sprintf("protocol: decode %q envelope: %v", e.Type, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ---------------------------------------------------------------------------
// Wire structs
// ---------------------------------------------------------------------------

type wireEnvelope struct {
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message,omitempty"`
	Status  *bool           `json:"status,omitempty"`
	Users   json.RawMessage `json:"users,omitempty"`
}

type wireMessage struct {
	Type    string      `json:"type"`
	Message ChatMessage `json:"message"`
}

type wireTyping struct {
	Type   string `json:"type"`
	Status bool   `json:"status"`
}

type wireUserStatus struct {
	Type  string       `json:"type"`
	Users []UserStatus `json:"users"`
}

// ---------------------------------------------------------------------------
// Codec
// ---------------------------------------------------------------------------

// Decode parses a frame of any variant. Malformed input yields a
// *DecodeError.
func Decode(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, &DecodeError{Err: err}
	}

	switch w.Type {
	case TypeMessage:
		if isNull(w.Message) {
			return Envelope{}, &DecodeError{Type: w.Type, Err: ErrMissingPayload}
		}
		var msg ChatMessage
		if err := json.Unmarshal(w.Message, &msg); err != nil {
			return Envelope{}, &DecodeError{Type: w.Type, Err: err}
		}
		return NewMessage(msg), nil

	case TypeTyping:
		// A missing status reads as "not typing".
		return NewTyping(w.Status != nil && *w.Status), nil

	case TypeUserStatus:
		var users []UserStatus
		if !isNull(w.Users) {
			if err := json.Unmarshal(w.Users, &users); err != nil {
				return Envelope{}, &DecodeError{Type: w.Type, Err: err}
			}
		}
		for _, u := range users {
			if u.Status != StatusOnline && u.Status != StatusTyping {
				return Envelope{}, &DecodeError{
					Type: w.Type,
					Err:  fmt.Errorf("invalid status %q for %q", u.Status, u.Name),
				}
			}
		}
		if users == nil {
			users = []UserStatus{}
		}
		return NewPresence(users), nil

	case "":
		return Envelope{}, &DecodeError{Err: errors.New("missing or empty \"type\" field")}

	default:
		return Envelope{}, &DecodeError{Type: w.Type, Err: ErrUnknownType}
	}
}

// DecodeInbound parses a frame received from a client. Only message and
// typing envelopes are accepted.
func DecodeInbound(data []byte) (Envelope, error) {
	env, err := Decode(data)
	if err != nil {
		return Envelope{}, err
	}
	if env.Type == TypeUserStatus {
		return Envelope{}, &DecodeError{Type: env.Type, Err: ErrServerOnly}
	}
	return env, nil
}

// Encode serializes an envelope using the field names legacy clients expect.
func Encode(env Envelope) ([]byte, error) {
	var payload interface{}

	switch env.Type {
	case TypeMessage:
		if env.Message == nil {
			return nil, fmt.Errorf("protocol: encode %q: %w", env.Type, ErrMissingPayload)
		}
		payload = wireMessage{Type: TypeMessage, Message: *env.Message}
	case TypeTyping:
		payload = wireTyping{Type: TypeTyping, Status: env.IsTyping}
	case TypeUserStatus:
		users := env.Users
		if users == nil {
			users = []UserStatus{}
		}
		payload = wireUserStatus{Type: TypeUserStatus, Users: users}
	default:
		return nil, fmt.Errorf("protocol: encode %q: %w", env.Type, ErrUnknownType)
	}

	out, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %q envelope: %w", env.Type, err)
	}
	return out, nil
}

// FormatTimestamp renders t in loc using TimestampLayout. A nil loc means UTC.
func FormatTimestamp(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(TimestampLayout)
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
