// Package chat defines the chat event exchanged between relay clients and
// the JSON codec used on the wire.
package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SystemSender is the sender stamped on notices produced by the server.
const SystemSender = "system"

// Action categorizes a chat event.
type Action int

// Supported actions. Chat is the zero value so a decoded event without an
// action field is a chat message.
const (
	ActionChat Action = iota
	ActionConnect
	ActionDisconnect
	ActionError
)

// The server emits Disconnect with its historical spelling; existing
// clients match on it. Client input must use the four canonical tokens.
const disconnectWireToken = "discconnect"

var actionTokens = map[Action]string{
	ActionChat:       "chat",
	ActionConnect:    "connect",
	ActionDisconnect: disconnectWireToken,
	ActionError:      "error",
}

var tokenActions = map[string]Action{
	"chat":       ActionChat,
	"connect":    ActionConnect,
	"disconnect": ActionDisconnect,
	"error":      ActionError,
}

// String returns the wire token for the action.
func (a Action) String() string {
	if token, ok := actionTokens[a]; ok {
		return token
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// ParseAction maps a case-sensitive wire token to an Action.
func ParseAction(token string) (Action, error) {
	if a, ok := tokenActions[token]; ok {
		return a, nil
	}
	return 0, fmt.Errorf("unknown action %q", token)
}

// Event is the unit of communication relayed between clients.
type Event struct {
	Sender    string
	Action    Action
	Contents  string
	Timestamp uint64
}

// NewSystemEvent builds a notice sent on behalf of the server.
func NewSystemEvent(action Action, contents string) Event {
	return Event{
		Sender:    SystemSender,
		Action:    action,
		Contents:  contents,
		Timestamp: now(),
	}
}

// NewChatEvent builds a chat message attributed to sender.
func NewChatEvent(sender, contents string) Event {
	return Event{
		Sender:    sender,
		Action:    ActionChat,
		Contents:  contents,
		Timestamp: now(),
	}
}

func now() uint64 {
	return uint64(time.Now().UnixNano())
}

// ErrInvalidFormat is matched by every decode failure.
var ErrInvalidFormat = errors.New("invalid message format")

// FormatError describes why a raw message could not be decoded.
type FormatError struct {
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	return "invalid message format: " + e.Reason
}

// Is reports whether target is ErrInvalidFormat.
func (e *FormatError) Is(target error) bool {
	return target == ErrInvalidFormat
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// wireEvent mirrors the JSON object. Pointer fields distinguish an absent
// field from its zero value.
type wireEvent struct {
	Sender    *string `json:"sender"`
	Action    *string `json:"action"`
	Contents  *string `json:"contents"`
	Timestamp *uint64 `json:"timestamp"`
}

type encodedEvent struct {
	Sender    string `json:"sender"`
	Action    string `json:"action"`
	Contents  string `json:"contents"`
	Timestamp uint64 `json:"timestamp"`
}

// Decode parses a client message into an Event, applying defaults for
// absent fields. The action must be one of the four canonical tokens.
func Decode(raw []byte) (Event, error) {
	return decode(raw, ParseAction)
}

// DecodeServerEvent parses a payload produced by Encode. Unlike Decode it
// accepts the "discconnect" spelling the server uses for Disconnect.
func DecodeServerEvent(raw []byte) (Event, error) {
	return decode(raw, parseServerAction)
}

func parseServerAction(token string) (Action, error) {
	if token == disconnectWireToken {
		return ActionDisconnect, nil
	}
	return ParseAction(token)
}

func decode(raw []byte, parseAction func(string) (Action, error)) (Event, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Event{}, &FormatError{Reason: "expected a JSON object"}
	}

	var w wireEvent
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return Event{}, &FormatError{Reason: describeJSONError(err), Err: err}
	}

	var ev Event
	if w.Sender != nil {
		ev.Sender = *w.Sender
	}
	if w.Action != nil {
		action, err := parseAction(*w.Action)
		if err != nil {
			return Event{}, &FormatError{Reason: err.Error(), Err: err}
		}
		ev.Action = action
	}
	if w.Contents != nil {
		ev.Contents = *w.Contents
	}
	if w.Timestamp != nil {
		ev.Timestamp = *w.Timestamp
	}
	return ev, nil
}

func describeJSONError(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		if typeErr.Field != "" {
			return fmt.Sprintf("field %q must be %s, got %s", typeErr.Field, typeErr.Type, typeErr.Value)
		}
		return fmt.Sprintf("expected %s, got %s", typeErr.Type, typeErr.Value)
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return fmt.Sprintf("malformed JSON at offset %d: %v", syntaxErr.Offset, syntaxErr)
	}
	return err.Error()
}

// Encode renders ev in its canonical wire form. It only fails for an Action
// outside the known set.
func Encode(ev Event) ([]byte, error) {
	token, ok := actionTokens[ev.Action]
	if !ok {
		return nil, fmt.Errorf("encode event: unknown action %d", int(ev.Action))
	}
	return json.Marshal(encodedEvent{
		Sender:    ev.Sender,
		Action:    token,
		Contents:  ev.Contents,
		Timestamp: ev.Timestamp,
	})
}
