package chat

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// EventKind is the real-time event name as emitted by the backend.
type EventKind string

const (
	EventTypingStarted   EventKind = "startTypingChatUpdate"
	EventTypingStopped   EventKind = "stopTypingChatUpdate"
	EventMessageReceived EventKind = "messageContextChatUpdate"
)

// ErrUnknownEvent is returned by DecodeEvent for event names the widget does not handle.
var ErrUnknownEvent = errors.New("unknown event")

// Event is one decoded inbound real-time event. Only the field matching Kind is set.
type Event struct {
	Kind    EventKind       `json:"kind"`
	Typing  *TypingPresence `json:"typing,omitempty"`
	Message *Message        `json:"message,omitempty"`
}

func TypingStarted(role Role, name string) Event {
	return Event{Kind: EventTypingStarted, Typing: &TypingPresence{Role: role, DisplayName: name}}
}

func TypingStopped() Event {
	return Event{Kind: EventTypingStopped}
}

func MessageReceived(id, text, name string, role Role) Event {
	return Event{Kind: EventMessageReceived, Message: &Message{ID: id, Text: text, SenderName: name, Role: role}}
}

// TypingPayload is the wire body of startTypingChatUpdate. The backend sends the role as
// "type"; "role" is accepted as well.
type TypingPayload struct {
	Type string `json:"type,omitempty"`
	Role string `json:"role,omitempty"`
	Name string `json:"name"`
}

// MessagePayload is the wire body of messageContextChatUpdate.
type MessagePayload struct {
	ID      WireID `json:"id"`
	Message string `json:"message"`
	Name    string `json:"name"`
	Type    string `json:"type"`
}

// WireID accepts both JSON strings and numbers.
type WireID string

func (w *WireID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*w = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*w = WireID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.Wrap(err, "id must be a string or a number")
	}
	*w = WireID(n.String())
	return nil
}

// DecodeEvent turns a named real-time event and its JSON payload into an Event.
func DecodeEvent(name string, payload json.RawMessage) (Event, error) {
	switch EventKind(name) {
	case EventTypingStarted:
		var p TypingPayload
		if err := unmarshalPayload(payload, &p); err != nil {
			return Event{}, errors.Wrapf(err, "decode %s", name)
		}
		wireRole := p.Type
		if strings.TrimSpace(wireRole) == "" {
			wireRole = p.Role
		}
		role, err := ParseRole(wireRole)
		if err != nil {
			return Event{}, errors.Wrapf(err, "decode %s", name)
		}
		return TypingStarted(role, p.Name), nil

	case EventTypingStopped:
		return TypingStopped(), nil

	case EventMessageReceived:
		var p MessagePayload
		if err := unmarshalPayload(payload, &p); err != nil {
			return Event{}, errors.Wrapf(err, "decode %s", name)
		}
		role, err := ParseRole(p.Type)
		if err != nil {
			return Event{}, errors.Wrapf(err, "decode %s", name)
		}
		return MessageReceived(string(p.ID), p.Message, p.Name, role), nil
	}
	return Event{}, errors.Wrapf(ErrUnknownEvent, "%q", name)
}

// EncodePayload is the inverse of DecodeEvent: it produces the wire name and body.
func EncodePayload(ev Event) (string, any, error) {
	switch ev.Kind {
	case EventTypingStarted:
		if ev.Typing == nil {
			return "", nil, errors.New("typing event without presence")
		}
		return string(ev.Kind), TypingPayload{Type: string(ev.Typing.Role), Name: ev.Typing.DisplayName}, nil
	case EventTypingStopped:
		return string(ev.Kind), struct{}{}, nil
	case EventMessageReceived:
		if ev.Message == nil {
			return "", nil, errors.New("message event without message")
		}
		m := ev.Message
		return string(ev.Kind), MessagePayload{ID: WireID(m.ID), Message: m.Text, Name: m.SenderName, Type: string(m.Role)}, nil
	}
	return "", nil, errors.Wrapf(ErrUnknownEvent, "%q", ev.Kind)
}

func unmarshalPayload(payload json.RawMessage, v any) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(payload, v)
}
