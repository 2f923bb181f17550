// Package chat holds the widget's conversation data model: roles, messages, typing presence
// and the three inbound real-time events that drive them.
package chat

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Role is the closed set of conversation parties.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ErrUnknownRole is returned when a payload carries a role outside the closed set.
var ErrUnknownRole = errors.New("unknown role")

// ParseRole maps a wire value onto Role. Matching is case-insensitive.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleUser:
		return RoleUser, nil
	case RoleAssistant:
		return RoleAssistant, nil
	case RoleSystem:
		return RoleSystem, nil
	}
	return "", errors.Wrapf(ErrUnknownRole, "%q", s)
}

func (r Role) String() string { return string(r) }

// Message is one entry of the conversation log.
//
// CreatedAt is the local receipt time, not the server send time: the log is ordered by
// arrival.
type Message struct {
	ID         string    `json:"id" yaml:"id"`
	Text       string    `json:"text" yaml:"text"`
	SenderName string    `json:"senderName" yaml:"sender_name"`
	Role       Role      `json:"role" yaml:"role"`
	CreatedAt  time.Time `json:"createdAt" yaml:"created_at"`
}

// TypingPresence names the party currently composing a message.
type TypingPresence struct {
	Role        Role   `json:"role" yaml:"role"`
	DisplayName string `json:"displayName" yaml:"display_name"`
}
