package api

import (
	"encoding/json"
	"fmt"
	"strings"
)

// AdminKeyHeader carries the admin API key on admin-scoped calls.
const AdminKeyHeader = "admin-api-key"

// IdempotencyKeyHeader deduplicates retried sends on the backend.
const IdempotencyKeyHeader = "Idempotency-Key"

// ConversationRequest is the body of a conversation send.
type ConversationRequest struct {
	ContextID       string `json:"contextId"`
	Prompt          string `json:"prompt"`
	RespondViaAudio bool   `json:"respondViaAudio"`
	ChatName        string `json:"chatName"`
	Phone           string `json:"phone"`

	IdempotencyKey string `json:"-"`
}

// AgentRef is the decrypted form of an opaque agent reference.
type AgentRef struct {
	WorkspaceID string `json:"workspaceId" yaml:"workspace_id"`
	AgentID     string `json:"agentId" yaml:"agent_id"`
	AgentSecret string `json:"agentSecret" yaml:"-"`
}

// Profile is the caller identity behind a bearer token.
type Profile struct {
	Name  string `json:"name" yaml:"name"`
	Email string `json:"email" yaml:"email"`
}

// OutlineColors are per-agent widget outline preferences. Empty means "not set".
type OutlineColors struct {
	Dark  string `json:"outlineColorDark,omitempty" yaml:"dark,omitempty"`
	Light string `json:"outlineColorLight,omitempty" yaml:"light,omitempty"`
}

type AvatarPayload struct {
	Avatar string `json:"avatar"`
}

type DecryptRequest struct {
	Encrypted string `json:"encrypted"`
}

type CheckSecretRequest struct {
	Secret string `json:"secret"`
}

// Envelope is the backend's response wrapper.
type Envelope[T any] struct {
	Data  T               `json:"data"`
	Error json.RawMessage `json:"error,omitempty"`
}

// ErrorMessage renders the error member, which the backend sends either as a string or as an
// object.
func ErrorMessage(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" || trimmed == "false" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return trimmed
}

// StatusError is a non-success backend response.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Message)
}
