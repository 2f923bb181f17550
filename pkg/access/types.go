package access

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatwidget/pkg/api"
)

// Default outline colors, used until the agent's own preferences arrive.
const (
	DefaultOutlineColorDark  = "#1976d2"
	DefaultOutlineColorLight = "#42a5f5"
)

var (
	ErrSuperseded   = errors.New("resolution superseded by a newer one")
	ErrTokenExpired = errors.New("bearer token expired")
	ErrMissingGrant = errors.New("workspace, agent and secret are all required")
)

// Backend is the subset of the API client the handshake needs.
type Backend interface {
	DecryptAgentRef(ctx context.Context, ref string) (api.AgentRef, error)
	CheckAgentSecret(ctx context.Context, workspaceID, agentID, secret string) (bool, error)
	FetchProfile(ctx context.Context, token string) (api.Profile, error)
	FetchWorkspaceAvatar(ctx context.Context, workspaceID string) (string, error)
	FetchOutlineColors(ctx context.Context, agentID string) (api.OutlineColors, error)
}

var _ Backend = (*api.Client)(nil)

type Validity int

const (
	Unknown Validity = iota
	Valid
	Invalid
)

func (v Validity) String() string {
	switch v {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	}
	return "unknown"
}

func (v Validity) MarshalYAML() (any, error) {
	return v.String(), nil
}

// Grant is the agent/workspace a widget talks to and whether its secret checked out.
type Grant struct {
	WorkspaceID string   `yaml:"workspace_id,omitempty"`
	AgentID     string   `yaml:"agent_id,omitempty"`
	AgentSecret string   `yaml:"-"`
	Validity    Validity `yaml:"validity"`
}

// Input is what the host supplied. Any of WorkspaceID, AgentID or AgentSecret makes the
// widget scoped, and so does a Ref that decrypts.
type Input struct {
	Ref         string
	Token       string
	WorkspaceID string
	AgentID     string
	AgentSecret string
}

func (in Input) Scoped() bool {
	return in.Ref != "" || in.WorkspaceID != "" || in.AgentID != "" || in.AgentSecret != ""
}

type Appearance struct {
	AvatarURL     string            `yaml:"avatar_url,omitempty"`
	OutlineColors api.OutlineColors `yaml:"outline_colors"`
}

// DefaultAppearance has no avatar and the default outline colors.
func DefaultAppearance() Appearance {
	return Appearance{OutlineColors: api.OutlineColors{Dark: DefaultOutlineColorDark, Light: DefaultOutlineColorLight}}
}

// Result is the outcome of one resolution. Cosmetic fields fill in after Resolve returns.
type Result struct {
	Generation uint64       `yaml:"generation"`
	Scoped     bool         `yaml:"scoped"`
	Grant      Grant        `yaml:"grant"`
	Profile    *api.Profile `yaml:"profile,omitempty"`
	Appearance Appearance   `yaml:"appearance"`
	Errors     []error      `yaml:"-"`
}

// Allowed reports whether a chat may start: unscoped widgets always may, scoped ones only
// with a validated grant.
func (r Result) Allowed() bool {
	return !r.Scoped || r.Grant.Validity == Valid
}

// HandshakeError is a failed handshake stage. It is recorded, never fatal on its own.
type HandshakeError struct {
	Stage string
	Err   error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake %s: %v", e.Stage, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }
