// Package dispatch sends visitor messages over the request/response API. It never touches the
// real-time channel and never writes the message log: a sent message shows up when the backend
// echoes it back as an event.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatwidget/pkg/api"
)

const defaultFailureMessage = "Failure to send message"

var ErrEmptyMessage = errors.New("message is empty")

// Sender is the API call the dispatcher uses.
type Sender interface {
	SendConversation(ctx context.Context, agentID string, req api.ConversationRequest) error
}

var _ Sender = (*api.Client)(nil)

// Outbound is one message to send. An empty AgentID sends to the unscoped endpoint.
type Outbound struct {
	ContextID     string
	AgentID       string
	Text          string
	SenderName    string
	SenderContact string
	// IdempotencyKey is generated when empty.
	IdempotencyKey string
}

type Outcome struct {
	Sent           bool
	IdempotencyKey string
	SentAt         time.Time
}

// SendError is a failed send. Message is suitable for showing to the visitor.
type SendError struct {
	ContextID string
	Message   string
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send (context %s): %s", e.ContextID, e.Message)
}

func (e *SendError) Unwrap() error { return e.Err }

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

type Dispatcher struct {
	sender Sender
	now    func() time.Time
}

func NewDispatcher(s Sender, opts ...Option) *Dispatcher {
	d := &Dispatcher{sender: s, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Send posts out once. Any non-success is returned as a *SendError.
func (d *Dispatcher) Send(ctx context.Context, out Outbound) (Outcome, error) {
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return Outcome{}, &SendError{ContextID: out.ContextID, Message: defaultFailureMessage, Err: ErrEmptyMessage}
	}
	if strings.TrimSpace(out.ContextID) == "" {
		return Outcome{}, &SendError{Message: defaultFailureMessage, Err: errors.New("no chat context")}
	}
	key := strings.TrimSpace(out.IdempotencyKey)
	if key == "" {
		key = uuid.NewString()
	}

	err := d.sender.SendConversation(ctx, out.AgentID, api.ConversationRequest{
		ContextID:       out.ContextID,
		Prompt:          text,
		RespondViaAudio: false,
		ChatName:        out.SenderName,
		Phone:           out.SenderContact,
		IdempotencyKey:  key,
	})
	if err != nil {
		msg := defaultFailureMessage
		var se *api.StatusError
		if errors.As(err, &se) && se.Message != "" {
			msg = se.Message
		}
		log.Warn().Err(err).Str("component", "dispatch").Str("context_id", out.ContextID).Str("idempotency_key", key).Msg("send failed")
		return Outcome{IdempotencyKey: key}, &SendError{ContextID: out.ContextID, Message: msg, Err: err}
	}
	log.Debug().Str("component", "dispatch").Str("context_id", out.ContextID).Str("idempotency_key", key).Msg("message sent")
	return Outcome{Sent: true, IdempotencyKey: key, SentAt: d.now()}, nil
}
