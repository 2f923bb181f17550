package dispatch

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrSendInFlight = errors.New("a send is already in flight")
	ErrSuperseded   = errors.New("chat context changed while sending")
)

// Target addresses a send from the composer.
type Target struct {
	ContextID     string
	AgentID       string
	SenderName    string
	SenderContact string
}

// Composer holds the compose buffer and allows one send in flight at a time. The text is
// cleared only once the backend confirmed the send.
type Composer struct {
	d       *Dispatcher
	current func() string

	mu       sync.Mutex
	text     string
	inFlight bool
	lastErr  error
}

// NewComposer sends through d. current reports the active chat context; a send that finishes
// after it changed is discarded.
func NewComposer(d *Dispatcher, current func() string) *Composer {
	return &Composer{d: d, current: current}
}

func (c *Composer) SetText(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.text = s
}

func (c *Composer) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text
}

func (c *Composer) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// LastError is the error of the most recent send, or nil after a success.
func (c *Composer) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Reset clears the buffer and the last error, e.g. when the chat context changes.
func (c *Composer) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.text = ""
	c.lastErr = nil
}

// Send sends the buffered text to t. Whitespace-only text is a no-op (Outcome.Sent is false
// and the error nil).
func (c *Composer) Send(ctx context.Context, t Target) (Outcome, error) {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return Outcome{}, ErrSendInFlight
	}
	snapshot := c.text
	if strings.TrimSpace(snapshot) == "" {
		c.mu.Unlock()
		return Outcome{}, nil
	}
	c.inFlight = true
	c.lastErr = nil
	c.mu.Unlock()

	out, err := c.d.Send(ctx, Outbound{
		ContextID:     t.ContextID,
		AgentID:       t.AgentID,
		Text:          snapshot,
		SenderName:    t.SenderName,
		SenderContact: t.SenderContact,
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = false
	if c.current != nil && c.current() != t.ContextID {
		return Outcome{}, ErrSuperseded
	}
	if err != nil {
		c.lastErr = err
		return out, err
	}
	// edits made while the send was in flight survive
	if c.text == snapshot {
		c.text = ""
	}
	return out, nil
}
