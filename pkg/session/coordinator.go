// Package session owns one chat context's lifecycle: it opens the real-time channel, feeds
// inbound events through the event bus into a reconciler, and tears everything down again.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatwidget/pkg/chat"
	"github.com/go-go-golems/chatwidget/pkg/eventbus"
	"github.com/go-go-golems/chatwidget/pkg/reconciler"
	"github.com/go-go-golems/chatwidget/pkg/transport"
	"github.com/go-go-golems/chatwidget/pkg/transport/socketio"
)

type State int

const (
	Idle State = iota
	Active
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	}
	return "unknown"
}

var ErrClosed = errors.New("session coordinator is closed")

// Snapshot is a consistent read of the coordinator's state.
type Snapshot struct {
	State     State
	ContextID string
	Messages  []chat.Message
	Typing    *chat.TypingPresence
	// Dropped is set when the last session ended because the channel dropped.
	Dropped error
}

type Option func(*Coordinator)

func WithOpener(o transport.Opener) Option {
	return func(c *Coordinator) { c.opener = o }
}

// WithBus uses an externally owned bus; Close will not close it.
func WithBus(b *eventbus.Bus) Option {
	return func(c *Coordinator) { c.bus = b }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithOnChange registers a callback fired after every applied event and every lifecycle
// change. It runs on the coordinator's goroutines and must not call StartSession,
// StopSession or Close synchronously.
func WithOnChange(fn func(Snapshot)) Option {
	return func(c *Coordinator) { c.onChange = fn }
}

// Coordinator is safe for concurrent use. Lifecycle calls are serialized; reads never wait
// on network I/O.
type Coordinator struct {
	opener   transport.Opener
	bus      *eventbus.Bus
	ownsBus  bool
	now      func() time.Time
	onChange func(Snapshot)

	lifecycle sync.Mutex

	mu        sync.Mutex
	closed    bool
	state     State
	contextID string
	gen       uint64
	rec       *reconciler.Reconciler
	handle    transport.Handle
	dropped   error
	pump      *pump
}

type pump struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewCoordinator(opts ...Option) (*Coordinator, error) {
	c := &Coordinator{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	if c.opener == nil {
		c.opener = socketio.NewDialer()
	}
	if c.bus == nil {
		bus, err := eventbus.New(eventbus.DefaultSettings())
		if err != nil {
			return nil, errors.Wrap(err, "create event bus")
		}
		c.bus = bus
		c.ownsBus = true
	}
	return c, nil
}

// StartSession stops any active session, then opens the channel for contextID and becomes
// Active. On failure the coordinator stays Idle and the error is a *transport.Error.
func (c *Coordinator) StartSession(ctx context.Context, contextID, serverURL string) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.isClosed() {
		return ErrClosed
	}
	if c.stopLocked() {
		c.notify()
	}

	contextID = strings.TrimSpace(contextID)
	if contextID == "" {
		return &transport.Error{Op: "open", Err: errors.New("empty context id")}
	}

	rec := reconciler.New(c.now)
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.rec = rec
	c.dropped = nil
	c.mu.Unlock()

	logger := log.With().Str("component", "session").Str("context_id", contextID).Uint64("session", gen).Logger()

	pumpCtx, cancel := context.WithCancel(context.Background())
	ch, err := c.bus.Subscribe(pumpCtx, eventbus.Topic(contextID))
	if err != nil {
		cancel()
		c.resetRec(gen)
		return &transport.Error{Op: "subscribe", ContextID: contextID, Err: err}
	}
	p := &pump{cancel: cancel, done: make(chan struct{})}
	go c.runPump(gen, ch, p.done)

	h, err := c.opener.Open(ctx, contextID, serverURL, transport.HandlerFuncs{
		OnEvent: func(ev chat.Event) { c.publish(contextID, gen, ev) },
		OnClose: func(err error) { go c.handleDrop(gen, err) },
	})
	if err != nil {
		p.cancel()
		<-p.done
		c.resetRec(gen)
		logger.Warn().Err(err).Msg("session start failed")
		var terr *transport.Error
		if !errors.As(err, &terr) {
			err = &transport.Error{Op: "open", ContextID: contextID, Err: err}
		}
		return err
	}

	c.mu.Lock()
	c.state = Active
	c.contextID = contextID
	c.handle = h
	c.pump = p
	c.mu.Unlock()

	logger.Info().Msg("session active")
	c.notify()
	return nil
}

// StopSession tears the current session down. It is idempotent.
func (c *Coordinator) StopSession() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.stopLocked() {
		c.notify()
	}
}

// Close stops the session and releases the bus if the coordinator created it.
func (c *Coordinator) Close() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.stopLocked()
	if c.ownsBus {
		return c.bus.Close()
	}
	return nil
}

// stopLocked requires the lifecycle lock. It reports whether there was anything to stop.
func (c *Coordinator) stopLocked() bool {
	c.mu.Lock()
	if c.state == Idle && c.handle == nil && c.pump == nil {
		c.mu.Unlock()
		return false
	}
	// bumping the generation orphans every event still in flight
	c.gen++
	h, p, contextID := c.handle, c.pump, c.contextID
	c.handle = nil
	c.pump = nil
	c.rec = nil
	c.state = Idle
	c.contextID = ""
	c.mu.Unlock()

	if p != nil {
		p.cancel()
		<-p.done
	}
	if err := transport.Close(h); err != nil {
		log.Debug().Err(err).Str("component", "session").Str("context_id", contextID).Msg("transport close failed")
	}
	log.Info().Str("component", "session").Str("context_id", contextID).Msg("session stopped")
	return true
}

func (c *Coordinator) resetRec(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == gen {
		c.rec = nil
	}
}

func (c *Coordinator) publish(contextID string, gen uint64, ev chat.Event) {
	msg, err := eventbus.NewEventMessage(contextID, gen, ev)
	if err != nil {
		log.Debug().Err(err).Str("component", "session").Str("context_id", contextID).Msg("dropping unencodable event")
		return
	}
	if err := c.bus.Publish(eventbus.Topic(contextID), msg); err != nil {
		log.Warn().Err(err).Str("component", "session").Str("context_id", contextID).Msg("event publish failed")
	}
}

// runPump applies the events of one session in bus order until its subscription ends.
func (c *Coordinator) runPump(gen uint64, ch <-chan *message.Message, done chan struct{}) {
	defer close(done)
	for msg := range ch {
		ev, msgGen, err := eventbus.DecodeEventMessage(msg)
		msg.Ack()
		if err != nil {
			log.Debug().Err(err).Str("component", "session").Msg("dropping undecodable bus message")
			continue
		}
		if msgGen != gen {
			continue
		}

		c.mu.Lock()
		if c.gen != gen || c.rec == nil {
			c.mu.Unlock()
			continue
		}
		changed := c.rec.Apply(ev)
		var snap Snapshot
		if changed {
			snap = c.snapshotLocked()
		}
		c.mu.Unlock()

		if changed && c.onChange != nil {
			c.onChange(snap)
		}
	}
}

func (c *Coordinator) handleDrop(gen uint64, cause error) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	current := c.gen == gen && c.state == Active
	c.mu.Unlock()
	if !current {
		return
	}
	log.Warn().Err(cause).Str("component", "session").Uint64("session", gen).Msg("channel dropped, tearing session down")
	c.stopLocked()
	c.mu.Lock()
	c.dropped = cause
	c.mu.Unlock()
	c.notify()
}

func (c *Coordinator) notify() {
	if c.onChange == nil {
		return
	}
	c.onChange(c.Snapshot())
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Coordinator) snapshotLocked() Snapshot {
	s := Snapshot{State: c.state, ContextID: c.contextID, Dropped: c.dropped}
	if c.state == Active && c.rec != nil {
		s.Messages = c.rec.Messages()
		if p, ok := c.rec.Typing(); ok {
			s.Typing = &p
		}
	}
	return s
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Messages is the current session's log in arrival order; empty when Idle.
func (c *Coordinator) Messages() []chat.Message {
	return c.Snapshot().Messages
}

func (c *Coordinator) Typing() (chat.TypingPresence, bool) {
	s := c.Snapshot()
	if s.Typing == nil {
		return chat.TypingPresence{}, false
	}
	return *s.Typing, true
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) ContextID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.contextID
}
