// Package transport defines the contract between the session coordinator and a real-time
// channel implementation.
package transport

import (
	"context"
	"fmt"

	"github.com/go-go-golems/chatwidget/pkg/chat"
)

// Handler receives inbound events from one open channel.
//
// HandleEvent is called sequentially, in the order the channel received the events.
// HandleClose is called at most once, when the channel drops without Close being called.
// Neither is called after Handle.Close has returned.
type Handler interface {
	HandleEvent(ev chat.Event)
	HandleClose(err error)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	OnEvent func(chat.Event)
	OnClose func(error)
}

func (h HandlerFuncs) HandleEvent(ev chat.Event) {
	if h.OnEvent != nil {
		h.OnEvent(ev)
	}
}

func (h HandlerFuncs) HandleClose(err error) {
	if h.OnClose != nil {
		h.OnClose(err)
	}
}

// Handle is the subscription returned by Opener.Open. Close detaches the handler before the
// underlying connection is released, and is idempotent.
type Handle interface {
	Close() error
}

// Opener opens one authenticated duplex channel for a chat context.
type Opener interface {
	Open(ctx context.Context, contextID, serverURL string, h Handler) (Handle, error)
}

// Close closes h if it is non-nil.
func Close(h Handle) error {
	if h == nil {
		return nil
	}
	return h.Close()
}

// Error reports a failed or dropped real-time connection.
type Error struct {
	Op        string
	ContextID string
	Err       error
}

func (e *Error) Error() string {
	if e.ContextID == "" {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s (context %s): %v", e.Op, e.ContextID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
