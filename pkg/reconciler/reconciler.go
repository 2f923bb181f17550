// Package reconciler folds inbound chat events into the message log and typing presence.
//
// A Reconciler is a pure reducer: given the same event sequence and clock it always produces
// the same state. It is not safe for concurrent use; the session coordinator owns it.
package reconciler

import (
	"time"

	"github.com/go-go-golems/chatwidget/pkg/chat"
)

type Reconciler struct {
	now    func() time.Time
	log    []chat.Message
	typing *chat.TypingPresence
}

// New returns an empty Reconciler. A nil clock defaults to time.Now.
func New(now func() time.Time) *Reconciler {
	if now == nil {
		now = time.Now
	}
	return &Reconciler{now: now}
}

// Apply reduces one event into the state. It reports whether the event changed anything
// observable; malformed events (missing body) are ignored.
func (r *Reconciler) Apply(ev chat.Event) bool {
	switch ev.Kind {
	case chat.EventTypingStarted:
		if ev.Typing == nil {
			return false
		}
		p := *ev.Typing
		r.typing = &p
		return true

	case chat.EventTypingStopped:
		changed := r.typing != nil
		r.typing = nil
		return changed

	case chat.EventMessageReceived:
		if ev.Message == nil {
			return false
		}
		m := *ev.Message
		m.CreatedAt = r.now()
		r.log = append(r.log, m)
		// any message ends the typing display, whoever sent it
		r.typing = nil
		return true
	}
	return false
}

// Messages returns a copy of the log in arrival order.
func (r *Reconciler) Messages() []chat.Message {
	out := make([]chat.Message, len(r.log))
	copy(out, r.log)
	return out
}

// Len is the number of messages in the log.
func (r *Reconciler) Len() int { return len(r.log) }

// Typing returns the current presence, if any.
func (r *Reconciler) Typing() (chat.TypingPresence, bool) {
	if r.typing == nil {
		return chat.TypingPresence{}, false
	}
	return *r.typing, true
}
