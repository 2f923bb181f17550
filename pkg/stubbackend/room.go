package stubbackend

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// frameWriter is the write side of one connected socket.
type frameWriter interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// room is the set of sockets joined to one chat context, keyed by Socket.IO sid. Once the
// last socket leaves, release runs after linger unless another socket joins first.
type room struct {
	contextID string
	linger    time.Duration
	release   func()

	mu      sync.Mutex
	sockets map[string]frameWriter
	// emptyGen invalidates pending release timers whenever membership changes
	emptyGen uint64
}

func newRoom(contextID string, linger time.Duration, release func()) *room {
	return &room{
		contextID: contextID,
		linger:    linger,
		release:   release,
		sockets:   map[string]frameWriter{},
	}
}

func (r *room) join(sid string, w frameWriter) {
	if r == nil || w == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sockets[sid]; ok && old != w {
		_ = old.Close()
	}
	r.sockets[sid] = w
	r.emptyGen++
}

// leave removes and closes the socket with sid.
func (r *room) leave(sid string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	w, ok := r.sockets[sid]
	delete(r.sockets, sid)
	r.armLocked()
	r.mu.Unlock()
	if ok {
		_ = w.Close()
	}
}

// send writes frame to every socket in the room and evicts the ones whose write fails. It
// returns the number of sockets that received the frame.
func (r *room) send(frame []byte) int {
	if r == nil || len(frame) == 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delivered := 0
	for sid, w := range r.sockets {
		if err := w.WriteMessage(textMessage, frame); err != nil {
			log.Warn().Err(err).Str("component", "stubbackend").Str("context_id", r.contextID).Str("sid", sid).Msg("socket write failed, evicting")
			delete(r.sockets, sid)
			_ = w.Close()
			continue
		}
		delivered++
	}
	r.armLocked()
	return delivered
}

// drop closes every socket, which the clients observe as a lost connection.
func (r *room) drop() {
	if r == nil {
		return
	}
	r.mu.Lock()
	sockets := r.sockets
	r.sockets = map[string]frameWriter{}
	r.armLocked()
	r.mu.Unlock()
	for _, w := range sockets {
		_ = w.Close()
	}
}

func (r *room) size() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sockets)
}

func (r *room) armLocked() {
	r.emptyGen++
	if len(r.sockets) != 0 || r.linger <= 0 || r.release == nil {
		return
	}
	gen := r.emptyGen
	time.AfterFunc(r.linger, func() {
		r.mu.Lock()
		stale := gen != r.emptyGen || len(r.sockets) != 0
		r.mu.Unlock()
		if !stale {
			r.release()
		}
	})
}
