package stubbackend

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatwidget/pkg/chat"
	"github.com/go-go-golems/chatwidget/pkg/transport/socketio"
)

var (
	ErrContextNotFound = errors.New("context not found")

	errMissingContextID = errors.New("missing contextId")
	errContextRejected  = errors.New("context rejected")
)

// Emit broadcasts ev to every socket connected for contextID.
func (s *Server) Emit(contextID string, ev chat.Event) error {
	if s == nil {
		return ErrContextNotFound
	}
	contextID = strings.TrimSpace(contextID)
	if contextID == "" {
		return ErrContextNotFound
	}
	s.mu.Lock()
	rm, ok := s.rooms[contextID]
	s.mu.Unlock()
	if !ok {
		return ErrContextNotFound
	}
	name, payload, err := chat.EncodePayload(ev)
	if err != nil {
		return err
	}
	frame, err := socketio.EventFrame(name, payload)
	if err != nil {
		return err
	}
	if rm.send(frame) == 0 {
		log.Debug().Str("component", "stubbackend").Str("context_id", contextID).Str("event", name).Msg("event emitted to an empty room")
	}
	return nil
}

// Disconnect closes every socket of contextID, simulating a dropped connection.
func (s *Server) Disconnect(contextID string) {
	s.mu.Lock()
	rm := s.rooms[contextID]
	s.mu.Unlock()
	rm.drop()
}

// Connections is the number of sockets currently connected for contextID.
func (s *Server) Connections(contextID string) int {
	s.mu.Lock()
	rm := s.rooms[contextID]
	s.mu.Unlock()
	return rm.size()
}

func (s *Server) roomFor(contextID string) *room {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rm, ok := s.rooms[contextID]; ok {
		return rm
	}
	rm := newRoom(contextID, s.opts.IdleTimeout, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.rooms[contextID]; ok && cur.size() == 0 {
			delete(s.rooms, contextID)
			log.Debug().Str("component", "stubbackend").Str("context_id", contextID).Msg("released idle room")
		}
	})
	s.rooms[contextID] = rm
	return rm
}
