package stubbackend

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatwidget/pkg/transport/socketio"
)

const textMessage = websocket.TextMessage

// peer serializes writes to one socket; the ping loop and broadcasts share it.
type peer struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (p *peer) WriteMessage(messageType int, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return p.ws.WriteMessage(messageType, data)
}

func (p *peer) Close() error {
	return p.ws.Close()
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("EIO") != "4" || q.Get("transport") != "websocket" {
		http.Error(w, "only EIO=4 websocket transport is supported", http.StatusBadRequest)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "stubbackend").Msg("socket upgrade failed")
		return
	}
	p := &peer{ws: ws}
	wsLog := log.With().Str("component", "stubbackend").Str("remote", ws.RemoteAddr().String()).Logger()

	sid := uuid.NewString()
	open, _ := json.Marshal(socketio.OpenPayload{
		SID:          sid,
		Upgrades:     []string{},
		PingInterval: int(s.opts.PingInterval / time.Millisecond),
		PingTimeout:  int(s.opts.PingTimeout / time.Millisecond),
		MaxPayload:   1_000_000,
	})
	if err := p.WriteMessage(textMessage, socketio.EncodeEIO(socketio.EIOOpen, open)); err != nil {
		_ = p.Close()
		return
	}

	contextID, err := s.awaitConnect(p)
	if err != nil {
		wsLog.Debug().Err(err).Msg("socket connect rejected")
		ce, _ := json.Marshal(socketio.ConnectError{Message: err.Error()})
		_ = p.WriteMessage(textMessage, socketio.EncodeSIO(socketio.Packet{Type: socketio.SIOConnectError, Data: ce}))
		_ = p.Close()
		return
	}
	ack, _ := json.Marshal(map[string]string{"sid": sid})
	if err := p.WriteMessage(textMessage, socketio.EncodeSIO(socketio.Packet{Type: socketio.SIOConnect, Data: ack})); err != nil {
		_ = p.Close()
		return
	}

	rm := s.roomFor(contextID)
	rm.join(sid, p)
	wsLog = wsLog.With().Str("context_id", contextID).Logger()
	wsLog.Info().Msg("socket connected")

	stopPing := make(chan struct{})
	go s.pingLoop(p, stopPing)

	go func() {
		defer rm.leave(sid)
		defer close(stopPing)
		defer wsLog.Info().Msg("socket disconnected")
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				wsLog.Debug().Err(err).Msg("socket read loop end")
				return
			}
			typ, body, err := socketio.DecodeEIO(data)
			if err != nil {
				continue
			}
			switch typ {
			case socketio.EIOClose:
				return
			case socketio.EIOMessage:
				pkt, err := socketio.DecodeSIO(body)
				if err == nil && pkt.Type == socketio.SIODisconnect {
					return
				}
			}
		}
	}()
}

func (s *Server) awaitConnect(p *peer) (string, error) {
	_ = p.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer func() { _ = p.ws.SetReadDeadline(time.Time{}) }()
	for {
		_, data, err := p.ws.ReadMessage()
		if err != nil {
			return "", err
		}
		typ, body, err := socketio.DecodeEIO(data)
		if err != nil || typ != socketio.EIOMessage {
			continue
		}
		pkt, err := socketio.DecodeSIO(body)
		if err != nil {
			return "", err
		}
		if pkt.Type != socketio.SIOConnect {
			continue
		}
		var auth socketio.Auth
		if len(pkt.Data) > 0 {
			_ = json.Unmarshal(pkt.Data, &auth)
		}
		contextID := strings.TrimSpace(auth.ContextID)
		if contextID == "" {
			return "", errMissingContextID
		}
		if s.rejectSockets(contextID) {
			return "", errContextRejected
		}
		return contextID, nil
	}
}

func (s *Server) pingLoop(p *peer, stop <-chan struct{}) {
	if s.opts.PingInterval <= 0 {
		return
	}
	t := time.NewTicker(s.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if err := p.WriteMessage(textMessage, socketio.EncodeEIO(socketio.EIOPing, nil)); err != nil {
				return
			}
		}
	}
}
