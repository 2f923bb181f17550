// Package socketio is a websocket-only Socket.IO (v5 over Engine.IO v4) client for the chat
// widget's real-time channel, plus the packet codec shared with the stub backend.
package socketio

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatwidget/pkg/chat"
	"github.com/go-go-golems/chatwidget/pkg/transport"
)

const (
	DefaultPath             = "/socket.io/"
	DefaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
)

// Auth is the CONNECT payload presented at handshake time.
type Auth struct {
	ContextID string `json:"contextId"`
}

type DialerOption func(*Dialer)

func WithPath(p string) DialerOption {
	return func(d *Dialer) { d.path = p }
}

func WithHandshakeTimeout(t time.Duration) DialerOption {
	return func(d *Dialer) { d.handshakeTimeout = t }
}

func WithHeader(h http.Header) DialerOption {
	return func(d *Dialer) { d.header = h.Clone() }
}

func WithWebsocketDialer(wd *websocket.Dialer) DialerOption {
	return func(d *Dialer) { d.ws = wd }
}

// Dialer opens channels. The zero value is not usable; use NewDialer.
type Dialer struct {
	path             string
	handshakeTimeout time.Duration
	header           http.Header
	ws               *websocket.Dialer
}

var _ transport.Opener = (*Dialer)(nil)

func NewDialer(opts ...DialerOption) *Dialer {
	d := &Dialer{
		path:             DefaultPath,
		handshakeTimeout: DefaultHandshakeTimeout,
		ws:               websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// EndpointURL derives the websocket endpoint from a server URL.
func EndpointURL(serverURL, path string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(serverURL))
	if err != nil {
		return "", errors.Wrap(err, "parse server url")
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", errors.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("server url has no host")
	}
	if path == "" {
		path = DefaultPath
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Open dials serverURL, performs the Engine.IO and Socket.IO handshakes with contextID as
// auth, and starts delivering events to h. It returns once the namespace CONNECT is
// acknowledged.
func (d *Dialer) Open(ctx context.Context, contextID, serverURL string, h transport.Handler) (transport.Handle, error) {
	c, err := d.open(ctx, contextID, serverURL, h)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (d *Dialer) open(ctx context.Context, contextID, serverURL string, h transport.Handler) (*Conn, error) {
	fail := func(op string, err error) error {
		return &transport.Error{Op: op, ContextID: contextID, Err: err}
	}
	if strings.TrimSpace(contextID) == "" {
		return nil, fail("open", errors.New("empty context id"))
	}
	if h == nil {
		return nil, fail("open", errors.New("nil handler"))
	}
	endpoint, err := EndpointURL(serverURL, d.path)
	if err != nil {
		return nil, fail("open", err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok && d.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.handshakeTimeout)
		defer cancel()
	}

	ws, resp, err := d.ws.DialContext(ctx, endpoint, d.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fail("dial", err)
	}

	c := &Conn{
		contextID: contextID,
		ws:        ws,
		handler:   h,
		done:      make(chan struct{}),
	}
	if err := c.handshake(ctx); err != nil {
		_ = ws.Close()
		return nil, fail("handshake", err)
	}

	log.Debug().Str("component", "socketio").Str("context_id", contextID).Str("sid", c.sid).Msg("channel open")
	go c.readLoop()
	return c, nil
}

// Conn is one open channel.
type Conn struct {
	contextID    string
	sid          string
	ws           *websocket.Conn
	pingInterval time.Duration
	pingTimeout  time.Duration

	writeMu sync.Mutex

	// handlerMu is held while a callback runs, so detaching waits for it.
	handlerMu sync.Mutex
	handler   transport.Handler

	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// SID is the Socket.IO session id assigned by the server.
func (c *Conn) SID() string { return c.sid }

func (c *Conn) handshake(ctx context.Context) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.ws.SetReadDeadline(dl)
		defer func() { _ = c.ws.SetReadDeadline(time.Time{}) }()
	}

	typ, body, err := c.readFrame()
	if err != nil {
		return errors.Wrap(err, "read open packet")
	}
	if typ != EIOOpen {
		return errors.Errorf("expected open packet, got %q", byte(typ))
	}
	var open OpenPayload
	if err := json.Unmarshal(body, &open); err != nil {
		return errors.Wrap(err, "decode open packet")
	}
	c.pingInterval = time.Duration(open.PingInterval) * time.Millisecond
	c.pingTimeout = time.Duration(open.PingTimeout) * time.Millisecond

	frame, err := ConnectFrame(Auth{ContextID: c.contextID})
	if err != nil {
		return err
	}
	if err := c.write(frame); err != nil {
		return errors.Wrap(err, "send connect")
	}

	for {
		typ, body, err := c.readFrame()
		if err != nil {
			return errors.Wrap(err, "await connect ack")
		}
		switch typ {
		case EIOPing:
			if err := c.write(EncodeEIO(EIOPong, body)); err != nil {
				return errors.Wrap(err, "send pong")
			}
			continue
		case EIOClose:
			return errors.New("server closed during handshake")
		case EIOMessage:
		default:
			continue
		}
		p, err := DecodeSIO(body)
		if err != nil {
			return err
		}
		switch p.Type {
		case SIOConnect:
			var ack struct {
				SID string `json:"sid"`
			}
			if len(p.Data) > 0 {
				_ = json.Unmarshal(p.Data, &ack)
			}
			c.sid = ack.SID
			return nil
		case SIOConnectError:
			var ce ConnectError
			_ = json.Unmarshal(p.Data, &ce)
			if ce.Message == "" {
				ce.Message = "connection refused"
			}
			return errors.Errorf("connect error: %s", ce.Message)
		}
	}
}

func (c *Conn) readFrame() (EIOType, []byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return 0, nil, err
	}
	return DecodeEIO(data)
}

func (c *Conn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *Conn) readLoop() {
	logger := log.With().Str("component", "socketio").Str("context_id", c.contextID).Logger()
	var cause error
	defer func() {
		_ = c.ws.Close()
		close(c.done)
		if c.closing.Load() {
			return
		}
		if h := c.detach(); h != nil {
			h.HandleClose(&transport.Error{Op: "read", ContextID: c.contextID, Err: cause})
		}
	}()

	for {
		if c.pingInterval > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.pingInterval + c.pingTimeout))
		}
		typ, body, err := c.readFrame()
		if err != nil {
			if !c.closing.Load() {
				logger.Warn().Err(err).Msg("channel read failed")
			}
			cause = err
			return
		}

		switch typ {
		case EIOPing:
			if err := c.write(EncodeEIO(EIOPong, body)); err != nil {
				cause = errors.Wrap(err, "send pong")
				return
			}
		case EIOClose:
			cause = errors.New("server closed the connection")
			return
		case EIOMessage:
			p, err := DecodeSIO(body)
			if err != nil {
				logger.Debug().Err(err).Msg("dropping undecodable packet")
				continue
			}
			switch p.Type {
			case SIOEvent:
				c.handleEvent(p)
			case SIODisconnect:
				cause = errors.New("server disconnected the namespace")
				return
			}
		}
	}
}

func (c *Conn) handleEvent(p Packet) {
	name, payload, err := ParseEvent(p)
	if err != nil {
		log.Debug().Err(err).Str("component", "socketio").Str("context_id", c.contextID).Msg("dropping malformed event")
		return
	}
	ev, err := chat.DecodeEvent(name, payload)
	if err != nil {
		log.Debug().Err(err).Str("component", "socketio").Str("context_id", c.contextID).Str("event", name).Msg("ignoring event")
		return
	}
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	if c.handler != nil {
		c.handler.HandleEvent(ev)
	}
}

func (c *Conn) detach() transport.Handler {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	h := c.handler
	c.handler = nil
	return h
}

// Close detaches the handler, disconnects and waits for the reader to exit. It is safe to
// call more than once and on a nil Conn. It must not be called from a Handler callback.
func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.detach()
		select {
		case <-c.done:
		default:
			_ = c.write(EncodeSIO(Packet{Type: SIODisconnect}))
			c.writeMu.Lock()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			_ = c.ws.Close()
		}
		<-c.done
		log.Debug().Str("component", "socketio").Str("context_id", c.contextID).Msg("channel closed")
	})
	return nil
}
