// Package widget assembles one mounted chat widget: configuration, the access handshake, the
// session coordinator and the message composer.
package widget

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatwidget/pkg/access"
	"github.com/go-go-golems/chatwidget/pkg/api"
	"github.com/go-go-golems/chatwidget/pkg/config"
	"github.com/go-go-golems/chatwidget/pkg/dispatch"
	"github.com/go-go-golems/chatwidget/pkg/eventbus"
	"github.com/go-go-golems/chatwidget/pkg/session"
	"github.com/go-go-golems/chatwidget/pkg/transport"
	"github.com/go-go-golems/chatwidget/pkg/transport/socketio"
)

var (
	ErrNotAllowed         = errors.New("widget is not authorized to start a chat")
	ErrNotResolved        = errors.New("access has not been resolved")
	ErrMissingParticipant = errors.New("name and contact are required")
	ErrNoChat             = errors.New("no active chat")
	ErrSuperseded         = dispatch.ErrSuperseded
)

// Participant is the visitor's identity attached to every send.
type Participant struct {
	Name    string `yaml:"name"`
	Contact string `yaml:"contact"`
}

func (p Participant) complete() bool {
	return strings.TrimSpace(p.Name) != "" && strings.TrimSpace(p.Contact) != ""
}

// Snapshot is everything a UI needs to render the widget.
type Snapshot struct {
	Session     session.Snapshot
	Access      access.Result
	Resolved    bool
	Appearance  access.Appearance
	Participant Participant
	Compose     string
	Sending     bool
	LastError   error
}

type options struct {
	opener     transport.Opener
	httpClient *http.Client
	onChange   func(Snapshot)
	now        func() time.Time
}

type Option func(*options)

func WithOpener(o transport.Opener) Option {
	return func(opts *options) { opts.opener = o }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(opts *options) { opts.httpClient = hc }
}

// WithOnChange is called after every observable change. It runs on library goroutines and
// must not call StartChat, EndChat or Close synchronously.
func WithOnChange(fn func(Snapshot)) Option {
	return func(opts *options) { opts.onChange = fn }
}

func WithClock(now func() time.Time) Option {
	return func(opts *options) { opts.now = now }
}

type Widget struct {
	cfg      config.Config
	client   *api.Client
	resolver *access.Resolver
	coord    *session.Coordinator
	bus      *eventbus.Bus
	composer *dispatch.Composer
	onChange func(Snapshot)

	mu          sync.Mutex
	participant Participant
	resolved    bool
	epoch       uint64
	lastErr     error
}

func New(cfg config.Config, opts ...Option) (*Widget, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	apiOpts := []api.Option{api.WithTimeout(cfg.HTTPTimeout)}
	if o.httpClient != nil {
		apiOpts = append([]api.Option{api.WithHTTPClient(o.httpClient)}, apiOpts...)
	}
	client, err := api.NewClient(cfg.APIURL, cfg.AdminAPIKey, apiOpts...)
	if err != nil {
		return nil, err
	}

	if o.opener == nil {
		o.opener = socketio.NewDialer(socketio.WithHandshakeTimeout(cfg.HandshakeTimeout))
	}
	bus, err := eventbus.New(cfg.EventBus)
	if err != nil {
		return nil, err
	}

	w := &Widget{cfg: cfg, client: client, onChange: o.onChange}
	w.resolver = access.NewResolver(client, access.WithClock(o.now), access.WithOnUpdate(func(access.Result) { w.notify() }))
	w.coord, err = session.NewCoordinator(
		session.WithOpener(o.opener),
		session.WithBus(bus),
		session.WithClock(o.now),
		session.WithOnChange(func(session.Snapshot) { w.notify() }),
	)
	if err != nil {
		_ = bus.Close()
		return nil, err
	}
	w.bus = bus
	w.composer = dispatch.NewComposer(dispatch.NewDispatcher(client, dispatch.WithClock(o.now)), w.coord.ContextID)
	return w, nil
}

// Resolve runs the access handshake with the configured identity and pre-fills the
// participant from the bearer token's profile when none was set.
func (w *Widget) Resolve(ctx context.Context) (access.Result, error) {
	res, err := w.resolver.Resolve(ctx, w.cfg.AccessInput())
	if err != nil {
		return res, err
	}
	w.mu.Lock()
	w.resolved = true
	if res.Profile != nil && !w.participant.complete() {
		if w.participant.Name == "" {
			w.participant.Name = res.Profile.Name
		}
		if w.participant.Contact == "" {
			w.participant.Contact = res.Profile.Email
		}
	}
	w.mu.Unlock()
	w.notify()
	return res, nil
}

func (w *Widget) SetParticipant(p Participant) {
	w.mu.Lock()
	w.participant = Participant{Name: strings.TrimSpace(p.Name), Contact: strings.TrimSpace(p.Contact)}
	w.mu.Unlock()
	w.notify()
}

func (w *Widget) Participant() Participant {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.participant
}

// StartChat obtains a fresh context id and opens the session. The widget must be resolved
// and allowed, and the participant complete.
func (w *Widget) StartChat(ctx context.Context) error {
	w.mu.Lock()
	if !w.participant.complete() {
		w.mu.Unlock()
		return ErrMissingParticipant
	}
	if !w.resolved {
		w.mu.Unlock()
		return ErrNotResolved
	}
	w.epoch++
	epoch := w.epoch
	w.lastErr = nil
	w.mu.Unlock()

	if !w.resolver.Allowed() {
		return ErrNotAllowed
	}

	contextID, err := w.client.NewContextID(ctx)
	if err != nil {
		w.setErr(err)
		return err
	}
	if !w.currentEpoch(epoch) {
		log.Debug().Str("component", "widget").Str("context_id", contextID).Msg("discarding context id of a superseded start")
		return ErrSuperseded
	}

	w.composer.Reset()
	if err := w.coord.StartSession(ctx, contextID, w.cfg.RealtimeURL()); err != nil {
		w.setErr(err)
		return err
	}
	// EndChat may have run between the check above and the session becoming active
	if !w.currentEpoch(epoch) {
		log.Debug().Str("component", "widget").Str("context_id", contextID).Msg("chat ended while starting, stopping session")
		w.coord.StopSession()
		return ErrSuperseded
	}
	log.Info().Str("component", "widget").Str("context_id", contextID).Msg("chat started")
	return nil
}

// EndChat stops the session. Pending StartChat calls become superseded.
func (w *Widget) EndChat() {
	w.mu.Lock()
	w.epoch++
	w.mu.Unlock()
	w.coord.StopSession()
	w.composer.Reset()
	w.notify()
}

func (w *Widget) SetCompose(text string) {
	w.composer.SetText(text)
	w.notify()
}

func (w *Widget) Compose() string {
	return w.composer.Text()
}

// Send sends the compose buffer to the active chat. The message appears in the log only when
// the backend echoes it.
func (w *Widget) Send(ctx context.Context) (dispatch.Outcome, error) {
	contextID := w.coord.ContextID()
	if contextID == "" || w.coord.State() != session.Active {
		return dispatch.Outcome{}, ErrNoChat
	}
	p := w.Participant()
	target := dispatch.Target{
		ContextID:     contextID,
		SenderName:    p.Name,
		SenderContact: p.Contact,
	}
	if res := w.resolver.Current(); res.Scoped {
		target.AgentID = res.Grant.AgentID
	}
	w.notify()
	out, err := w.composer.Send(ctx, target)
	w.notify()
	return out, err
}

// LastError is the most recent start or send failure.
func (w *Widget) LastError() error {
	if err := w.composer.LastError(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Appearance is the resolved look; host-supplied outline colors override the agent's.
func (w *Widget) Appearance() access.Appearance {
	app := w.resolver.Current().Appearance
	if w.cfg.OutlineColorDark != "" {
		app.OutlineColors.Dark = w.cfg.OutlineColorDark
	}
	if w.cfg.OutlineColorLight != "" {
		app.OutlineColors.Light = w.cfg.OutlineColorLight
	}
	return app
}

func (w *Widget) Snapshot() Snapshot {
	w.mu.Lock()
	p, resolved := w.participant, w.resolved
	w.mu.Unlock()
	return Snapshot{
		Session:     w.coord.Snapshot(),
		Access:      w.resolver.Current(),
		Resolved:    resolved,
		Appearance:  w.Appearance(),
		Participant: p,
		Compose:     w.composer.Text(),
		Sending:     w.composer.InFlight(),
		LastError:   w.LastError(),
	}
}

// Close ends the chat and releases the event bus.
func (w *Widget) Close() error {
	w.mu.Lock()
	w.epoch++
	w.mu.Unlock()
	err := w.coord.Close()
	if berr := w.bus.Close(); err == nil {
		err = berr
	}
	return err
}

func (w *Widget) setErr(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.mu.Unlock()
	w.notify()
}

func (w *Widget) currentEpoch(epoch uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.epoch == epoch
}

func (w *Widget) notify() {
	if w.onChange == nil {
		return
	}
	w.onChange(w.Snapshot())
}
