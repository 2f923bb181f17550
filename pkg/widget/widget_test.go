package widget

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatwidget/pkg/api"
	"github.com/go-go-golems/chatwidget/pkg/chat"
	"github.com/go-go-golems/chatwidget/pkg/config"
	"github.com/go-go-golems/chatwidget/pkg/dispatch"
	"github.com/go-go-golems/chatwidget/pkg/session"
	"github.com/go-go-golems/chatwidget/pkg/stubbackend"
	"github.com/go-go-golems/chatwidget/pkg/transport"
	"github.com/go-go-golems/chatwidget/pkg/transport/socketio"
)

func newStub(t *testing.T) (*stubbackend.Server, *httptest.Server) {
	t.Helper()
	stub := stubbackend.New(stubbackend.WithAdminAPIKey("admin"))
	stub.AddAgent(stubbackend.Agent{ID: "agent-1", WorkspaceID: "ws-1", Secret: "s3cret", Name: "Ava",
		Colors: api.OutlineColors{Dark: "#222222"}})
	stub.AddRef("good-ref", "agent-1")
	stub.AddAgent(stubbackend.Agent{ID: "agent-2", WorkspaceID: "ws-1", Secret: "other"})
	stub.AddProfile("tok", api.Profile{Name: "Alice", Email: "alice@example.com"})
	srv := httptest.NewServer(stub.Handler())
	t.Cleanup(srv.Close)
	return stub, srv
}

func newWidget(t *testing.T, srv *httptest.Server, override config.Config) *Widget {
	t.Helper()
	cfg := config.Merge(config.Defaults(), config.Config{APIURL: srv.URL, AdminAPIKey: "admin"})
	cfg = config.Merge(cfg, override)
	w, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestWidget_ScopedRefChatRoundTrip(t *testing.T) {
	stub, srv := newStub(t)
	w := newWidget(t, srv, config.Config{Ref: "good-ref", Token: "tok"})

	res, err := w.Resolve(context.Background())
	require.NoError(t, err)
	require.True(t, res.Allowed())
	require.Equal(t, Participant{Name: "Alice", Contact: "alice@example.com"}, w.Participant())

	require.NoError(t, w.StartChat(context.Background()))
	snap := w.Snapshot()
	require.Equal(t, session.Active, snap.Session.State)
	contextID := snap.Session.ContextID
	require.Eventually(t, func() bool { return stub.Connections(contextID) == 1 }, 2*time.Second, 10*time.Millisecond)

	w.SetCompose("hello there")
	out, err := w.Send(context.Background())
	require.NoError(t, err)
	require.True(t, out.Sent)
	require.Empty(t, w.Compose())

	require.Eventually(t, func() bool { return len(w.Snapshot().Session.Messages) == 2 }, 3*time.Second, 10*time.Millisecond)
	msgs := w.Snapshot().Session.Messages
	require.Equal(t, chat.RoleUser, msgs[0].Role)
	require.Equal(t, "hello there", msgs[0].Text)
	require.Equal(t, "Alice", msgs[0].SenderName)
	require.Equal(t, chat.RoleAssistant, msgs[1].Role)
	require.Equal(t, "Ava", msgs[1].SenderName)
	require.Nil(t, w.Snapshot().Session.Typing)

	sent := stub.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, "agent-1", sent[0].AgentID)
	require.Equal(t, "alice@example.com", sent[0].Request.Phone)

	require.Eventually(t, func() bool {
		return w.Appearance().OutlineColors.Dark == "#222222"
	}, 2*time.Second, 10*time.Millisecond)

	w.EndChat()
	require.Equal(t, session.Idle, w.Snapshot().Session.State)
	require.Empty(t, w.Snapshot().Session.Messages)
}

func TestWidget_UndecryptableRefFallsBackToUnscoped(t *testing.T) {
	stub, srv := newStub(t)
	w := newWidget(t, srv, config.Config{Ref: "unknown-ref"})
	w.SetParticipant(Participant{Name: "Bob", Contact: "bob@example.com"})

	res, err := w.Resolve(context.Background())
	require.NoError(t, err)
	require.False(t, res.Scoped)
	require.True(t, res.Allowed())
	require.Len(t, res.Errors, 1)

	require.NoError(t, w.StartChat(context.Background()))
	require.Equal(t, session.Active, w.Snapshot().Session.State)
	require.Equal(t, 1, stub.Calls("decrypt-agent-ref"))
	require.Zero(t, stub.Calls("check-secret"))

	w.SetCompose("hi")
	_, err = w.Send(context.Background())
	require.NoError(t, err)
	require.Empty(t, stub.Sent()[0].AgentID)
}

func TestWidget_UndecryptableRefWithPartialIdentityNeverStarts(t *testing.T) {
	stub, srv := newStub(t)
	// the explicit fields take over once the ref fails, and they are incomplete
	w := newWidget(t, srv, config.Config{Ref: "unknown-ref", AgentSecret: "s3cret"})
	w.SetParticipant(Participant{Name: "Bob", Contact: "bob@example.com"})

	res, err := w.Resolve(context.Background())
	require.NoError(t, err)
	require.True(t, res.Scoped)
	require.False(t, res.Allowed())

	require.ErrorIs(t, w.StartChat(context.Background()), ErrNotAllowed)
	require.Equal(t, session.Idle, w.Snapshot().Session.State)
	require.Zero(t, stub.Calls("new-context-id"))
	require.Zero(t, stub.Calls("check-secret"))
}

func TestWidget_WrongSecretNeverStarts(t *testing.T) {
	stub, srv := newStub(t)
	w := newWidget(t, srv, config.Config{WorkspaceID: "ws-1", AgentID: "agent-2", AgentSecret: "wrong"})
	w.SetParticipant(Participant{Name: "Bob", Contact: "bob@example.com"})

	_, err := w.Resolve(context.Background())
	require.NoError(t, err)
	require.ErrorIs(t, w.StartChat(context.Background()), ErrNotAllowed)
	require.Equal(t, 1, stub.Calls("check-secret"))
	require.Zero(t, stub.Calls("new-context-id"))
}

func TestWidget_UnscopedStartsWithoutValidation(t *testing.T) {
	stub, srv := newStub(t)
	w := newWidget(t, srv, config.Config{})
	w.SetParticipant(Participant{Name: "Bob", Contact: "bob@example.com"})

	require.ErrorIs(t, w.StartChat(context.Background()), ErrNotResolved)
	_, err := w.Resolve(context.Background())
	require.NoError(t, err)
	require.NoError(t, w.StartChat(context.Background()))

	require.Zero(t, stub.Calls("decrypt-agent-ref"))
	require.Zero(t, stub.Calls("check-secret"))
	require.Equal(t, session.Active, w.Snapshot().Session.State)

	w.SetCompose("hi")
	_, err = w.Send(context.Background())
	require.NoError(t, err)
	require.Empty(t, stub.Sent()[0].AgentID)
}

func TestWidget_ParticipantRequired(t *testing.T) {
	_, srv := newStub(t)
	w := newWidget(t, srv, config.Config{})
	_, err := w.Resolve(context.Background())
	require.NoError(t, err)

	w.SetParticipant(Participant{Name: "Bob", Contact: "  "})
	require.ErrorIs(t, w.StartChat(context.Background()), ErrMissingParticipant)
}

func TestWidget_FailingSendKeepsCompose(t *testing.T) {
	stub, srv := newStub(t)
	w := newWidget(t, srv, config.Config{})
	w.SetParticipant(Participant{Name: "Bob", Contact: "bob@example.com"})
	_, err := w.Resolve(context.Background())
	require.NoError(t, err)
	require.NoError(t, w.StartChat(context.Background()))

	stub.FailSends(http.StatusInternalServerError, "")
	w.SetCompose("hello")
	_, err = w.Send(context.Background())
	var se *dispatch.SendError
	require.True(t, errors.As(err, &se))
	require.Equal(t, "Failure to send message", se.Message)

	snap := w.Snapshot()
	require.Equal(t, "hello", snap.Compose)
	require.False(t, snap.Sending)
	require.Error(t, snap.LastError)

	// nothing is appended locally, and the backend emitted nothing
	time.Sleep(100 * time.Millisecond)
	require.Empty(t, w.Snapshot().Session.Messages)
}

func TestWidget_SendWithoutChat(t *testing.T) {
	_, srv := newStub(t)
	w := newWidget(t, srv, config.Config{})
	w.SetCompose("hi")
	_, err := w.Send(context.Background())
	require.ErrorIs(t, err, ErrNoChat)
}

func TestWidget_HostColorsOverride(t *testing.T) {
	_, srv := newStub(t)
	w := newWidget(t, srv, config.Config{OutlineColorLight: "#abcdef"})
	app := w.Appearance()
	require.Equal(t, "#abcdef", app.OutlineColors.Light)
	require.NotEmpty(t, app.OutlineColors.Dark)
}

// endingOpener ends the chat from another goroutine while the channel is being opened, then
// opens it for real.
type endingOpener struct {
	inner transport.Opener
	w     *Widget
	ended chan struct{}
}

func (o *endingOpener) Open(ctx context.Context, contextID, serverURL string, h transport.Handler) (transport.Handle, error) {
	o.w.mu.Lock()
	before := o.w.epoch
	o.w.mu.Unlock()

	go func() {
		o.w.EndChat()
		close(o.ended)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for o.w.currentEpoch(before) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	return o.inner.Open(ctx, contextID, serverURL, h)
}

func TestWidget_EndChatDuringStartWins(t *testing.T) {
	stub, srv := newStub(t)
	op := &endingOpener{inner: socketio.NewDialer(), ended: make(chan struct{})}
	cfg := config.Merge(config.Defaults(), config.Config{APIURL: srv.URL, AdminAPIKey: "admin"})
	w, err := New(cfg, WithOpener(op))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	op.w = w

	w.SetParticipant(Participant{Name: "Bob", Contact: "bob@example.com"})
	_, err = w.Resolve(context.Background())
	require.NoError(t, err)

	require.ErrorIs(t, w.StartChat(context.Background()), ErrSuperseded)
	<-op.ended
	require.Equal(t, session.Idle, w.Snapshot().Session.State)
	require.Equal(t, 1, stub.Calls("new-context-id"))
}
