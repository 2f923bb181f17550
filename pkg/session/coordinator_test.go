package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatwidget/pkg/chat"
	"github.com/go-go-golems/chatwidget/pkg/eventbus"
	"github.com/go-go-golems/chatwidget/pkg/transport"
)

type fakeHandle struct {
	mu     sync.Mutex
	closes int
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes++
	return nil
}

func (h *fakeHandle) closeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closes
}

type openCall struct {
	contextID string
	serverURL string
	handler   transport.Handler
	handle    *fakeHandle
}

type fakeOpener struct {
	mu    sync.Mutex
	err   error
	calls []*openCall
}

func (o *fakeOpener) Open(_ context.Context, contextID, serverURL string, h transport.Handler) (transport.Handle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	call := &openCall{contextID: contextID, serverURL: serverURL, handler: h, handle: &fakeHandle{}}
	o.calls = append(o.calls, call)
	return call.handle, nil
}

func (o *fakeOpener) last() *openCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[len(o.calls)-1]
}

func newTestCoordinator(t *testing.T, opts ...Option) (*Coordinator, *fakeOpener) {
	t.Helper()
	opener := &fakeOpener{}
	c, err := NewCoordinator(append([]Option{WithOpener(opener)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, opener
}

func TestCoordinator_Scenario(t *testing.T) {
	base := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	c, opener := newTestCoordinator(t, WithClock(func() time.Time { return base }))

	require.NoError(t, c.StartSession(context.Background(), "ctx-1", "https://rt.example.com"))
	require.Equal(t, Active, c.State())
	require.Equal(t, "ctx-1", c.ContextID())

	call := opener.last()
	require.Equal(t, "ctx-1", call.contextID)
	require.Equal(t, "https://rt.example.com", call.serverURL)

	call.handler.HandleEvent(chat.TypingStarted(chat.RoleUser, "Alice"))
	call.handler.HandleEvent(chat.MessageReceived("1", "hi", "Alice", chat.RoleUser))
	call.handler.HandleEvent(chat.TypingStarted(chat.RoleAssistant, "Bot"))

	require.Eventually(t, func() bool {
		_, typing := c.Typing()
		return len(c.Messages()) == 1 && typing
	}, 2*time.Second, 5*time.Millisecond)

	msgs := c.Messages()
	require.Equal(t, chat.Message{ID: "1", Text: "hi", SenderName: "Alice", Role: chat.RoleUser, CreatedAt: base}, msgs[0])
	p, ok := c.Typing()
	require.True(t, ok)
	require.Equal(t, chat.TypingPresence{Role: chat.RoleAssistant, DisplayName: "Bot"}, p)
}

func TestCoordinator_StopIsIdempotent(t *testing.T) {
	c, opener := newTestCoordinator(t)
	c.StopSession()
	require.Equal(t, Idle, c.State())

	require.NoError(t, c.StartSession(context.Background(), "ctx-1", "http://x"))
	call := opener.last()
	call.handler.HandleEvent(chat.MessageReceived("1", "hi", "Bot", chat.RoleAssistant))
	require.Eventually(t, func() bool { return len(c.Messages()) == 1 }, 2*time.Second, 5*time.Millisecond)

	c.StopSession()
	c.StopSession()
	require.Equal(t, Idle, c.State())
	require.Empty(t, c.ContextID())
	require.Empty(t, c.Messages())
	_, typing := c.Typing()
	require.False(t, typing)
	require.Equal(t, 1, call.handle.closeCount())
}

func TestCoordinator_RestartResetsState(t *testing.T) {
	c, opener := newTestCoordinator(t)

	require.NoError(t, c.StartSession(context.Background(), "ctx-a", "http://x"))
	first := opener.last()
	first.handler.HandleEvent(chat.MessageReceived("1", "from a", "Bot", chat.RoleAssistant))
	first.handler.HandleEvent(chat.TypingStarted(chat.RoleAssistant, "Bot"))
	require.Eventually(t, func() bool { return len(c.Messages()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.StartSession(context.Background(), "ctx-b", "http://x"))
	require.Equal(t, 1, first.handle.closeCount())
	require.Equal(t, "ctx-b", c.ContextID())
	require.Empty(t, c.Messages())
	_, typing := c.Typing()
	require.False(t, typing)

	// a straggler from the old channel never reaches the new log
	first.handler.HandleEvent(chat.MessageReceived("2", "late", "Bot", chat.RoleAssistant))
	second := opener.last()
	second.handler.HandleEvent(chat.MessageReceived("3", "from b", "Bot", chat.RoleAssistant))
	require.Eventually(t, func() bool { return len(c.Messages()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, "3", c.Messages()[0].ID)
}

func TestCoordinator_StaleGenerationDroppedOnSameContext(t *testing.T) {
	bus, err := eventbus.New(eventbus.DefaultSettings())
	require.NoError(t, err)
	defer func() { _ = bus.Close() }()
	c, opener := newTestCoordinator(t, WithBus(bus))

	require.NoError(t, c.StartSession(context.Background(), "ctx-1", "http://x"))
	old := opener.last()
	c.StopSession()
	require.NoError(t, c.StartSession(context.Background(), "ctx-1", "http://x"))

	old.handler.HandleEvent(chat.MessageReceived("old", "stale", "Bot", chat.RoleAssistant))
	opener.last().handler.HandleEvent(chat.MessageReceived("new", "fresh", "Bot", chat.RoleAssistant))

	require.Eventually(t, func() bool { return len(c.Messages()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, "new", c.Messages()[0].ID)
}

func TestCoordinator_OpenFailureStaysIdle(t *testing.T) {
	c, opener := newTestCoordinator(t)
	opener.err = errors.New("connection refused")

	err := c.StartSession(context.Background(), "ctx-1", "http://x")
	var terr *transport.Error
	require.True(t, errors.As(err, &terr))
	require.Equal(t, "ctx-1", terr.ContextID)
	require.Equal(t, Idle, c.State())
	require.Empty(t, c.ContextID())
}

func TestCoordinator_EmptyContextRejected(t *testing.T) {
	c, _ := newTestCoordinator(t)
	err := c.StartSession(context.Background(), "  ", "http://x")
	var terr *transport.Error
	require.True(t, errors.As(err, &terr))
	require.Equal(t, Idle, c.State())
}

func TestCoordinator_DropTearsDown(t *testing.T) {
	var mu sync.Mutex
	var snaps []Snapshot
	c, opener := newTestCoordinator(t, WithOnChange(func(s Snapshot) {
		mu.Lock()
		snaps = append(snaps, s)
		mu.Unlock()
	}))

	require.NoError(t, c.StartSession(context.Background(), "ctx-1", "http://x"))
	call := opener.last()
	call.handler.HandleClose(&transport.Error{Op: "read", ContextID: "ctx-1", Err: errors.New("EOF")})

	require.Eventually(t, func() bool { return c.State() == Idle }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, call.handle.closeCount())
	snap := c.Snapshot()
	require.Error(t, snap.Dropped)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, snaps)
	require.Equal(t, Active, snaps[0].State)
}

func TestCoordinator_DropOfOldSessionIgnored(t *testing.T) {
	c, opener := newTestCoordinator(t)
	require.NoError(t, c.StartSession(context.Background(), "ctx-a", "http://x"))
	old := opener.last()
	require.NoError(t, c.StartSession(context.Background(), "ctx-b", "http://x"))

	old.handler.HandleClose(errors.New("late drop"))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, Active, c.State())
	require.Equal(t, "ctx-b", c.ContextID())
}

func TestCoordinator_ClosedRejectsStart(t *testing.T) {
	c, _ := newTestCoordinator(t)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.ErrorIs(t, c.StartSession(context.Background(), "ctx-1", "http://x"), ErrClosed)
}
