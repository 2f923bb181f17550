package stubbackend

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSocket struct {
	mu     sync.Mutex
	frames []string
	fail   bool
	closed bool
}

func (f *fakeSocket) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail || f.closed {
		return errors.New("closed")
	}
	f.frames = append(f.frames, string(data))
	return nil
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSocket) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestRoom_SendEvictsFailingSocket(t *testing.T) {
	rm := newRoom("c1", 0, nil)
	good := &fakeSocket{}
	bad := &fakeSocket{fail: true}
	rm.join("a", good)
	rm.join("b", bad)

	require.Equal(t, 1, rm.send([]byte("one")))
	require.Equal(t, 1, rm.send([]byte("two")))

	require.Equal(t, 1, rm.size())
	require.Equal(t, []string{"one", "two"}, good.frames)
	require.True(t, bad.isClosed())
}

func TestRoom_RejoinReplacesSocket(t *testing.T) {
	rm := newRoom("c1", 0, nil)
	first := &fakeSocket{}
	second := &fakeSocket{}
	rm.join("a", first)
	rm.join("a", second)

	require.Equal(t, 1, rm.size())
	require.True(t, first.isClosed())
	require.False(t, second.isClosed())
}

func TestRoom_ReleasedAfterLastLeave(t *testing.T) {
	var released atomic.Int32
	rm := newRoom("c1", 20*time.Millisecond, func() { released.Add(1) })
	s := &fakeSocket{}
	rm.join("a", s)
	rm.leave("a")

	require.Eventually(t, func() bool { return released.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 0, rm.size())
	require.True(t, s.isClosed())
}

func TestRoom_JoinCancelsRelease(t *testing.T) {
	var released atomic.Int32
	rm := newRoom("c1", 30*time.Millisecond, func() { released.Add(1) })
	rm.join("a", &fakeSocket{})
	rm.leave("a")
	rm.join("b", &fakeSocket{})

	time.Sleep(80 * time.Millisecond)
	require.Equal(t, int32(0), released.Load())
}

func TestRoom_DropClosesEverySocket(t *testing.T) {
	rm := newRoom("c1", 0, nil)
	a, b := &fakeSocket{}, &fakeSocket{}
	rm.join("a", a)
	rm.join("b", b)

	rm.drop()
	require.Equal(t, 0, rm.size())
	require.True(t, a.isClosed())
	require.True(t, b.isClosed())
	require.Equal(t, 0, rm.send([]byte("late")))
}

func TestRoom_NilSafe(t *testing.T) {
	var rm *room
	rm.join("a", &fakeSocket{})
	rm.leave("a")
	rm.drop()
	require.Equal(t, 0, rm.send([]byte("x")))
	require.Equal(t, 0, rm.size())
}
