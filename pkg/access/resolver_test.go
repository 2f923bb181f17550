package access

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatwidget/pkg/api"
)

type fakeBackend struct {
	mu    sync.Mutex
	calls []string

	ref        api.AgentRef
	decryptErr error
	secretOK   bool
	checkErr   error
	profile    api.Profile
	profileErr error
	avatar     string
	colors     api.OutlineColors

	// block, when set, holds DecryptAgentRef until closed
	block chan struct{}
}

func (f *fakeBackend) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeBackend) called(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == name {
			return true
		}
	}
	return false
}

func (f *fakeBackend) DecryptAgentRef(_ context.Context, ref string) (api.AgentRef, error) {
	f.record("decrypt")
	if f.block != nil {
		<-f.block
	}
	return f.ref, f.decryptErr
}

func (f *fakeBackend) CheckAgentSecret(_ context.Context, _, _, _ string) (bool, error) {
	f.record("check")
	return f.secretOK, f.checkErr
}

func (f *fakeBackend) FetchProfile(_ context.Context, _ string) (api.Profile, error) {
	f.record("profile")
	return f.profile, f.profileErr
}

func (f *fakeBackend) FetchWorkspaceAvatar(_ context.Context, _ string) (string, error) {
	f.record("avatar")
	return f.avatar, nil
}

func (f *fakeBackend) FetchOutlineColors(_ context.Context, _ string) (api.OutlineColors, error) {
	f.record("colors")
	return f.colors, nil
}

func TestResolve_UnscopedMakesNoValidationCall(t *testing.T) {
	b := &fakeBackend{}
	r := NewResolver(b)
	res, err := r.Resolve(context.Background(), Input{})
	require.NoError(t, err)
	r.Wait()

	require.False(t, res.Scoped)
	require.True(t, res.Allowed())
	require.Equal(t, Unknown, res.Grant.Validity)
	require.Empty(t, b.calls)
	require.Equal(t, DefaultAppearance(), r.Current().Appearance)
}

func TestResolve_RefDecryptsAndValidates(t *testing.T) {
	b := &fakeBackend{
		ref:      api.AgentRef{WorkspaceID: "ws-1", AgentID: "agent-1", AgentSecret: "s"},
		secretOK: true,
		avatar:   "https://cdn.example.com/a.png",
		colors:   api.OutlineColors{Dark: "#000000"},
	}
	updated := make(chan Result, 1)
	r := NewResolver(b, WithOnUpdate(func(res Result) { updated <- res }))

	// explicit fields lose to the reference
	res, err := r.Resolve(context.Background(), Input{Ref: "opaque", AgentID: "ignored"})
	require.NoError(t, err)
	require.True(t, res.Scoped)
	require.Equal(t, Valid, res.Grant.Validity)
	require.Equal(t, "agent-1", res.Grant.AgentID)
	require.True(t, r.Allowed())

	select {
	case up := <-updated:
		require.Equal(t, "https://cdn.example.com/a.png", up.Appearance.AvatarURL)
		require.Equal(t, "#000000", up.Appearance.OutlineColors.Dark)
		require.Equal(t, DefaultOutlineColorLight, up.Appearance.OutlineColors.Light)
	case <-time.After(2 * time.Second):
		t.Fatal("appearance update not delivered")
	}
}

func TestResolve_DecryptOKButValidationFails(t *testing.T) {
	b := &fakeBackend{
		ref:      api.AgentRef{WorkspaceID: "ws-1", AgentID: "agent-1", AgentSecret: "s"},
		secretOK: false,
	}
	r := NewResolver(b)
	res, err := r.Resolve(context.Background(), Input{Ref: "opaque"})
	require.NoError(t, err)
	require.Equal(t, Invalid, res.Grant.Validity)
	require.False(t, res.Allowed())
	require.False(t, r.Allowed())
}

func TestResolve_ValidationErrorFailsClosed(t *testing.T) {
	b := &fakeBackend{checkErr: errors.New("boom")}
	r := NewResolver(b)
	res, err := r.Resolve(context.Background(), Input{WorkspaceID: "ws", AgentID: "a", AgentSecret: "s"})
	require.NoError(t, err)
	require.Equal(t, Invalid, res.Grant.Validity)
	require.Len(t, res.Errors, 1)
	var he *HandshakeError
	require.True(t, errors.As(res.Errors[0], &he))
	require.Equal(t, "validate", he.Stage)
}

func TestResolve_MissingValuesAreInvalid(t *testing.T) {
	b := &fakeBackend{secretOK: true}
	r := NewResolver(b)

	res, err := r.Resolve(context.Background(), Input{AgentID: "agent-1", AgentSecret: "s"})
	require.NoError(t, err)
	require.Equal(t, Invalid, res.Grant.Validity)
	require.False(t, b.called("check"))
	require.ErrorIs(t, res.Errors[0], ErrMissingGrant)

	b2 := &fakeBackend{decryptErr: errors.New("bad ref"), secretOK: true}
	res, err = NewResolver(b2).Resolve(context.Background(), Input{Ref: "garbage", AgentID: "agent-1"})
	require.NoError(t, err)
	require.True(t, res.Scoped)
	require.Equal(t, Invalid, res.Grant.Validity)
	require.False(t, b2.called("check"))
	require.Len(t, res.Errors, 2)
}

func TestResolve_DecryptFailureFallsBackToUnscoped(t *testing.T) {
	b := &fakeBackend{decryptErr: errors.New("boom"), secretOK: true}
	r := NewResolver(b)

	res, err := r.Resolve(context.Background(), Input{Ref: "opaque"})
	require.NoError(t, err)
	require.False(t, res.Scoped)
	require.Equal(t, Unknown, res.Grant.Validity)
	require.True(t, res.Allowed())
	require.True(t, r.Allowed())
	require.False(t, b.called("check"))

	require.Len(t, res.Errors, 1)
	var he *HandshakeError
	require.True(t, errors.As(res.Errors[0], &he))
	require.Equal(t, "decrypt", he.Stage)

	r.Wait()
	require.False(t, b.called("avatar"))
	require.False(t, b.called("colors"))
}

func TestResolve_DecryptedRefOverridesExplicitFields(t *testing.T) {
	b := &fakeBackend{
		ref:      api.AgentRef{WorkspaceID: "ws-ref", AgentID: "agent-ref", AgentSecret: "s"},
		secretOK: true,
	}
	res, err := NewResolver(b).Resolve(context.Background(), Input{Ref: "opaque", AgentID: "agent-explicit"})
	require.NoError(t, err)
	require.True(t, res.Allowed())
	require.Equal(t, "agent-ref", res.Grant.AgentID)
	require.Equal(t, "ws-ref", res.Grant.WorkspaceID)
}

func TestResolve_ProfilePrefillAndFailure(t *testing.T) {
	b := &fakeBackend{profile: api.Profile{Name: "Alice", Email: "a@example.com"}}
	res, err := NewResolver(b).Resolve(context.Background(), Input{Token: "opaque-token"})
	require.NoError(t, err)
	require.Equal(t, &api.Profile{Name: "Alice", Email: "a@example.com"}, res.Profile)

	b = &fakeBackend{profileErr: errors.New("unauthorized")}
	res, err = NewResolver(b).Resolve(context.Background(), Input{Token: "opaque-token"})
	require.NoError(t, err)
	require.Nil(t, res.Profile)
	require.True(t, res.Allowed())
	require.Len(t, res.Errors, 1)
}

func TestResolve_ExpiredJWTIsNotSent(t *testing.T) {
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice",
		"exp": now.Add(-time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte("test-key"))
	require.NoError(t, err)

	b := &fakeBackend{}
	res, err := NewResolver(b, WithClock(func() time.Time { return now })).Resolve(context.Background(), Input{Token: signed})
	require.NoError(t, err)
	require.False(t, b.called("profile"))
	require.Nil(t, res.Profile)
	require.ErrorIs(t, res.Errors[0], ErrTokenExpired)

	fresh := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": now.Add(time.Hour).Unix()})
	signed, err = fresh.SignedString([]byte("test-key"))
	require.NoError(t, err)
	_, err = NewResolver(b, WithClock(func() time.Time { return now })).Resolve(context.Background(), Input{Token: signed})
	require.NoError(t, err)
	require.True(t, b.called("profile"))
}

func TestResolve_SupersededResultDropped(t *testing.T) {
	slow := &fakeBackend{
		ref:      api.AgentRef{WorkspaceID: "ws-old", AgentID: "old", AgentSecret: "s"},
		secretOK: true,
		block:    make(chan struct{}),
	}
	r := NewResolver(slow)

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Resolve(context.Background(), Input{Ref: "old-ref"})
		errCh <- err
	}()
	require.Eventually(t, func() bool { return slow.called("decrypt") }, 2*time.Second, 5*time.Millisecond)

	// the second resolution is unscoped and completes first
	res, err := r.Resolve(context.Background(), Input{})
	require.NoError(t, err)
	require.False(t, res.Scoped)

	close(slow.block)
	require.ErrorIs(t, <-errCh, ErrSuperseded)
	require.False(t, r.Current().Scoped)
	require.Empty(t, r.Current().Grant.AgentID)
}
