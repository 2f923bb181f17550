// Package access resolves which agent and workspace a widget instance talks to, and whether it
// is authorized to start a chat at all.
package access

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatwidget/pkg/api"
)

type Option func(*Resolver)

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithOnUpdate is called whenever the current result changes after Resolve returned, i.e.
// when cosmetic lookups land.
func WithOnUpdate(fn func(Result)) Option {
	return func(r *Resolver) { r.onUpdate = fn }
}

type Resolver struct {
	backend  Backend
	now      func() time.Time
	onUpdate func(Result)

	mu      sync.Mutex
	gen     uint64
	current Result
	wg      sync.WaitGroup
}

func NewResolver(b Backend, opts ...Option) *Resolver {
	r := &Resolver{
		backend: b,
		now:     time.Now,
		current: Result{Appearance: DefaultAppearance()},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve runs the handshake for in. Stage failures are recorded in Result.Errors and never
// returned; the only error is ErrSuperseded, when a later Resolve started before this one
// finished. Cosmetic lookups continue in the background.
func (r *Resolver) Resolve(ctx context.Context, in Input) (Result, error) {
	in = trimInput(in)

	r.mu.Lock()
	r.gen++
	gen := r.gen
	r.mu.Unlock()

	logger := log.With().Str("component", "access").Uint64("resolution", gen).Bool("scoped", in.Scoped()).Logger()

	res := Result{Generation: gen, Scoped: in.Scoped(), Appearance: DefaultAppearance()}
	var errsMu sync.Mutex
	record := func(stage string, err error) {
		logger.Warn().Err(err).Str("stage", stage).Msg("handshake stage failed")
		errsMu.Lock()
		res.Errors = append(res.Errors, &HandshakeError{Stage: stage, Err: err})
		errsMu.Unlock()
	}

	var g errgroup.Group
	g.Go(func() error {
		res.Grant, res.Scoped = r.resolveGrant(ctx, in, record)
		return nil
	})
	if in.Token != "" {
		g.Go(func() error {
			p, err := r.fetchProfile(ctx, in.Token)
			if err != nil {
				record("profile", err)
				return nil
			}
			res.Profile = &p
			return nil
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	if r.gen != gen {
		r.mu.Unlock()
		logger.Debug().Msg("dropping superseded resolution")
		return Result{}, ErrSuperseded
	}
	r.current = res
	r.mu.Unlock()

	logger.Info().Str("validity", res.Grant.Validity.String()).Bool("allowed", res.Allowed()).Msg("access resolved")

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.fetchAppearance(context.WithoutCancel(ctx), gen, res.Grant)
	}()
	return res, nil
}

// resolveGrant also reports whether the result is scoped: a reference that fails to decrypt
// falls back to unscoped mode unless explicit identity fields were given.
func (r *Resolver) resolveGrant(ctx context.Context, in Input, record func(string, error)) (Grant, bool) {
	if !in.Scoped() {
		return Grant{}, false
	}

	explicit := Grant{WorkspaceID: in.WorkspaceID, AgentID: in.AgentID, AgentSecret: in.AgentSecret}
	grant := explicit
	if in.Ref != "" {
		ref, err := r.backend.DecryptAgentRef(ctx, in.Ref)
		switch {
		case err != nil:
			record("decrypt", err)
			if explicit == (Grant{}) {
				return Grant{}, false
			}
		default:
			// a decrypted reference is authoritative over the explicit fields
			grant = Grant{WorkspaceID: ref.WorkspaceID, AgentID: ref.AgentID, AgentSecret: ref.AgentSecret}
		}
	}

	if grant.WorkspaceID == "" || grant.AgentID == "" || grant.AgentSecret == "" {
		record("validate", ErrMissingGrant)
		grant.Validity = Invalid
		return grant, true
	}
	ok, err := r.backend.CheckAgentSecret(ctx, grant.WorkspaceID, grant.AgentID, grant.AgentSecret)
	switch {
	case err != nil:
		record("validate", err)
		grant.Validity = Invalid
	case ok:
		grant.Validity = Valid
	default:
		grant.Validity = Invalid
	}
	return grant, true
}

// fetchProfile skips the network call for a JWT that has already expired. Tokens that are not
// JWTs are sent as they are.
func (r *Resolver) fetchProfile(ctx context.Context, token string) (api.Profile, error) {
	if parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{}); err == nil {
		if exp, err := parsed.Claims.GetExpirationTime(); err == nil && exp != nil && exp.Before(r.now()) {
			return api.Profile{}, errors.Wrapf(ErrTokenExpired, "expired at %s", exp.Format(time.RFC3339))
		}
	}
	return r.backend.FetchProfile(ctx, token)
}

func (r *Resolver) fetchAppearance(ctx context.Context, gen uint64, grant Grant) {
	if grant.WorkspaceID == "" && grant.AgentID == "" {
		return
	}
	var mu sync.Mutex
	app := DefaultAppearance()
	var g errgroup.Group
	if grant.WorkspaceID != "" {
		g.Go(func() error {
			avatar, err := r.backend.FetchWorkspaceAvatar(ctx, grant.WorkspaceID)
			if err != nil {
				log.Debug().Err(err).Str("component", "access").Msg("workspace avatar unavailable")
				return nil
			}
			mu.Lock()
			app.AvatarURL = avatar
			mu.Unlock()
			return nil
		})
	}
	if grant.AgentID != "" {
		g.Go(func() error {
			colors, err := r.backend.FetchOutlineColors(ctx, grant.AgentID)
			if err != nil {
				log.Debug().Err(err).Str("component", "access").Msg("outline colors unavailable")
				return nil
			}
			mu.Lock()
			if colors.Dark != "" {
				app.OutlineColors.Dark = colors.Dark
			}
			if colors.Light != "" {
				app.OutlineColors.Light = colors.Light
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	if r.gen != gen {
		r.mu.Unlock()
		return
	}
	r.current.Appearance = app
	res := r.current
	r.mu.Unlock()

	if r.onUpdate != nil {
		r.onUpdate(res)
	}
}

// Current is the latest completed resolution.
func (r *Resolver) Current() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *Resolver) Allowed() bool {
	return r.Current().Allowed()
}

// Wait blocks until background cosmetic lookups have finished.
func (r *Resolver) Wait() {
	r.wg.Wait()
}

func trimInput(in Input) Input {
	return Input{
		Ref:         strings.TrimSpace(in.Ref),
		Token:       strings.TrimSpace(in.Token),
		WorkspaceID: strings.TrimSpace(in.WorkspaceID),
		AgentID:     strings.TrimSpace(in.AgentID),
		AgentSecret: strings.TrimSpace(in.AgentSecret),
	}
}
