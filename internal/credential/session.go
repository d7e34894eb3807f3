// Package credential owns the per-account token pair shared by every request
// a driver makes. Readers copy a Snapshot under a read lock; refreshes are
// reactive (triggered by the request executor observing an expiry marker)
// and single-flight: concurrent callers holding the same stale snapshot share
// one network refresh.
package credential

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tonimelisma/drivebridge/internal/errs"
)

// refreshKey is the single-flight key. One Session refreshes one account, so
// a constant key serializes every refresh of that session.
const refreshKey = "refresh"

// maxJoinRounds bounds how many times Refresh re-joins a flight whose result
// turned out to be no newer than the caller's stale snapshot.
const maxJoinRounds = 2

// Tokens is the credential material for one account.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time // zero when unknown
}

// Snapshot is an immutable copy of the session tokens. Generation increases
// on every Install and lets Refresh detect that a snapshot is already stale.
type Snapshot struct {
	Tokens
	Generation uint64
}

// Expired reports whether the snapshot carries a known expiry in the past.
// Used for diagnostics only; refresh stays reactive.
func (s Snapshot) Expired(now time.Time) bool {
	return !s.Expiry.IsZero() && !now.Before(s.Expiry)
}

// Refresher exchanges the current tokens for fresh ones. Implementations
// return an *errs.Error of kind AuthRefreshFailed when the backend rejects
// the refresh token and kind Network for transport failures.
type Refresher interface {
	Refresh(ctx context.Context, current Tokens) (Tokens, error)
}

// RefresherFunc adapts a function to Refresher. Drivers use it for
// backend-specific refresh endpoints.
type RefresherFunc func(ctx context.Context, current Tokens) (Tokens, error)

// Refresh calls f.
func (f RefresherFunc) Refresh(ctx context.Context, current Tokens) (Tokens, error) {
	return f(ctx, current)
}

// Session holds the tokens of one account. Safe for concurrent use; share a
// single *Session between every request of a driver instance.
type Session struct {
	name      string
	refresher Refresher
	onInstall func(Tokens)
	logger    *slog.Logger

	mu     sync.RWMutex
	tokens Tokens
	gen    uint64

	flight    singleflight.Group
	refreshes atomic.Int64
}

// Option configures a Session.
type Option func(*Session)

// WithRefresher sets the refresher. Sessions without one (static keys)
// report AuthRefreshFailed when asked to refresh.
func WithRefresher(r Refresher) Option {
	return func(s *Session) { s.refresher = r }
}

// WithInstallHook registers a callback run after every Install, outside the
// session lock. Used to persist rotated refresh tokens.
func WithInstallHook(fn func(Tokens)) Option {
	return func(s *Session) { s.onInstall = fn }
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// NewSession creates a session holding initial. name identifies the account
// in log output.
func NewSession(name string, initial Tokens, opts ...Option) *Session {
	s := &Session{name: name, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}

	if initial.Expiry.IsZero() {
		initial.Expiry = jwtExpiry(initial.AccessToken)
	}

	s.tokens = initial
	s.gen = 1

	return s
}

// Name returns the account name given to NewSession.
func (s *Session) Name() string {
	return s.name
}

// Snapshot returns a copy of the current tokens.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Snapshot{Tokens: s.tokens, Generation: s.gen}
}

// Install replaces the tokens and returns the new snapshot. An empty refresh
// token keeps the previous one, since many backends only rotate the access
// token.
func (s *Session) Install(t Tokens) Snapshot {
	if t.Expiry.IsZero() {
		t.Expiry = jwtExpiry(t.AccessToken)
	}

	s.mu.Lock()
	if t.RefreshToken == "" {
		t.RefreshToken = s.tokens.RefreshToken
	}

	s.tokens = t
	s.gen++
	snap := Snapshot{Tokens: t, Generation: s.gen}
	s.mu.Unlock()

	s.logger.Info("credentials installed",
		slog.String("account", s.name),
		slog.Uint64("generation", snap.Generation),
		slog.Time("expiry", snap.Expiry),
	)

	if s.onInstall != nil {
		s.onInstall(t)
	}

	return snap
}

// Refresh obtains tokens newer than stale. When the session already moved
// past stale (another caller refreshed first) the current snapshot is
// returned without a network call. Otherwise at most one refresh runs at a
// time and every concurrent caller waits for its result.
//
// The shared refresh is detached from the caller's cancellation so one
// canceled waiter cannot fail the refresh for the others; it stays bounded
// by the refresher's own transport timeout.
func (s *Session) Refresh(ctx context.Context, stale Snapshot) (Snapshot, error) {
	for range maxJoinRounds {
		if cur := s.Snapshot(); cur.Generation > stale.Generation {
			return cur, nil
		}

		if s.refresher == nil {
			return Snapshot{}, errs.New(errs.KindAuthRefreshFailed, "refresh "+s.name,
				"credentials cannot be refreshed; re-authorization required")
		}

		ch := s.flight.DoChan(refreshKey, func() (any, error) {
			return s.refreshOnce(context.WithoutCancel(ctx), stale)
		})

		select {
		case <-ctx.Done():
			return Snapshot{}, errs.Wrap(errs.KindNetwork, "refresh "+s.name, ctx.Err())
		case res := <-ch:
			if res.Err != nil {
				return Snapshot{}, res.Err
			}

			snap, _ := res.Val.(Snapshot) //nolint:errcheck // refreshOnce only returns Snapshot
			if snap.Generation > stale.Generation {
				return snap, nil
			}
		}
	}

	return s.Snapshot(), nil
}

// refreshOnce runs inside the single-flight group.
func (s *Session) refreshOnce(ctx context.Context, stale Snapshot) (Snapshot, error) {
	cur := s.Snapshot()
	if cur.Generation > stale.Generation {
		return cur, nil
	}

	s.refreshes.Add(1)
	s.logger.Info("refreshing credentials",
		slog.String("account", s.name),
		slog.Uint64("generation", cur.Generation),
	)

	fresh, err := s.refresher.Refresh(ctx, cur.Tokens)
	if err != nil {
		s.logger.Error("credential refresh failed",
			slog.String("account", s.name),
			slog.String("error", err.Error()),
		)

		return Snapshot{}, classifyRefreshErr(s.name, err)
	}

	if fresh.AccessToken == "" {
		return Snapshot{}, errs.New(errs.KindAuthRefreshFailed, "refresh "+s.name,
			"refresh returned an empty access token")
	}

	return s.Install(fresh), nil
}

// Refreshes returns how many network refreshes this session has issued.
func (s *Session) Refreshes() int64 {
	return s.refreshes.Load()
}

// classifyRefreshErr keeps typed transfer errors and treats anything else as
// a rejected refresh, which is fatal.
func classifyRefreshErr(name string, err error) error {
	var te *errs.Error
	if errors.As(err, &te) {
		return errs.WithOp(err, "refresh "+name)
	}

	return errs.Wrap(errs.KindAuthRefreshFailed, "refresh "+name, err)
}
