package auth

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/inletio/inlet/pkg/errors"
)

func TestStateMachine(t *testing.T) {
	t.Run("legal path through refresh", func(t *testing.T) {
		m := NewStateMachine()
		assert.Equal(t, StateUnauthenticated, m.Current())

		require.NoError(t, m.Transition(StateAuthenticated))
		require.NoError(t, m.Transition(StateExpired))
		require.NoError(t, m.Transition(StateRefreshing))
		require.NoError(t, m.Transition(StateAuthenticated))
	})

	t.Run("refresh-token-only seed goes straight to expired", func(t *testing.T) {
		m := NewStateMachine()
		require.NoError(t, m.Transition(StateExpired))
		require.NoError(t, m.Transition(StateRefreshing))
		require.NoError(t, m.Transition(StateAuthenticated))
	})

	t.Run("illegal edges are rejected", func(t *testing.T) {
		m := NewStateMachine()
		assert.Error(t, m.Transition(StateRefreshing))
		assert.Error(t, m.Transition(StateRefreshFailed))

		require.NoError(t, m.Transition(StateAuthenticated))
		assert.Error(t, m.Transition(StateRefreshing), "authenticated must pass through expired")
	})

	t.Run("refresh failure is terminal", func(t *testing.T) {
		m := NewStateMachine()
		require.NoError(t, m.Transition(StateAuthenticated))
		require.NoError(t, m.Transition(StateExpired))
		require.NoError(t, m.Transition(StateRefreshing))
		require.NoError(t, m.Transition(StateRefreshFailed))

		assert.True(t, m.Terminal())
		assert.Error(t, m.Transition(StateAuthenticated))
		assert.Error(t, m.Transition(StateExpired))
	})
}

func TestTokenStore(t *testing.T) {
	t.Run("rotation bumps the version", func(t *testing.T) {
		s := NewTokenStore(TokenSet{AccessToken: "a1", RefreshToken: "r1"})
		assert.Equal(t, uint64(1), s.Get().Version)

		installed := s.Rotate(TokenSet{AccessToken: "a2", RefreshToken: "r2"})
		assert.Equal(t, uint64(2), installed.Version)
		assert.Equal(t, "a2", s.Get().AccessToken)
		assert.Equal(t, "r2", s.Get().RefreshToken)
	})

	t.Run("empty store starts at version zero", func(t *testing.T) {
		s := NewTokenStore(TokenSet{})
		assert.Equal(t, uint64(0), s.Get().Version)
	})

	t.Run("missing refresh token carries forward", func(t *testing.T) {
		s := NewTokenStore(TokenSet{AccessToken: "a1", RefreshToken: "r1", InstanceURL: "https://org.example"})
		s.Rotate(TokenSet{AccessToken: "a2"})

		current := s.Get()
		assert.Equal(t, "r1", current.RefreshToken)
		assert.Equal(t, "https://org.example", current.InstanceURL)
	})

	t.Run("rotate callback fires with the new set", func(t *testing.T) {
		s := NewTokenStore(TokenSet{AccessToken: "a1", RefreshToken: "r1"})

		var seen TokenSet
		s.OnRotate(func(ts TokenSet) { seen = ts })
		s.Rotate(TokenSet{AccessToken: "a2", RefreshToken: "r2"})

		assert.Equal(t, "r2", seen.RefreshToken)
		assert.Equal(t, uint64(2), seen.Version)
	})
}

func TestTokenSetExpired(t *testing.T) {
	assert.False(t, TokenSet{AccessToken: "a"}.Expired(time.Minute),
		"unknown expiry is treated as live")

	live := TokenSet{AccessToken: "a", ExpiresAt: time.Now().Add(time.Hour)}
	assert.False(t, live.Expired(time.Minute))
	assert.True(t, live.Expired(2*time.Hour), "margin pulls expiry forward")

	dead := TokenSet{AccessToken: "a", ExpiresAt: time.Now().Add(-time.Minute)}
	assert.True(t, dead.Expired(0))
}

type countingLimiter struct {
	waits int32
	err   error
}

func (l *countingLimiter) Wait(context.Context) error {
	atomic.AddInt32(&l.waits, 1)
	return l.err
}

func TestSessionRefresh(t *testing.T) {
	t.Run("successful refresh rotates and reauthenticates", func(t *testing.T) {
		var calls int32
		s := NewSession("test", TokenSet{AccessToken: "a1", RefreshToken: "r1"},
			func(_ context.Context, rt string) (TokenSet, error) {
				atomic.AddInt32(&calls, 1)
				assert.Equal(t, "r1", rt)
				return TokenSet{AccessToken: "a2", RefreshToken: "r2"}, nil
			}, zaptest.NewLogger(t))

		assert.Equal(t, StateAuthenticated, s.State())

		token, err := s.Refresh(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "a2", token.AccessToken)
		assert.Equal(t, uint64(2), token.Version)
		assert.Equal(t, StateAuthenticated, s.State())
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("rejected refresh is terminal", func(t *testing.T) {
		s := NewSession("test", TokenSet{AccessToken: "a1", RefreshToken: "r1"},
			func(_ context.Context, _ string) (TokenSet, error) {
				return TokenSet{}, errors.New(errors.ErrorTypeAuthentication, "invalid_grant")
			}, zaptest.NewLogger(t))

		_, err := s.Refresh(context.Background())
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeTokenRefresh))
		assert.Equal(t, StateRefreshFailed, s.State())

		// Any further use requires re-authorization.
		_, err = s.Refresh(context.Background())
		assert.Error(t, err)
		_, err = s.Token(context.Background())
		assert.Error(t, err)
	})

	t.Run("transient failure is not terminal", func(t *testing.T) {
		var calls int32
		s := NewSession("test", TokenSet{AccessToken: "a1", RefreshToken: "r1"},
			func(_ context.Context, _ string) (TokenSet, error) {
				if atomic.AddInt32(&calls, 1) == 1 {
					return TokenSet{}, errors.New(errors.ErrorTypeConnection, "dial timeout")
				}
				return TokenSet{AccessToken: "a2"}, nil
			}, zaptest.NewLogger(t))

		_, err := s.Refresh(context.Background())
		require.Error(t, err)
		assert.Equal(t, StateExpired, s.State())

		token, err := s.Refresh(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "a2", token.AccessToken)
		assert.Equal(t, StateAuthenticated, s.State())
	})

	t.Run("concurrent refreshes collapse onto one grant", func(t *testing.T) {
		started := make(chan struct{})
		release := make(chan struct{})
		var calls int32

		s := NewSession("test", TokenSet{AccessToken: "a1", RefreshToken: "r1"},
			func(_ context.Context, _ string) (TokenSet, error) {
				atomic.AddInt32(&calls, 1)
				close(started)
				<-release
				return TokenSet{AccessToken: "a2", RefreshToken: "r2"}, nil
			}, zaptest.NewLogger(t))

		first := make(chan TokenSet, 1)
		go func() {
			token, err := s.Refresh(context.Background())
			assert.NoError(t, err)
			first <- token
		}()

		<-started
		second := make(chan TokenSet, 1)
		go func() {
			// Snapshots the pre-rotation version, then blocks on the
			// winner's lock.
			token, err := s.Refresh(context.Background())
			assert.NoError(t, err)
			second <- token
		}()

		time.Sleep(50 * time.Millisecond)
		close(release)

		a := <-first
		b := <-second
		assert.Equal(t, a.Version, b.Version, "loser adopts the winner's token")
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls),
			"the single-use refresh token was spent exactly once")
	})

	t.Run("refresh waits on the grant limiter", func(t *testing.T) {
		s := NewSession("test", TokenSet{AccessToken: "a1", RefreshToken: "r1"},
			func(_ context.Context, _ string) (TokenSet, error) {
				return TokenSet{AccessToken: "a2"}, nil
			}, zaptest.NewLogger(t))

		lim := &countingLimiter{}
		s.SetLimiter(lim)

		_, err := s.Refresh(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&lim.waits))
	})

	t.Run("cancelled limiter wait leaves the session expired", func(t *testing.T) {
		s := NewSession("test", TokenSet{AccessToken: "a1", RefreshToken: "r1"},
			func(_ context.Context, _ string) (TokenSet, error) {
				t.Fatal("grant must not fire when the wait is cancelled")
				return TokenSet{}, nil
			}, zaptest.NewLogger(t))
		s.SetLimiter(&countingLimiter{err: context.Canceled})

		_, err := s.Refresh(context.Background())
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeTokenRefresh))
		assert.Equal(t, StateExpired, s.State(), "the refresh token is still spendable")
	})

	t.Run("no refresh token", func(t *testing.T) {
		s := NewSession("test", TokenSet{AccessToken: "a1"}, nil, zaptest.NewLogger(t))
		_, err := s.Refresh(context.Background())
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeTokenRefresh))
	})
}

func TestSessionToken(t *testing.T) {
	t.Run("unauthenticated session has no token", func(t *testing.T) {
		s := NewSession("test", TokenSet{}, nil, zaptest.NewLogger(t))
		assert.Equal(t, StateUnauthenticated, s.State())

		_, err := s.Token(context.Background())
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
	})

	t.Run("live token skips refresh", func(t *testing.T) {
		s := NewSession("test",
			TokenSet{AccessToken: "a1", ExpiresAt: time.Now().Add(time.Hour)},
			func(_ context.Context, _ string) (TokenSet, error) {
				t.Fatal("refresh must not run")
				return TokenSet{}, nil
			}, zaptest.NewLogger(t))

		token, err := s.Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "a1", token.AccessToken)
	})

	t.Run("stale token triggers refresh", func(t *testing.T) {
		s := NewSession("test",
			TokenSet{AccessToken: "a1", RefreshToken: "r1", ExpiresAt: time.Now().Add(time.Minute)},
			func(_ context.Context, _ string) (TokenSet, error) {
				return TokenSet{AccessToken: "a2", ExpiresAt: time.Now().Add(time.Hour)}, nil
			}, zaptest.NewLogger(t))

		// A minute out is inside the default refresh margin.
		token, err := s.Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "a2", token.AccessToken)
	})

	t.Run("install marks the session authenticated", func(t *testing.T) {
		s := NewSession("test", TokenSet{}, nil, zaptest.NewLogger(t))
		s.Install(TokenSet{AccessToken: "a1"})
		assert.Equal(t, StateAuthenticated, s.State())

		token, err := s.Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "a1", token.AccessToken)
	})
}
