package auth

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/inletio/inlet/pkg/errors"
	"github.com/inletio/inlet/pkg/metrics"
)

// DefaultRefreshMargin refreshes tokens this long before reported
// expiry so a request never goes out with a token about to die.
const DefaultRefreshMargin = 5 * time.Minute

// RefreshFunc trades a refresh token for a new token set.
type RefreshFunc func(ctx context.Context, refreshToken string) (TokenSet, error)

// Limiter gates token endpoint calls. Refresh grants carry their own
// budget, separate from the vendor data quota, so a drained data
// budget can never block token recovery.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Session owns one connection's token store and state machine, and
// serializes refresh so concurrent callers never race a single-use
// refresh token. A rejected refresh is terminal; the operator must
// re-authorize the connection.
type Session struct {
	vendor  string
	store   *TokenStore
	machine *StateMachine
	refresh RefreshFunc
	limiter Limiter
	margin  time.Duration
	logger  *zap.Logger

	mu sync.Mutex // serializes refresh attempts
}

// NewSession builds a Session around existing token material. When
// initial carries an access token the machine starts authenticated.
func NewSession(vendor string, initial TokenSet, refresh RefreshFunc, logger *zap.Logger) *Session {
	s := &Session{
		vendor:  vendor,
		store:   NewTokenStore(initial),
		machine: NewStateMachine(),
		refresh: refresh,
		margin:  DefaultRefreshMargin,
		logger:  logger.With(zap.String("component", "auth_session"), zap.String("vendor", vendor)),
	}
	if initial.AccessToken != "" {
		_ = s.machine.Transition(StateAuthenticated)
	}
	return s
}

// SetLimiter installs the limiter applied to refresh grants.
func (s *Session) SetLimiter(l Limiter) {
	s.limiter = l
}

// State returns the connection's lifecycle state.
func (s *Session) State() ConnectionState {
	return s.machine.Current()
}

// Store exposes the token store, mainly for OnRotate registration.
func (s *Session) Store() *TokenStore {
	return s.store
}

// Install records a freshly granted token set, e.g. after a code
// exchange or password grant, and marks the session authenticated.
func (s *Session) Install(token TokenSet) TokenSet {
	installed := s.store.Rotate(token)
	if s.machine.Current() == StateUnauthenticated {
		_ = s.machine.Transition(StateAuthenticated)
	}
	return installed
}

// Token returns a usable access token set, refreshing first when the
// current one is expired or inside the refresh margin.
func (s *Session) Token(ctx context.Context) (TokenSet, error) {
	if s.machine.Terminal() {
		return TokenSet{}, errors.New(errors.ErrorTypeTokenRefresh,
			"connection requires re-authorization after a failed token refresh")
	}

	current := s.store.Get()
	if current.AccessToken == "" {
		return TokenSet{}, errors.New(errors.ErrorTypeAuthentication,
			"no access token held; authenticate first")
	}
	if !current.Expired(s.margin) {
		return current, nil
	}
	return s.Refresh(ctx)
}

// Refresh forces a token refresh. Concurrent calls collapse onto one
// refresh: the loser of the lock race re-checks the store version and
// returns the winner's token instead of replaying a consumed refresh
// token.
func (s *Session) Refresh(ctx context.Context) (TokenSet, error) {
	before := s.store.Get()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.machine.Terminal() {
		return TokenSet{}, errors.New(errors.ErrorTypeTokenRefresh,
			"connection requires re-authorization after a failed token refresh")
	}

	// Another caller rotated while we waited for the lock.
	current := s.store.Get()
	if current.Version > before.Version {
		return current, nil
	}

	if current.RefreshToken == "" {
		return TokenSet{}, errors.New(errors.ErrorTypeTokenRefresh,
			"no refresh token held for this connection")
	}
	if s.refresh == nil {
		return TokenSet{}, errors.New(errors.ErrorTypeCapability,
			"connector does not support token refresh")
	}

	if st := s.machine.Current(); st != StateExpired {
		_ = s.machine.Transition(StateExpired)
	}
	if err := s.machine.Transition(StateRefreshing); err != nil {
		return TokenSet{}, err
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			_ = s.machine.Transition(StateExpired)
			return TokenSet{}, errors.Wrap(err, errors.ErrorTypeTokenRefresh,
				"token refresh wait cancelled")
		}
	}

	next, err := s.refresh(ctx, current.RefreshToken)
	if err != nil {
		if errors.IsRetryable(err) {
			// Transport failure, not a rejection; the refresh token
			// may still be good.
			_ = s.machine.Transition(StateExpired)
			metrics.TokenRefreshes.WithLabelValues(s.vendor, "failure").Inc()
			return TokenSet{}, errors.Wrap(err, errors.ErrorTypeTokenRefresh,
				"token refresh failed transiently")
		}
		_ = s.machine.Transition(StateRefreshFailed)
		metrics.TokenRefreshes.WithLabelValues(s.vendor, "failure").Inc()
		s.logger.Error("token refresh rejected; connection needs re-authorization",
			zap.Error(err))
		return TokenSet{}, errors.Wrap(err, errors.ErrorTypeTokenRefresh,
			"token refresh rejected")
	}

	installed := s.store.Rotate(next)
	_ = s.machine.Transition(StateAuthenticated)
	metrics.TokenRefreshes.WithLabelValues(s.vendor, "success").Inc()
	s.logger.Info("access token refreshed",
		zap.Uint64("token_version", installed.Version))
	return installed, nil
}
