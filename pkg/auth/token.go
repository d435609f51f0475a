// Package auth manages connector authentication state: token storage,
// OAuth2 token exchange and refresh, and the per-connection state
// machine that decides when refresh is allowed.
package auth

import (
	"sync"
	"time"
)

// TokenSet holds the credential material issued by a vendor token
// endpoint. Version increments on every rotation so callers holding a
// stale set can detect they lost a refresh race; several vendors issue
// single-use refresh tokens, where replaying an old one revokes the
// grant.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	InstanceURL  string    `json:"instance_url,omitempty"`
	Version      uint64    `json:"version"`
}

// Expired reports whether the access token is past its expiry, with a
// safety margin so a token is refreshed before it dies mid-request. A
// zero ExpiresAt means the vendor did not report expiry; such tokens
// are only refreshed after an authentication failure.
func (t TokenSet) Expired(margin time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(margin).After(t.ExpiresAt)
}

// TokenStore is the thread-safe holder for a connection's TokenSet.
// Set bumps the version; Get returns a copy.
type TokenStore struct {
	mu       sync.RWMutex
	current  TokenSet
	onRotate func(TokenSet)
}

// NewTokenStore seeds a store with initial material. The initial set
// has version 1 when any token is present.
func NewTokenStore(initial TokenSet) *TokenStore {
	s := &TokenStore{}
	if initial.AccessToken != "" || initial.RefreshToken != "" {
		initial.Version = 1
		s.current = initial
	}
	return s
}

// OnRotate registers a callback invoked after every rotation, with
// the new set. Used to persist rotated single-use refresh tokens.
func (s *TokenStore) OnRotate(fn func(TokenSet)) {
	s.mu.Lock()
	s.onRotate = fn
	s.mu.Unlock()
}

// Get returns the current token set.
func (s *TokenStore) Get() TokenSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Rotate installs a new token set, carrying forward the previous
// refresh token when the vendor did not issue a replacement. It
// returns the installed set with its new version.
func (s *TokenStore) Rotate(next TokenSet) TokenSet {
	s.mu.Lock()
	if next.RefreshToken == "" {
		next.RefreshToken = s.current.RefreshToken
	}
	if next.InstanceURL == "" {
		next.InstanceURL = s.current.InstanceURL
	}
	next.Version = s.current.Version + 1
	s.current = next
	cb := s.onRotate
	s.mu.Unlock()

	if cb != nil {
		cb(next)
	}
	return next
}
