package auth

import (
	"fmt"
	"sync"

	"github.com/inletio/inlet/pkg/errors"
)

// ConnectionState tracks where a connector is in its authentication
// lifecycle.
type ConnectionState string

const (
	// StateUnauthenticated is the initial state before any credential
	// exchange. A connection seeded with only a refresh token moves
	// straight to StateExpired.
	StateUnauthenticated ConnectionState = "unauthenticated"
	// StateAuthenticated means a usable access token is held.
	StateAuthenticated ConnectionState = "authenticated"
	// StateExpired means the access token is known stale and a
	// refresh is required before the next request.
	StateExpired ConnectionState = "expired"
	// StateRefreshing means a refresh is in flight.
	StateRefreshing ConnectionState = "refreshing"
	// StateRefreshFailed is terminal: the refresh token was rejected
	// and the connection needs re-authorization by the operator.
	StateRefreshFailed ConnectionState = "refresh_failed"
)

// transitions lists the legal state machine edges.
var transitions = map[ConnectionState][]ConnectionState{
	StateUnauthenticated: {StateAuthenticated, StateExpired},
	StateAuthenticated:   {StateExpired, StateUnauthenticated},
	StateExpired:         {StateRefreshing},
	StateRefreshing:      {StateAuthenticated, StateExpired, StateRefreshFailed},
	StateRefreshFailed:   {},
}

// StateMachine serializes lifecycle transitions for one connection.
// Illegal transitions return an error rather than silently mutating,
// so a refresh can never run from a terminal state.
type StateMachine struct {
	mu    sync.RWMutex
	state ConnectionState
}

// NewStateMachine starts in StateUnauthenticated.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateUnauthenticated}
}

// Current returns the current state.
func (m *StateMachine) Current() ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Transition moves to next if the edge is legal.
func (m *StateMachine) Transition(next ConnectionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, allowed := range transitions[m.state] {
		if allowed == next {
			m.state = next
			return nil
		}
	}
	return errors.New(errors.ErrorTypeInternal,
		fmt.Sprintf("illegal state transition %s -> %s", m.state, next))
}

// Terminal reports whether the connection has permanently failed.
func (m *StateMachine) Terminal() bool {
	return m.Current() == StateRefreshFailed
}
