// Package tokenmanager implements the per-SourceConnection OAuth state
// holder (spec §4.1): it hands out the current access token, refreshes
// reactively on 401, and serializes concurrent refreshes so that two callers
// racing on a 401 issue exactly one refresh HTTP request.
//
// Grounded on internal/auth/chain.go's mutex-guarded provider pattern: a
// single RWMutex gates reads of the cached pair, an ordinary Mutex plus an
// in-flight marker gates writers so concurrent refreshers share one result.
package tokenmanager

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/airweave-sub003/ingestion-core/internal/airerr"
)

// RefreshPolicy distinguishes sources whose provider issues a new refresh
// token on every refresh (rotating) from those that keep the same refresh
// token across refreshes.
type RefreshPolicy int

const (
	NonRotating RefreshPolicy = iota
	Rotating
)

// Refresher performs the actual HTTP exchange with the source's token
// endpoint. Implementations are source-specific; TokenManager only owns
// serialization and persistence of the result.
type Refresher interface {
	// Refresh exchanges the current refresh token for a new (access,
	// refresh) pair. refresh may be empty if the connection has none.
	Refresh(ctx context.Context, refreshToken string) (access string, refresh string, err error)
}

// Persister durably stores a refreshed (access, refresh) pair. When the
// policy is Rotating, persistence failure must fail the refresh (§4.1).
type Persister interface {
	Persist(ctx context.Context, access string, refresh string) error
}

// Manager is the concrete TokenManager for one SourceConnection.
type Manager struct {
	refresher Refresher
	persister Persister
	policy    RefreshPolicy

	mu      sync.RWMutex
	access  string
	refresh string

	refreshMu sync.Mutex
	inFlight  *refreshCall

	// Lock and ConnectionKey are optional. When Lock is set, doRefresh holds
	// it for the duration of the HTTP exchange so that two processes sharing
	// this SourceConnection (horizontally scaled workers) never refresh the
	// same refresh token concurrently, which would invalidate one of them
	// under a Rotating policy. ConnectionKey identifies the connection to
	// the lock; it is meaningless without Lock set.
	Lock          DistributedLock
	ConnectionKey string
}

type refreshCall struct {
	done   chan struct{}
	access string
	err    error
}

// New constructs a Manager seeded with the connection's current tokens. If
// refresh is empty (static key, browser-only scope, proxy auth), calls to
// RefreshOnUnauthorized return the current access token unmodified, per
// §4.1's "no refresh token" clause.
func New(access, refresh string, policy RefreshPolicy, refresher Refresher, persister Persister) *Manager {
	return &Manager{
		access:    access,
		refresh:   refresh,
		policy:    policy,
		refresher: refresher,
		persister: persister,
	}
}

// Current returns the last-known access token without attempting a refresh.
func (m *Manager) Current(_ context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.access, nil
}

// RefreshOnUnauthorized performs (or joins) a single in-flight refresh.
// Concurrent callers observe the same result.
func (m *Manager) RefreshOnUnauthorized(ctx context.Context) (string, error) {
	m.mu.RLock()
	hasRefresh := m.refresh != ""
	current := m.access
	m.mu.RUnlock()

	if !hasRefresh {
		// §4.1: no refresh token exists; 401 is surfaced to the caller
		// unmodified, so we hand back the same token we already had.
		return current, nil
	}

	m.refreshMu.Lock()
	if m.inFlight != nil {
		call := m.inFlight
		m.refreshMu.Unlock()
		<-call.done
		return call.access, call.err
	}

	call := &refreshCall{done: make(chan struct{})}
	m.inFlight = call
	m.refreshMu.Unlock()

	access, err := m.doRefresh(ctx)

	call.access, call.err = access, err
	close(call.done)

	m.refreshMu.Lock()
	m.inFlight = nil
	m.refreshMu.Unlock()

	return access, err
}

func (m *Manager) doRefresh(ctx context.Context) (string, error) {
	if m.Lock != nil && m.ConnectionKey != "" {
		release, err := m.Lock.Acquire(ctx, m.ConnectionKey)
		if err != nil {
			return "", airerr.Wrap(airerr.AuthFailure, "failed to acquire distributed refresh lock", err)
		}
		defer release()
	}

	m.mu.RLock()
	refreshToken := m.refresh
	m.mu.RUnlock()

	newAccess, newRefresh, err := m.refresher.Refresh(ctx, refreshToken)
	if err != nil {
		log.Debug().Err(err).Msg("token refresh failed")
		return "", airerr.Wrap(airerr.AuthFailure, "token refresh failed", err)
	}

	effectiveRefresh := refreshToken
	if m.policy == Rotating {
		effectiveRefresh = newRefresh
	}

	if m.persister != nil {
		if err := m.persister.Persist(ctx, newAccess, effectiveRefresh); err != nil {
			return "", airerr.Wrap(airerr.AuthFailure, "failed to persist refreshed tokens", err)
		}
	}

	m.mu.Lock()
	m.access = newAccess
	m.refresh = effectiveRefresh
	m.mu.Unlock()

	return newAccess, nil
}
