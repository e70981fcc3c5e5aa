// Package session implements the in-memory session token registry
// described in spec.md §4.3: opaque handles minted on grant, bound to a
// peer's liveness, driving session-only revocation when that peer dies.
// It is modeled on the teacher's SessionManager (api/session.go), which
// kept a map of token -> live session guarded by a single RWMutex; this
// version swaps "shell session" for "(package, user, flags)" and adds the
// liveness-driven revocation callback spec.md requires.
package session

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zerofrip/system-shizuku/internal/apperr"
	"github.com/zerofrip/system-shizuku/internal/metrics"
	"github.com/zerofrip/system-shizuku/internal/model"
)

// PeerID identifies the transport-level connection a token is attached
// to. The concrete meaning (a websocket connection, a unix socket peer) is
// owned by internal/ipc; the session manager only needs equality.
type PeerID string

// entry is one live session token.
type entry struct {
	Token   string
	Package string
	User    int
	Flags   model.Flags
	owner   PeerID // peer that may attach/observe this token; empty until attached
}

// DeathHandler is invoked once per token when its owning peer's liveness
// subscription reports death. internal/broker wires this to drive the
// store revoke + audit + event bus notify described in spec.md §4.3.
type DeathHandler func(token string, pkg string, user int, flags model.Flags)

// Manager is the session token registry.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry
	onDeath DeathHandler
	log     zerolog.Logger
	mx      *metrics.Metrics
}

// New builds a Manager. onDeath may be nil (tests that don't exercise
// session-death revocation).
func New(log zerolog.Logger, mx *metrics.Metrics, onDeath DeathHandler) *Manager {
	return &Manager{
		entries: make(map[string]*entry),
		onDeath: onDeath,
		log:     log,
		mx:      mx,
	}
}

// Issue mints a new opaque token for (pkg, user, flags).
func (m *Manager) Issue(pkg string, user int, flags model.Flags) string {
	token := uuid.NewString()
	m.mu.Lock()
	m.entries[token] = &entry{Token: token, Package: pkg, User: user, Flags: flags}
	m.mu.Unlock()
	if m.mx != nil {
		m.mx.ActiveSessions.Inc()
	}
	return token
}

// Attach records that callerOwnsPackage in callerUser is the peer
// observing token's liveness. Double-attach by the same peer succeeds
// idempotently; attach by a different peer (or an unknown token, or a
// token for a different package/user) fails NOT_OWNER.
func (m *Manager) Attach(token string, peer PeerID, callerPackage string, callerUser int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[token]
	if !ok {
		return apperr.NotOwner("unknown session token")
	}
	if e.Package != callerPackage || e.User != callerUser {
		return apperr.NotOwner("token not issued to this package/user")
	}
	if e.owner != "" && e.owner != peer {
		return apperr.NotOwner("token already attached by another peer")
	}
	e.owner = peer
	return nil
}

// Lookup returns the (package, user, flags) for token, if live.
func (m *Manager) Lookup(token string) (pkg string, user int, flags model.Flags, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, found := m.entries[token]
	if !found {
		return "", 0, 0, false
	}
	return e.Package, e.User, e.Flags, true
}

// PeerDied removes every token owned by peer and, for each, invokes the
// death handler (which decides session-only revocation — spec.md §4.3
// keeps persistent grants' records but drops the live session either way).
func (m *Manager) PeerDied(peer PeerID) {
	m.mu.Lock()
	var dead []*entry
	for tok, e := range m.entries {
		if e.owner == peer {
			dead = append(dead, e)
			delete(m.entries, tok)
		}
	}
	m.mu.Unlock()

	if m.mx != nil && len(dead) > 0 {
		m.mx.ActiveSessions.Sub(float64(len(dead)))
	}
	for _, e := range dead {
		m.log.Debug().Str("token", e.Token).Str("package", e.Package).Int("user", e.User).Msg("session died with peer")
		if m.onDeath != nil {
			m.onDeath(e.Token, e.Package, e.User, e.Flags)
		}
	}
}

// Died removes a single token directly (used by session_died(token) when
// the caller already knows which token expired, without tearing down the
// whole peer).
func (m *Manager) Died(token string) {
	m.mu.Lock()
	e, ok := m.entries[token]
	if ok {
		delete(m.entries, token)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if m.mx != nil {
		m.mx.ActiveSessions.Dec()
	}
	if m.onDeath != nil {
		m.onDeath(e.Token, e.Package, e.User, e.Flags)
	}
}

// InvalidateForUser removes every token belonging to user, regardless of
// package — used when a platform user account is removed entirely.
func (m *Manager) InvalidateForUser(user int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for tok, e := range m.entries {
		if e.User == user {
			delete(m.entries, tok)
			n++
		}
	}
	if m.mx != nil && n > 0 {
		m.mx.ActiveSessions.Sub(float64(n))
	}
	return n
}

// InvalidateForPackageUser removes every token matching (pkg, user),
// without invoking the death handler — used by the management engine's
// revoke path (spec.md §4.3: "A revoke_permission ... must iterate the
// token table and invalidate every token whose (package, user) matches").
func (m *Manager) InvalidateForPackageUser(pkg string, user int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for tok, e := range m.entries {
		if e.Package == pkg && e.User == user {
			delete(m.entries, tok)
			n++
		}
	}
	if m.mx != nil && n > 0 {
		m.mx.ActiveSessions.Sub(float64(n))
	}
	return n
}
