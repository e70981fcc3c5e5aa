// Package management implements the privileged Management Engine
// described in spec.md §4.5: list/query grants, revoke single/all, query
// audit log, all gated by a platform management capability.
package management

import (
	"github.com/rs/zerolog"

	"github.com/zerofrip/system-shizuku/internal/apperr"
	"github.com/zerofrip/system-shizuku/internal/eventbus"
	"github.com/zerofrip/system-shizuku/internal/identity"
	"github.com/zerofrip/system-shizuku/internal/metrics"
	"github.com/zerofrip/system-shizuku/internal/model"
	"github.com/zerofrip/system-shizuku/internal/session"
	"github.com/zerofrip/system-shizuku/internal/store"
)

// Clock mirrors permission.Clock to avoid an import cycle between the two
// engine packages.
type Clock func() int64

type Engine struct {
	store    store.Store
	sessions *session.Manager
	bus      *eventbus.Bus
	db       identity.CapabilityChecker
	clock    Clock
	log      zerolog.Logger
	mx       *metrics.Metrics
}

type Deps struct {
	Store    store.Store
	Sessions *session.Manager
	Bus      *eventbus.Bus
	DB       identity.CapabilityChecker
	Clock    Clock
	Log      zerolog.Logger
	Metrics  *metrics.Metrics
}

func New(d Deps) *Engine {
	return &Engine{
		store: d.Store, sessions: d.Sessions, bus: d.Bus, db: d.DB,
		clock: d.Clock, log: d.Log, mx: d.Metrics,
	}
}

func (e *Engine) authorize(peer identity.Peer, user int) error {
	if !e.db.HasManagementCapability(peer) {
		return apperr.NotAuthorized("caller lacks the management capability")
	}
	if user == identity.UserAll && !e.db.HasCrossUserCapability(peer) {
		return apperr.NotAuthorized("caller lacks the cross-user capability")
	}
	return nil
}

// List returns every grant for user. USER_ALL returns an empty list (the
// spec-documented acceptable branch of its Open Question; see DESIGN.md).
func (e *Engine) List(peer identity.Peer, user int) ([]model.Grant, error) {
	if err := e.authorize(peer, user); err != nil {
		return nil, err
	}
	if user == identity.UserAll {
		e.log.Info().Msg("list_grants(USER_ALL): returning empty, aggregation not implemented")
		return nil, nil
	}
	return e.store.Grants(user), nil
}

// Get returns the current record for (pkg, user).
func (e *Engine) Get(peer identity.Peer, pkg string, user int) (*model.Grant, error) {
	if err := e.authorize(peer, user); err != nil {
		return nil, err
	}
	return e.store.Grant(pkg, user), nil
}

// Revoke revokes a single grant, invalidates matching sessions, audits,
// and notifies. Idempotent: revoking an absent grant succeeds silently.
func (e *Engine) Revoke(peer identity.Peer, pkg string, user int) error {
	if err := e.authorize(peer, user); err != nil {
		return err
	}
	updated := e.store.Revoke(pkg, user)
	if updated == nil {
		return nil
	}
	e.sessions.InvalidateForPackageUser(pkg, user)
	if e.mx != nil {
		e.mx.GrantsRevoked.Inc()
	}
	e.store.AppendAudit(model.Event{
		Version: model.CurrentEventVersion, Type: model.EventRevoke,
		Package: pkg, User: user, EventAt: e.clock(),
		Detail: model.EventDetail{CallerPeer: callerTag(peer)}.Encode(),
	})
	e.bus.NotifyPermissionChanged(pkg, user, false)
	return nil
}

// RevokeAll performs one Store write, then a single pass emitting audit
// entries and notifications — "batch-first I/O, then broadcast" per
// spec.md §4.5.
func (e *Engine) RevokeAll(peer identity.Peer, user int) error {
	if err := e.authorize(peer, user); err != nil {
		return err
	}
	if user == identity.UserAll {
		e.log.Info().Msg("revoke_all_permissions(USER_ALL): no-op, aggregation not implemented")
		return nil
	}
	updated := e.store.RevokeAll(user)
	now := e.clock()
	for _, g := range updated {
		e.sessions.InvalidateForPackageUser(g.Package, g.User)
		if e.mx != nil {
			e.mx.GrantsRevoked.Inc()
		}
		e.store.AppendAudit(model.Event{
			Version: model.CurrentEventVersion, Type: model.EventRevoke,
			Package: g.Package, User: g.User, EventAt: now,
			Detail: model.EventDetail{CallerPeer: callerTag(peer)}.Encode(),
		})
		e.bus.NotifyPermissionChanged(g.Package, g.User, false)
	}
	return nil
}

// AuditLog returns audit events, optionally filtered by package.
func (e *Engine) AuditLog(peer identity.Peer, pkg string, user int) ([]model.Event, error) {
	if err := e.authorize(peer, user); err != nil {
		return nil, err
	}
	if user == identity.UserAll {
		return nil, nil
	}
	return e.store.Audit(pkg, user), nil
}

func callerTag(peer identity.Peer) string {
	if peer.Package != "" {
		return peer.Package
	}
	return ""
}
