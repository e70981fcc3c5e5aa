// Package permission implements the Permission Engine: the public
// app-facing surface described in spec.md §4.2 (ping, request_permission,
// get_my_permission, attach_session). It is the spec's core state
// machine, grounded on the teacher's SessionManager/handler split
// (api/session.go, api/jsonrpc.go) generalized from "shell session RPC"
// to "grant request, decided by an external consent collaborator".
package permission

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/zerofrip/system-shizuku/internal/apperr"
	"github.com/zerofrip/system-shizuku/internal/consent"
	"github.com/zerofrip/system-shizuku/internal/eventbus"
	"github.com/zerofrip/system-shizuku/internal/identity"
	"github.com/zerofrip/system-shizuku/internal/metrics"
	"github.com/zerofrip/system-shizuku/internal/model"
	"github.com/zerofrip/system-shizuku/internal/session"
	"github.com/zerofrip/system-shizuku/internal/store"
)

// ProtocolVersion is ping()'s return value.
const ProtocolVersion = 1

// MaxPendingRequests is spec.md §3's MAX_PENDING_REQUESTS.
const MaxPendingRequests = 3

// GrantCallback is the one-shot decision surface spec.md §6 describes for
// request_permission: exactly one of OnGranted/OnDenied fires.
type GrantCallback interface {
	OnGranted(grant model.Grant, token string)
	OnDenied(pkg string, user int)
}

// Clock abstracts wall-clock milliseconds so tests can control expiry and
// grantedAt without sleeping.
type Clock func() int64

// Engine is the Permission Engine.
type Engine struct {
	store    store.Store
	sessions *session.Manager
	bus      *eventbus.Bus
	db       identity.PackageDatabase
	ui       consent.UI
	clock    Clock
	log      zerolog.Logger
	mx       *metrics.Metrics
	pending  *pendingCounters
}

// Deps bundles Engine's collaborators.
type Deps struct {
	Store              store.Store
	Sessions           *session.Manager
	Bus                *eventbus.Bus
	DB                 identity.PackageDatabase
	UI                 consent.UI
	Clock              Clock
	Log                zerolog.Logger
	Metrics            *metrics.Metrics
	MaxPendingRequests int
}

func New(d Deps) *Engine {
	return &Engine{
		store:    d.Store,
		sessions: d.Sessions,
		bus:      d.Bus,
		db:       d.DB,
		ui:       d.UI,
		clock:    d.Clock,
		log:      d.Log,
		mx:       d.Metrics,
		pending:  newPendingCounters(d.MaxPendingRequests),
	}
}

// Ping is unrestricted and returns the protocol version.
func (e *Engine) Ping() int { return ProtocolVersion }

// GetMyPermission requires caller-owns-package and returns the current
// record unfiltered.
func (e *Engine) GetMyPermission(peer identity.Peer, pkg string, user int) (*model.Grant, error) {
	if !identity.VerifyOwnership(e.db, peer, pkg, user) {
		return nil, apperr.NotOwner("caller does not own package in user")
	}
	return e.store.Grant(pkg, user), nil
}

// AttachSession verifies token was issued to a handle owned by peer and
// subscribes to its liveness, per spec.md §4.2.
func (e *Engine) AttachSession(peer identity.Peer, token string, transportPeer session.PeerID, callerPkg string, callerUser int) error {
	return e.sessions.Attach(token, transportPeer, callerPkg, callerUser)
}

// RequestPermission drives spec.md §4.2's seven-step flow. It returns
// immediately (consent dispatch is asynchronous); the outcome reaches the
// caller exclusively through cb.
func (e *Engine) RequestPermission(ctx context.Context, peer identity.Peer, pkg string, user int, cb GrantCallback) error {
	// Step 1: ownership check.
	if !identity.VerifyOwnership(e.db, peer, pkg, user) {
		return apperr.NotOwner("caller does not own package in user")
	}

	now := e.clock()
	grant := e.store.Grant(pkg, user)

	// Step 2: already live?
	if grant != nil && grant.IsLive(now) {
		token := e.sessions.Issue(pkg, user, grant.Flags)
		cb.OnGranted(*grant, token)
		return nil
	}

	// Step 2 (cont'd): expired — revoke, audit EXPIRE, fall through to
	// the dialog path (this is not a user-driven revoke, so it does not
	// set REVOKED_BY_USER and must not trip the permanent-deny shortcut).
	if grant != nil && grant.Granted && grant.ExpiresAt != 0 && now > grant.ExpiresAt {
		grant = e.expireGrant(*grant, now)
	}

	// Step 3: permanent-deny shortcut.
	if grant != nil && grant.Flags.Has(model.FlagRevokedByUser) {
		cb.OnDenied(pkg, user)
		return nil
	}

	// Step 4: rate limit.
	key := model.Key{Package: pkg, User: user}
	if !e.pending.tryIncrement(key) {
		return apperr.RateLimit("too many pending consent requests")
	}
	if e.mx != nil {
		e.mx.PendingRequests.Inc()
	}

	// Step 5: dispatch to the consent UI with a wrapped callback.
	wrapped := consent.NewCallback(
		func() { e.onAllow(pkg, user, key, cb) },
		func() { e.onDeny(pkg, user, key, cb) },
	)
	req := consent.Request{Package: pkg, AppID: peer.AppID, User: user}
	if err := e.ui.Show(ctx, req, wrapped); err != nil {
		e.finishPending(key)
		return err
	}
	return nil
}

func (e *Engine) finishPending(key model.Key) {
	e.pending.decrement(key)
	if e.mx != nil {
		e.mx.PendingRequests.Dec()
	}
}

// onAllow is the wrapped callback's allow path: step 6.
func (e *Engine) onAllow(pkg string, user int, key model.Key, cb GrantCallback) {
	e.finishPending(key)

	now := e.clock()
	grant := model.Grant{
		Version:   model.CurrentGrantVersion,
		Package:   pkg,
		User:      user,
		Granted:   true,
		GrantedAt: now,
		ExpiresAt: 0,
		Flags:     model.FlagPersistent,
	}
	e.store.PutGrant(grant)
	if e.mx != nil {
		e.mx.GrantsIssued.Inc()
	}
	e.store.AppendAudit(model.Event{
		Version: model.CurrentEventVersion, Type: model.EventGrant,
		Package: pkg, User: user, EventAt: now,
	})
	e.bus.NotifyPermissionChanged(pkg, user, true)

	token := e.sessions.Issue(pkg, user, grant.Flags)
	cb.OnGranted(grant, token)
}

// onDeny is the wrapped callback's deny path: step 7. Per SPEC_FULL.md
// §4.2's resolution of spec.md's Open Question, a first deny persists
// REVOKED_BY_USER so a subsequent request hits the permanent-deny
// shortcut without invoking the dialog again.
func (e *Engine) onDeny(pkg string, user int, key model.Key, cb GrantCallback) {
	e.finishPending(key)

	now := e.clock()
	e.store.AppendAudit(model.Event{
		Version: model.CurrentEventVersion, Type: model.EventDeny,
		Package: pkg, User: user, EventAt: now,
	})

	existing := e.store.Grant(pkg, user)
	var g model.Grant
	if existing != nil {
		g = *existing
	} else {
		g = model.Grant{Version: model.CurrentGrantVersion, Package: pkg, User: user}
	}
	g.Granted = false
	g.Flags |= model.FlagRevokedByUser
	e.store.PutGrant(g)

	cb.OnDenied(pkg, user)
}

func (e *Engine) expireGrant(g model.Grant, now int64) *model.Grant {
	g.Granted = false
	g.Flags |= model.FlagRevokedByPolicy
	e.store.PutGrant(g)
	e.store.AppendAudit(model.Event{
		Version: model.CurrentEventVersion, Type: model.EventExpire,
		Package: g.Package, User: g.User, EventAt: now,
	})
	return &g
}

// PendingCount exposes the current pending-dialog count for (pkg, user),
// for tests asserting invariant 5 (counter returns to zero).
func (e *Engine) PendingCount(pkg string, user int) int {
	return e.pending.value(model.Key{Package: pkg, User: user})
}
