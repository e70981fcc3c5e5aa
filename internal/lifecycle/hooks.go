// Package lifecycle wires the broker's three platform lifecycle hooks —
// boot, user removed, package removed — to the store and session
// manager. None of these run on the request path; they run once, off a
// platform-delivered signal, which is why they take an explicit user
// list rather than discovering it themselves.
package lifecycle

import (
	"github.com/rs/zerolog"

	"github.com/zerofrip/system-shizuku/internal/eventbus"
	"github.com/zerofrip/system-shizuku/internal/metrics"
	"github.com/zerofrip/system-shizuku/internal/model"
	"github.com/zerofrip/system-shizuku/internal/session"
	"github.com/zerofrip/system-shizuku/internal/store"
)

// Clock mirrors the other engines' clock seam.
type Clock func() int64

type Hooks struct {
	store    store.Store
	sessions *session.Manager
	bus      *eventbus.Bus
	clock    Clock
	log      zerolog.Logger
	mx       *metrics.Metrics
}

type Deps struct {
	Store    store.Store
	Sessions *session.Manager
	Bus      *eventbus.Bus
	Clock    Clock
	Log      zerolog.Logger
	Metrics  *metrics.Metrics
}

func New(d Deps) *Hooks {
	return &Hooks{store: d.Store, sessions: d.Sessions, bus: d.Bus, clock: d.Clock, log: d.Log, mx: d.Metrics}
}

// BootScan runs once after the broker unlocks storage for the given
// users. It drops every session-only grant (no session survives a
// restart, so there is nothing left to hold it live, and this isn't a
// policy decision worth auditing) and expires any persistent grant whose
// ExpiresAt has already passed, auditing the expiry the same way a
// request-time expiry would.
func (h *Hooks) BootScan(users []int) {
	now := h.clock()
	for _, user := range users {
		for _, g := range h.store.Grants(user) {
			switch {
			case g.Granted && g.Flags.Has(model.FlagSessionOnly):
				h.store.Revoke(g.Package, g.User)
			case g.Granted && g.ExpiresAt != 0 && now > g.ExpiresAt:
				g.Granted = false
				g.Flags |= model.FlagRevokedByPolicy
				h.store.PutGrant(g)
				h.store.AppendAudit(model.Event{
					Version: model.CurrentEventVersion, Type: model.EventExpire,
					Package: g.Package, User: g.User, EventAt: now,
				})
				h.bus.NotifyPermissionChanged(g.Package, g.User, false)
			}
		}
		h.log.Info().Int("user", user).Msg("boot scan complete")
	}
}

// UserRemoved drops every grant and audit record for a deleted platform
// user. There is nothing left to audit against afterward, so this is
// silent by design — matching DeleteUser's own contract in internal/store.
func (h *Hooks) UserRemoved(user int) {
	h.store.DeleteUser(user)
	h.sessions.InvalidateForUser(user)
	h.log.Info().Int("user", user).Msg("user removed, grants and audit purged")
}

// PackageRemoved revokes pkg's grant in user without the broadcast a
// live caller-initiated revoke gets — nothing is left running to notify —
// but still appends the audit entry, so the trail survives the
// package's own removal.
func (h *Hooks) PackageRemoved(pkg string, user int) {
	updated := h.store.Revoke(pkg, user)
	if updated == nil {
		return
	}
	h.sessions.InvalidateForPackageUser(pkg, user)
	now := h.clock()
	h.store.AppendAudit(model.Event{
		Version: model.CurrentEventVersion, Type: model.EventRevoke,
		Package: pkg, User: user, EventAt: now,
		Detail: model.EventDetail{Reason: "package removed"}.Encode(),
	})
}
