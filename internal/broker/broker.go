// Package broker assembles every component package into one bootable
// instance: store, session manager, identity database, consent UI,
// permission/management engines, subprocess supervisor, lifecycle hooks,
// and the IPC transport. cmd/shizukud is a thin wrapper around this.
package broker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/zerofrip/system-shizuku/internal/config"
	"github.com/zerofrip/system-shizuku/internal/consent"
	"github.com/zerofrip/system-shizuku/internal/crypto"
	"github.com/zerofrip/system-shizuku/internal/eventbus"
	"github.com/zerofrip/system-shizuku/internal/identity"
	"github.com/zerofrip/system-shizuku/internal/ipc"
	"github.com/zerofrip/system-shizuku/internal/lifecycle"
	"github.com/zerofrip/system-shizuku/internal/logging"
	"github.com/zerofrip/system-shizuku/internal/management"
	"github.com/zerofrip/system-shizuku/internal/metrics"
	"github.com/zerofrip/system-shizuku/internal/model"
	"github.com/zerofrip/system-shizuku/internal/permission"
	"github.com/zerofrip/system-shizuku/internal/session"
	"github.com/zerofrip/system-shizuku/internal/store"
	"github.com/zerofrip/system-shizuku/internal/supervisor"
)

// Broker owns every wired component. Fields are exported so cmd/shizukud
// can reach the pieces it needs (the HTTP handler, the lifecycle hooks to
// invoke at boot) without the package re-exposing wrapper methods for
// everything.
type Broker struct {
	Config     *config.Config
	Log        zerolog.Logger
	Metrics    *metrics.Metrics
	Store      store.Store
	Identity   *identity.MemoryDatabase
	Sessions   *session.Manager
	Bus        *eventbus.Bus
	Registry   *ipc.Registry
	Permission *permission.Engine
	Management *management.Engine
	Supervisor *supervisor.Supervisor
	Lifecycle  *lifecycle.Hooks
	Transport  *ipc.Server
}

// Deps lets callers (tests, cmd/shizukud) inject a consent UI and a
// filesystem; production wiring uses a real consent.UI collaborator and
// afero.NewOsFs(), tests use consent.NewQueueUI and an in-memory fs.
type Deps struct {
	Config   *config.Config
	Log      zerolog.Logger
	Fs       afero.Fs
	ConsentUI consent.UI
	Registerer prometheus.Registerer
}

// New wires every component per spec.md's component graph. It does not
// start listening — call Transport.Handler() from an http.Server, and
// run Lifecycle.BootScan once storage is unlocked, before serving
// traffic.
func New(d Deps) (*Broker, error) {
	clock := func() int64 { return time.Now().UnixMilli() }

	mx := metrics.New(d.Registerer)

	key := crypto.DeriveKey([]byte(d.Config.MasterKeySecret))
	sealer, err := crypto.NewSealer(key)
	if err != nil {
		return nil, err
	}
	st := store.New(d.Fs, d.Config.BaseDir, sealer, logging.Component(d.Log, "store"), mx, d.Config.MaxAuditPerUser)

	db := identity.NewMemoryDatabase()
	reg := ipc.NewRegistry(logging.Component(d.Log, "ipc"))
	bus := eventbus.New(logging.Component(d.Log, "eventbus"), reg)

	// A session dying only matters to the store when it was backing a
	// session-only grant; a persistent grant's record outlives its token.
	onSessionDeath := func(token string, pkg string, user int, flags model.Flags) {
		if !flags.Has(model.FlagSessionOnly) {
			return
		}
		if updated := st.Revoke(pkg, user); updated != nil {
			st.AppendAudit(model.Event{
				Version: model.CurrentEventVersion, Type: model.EventRevoke,
				Package: pkg, User: user, EventAt: clock(),
				Detail: model.EventDetail{Reason: "session died"}.Encode(),
			})
			bus.NotifyPermissionChanged(pkg, user, false)
		}
	}
	sessions := session.New(logging.Component(d.Log, "session"), mx, onSessionDeath)

	perm := permission.New(permission.Deps{
		Store: st, Sessions: sessions, Bus: bus, DB: db, UI: d.ConsentUI,
		Clock: clock, Log: logging.Component(d.Log, "permission"), Metrics: mx, MaxPendingRequests: d.Config.MaxPendingRequests,
	})
	mgmt := management.New(management.Deps{
		Store: st, Sessions: sessions, Bus: bus, DB: db, Clock: clock, Log: logging.Component(d.Log, "management"), Metrics: mx,
	})
	sup := supervisor.New(st, clock, logging.Component(d.Log, "supervisor"), mx, d.Config.MaxGlobalProcesses, d.Config.MaxPerOwnerProcesses)
	hooks := lifecycle.New(lifecycle.Deps{Store: st, Sessions: sessions, Bus: bus, Clock: clock, Log: logging.Component(d.Log, "lifecycle"), Metrics: mx})

	transport := ipc.NewServer(ipc.Deps{
		Permission: perm, Management: mgmt, Sessions: sessions, Supervisor: sup,
		Registry: reg, Log: logging.Component(d.Log, "ipc"),
	})

	return &Broker{
		Config: d.Config, Log: d.Log, Metrics: mx, Store: st, Identity: db,
		Sessions: sessions, Bus: bus, Registry: reg, Permission: perm,
		Management: mgmt, Supervisor: sup, Lifecycle: hooks, Transport: transport,
	}, nil
}
