package ipc

import (
	"sync"

	"github.com/rs/zerolog"
)

// pushTarget is anything a notification can be written to — satisfied by
// *wsConn; kept as an interface so tests can substitute a fake.
type pushTarget interface {
	pushNotification(method string, params interface{})
}

type subscriberKey struct {
	pkg  string
	user int
}

// Registry tracks which connections have attach_session'd for a given
// (package, user), so notify_permission_changed can be targeted instead
// of broadcast, per spec.md §4.4 ("delivered only to the affected
// package's process space"). It implements eventbus.Notifier, so the
// same instance is handed to the permission/management engines' Bus and
// to this package's Server.
type Registry struct {
	mu   sync.Mutex
	subs map[subscriberKey]map[pushTarget]struct{}
	log  zerolog.Logger
}

func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{subs: make(map[subscriberKey]map[pushTarget]struct{}), log: log}
}

func (r *Registry) subscribe(pkg string, user int, t pushTarget) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := subscriberKey{pkg, user}
	if r.subs[k] == nil {
		r.subs[k] = make(map[pushTarget]struct{})
	}
	r.subs[k][t] = struct{}{}
}

func (r *Registry) unsubscribeAll(t pushTarget) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, set := range r.subs {
		delete(set, t)
		if len(set) == 0 {
			delete(r.subs, k)
		}
	}
}

// NotifyPermissionChanged implements eventbus.Notifier: it fans out to
// every connection currently attached for (pkg, user). Delivery never
// blocks the caller's engine goroutine for long — pushNotification is
// expected to be non-blocking (a buffered write or a best-effort send).
func (r *Registry) NotifyPermissionChanged(pkg string, user int, granted bool) {
	r.mu.Lock()
	targets := make([]pushTarget, 0, len(r.subs[subscriberKey{pkg, user}]))
	for t := range r.subs[subscriberKey{pkg, user}] {
		targets = append(targets, t)
	}
	r.mu.Unlock()

	for _, t := range targets {
		t.pushNotification("permission_changed", permissionChangedParams{
			Package: pkg, User: user, Granted: granted,
		})
	}
}

type permissionChangedParams struct {
	Package string `json:"package"`
	User    int    `json:"user"`
	Granted bool   `json:"granted"`
}
