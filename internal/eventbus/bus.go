// Package eventbus implements the one-way permission-change notification
// described in spec.md §4.4: a single notify_permission_changed
// operation, delivery best-effort and non-retried.
package eventbus

import "github.com/rs/zerolog"

// Notifier delivers a targeted, signature-gated notification to the
// affected package's process space. The real delivery channel (the
// transport's targeted broadcast) is owned by internal/ipc; this
// interface keeps the engines decoupled from it.
type Notifier interface {
	NotifyPermissionChanged(pkg string, user int, granted bool)
}

// Bus is the broker-internal implementation: it fans the event out to
// whichever Notifier the transport layer registered for the affected
// package, swallowing delivery failure as spec.md requires ("Delivery
// failure is non-fatal; the engine does not retry").
type Bus struct {
	log      zerolog.Logger
	notifier Notifier
}

func New(log zerolog.Logger, notifier Notifier) *Bus {
	return &Bus{log: log, notifier: notifier}
}

// NotifyPermissionChanged delivers ACTION_SHIZUKU_PERMISSION_CHANGED.
func (b *Bus) NotifyPermissionChanged(pkg string, user int, granted bool) {
	if b.notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.log.Warn().Interface("panic", r).Str("package", pkg).Msg("event delivery failed, swallowed")
		}
	}()
	b.notifier.NotifyPermissionChanged(pkg, user, granted)
}
