// Package consent models the consent-dialog collaborator spec.md §6
// describes: launched with (package, appId, user, callback-handle), must
// invoke exactly one of on_granted/on_denied. The real dialog is a
// separate UI process outside this repo's scope; this package defines the
// interface the permission engine drives and a queueing, in-process
// implementation for the broker's boot-time fixture and tests — one that
// resolves FIFO as spec.md §4.2 "Tie-breaks" requires.
package consent

import (
	"context"
	"sync"
)

// Callback is the one-shot decision surface spec.md §6 describes. Exactly
// one of Granted/Denied fires per request; the engine drops its reference
// afterward.
type Callback interface {
	Granted()
	Denied()
}

// Request is what the permission engine hands the consent UI.
type Request struct {
	Package string
	AppID   int64
	User    int
}

// UI is the consent-dialog collaborator. Show must not block on the
// user's decision: it queues the dialog and returns immediately, per
// spec.md §5 ("Consent-UI dispatch itself must not block"); the decision
// arrives later via cb.
type UI interface {
	Show(ctx context.Context, req Request, cb Callback) error
}

// funcCallback adapts two closures into a Callback.
type funcCallback struct {
	granted func()
	denied  func()
}

func (f funcCallback) Granted() { f.granted() }
func (f funcCallback) Denied()  { f.denied() }

// NewCallback builds a Callback from two closures.
func NewCallback(granted, denied func()) Callback {
	return funcCallback{granted: granted, denied: denied}
}

// QueueUI is a FIFO, in-process stand-in for the real dialog UI: each
// Show enqueues the request and the dialogs are resolved one at a time by
// calling the decide function a test or an operator fixture passed to
// NewQueueUI. Decisions resolve in the order dialogs were shown.
type QueueUI struct {
	decide func(Request) bool // true = allow, false = deny

	mu   sync.Mutex
	tail chan struct{} // closed once the most recently shown dialog has resolved
}

// NewQueueUI builds a QueueUI that resolves every dialog synchronously
// via decide. Show still returns immediately and the decision is
// delivered on a separate goroutine, preserving the "callback only, never
// block the caller" contract even though decide itself is synchronous.
func NewQueueUI(decide func(Request) bool) *QueueUI {
	return &QueueUI{decide: decide}
}

func (q *QueueUI) Show(ctx context.Context, req Request, cb Callback) error {
	q.mu.Lock()
	prev := q.tail
	done := make(chan struct{})
	q.tail = done
	q.mu.Unlock()
	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		if q.decide(req) {
			cb.Granted()
		} else {
			cb.Denied()
		}
	}()
	return nil
}
