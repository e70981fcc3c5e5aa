package permission

import (
	"sync"

	"github.com/zerofrip/system-shizuku/internal/model"
)

// pendingCounters is the concurrent (package, user) -> in-flight-dialog
// counter spec.md §3/§5 describes: "a concurrent integer map ... mutated
// by compare-and-increment", capped at MaxPendingRequests.
type pendingCounters struct {
	mu    sync.Mutex
	count map[model.Key]int
	max   int
}

func newPendingCounters(max int) *pendingCounters {
	if max <= 0 {
		max = MaxPendingRequests
	}
	return &pendingCounters{count: make(map[model.Key]int), max: max}
}

// tryIncrement atomically increments the counter for key and reports
// whether the result stayed within the cap. On failure the counter is left
// unchanged (the caller never decrements a rejected increment).
func (p *pendingCounters) tryIncrement(key model.Key) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.count[key] + 1
	if n > p.max {
		return false
	}
	p.count[key] = n
	return true
}

// decrement lowers the counter for key by one, floored at zero and pruned
// once it reaches zero so the map doesn't grow unboundedly.
func (p *pendingCounters) decrement(key model.Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.count[key] - 1
	if n <= 0 {
		delete(p.count, key)
		return
	}
	p.count[key] = n
}

func (p *pendingCounters) value(key model.Key) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count[key]
}
