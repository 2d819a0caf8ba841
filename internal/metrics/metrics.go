package metrics

import (
	"sync"
	"sync/atomic"
)

// dispatchStats holds counters for the realtime dispatch path.
// Kept simple/thread-safe for use from services and exposition.
type dispatchStats struct {
	eventsProcessed uint64
	autoAssignments uint64
	claims          uint64
	requeues        uint64
	persistFailures uint64
	auditFailures   uint64
	droppedSends    uint64
}

var ds dispatchStats

func IncEventProcessed() { atomic.AddUint64(&ds.eventsProcessed, 1) }
func IncAutoAssignment() { atomic.AddUint64(&ds.autoAssignments, 1) }
func IncClaim() { atomic.AddUint64(&ds.claims, 1) }
func IncRequeue() { atomic.AddUint64(&ds.requeues, 1) }
func IncPersistFailure() { atomic.AddUint64(&ds.persistFailures, 1) }
func IncAuditFailure() { atomic.AddUint64(&ds.auditFailures, 1) }
func IncDroppedSend() { atomic.AddUint64(&ds.droppedSends, 1) }

// DispatchSnapshot returns a copy of the dispatch counters.
func DispatchSnapshot() map[string]uint64 {
	return map[string]uint64{
		"events_processed": atomic.LoadUint64(&ds.eventsProcessed),
		"auto_assignments": atomic.LoadUint64(&ds.autoAssignments),
		"claims":           atomic.LoadUint64(&ds.claims),
		"requeues":         atomic.LoadUint64(&ds.requeues),
		"persist_failures": atomic.LoadUint64(&ds.persistFailures),
		"audit_failures":   atomic.LoadUint64(&ds.auditFailures),
		"dropped_sends":    atomic.LoadUint64(&ds.droppedSends),
	}
}

// rateLimitStats holds counters for rate limit drops (HTTP 429).
type rateLimitStats struct {
	total    uint64
	mu       sync.Mutex
	byPrefix map[string]uint64
}

var rl rateLimitStats

// IncRateLimitDrop increments drop counters for the given prefix.
// Use prefix "global" for global limiter rejections.
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	atomic.AddUint64(&rl.total, 1)
	rl.mu.Lock()
	if rl.byPrefix == nil {
		rl.byPrefix = make(map[string]uint64)
	}
	rl.byPrefix[prefix]++
	rl.mu.Unlock()
}

// RateLimitSnapshot returns a copy of the current counters.
func RateLimitSnapshot() (total uint64, by map[string]uint64) {
	total = atomic.LoadUint64(&rl.total)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	by = make(map[string]uint64, len(rl.byPrefix))
	for k, v := range rl.byPrefix {
		by[k] = v
	}
	return total, by
}
