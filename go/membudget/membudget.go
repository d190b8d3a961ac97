// Package membudget implements a process-wide semaphore over named byte
// pools. All sinks share the pool named by AGENT_GLOBAL_WRITER_PERMIT so
// that a fast source backpressures the whole agent, not just its own
// instance.
package membudget

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/estuary/ingestcore/go/metrics"
)

// AgentGlobalWriterPermit is the pool name every SinkPipeline acquires
// permits from.
const AgentGlobalWriterPermit = "AGENT_GLOBAL_WRITER_PERMIT"

type pool struct {
	mu       sync.Mutex
	capacity int64
	used     int64
}

// Budget is a registry of named pools, each with a fixed byte capacity.
// It is safe for concurrent use by many TryAcquire/Release callers from
// all sink workers at once.
type Budget struct {
	mu    sync.RWMutex
	pools map[string]*pool
}

// New returns an empty Budget. Pools are created lazily by their declared
// capacity on first registration via Register.
func New() *Budget {
	return &Budget{pools: make(map[string]*pool)}
}

// Register declares a pool with the given capacity. Calling Register
// again for an existing pool name resets its capacity but never its
// current usage, so in-flight permits are never invalidated mid-flight.
func (b *Budget) Register(poolName string, capacity int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p, ok := b.pools[poolName]; ok {
		p.mu.Lock()
		p.capacity = capacity
		p.mu.Unlock()
		return
	}
	b.pools[poolName] = &pool{capacity: capacity}
}

func (b *Budget) pool(poolName string) *pool {
	b.mu.RLock()
	p, ok := b.pools[poolName]
	b.mu.RUnlock()
	if ok {
		return p
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok = b.pools[poolName]; ok {
		return p
	}
	p = &pool{}
	b.pools[poolName] = p
	return p
}

// TryAcquire is non-blocking: it returns false without side effects if
// used+n would exceed the pool's capacity.
func (b *Budget) TryAcquire(poolName string, n int64) bool {
	var p = b.pool(poolName)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.used+n > p.capacity {
		metrics.PermitDeniedTotal.WithLabelValues(poolName).Inc()
		return false
	}
	p.used += n
	metrics.MemoryBudgetUsed.WithLabelValues(poolName, "").Set(float64(p.used))
	return true
}

// Release returns n bytes to the pool. Its precondition is n <= used;
// violating it is a programming error in the caller (a double-release or
// mis-tracked length), so Release panics rather than silently corrupting
// the budget's accounting.
func (b *Budget) Release(poolName string, n int64) {
	var p = b.pool(poolName)

	p.mu.Lock()
	defer p.mu.Unlock()

	if n > p.used {
		panic(fmt.Sprintf("membudget: release %d exceeds used %d for pool %q", n, p.used, poolName))
	}
	p.used -= n
	metrics.MemoryBudgetUsed.WithLabelValues(poolName, "").Set(float64(p.used))
}

// Used returns the pool's current usage. Exposed chiefly for tests that
// assert usage returns to zero after shutdown.
func (b *Budget) Used(poolName string) int64 {
	var p = b.pool(poolName)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

// Report is the observability hook: it logs the pool's current
// utilization tagged by the caller-supplied tag (e.g. a task or instance
// id), and updates the same gauge TryAcquire/Release maintain so ad-hoc
// reporting and the steady-state gauge never drift apart.
func (b *Budget) Report(poolName, tag string) {
	var p = b.pool(poolName)
	p.mu.Lock()
	used, capacity := p.used, p.capacity
	p.mu.Unlock()

	metrics.MemoryBudgetUsed.WithLabelValues(poolName, tag).Set(float64(used))
	log.WithFields(log.Fields{
		"pool":     poolName,
		"tag":      tag,
		"used":     used,
		"capacity": capacity,
	}).Debug("memory budget report")
}
