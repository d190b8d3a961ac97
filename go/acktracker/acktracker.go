// Package acktracker implements the per-instance FIFO of in-flight batches.
// It enforces submission-ordered offset release by only ever draining a
// *prefix* of acknowledged entries: a stalled batch holds up later
// checkpoints but can never let a later checkpoint commit ahead of it.
package acktracker

import (
	"sync"

	"github.com/google/uuid"

	"github.com/estuary/ingestcore/go/membudget"
	"github.com/estuary/ingestcore/go/model"
	"github.com/estuary/ingestcore/go/offsetstore"
)

// Handle identifies an AckEntry returned by Enqueue. It is a UUID rather
// than a slice index so a caller holding a stale handle after a Drain
// cannot accidentally alias a different, later entry that reused the same
// index.
type Handle uuid.UUID

type entry struct {
	handle Handle
	offset string
	length int64
	hasAck bool
}

// Tracker is the AckTracker of an instance's sink pipeline. One Tracker
// backs one SinkPipeline / one instance. It has a single writer (the
// Write path, via Enqueue) and a single drainer (the checkpoint loop, via
// Drain); the mutex below exists so Finished()/IsEmpty() may also be
// queried from the instance worker without racing either of those.
type Tracker struct {
	taskID, instanceID string
	inode              uint64
	budget             *membudget.Budget
	poolName           string
	offsets            *offsetstore.Store

	mu      sync.Mutex
	entries []entry
}

// New returns a Tracker for the given instance. poolName is the
// membudget.Budget pool permits were reserved from; offsets is where
// Drain persists checkpoints.
func New(taskID, instanceID string, inode uint64, budget *membudget.Budget, poolName string, offsets *offsetstore.Store) *Tracker {
	return &Tracker{
		taskID:     taskID,
		instanceID: instanceID,
		inode:      inode,
		budget:     budget,
		poolName:   poolName,
		offsets:    offsets,
	}
}

// Enqueue appends an entry reflecting the offset and permit length of a
// just-accepted write. The caller must later call MarkAcked on the
// returned handle once the sink transport confirms delivery.
func (t *Tracker) Enqueue(offset string, length int64) Handle {
	var h = Handle(uuid.New())

	t.mu.Lock()
	t.entries = append(t.entries, entry{handle: h, offset: offset, length: length})
	t.mu.Unlock()

	return h
}

// MarkAcked flips hasAck for handle. It is idempotent: marking an already
// acked or unknown handle is a no-op. It does not itself release the
// permit or persist the offset — only Drain does that, preserving
// submission-ordered release.
func (t *Tracker) MarkAcked(handle Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.entries {
		if t.entries[i].handle == handle {
			t.entries[i].hasAck = true
			return
		}
	}
}

// Drain pops a prefix of acked entries, releasing each one's permit and
// persisting the last popped entry's offset. It stops at the first
// non-acked entry, so a single stalled batch never allows the checkpoint
// to race ahead of it.
func (t *Tracker) Drain() error {
	t.mu.Lock()
	var i int
	for i = 0; i < len(t.entries) && t.entries[i].hasAck; i++ {
	}
	var popped = append([]entry(nil), t.entries[:i]...)
	t.entries = t.entries[i:]
	t.mu.Unlock()

	if len(popped) == 0 {
		return nil
	}

	for _, e := range popped {
		t.budget.Release(t.poolName, e.length)
	}

	var last = popped[len(popped)-1]
	return t.offsets.Put(model.OffsetRecord{
		TaskID:     t.taskID,
		InstanceID: t.instanceID,
		Offset:     last.offset,
		Inode:      t.inode,
	})
}

// IsEmpty reports whether any entry remains in flight.
func (t *Tracker) IsEmpty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries) == 0
}

// Clear releases the permits of every remaining entry without persisting
// any offset, for use during engine shutdown: every reserved permit is
// released exactly once, on drain or on shutdown.
func (t *Tracker) Clear() {
	t.mu.Lock()
	var remaining = t.entries
	t.entries = nil
	t.mu.Unlock()

	for _, e := range remaining {
		t.budget.Release(t.poolName, e.length)
	}
}
