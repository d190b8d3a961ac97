package instance

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/estuary/ingestcore/go/actionbus"
	"github.com/estuary/ingestcore/go/metrics"
	"github.com/estuary/ingestcore/go/model"
	"github.com/estuary/ingestcore/go/offsetstore"
)

// runtimeState is the in-memory state-machine position:
// INIT -> RUNNING -> (DRAINING -> FINISHED_LOCAL) | SOURCE_GONE | FATAL.
// It is distinct from model.InstanceState, which is the durable profile
// state InstanceManager persists; a runtimeState never outlives the
// process, while model.InstanceState survives a restart.
type runtimeState int32

const (
	stateInit runtimeState = iota
	stateRunning
	stateDraining
	stateFinishedLocal
	stateSourceGone
	stateFatal
)

// Config carries the instance-level knobs that aren't owned by
// SinkPipeline: the finish-probe threshold, the idle sleep, the
// destroy-poll interval, and the action-submission retry backoff.
type Config struct {
	CheckFinishAtLeastCount int
	CoreThreadSleep         time.Duration
	ActionRetryBackoff      time.Duration // default 1s
	DestroyPollInterval     time.Duration // default 10ms
}

// DefaultConfig returns the documented instance-level defaults.
func DefaultConfig() Config {
	return Config{
		CheckFinishAtLeastCount: 5,
		CoreThreadSleep:         time.Second,
		ActionRetryBackoff:      time.Second,
		DestroyPollInterval:     10 * time.Millisecond,
	}
}

// Instance is the single-file state machine wiring a SourceAdapter to a
// SinkAdapter (for example, an adapter around a *sinkpipeline.Pipeline) and owning the
// FINISH/DELETE termination protocol.
type Instance struct {
	taskID, instanceID string
	cfg                Config
	source             SourceAdapter
	sink               SinkAdapter
	offsets            *offsetstore.Store
	bus                *actionbus.Bus

	mu           sync.Mutex
	profile      model.InstanceProfile
	state        runtimeState
	sourceInited bool
	sinkInited   bool
	started      bool

	stopRequested atomic.Bool
	loopDone      chan struct{}

	finishProbeCount int
}

// New constructs an Instance. The caller (InstanceManager, via the
// Registry) is responsible for having already built source and sink from
// profile's class tags.
func New(profile model.InstanceProfile, source SourceAdapter, sink SinkAdapter, offsets *offsetstore.Store, bus *actionbus.Bus, cfg Config) *Instance {
	return &Instance{
		taskID:     profile.TaskID,
		instanceID: profile.InstanceID,
		cfg:        cfg,
		source:     source,
		sink:       sink,
		offsets:    offsets,
		bus:        bus,
		profile:    profile,
		state:      stateInit,
		loopDone:   make(chan struct{}),
	}
}

// Profile returns a snapshot of the instance's current profile.
func (i *Instance) Profile() model.InstanceProfile {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.profile.Clone()
}

// Init initializes the source and sink adapters. On failure the instance
// transitions to FATAL, records the error, and returns false; the caller
// must not start Run in that case.
func (i *Instance) Init() bool {
	var log = log.WithFields(log.Fields{"task": i.taskID, "instance": i.instanceID})

	if ok := i.source.Init(i.profile); !ok {
		log.Error("instance: source init failed")
		i.mu.Lock()
		i.state = stateFatal
		i.mu.Unlock()
		metrics.FailureTotal.WithLabelValues(i.taskID, "init-failure").Inc()
		return false
	}
	i.mu.Lock()
	i.sourceInited = true
	i.mu.Unlock()

	if ok := i.sink.Init(i.profile); !ok {
		log.Error("instance: sink init failed")
		i.mu.Lock()
		i.state = stateFatal
		i.mu.Unlock()
		metrics.FailureTotal.WithLabelValues(i.taskID, "init-failure").Inc()
		return false
	}

	i.mu.Lock()
	i.sinkInited = true
	i.state = stateRunning
	i.mu.Unlock()
	return true
}

// Run is the cooperative, single-worker run loop. It returns once the
// instance observes its own termination (source deletion or finish), is
// forcibly stopped via Destroy, or ctx is cancelled.
func (i *Instance) Run(ctx context.Context) {
	i.mu.Lock()
	i.started = true
	i.mu.Unlock()
	defer close(i.loopDone)

	for {
		if i.stopRequested.Load() || ctx.Err() != nil {
			return
		}

		if !i.source.Exists() {
			i.handleSourceDeleted(ctx)
			return
		}

		var msg = i.source.Read(ctx)
		if msg != nil {
			if err := i.sink.Write(ctx, *msg); err != nil {
				log.WithFields(log.Fields{
					"task":     i.taskID,
					"instance": i.instanceID,
					"err":      err,
				}).Warn("instance: sink write did not complete")
				return
			}
			if i.finishProbeCount > 0 {
				i.mu.Lock()
				i.state = stateRunning
				i.mu.Unlock()
			}
			i.finishProbeCount = 0
			continue
		}

		if i.source.Finished() && i.sink.Finished() {
			i.finishProbeCount++
			i.mu.Lock()
			i.state = stateDraining
			i.mu.Unlock()
			if i.finishProbeCount > i.cfg.CheckFinishAtLeastCount {
				i.handleFinish(ctx)
				return
			}
		}

		metrics.HeartbeatTotal.WithLabelValues(i.taskID, i.profile.SourceClassTag).Inc()
		select {
		case <-ctx.Done():
			return
		case <-time.After(i.cfg.CoreThreadSleep):
		}
	}
}

// handleSourceDeleted implements the DELETE termination path: delete the
// offset record, mark the profile DELETE locally, and submit a DELETE
// action with retry.
func (i *Instance) handleSourceDeleted(ctx context.Context) {
	i.mu.Lock()
	i.state = stateSourceGone
	i.profile.State = model.StateDelete
	i.profile.ModifyTime = time.Now()
	var profile = i.profile.Clone()
	i.mu.Unlock()

	if err := i.offsets.Delete(i.taskID, i.instanceID); err != nil {
		log.WithFields(log.Fields{
			"task": i.taskID, "instance": i.instanceID, "err": err,
		}).Error("instance: failed to delete offset record on source deletion")
	}

	i.submitWithRetry(ctx, actionbus.Action{
		Type:       actionbus.Delete,
		Profile:    profile,
		TaskID:     i.taskID,
		InstanceID: i.instanceID,
	})
}

// handleFinish implements the FINISH termination path.
func (i *Instance) handleFinish(ctx context.Context) {
	i.mu.Lock()
	i.state = stateFinishedLocal
	var profile = i.profile.Clone()
	i.mu.Unlock()

	i.submitWithRetry(ctx, actionbus.Action{
		Type:       actionbus.Finish,
		Profile:    profile,
		TaskID:     i.taskID,
		InstanceID: i.instanceID,
	})
}

// submitWithRetry resubmits action to the ActionBus with a 1s backoff
// until it's accepted or the instance observes shutdown. Both FINISH and
// DELETE are idempotent at the manager side, so a duplicate submission
// after a retry race is harmless.
func (i *Instance) submitWithRetry(ctx context.Context, action actionbus.Action) {
	for {
		if i.bus.Submit(action) {
			return
		}
		metrics.FailureTotal.WithLabelValues(i.taskID, "action-queue-full").Inc()

		select {
		case <-ctx.Done():
			return
		case <-time.After(i.cfg.ActionRetryBackoff):
		}
		if i.stopRequested.Load() {
			return
		}
	}
}

// Destroy signals the run loop to stop, waits for it to observe
// termination, then destroys whichever of source and sink actually
// finished Init. It is safe to call concurrently with a still-running
// loop, safe to call before Init has completed, safe to call after a
// partially-failed Init (only the adapter that succeeded is torn down),
// and never re-enters initialization.
func (i *Instance) Destroy() {
	i.stopRequested.Store(true)

	i.mu.Lock()
	var started, sourceInited, sinkInited = i.started, i.sourceInited, i.sinkInited
	i.mu.Unlock()

	if started {
		var ticker = time.NewTicker(i.cfg.DestroyPollInterval)
		defer ticker.Stop()
	waitLoop:
		for {
			select {
			case <-i.loopDone:
				break waitLoop
			case <-ticker.C:
			}
		}
	}

	if sourceInited {
		i.source.Destroy()
	}
	if sinkInited {
		i.sink.Destroy()
	}
}

// State returns the instance's current runtime state, chiefly for tests.
func (i *Instance) State() runtimeState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}
