// Package manager implements the InstanceManager supervisor: per-task
// admission under a concurrency cap, reconciliation between the live
// instanceMap and the durable InstanceStore, an expiry sweep over
// FINISHED profiles, and orderly shutdown.
package manager

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/estuary/ingestcore/go/actionbus"
	"github.com/estuary/ingestcore/go/engineconfig"
	"github.com/estuary/ingestcore/go/instance"
	"github.com/estuary/ingestcore/go/instancestore"
	"github.com/estuary/ingestcore/go/model"
	"github.com/estuary/ingestcore/go/offsetstore"
)

// CycleArithmetic maps a task's cycle-unit label (a coarse time bucket —
// Y/M/D/h/m, or "realtime") to its duration. Date/cycle arithmetic is an
// external collaborator; InstanceManager only consults this narrow
// contract during its expiry sweep.
type CycleArithmetic interface {
	UnitDuration(cycleUnit string) (time.Duration, bool)
}

type liveInstance struct {
	inst *instance.Instance
}

// Manager is the InstanceManager, scoped to a single task.
type Manager struct {
	taskID   string
	cfg      engineconfig.Config
	instCfg  instance.Config
	registry *instance.Registry
	cycles   CycleArithmetic

	instances *instancestore.Store
	offsets   *offsetstore.Store
	tasks     *instancestore.TaskStore
	bus       *actionbus.Bus

	mu                sync.Mutex
	instanceMap       map[string]*liveInstance
	runAtLeastOneTime bool
	lastCleanAt       time.Time

	runCtx    context.Context
	runCancel context.CancelFunc
	loopDone  chan struct{}
}

// New constructs a Manager for taskID. The caller supplies the durable
// stores, a Registry of source/sink factories, and a CycleArithmetic
// implementation for expiry-sweep arithmetic.
func New(
	taskID string,
	cfg engineconfig.Config,
	registry *instance.Registry,
	instances *instancestore.Store,
	offsets *offsetstore.Store,
	tasks *instancestore.TaskStore,
	cycles CycleArithmetic,
) *Manager {
	var instCfg = instance.DefaultConfig()
	instCfg.CheckFinishAtLeastCount = cfg.CheckFinishAtLeastCount
	instCfg.CoreThreadSleep = cfg.CoreThreadSleep

	return &Manager{
		taskID:   taskID,
		cfg:      cfg,
		instCfg:  instCfg,
		registry: registry,
		cycles:   cycles,

		instances: instances,
		offsets:   offsets,
		tasks:     tasks,
		bus:       actionbus.New(cfg.ActionBusCapacity),

		instanceMap: make(map[string]*liveInstance),
	}
}

// Bus exposes the ActionBus so an external caller (e.g. the task-level
// scheduler emitting ADD actions for newly discovered files) can submit
// to it. Submission is the only interaction the scheduler needs; it is
// otherwise out of scope here.
func (m *Manager) Bus() *actionbus.Bus { return m.bus }

// Start loads durable state (restoreFromDb), then launches the core loop.
// It blocks only long enough to perform the initial restore.
func (m *Manager) Start(ctx context.Context) error {
	m.runCtx, m.runCancel = context.WithCancel(ctx)
	m.loopDone = make(chan struct{})

	if err := m.restoreFromDb(); err != nil {
		return err
	}

	go m.coreLoop()
	return nil
}

// restoreFromDb reinstates every DEFAULT profile into memory; FINISHED,
// DELETE, and FATAL-adjacent profiles are left untouched. Reinstated
// instances resume at their last durable OffsetStore checkpoint, since a
// SourceAdapter reads its starting offset from there.
func (m *Manager) restoreFromDb() error {
	return m.reconcileStoreToMemory()
}

// IsFull estimates load: true once live instances plus queued actions
// reach 80% of the configured limit.
func (m *Manager) IsFull() bool {
	m.mu.Lock()
	var n = len(m.instanceMap)
	m.mu.Unlock()
	return float64(n+m.bus.Len()) >= float64(m.cfg.InstanceLimit)*0.8
}

// AllInstancesFinished is true iff the manager has completed at least one
// core-loop iteration, both the instance map and action queue are empty,
// and every profile in the store is FINISHED.
func (m *Manager) AllInstancesFinished() (bool, error) {
	m.mu.Lock()
	var ranOnce = m.runAtLeastOneTime
	var memEmpty = len(m.instanceMap) == 0
	m.mu.Unlock()

	if !ranOnce || !memEmpty || m.bus.Len() != 0 {
		return false, nil
	}

	profiles, err := m.instances.List(m.taskID)
	if err != nil {
		return false, err
	}
	for _, p := range profiles {
		if p.State != model.StateFinished {
			return false, nil
		}
	}
	return true, nil
}

// LiveCount returns the number of instances currently held in memory,
// chiefly for tests and the heartbeat gauge.
func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instanceMap)
}

// Shutdown signals the core loop, waits for it to exit, then destroys
// every live instance concurrently. errgroup supervises the fan-out so a
// panic-free error from one instance's Destroy (there is none today, but
// the shape generalizes) doesn't strand the others mid-teardown.
func (m *Manager) Shutdown() {
	if m.runCancel != nil {
		m.runCancel()
	}
	if m.loopDone != nil {
		<-m.loopDone
	}

	m.mu.Lock()
	var live = make([]*liveInstance, 0, len(m.instanceMap))
	for _, li := range m.instanceMap {
		live = append(live, li)
	}
	m.instanceMap = make(map[string]*liveInstance)
	m.mu.Unlock()

	var g errgroup.Group
	for _, li := range live {
		var li = li
		g.Go(func() error {
			li.inst.Destroy()
			return nil
		})
	}
	_ = g.Wait()

	log.WithField("task", m.taskID).Info("instance manager: shutdown complete")
}
