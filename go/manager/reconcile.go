package manager

import (
	log "github.com/sirupsen/logrus"

	"github.com/estuary/ingestcore/go/metrics"
	"github.com/estuary/ingestcore/go/model"
)

// keepPaceWithDb is the two-direction reconciliation between the live
// instanceMap and the durable InstanceStore. Both directions are
// idempotent: running it twice with no intervening store or memory change
// performs no further mutation, since each direction only acts on a
// mismatch it then resolves.
func (m *Manager) keepPaceWithDb() error {
	profiles, err := m.instances.List(m.taskID)
	if err != nil {
		return err
	}

	var byID = make(map[string]model.InstanceProfile, len(profiles))
	for _, p := range profiles {
		byID[p.InstanceID] = p
	}

	m.storeToMemory(byID)
	m.memoryToStore(byID)
	return nil
}

// reconcileStoreToMemory runs only the store -> memory direction, used at
// startup to reinstate every DEFAULT profile (restoreFromDb).
func (m *Manager) reconcileStoreToMemory() error {
	profiles, err := m.instances.List(m.taskID)
	if err != nil {
		return err
	}
	var byID = make(map[string]model.InstanceProfile, len(profiles))
	for _, p := range profiles {
		byID[p.InstanceID] = p
	}
	m.storeToMemory(byID)
	return nil
}

// storeToMemory reinstates DEFAULT profiles absent from memory, and
// retires in-memory instances whose durable record has since gone
// terminal (FINISHED or DELETE) out from under them — e.g. an operator
// deleting a profile directly, or a FINISH/DELETE action racing a crash
// between persisting the store record and retiring the in-memory entry.
func (m *Manager) storeToMemory(byID map[string]model.InstanceProfile) {
	for _, p := range byID {
		m.mu.Lock()
		_, live := m.instanceMap[p.InstanceID]
		m.mu.Unlock()

		switch {
		case p.State == model.StateDefault && !live:
			if m.admit(p) {
				log.WithFields(log.Fields{"task": p.TaskID, "instance": p.InstanceID}).
					Info("instance manager: reinstated instance from durable profile")
			}
		case p.State.Terminal() && live:
			m.removeFromMemoryOnly(p.InstanceID)
		}
	}
}

// memoryToStore retires any in-memory instance whose durable record has
// disappeared or is no longer DEFAULT. Under normal operation FINISH and
// DELETE always persist before retiring memory (see handleFinish/
// handleDelete), so this only fires after an external change to the store
// or a crash mid-transition.
func (m *Manager) memoryToStore(byID map[string]model.InstanceProfile) {
	m.mu.Lock()
	var ids = make([]string, 0, len(m.instanceMap))
	for id := range m.instanceMap {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		var p, ok = byID[id]
		if !ok || p.State != model.StateDefault {
			m.removeFromMemoryOnly(id)
		}
	}
}

func (m *Manager) removeFromMemoryOnly(instanceID string) {
	m.mu.Lock()
	var li, ok = m.instanceMap[instanceID]
	if ok {
		delete(m.instanceMap, instanceID)
	}
	var n = len(m.instanceMap)
	m.mu.Unlock()
	metrics.InstancesLive.WithLabelValues(m.taskID).Set(float64(n))

	if ok {
		li.inst.Destroy()
	}
}
