package manager

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/estuary/ingestcore/go/actionbus"
	"github.com/estuary/ingestcore/go/instance"
	"github.com/estuary/ingestcore/go/metrics"
	"github.com/estuary/ingestcore/go/model"
)

// handleAction dispatches one drained Action to its handler.
func (m *Manager) handleAction(a actionbus.Action) {
	switch a.Type {
	case actionbus.Add:
		m.handleAdd(a.Profile)
	case actionbus.Finish:
		m.handleFinish(a.Profile)
	case actionbus.Delete:
		m.handleDelete(a.TaskID, a.InstanceID)
	default:
		log.WithField("type", a.Type).Warn("instance manager: dropping action of unknown type")
	}
}

// shouldAddAgain is the pure admission predicate: given the existing
// durable profile for (taskId, instanceId) — or nil if none exists — and
// the fileUpdateTime carried by a fresh ADD request, decide whether the
// instance should be (re)admitted. It takes no receiver and touches no
// store, so it is independently testable for purity.
func shouldAddAgain(existing *model.InstanceProfile, fileUpdateTime time.Time) bool {
	if existing == nil {
		return true
	}
	switch existing.State {
	case model.StateFinished:
		return fileUpdateTime.After(existing.ModifyTime)
	case model.StateDelete:
		return true
	default:
		// StateDefault (still considered live by the store) or StateFatal:
		// do not re-admit until that record clears.
		return false
	}
}

func (m *Manager) handleAdd(profile model.InstanceProfile) {
	var lg = log.WithFields(log.Fields{"task": profile.TaskID, "instance": profile.InstanceID})

	m.mu.Lock()
	var full = len(m.instanceMap) >= m.cfg.InstanceLimit
	m.mu.Unlock()
	if full {
		lg.Warn("instance manager: rejecting ADD, at instance limit")
		metrics.AddInstanceTotal.WithLabelValues(profile.TaskID, "rejected-limit").Inc()
		return
	}

	existing, ok, err := m.instances.Get(profile.TaskID, profile.InstanceID)
	if err != nil {
		lg.WithError(err).Error("instance manager: reading prior profile for ADD")
		metrics.FailureTotal.WithLabelValues(profile.TaskID, "store-corruption").Inc()
		return
	}
	var existingPtr *model.InstanceProfile
	if ok {
		existingPtr = &existing
	}
	if !shouldAddAgain(existingPtr, profile.FileUpdateTime) {
		lg.Debug("instance manager: skipping ADD, instance already accounted for")
		metrics.AddInstanceTotal.WithLabelValues(profile.TaskID, "skipped").Inc()
		return
	}

	profile.State = model.StateDefault
	profile.ModifyTime = time.Now()
	if err := m.instances.Store(profile); err != nil {
		lg.WithError(err).Error("instance manager: persisting new profile")
		metrics.FailureTotal.WithLabelValues(profile.TaskID, "store-corruption").Inc()
		return
	}

	if !m.admit(profile) {
		metrics.AddInstanceTotal.WithLabelValues(profile.TaskID, "init-failed").Inc()
		return
	}
	metrics.AddInstanceTotal.WithLabelValues(profile.TaskID, "admitted").Inc()
}

// admit builds source/sink adapters for profile, constructs and
// initializes an Instance, and — on success — registers it in memory and
// launches its run loop. On Init failure it rolls back the DEFAULT
// profile and any offset record, since otherwise a stranded DEFAULT
// record with no matching in-memory instance would make every future
// reconciliation tick re-attempt (and re-fail) the same admission
// forever.
func (m *Manager) admit(profile model.InstanceProfile) bool {
	var lg = log.WithFields(log.Fields{"task": profile.TaskID, "instance": profile.InstanceID})

	source, err := m.registry.BuildSource(profile)
	if err != nil {
		lg.WithError(err).Error("instance manager: building source adapter")
		m.rollbackFailedAdmission(profile)
		return false
	}
	sink, err := m.registry.BuildSink(profile)
	if err != nil {
		lg.WithError(err).Error("instance manager: building sink adapter")
		m.rollbackFailedAdmission(profile)
		return false
	}

	var inst = instance.New(profile, source, sink, m.offsets, m.bus, m.instCfg)
	if !inst.Init() {
		inst.Destroy()
		m.rollbackFailedAdmission(profile)
		return false
	}

	m.mu.Lock()
	m.instanceMap[profile.InstanceID] = &liveInstance{inst: inst}
	var n = len(m.instanceMap)
	m.mu.Unlock()
	metrics.InstancesLive.WithLabelValues(profile.TaskID).Set(float64(n))

	go inst.Run(m.runCtx)
	return true
}

func (m *Manager) rollbackFailedAdmission(profile model.InstanceProfile) {
	if err := m.instances.Delete(profile.TaskID, profile.InstanceID); err != nil {
		log.WithFields(log.Fields{"task": profile.TaskID, "instance": profile.InstanceID, "err": err}).
			Error("instance manager: rolling back profile after init failure")
	}
	if err := m.offsets.Delete(profile.TaskID, profile.InstanceID); err != nil {
		log.WithFields(log.Fields{"task": profile.TaskID, "instance": profile.InstanceID, "err": err}).
			Error("instance manager: rolling back offset after init failure")
	}
}

func (m *Manager) handleFinish(profile model.InstanceProfile) {
	profile.State = model.StateFinished
	profile.ModifyTime = time.Now()
	if err := m.instances.Store(profile); err != nil {
		log.WithFields(log.Fields{"task": profile.TaskID, "instance": profile.InstanceID, "err": err}).
			Error("instance manager: persisting FINISHED profile")
		metrics.FailureTotal.WithLabelValues(profile.TaskID, "store-corruption").Inc()
		return
	}
	m.retireFromMemory(profile.TaskID, profile.InstanceID)
	metrics.FinishInstanceTotal.WithLabelValues(profile.TaskID).Inc()
}

func (m *Manager) handleDelete(taskID, instanceID string) {
	if err := m.instances.Delete(taskID, instanceID); err != nil {
		log.WithFields(log.Fields{"task": taskID, "instance": instanceID, "err": err}).
			Error("instance manager: deleting profile")
		metrics.FailureTotal.WithLabelValues(taskID, "store-corruption").Inc()
		return
	}
	m.retireFromMemory(taskID, instanceID)
	metrics.DeleteInstanceTotal.WithLabelValues(taskID).Inc()
}

// retireFromMemory removes instanceID from the live map and destroys it.
// Destroy returns promptly here: the instance's own run loop already
// observed its terminal condition and submitted the FINISH/DELETE action
// that led to this call, so its loopDone channel is already closed.
func (m *Manager) retireFromMemory(taskID, instanceID string) {
	m.mu.Lock()
	var li, ok = m.instanceMap[instanceID]
	if ok {
		delete(m.instanceMap, instanceID)
	}
	var n = len(m.instanceMap)
	m.mu.Unlock()
	metrics.InstancesLive.WithLabelValues(taskID).Set(float64(n))

	if ok {
		li.inst.Destroy()
	}
}
