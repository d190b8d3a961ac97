package manager

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/estuary/ingestcore/go/model"
)

// expireOnce sweeps FINISHED profiles for taskID and deletes those past
// their expiry window. A task's expiry window is DBInstanceExpireCycleCount
// multiples of its cycle-unit duration,
// resolved through the CycleArithmetic collaborator; a real-time task, or
// a retrying task that hasn't yet reached RETRY_FINISH, never expires. At
// most CleanInstanceOnceLimit profiles are deleted per call, so a sweep
// never blocks the main loop for long even after an outage leaves a large
// backlog of FINISHED profiles.
func (m *Manager) expireOnce() error {
	task, ok, err := m.tasks.Get(m.taskID)
	if err != nil {
		return err
	}
	if !ok {
		// No task profile to consult yet; nothing to expire this sweep.
		return nil
	}
	if task.RealTime {
		return nil
	}
	if task.Retrying && !task.RetryFinish {
		return nil
	}

	unit, ok := m.cycles.UnitDuration(task.CycleUnit)
	if !ok {
		log.WithFields(log.Fields{"task": m.taskID, "cycleUnit": task.CycleUnit}).
			Warn("instance manager: unrecognized cycle unit, skipping expiry sweep")
		return nil
	}
	var window = unit * time.Duration(m.cfg.DBInstanceExpireCycleCount)

	profiles, err := m.instances.List(m.taskID)
	if err != nil {
		return err
	}

	var now = time.Now()
	var deleted int
	for _, p := range profiles {
		if deleted >= m.cfg.CleanInstanceOnceLimit {
			break
		}
		if p.State != model.StateFinished {
			continue
		}
		if now.Sub(p.ModifyTime) <= window {
			continue
		}
		if err := m.instances.Delete(p.TaskID, p.InstanceID); err != nil {
			log.WithFields(log.Fields{"task": p.TaskID, "instance": p.InstanceID, "err": err}).
				Error("instance manager: expiry sweep failed to delete profile")
			continue
		}
		if err := m.offsets.Delete(p.TaskID, p.InstanceID); err != nil {
			log.WithFields(log.Fields{"task": p.TaskID, "instance": p.InstanceID, "err": err}).
				Error("instance manager: expiry sweep failed to delete offset record")
		}
		deleted++
	}
	if deleted > 0 {
		log.WithFields(log.Fields{"task": m.taskID, "count": deleted}).
			Info("instance manager: expiry sweep deleted finished profiles")
	}
	return nil
}
