package manager

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/estuary/ingestcore/go/metrics"
)

// coreLoop is the InstanceManager main loop: wake every
// CoreThreadSleepTime, drain the ActionBus, reconcile with the durable
// store, and run an expiry sweep no more often than InstanceDBCleanInterval.
// It exits once runCtx is cancelled (Shutdown), closing loopDone.
func (m *Manager) coreLoop() {
	defer close(m.loopDone)

	var ticker = time.NewTicker(m.cfg.CoreThreadSleepTime)
	defer ticker.Stop()

	for {
		select {
		case <-m.runCtx.Done():
			return
		case <-ticker.C:
		}

		m.tick()
	}
}

func (m *Manager) tick() {
	for _, a := range m.bus.DrainAll() {
		m.handleAction(a)
	}

	if err := m.keepPaceWithDb(); err != nil {
		log.WithFields(log.Fields{"task": m.taskID, "err": err}).
			Error("instance manager: reconciliation failed")
		metrics.FailureTotal.WithLabelValues(m.taskID, "store-corruption").Inc()
	}

	if time.Since(m.lastCleanAt) >= m.cfg.InstanceDBCleanInterval {
		if err := m.expireOnce(); err != nil {
			log.WithFields(log.Fields{"task": m.taskID, "err": err}).
				Error("instance manager: expiry sweep failed")
			metrics.FailureTotal.WithLabelValues(m.taskID, "store-corruption").Inc()
		}
		m.lastCleanAt = time.Now()
	}

	metrics.HeartbeatTotal.WithLabelValues(m.taskID, "manager").Inc()

	m.mu.Lock()
	m.runAtLeastOneTime = true
	m.mu.Unlock()
}
