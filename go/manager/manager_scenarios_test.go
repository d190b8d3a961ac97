package manager

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/estuary/ingestcore/go/actionbus"
	"github.com/estuary/ingestcore/go/metrics"
	"github.com/estuary/ingestcore/go/model"
)

// TestRestartReinstatesOnlyDefaultProfiles seeds the durable store with one
// profile in each of DEFAULT, FINISHED, and DELETE before Start is ever
// called, then checks that only the DEFAULT one comes back to life.
func TestRestartReinstatesOnlyDefaultProfiles(t *testing.T) {
	var m, instances, _ = newTestManager(t)

	require.NoError(t, instances.Store(model.InstanceProfile{
		TaskID: "task1", InstanceID: "a",
		SourceClassTag: "fake", SinkClassTag: "fake",
		State: model.StateDefault, ModifyTime: time.Now(),
	}))
	require.NoError(t, instances.Store(model.InstanceProfile{
		TaskID: "task1", InstanceID: "b",
		SourceClassTag: "fake", SinkClassTag: "fake",
		State: model.StateFinished, ModifyTime: time.Now(),
	}))
	require.NoError(t, instances.Store(model.InstanceProfile{
		TaskID: "task1", InstanceID: "c",
		SourceClassTag: "fake", SinkClassTag: "fake",
		State: model.StateDelete, ModifyTime: time.Now(),
	}))

	require.NoError(t, m.Start(context.Background()))
	defer m.Shutdown()

	require.Eventually(t, func() bool {
		return m.LiveCount() == 1
	}, time.Second, 5*time.Millisecond, "only the DEFAULT profile is reinstated")

	m.mu.Lock()
	_, live := m.instanceMap["a"]
	_, bLive := m.instanceMap["b"]
	_, cLive := m.instanceMap["c"]
	m.mu.Unlock()
	require.True(t, live, "the DEFAULT profile is reinstated into memory")
	require.False(t, bLive, "the FINISHED profile is left alone")
	require.False(t, cLive, "the DELETE profile is left alone")
}

// TestAdmissionCapRejectsBeyondInstanceLimit drives three real ADD actions
// through the ActionBus against an instanceLimit of 2 and checks that only
// two instances are admitted, with the third counted as rejected-limit.
func TestAdmissionCapRejectsBeyondInstanceLimit(t *testing.T) {
	var m, instances, _ = newTestManager(t)
	m.cfg.InstanceLimit = 2
	// Hold every instance open past the test's lifetime so the cap can't be
	// relieved by an early FINISH racing the third ADD.
	m.instCfg.CheckFinishAtLeastCount = 1 << 20

	require.NoError(t, m.Start(context.Background()))
	defer m.Shutdown()

	var before = testutil.ToFloat64(metrics.AddInstanceTotal.WithLabelValues("task1", "rejected-limit"))

	for _, id := range []string{"a", "b", "c"} {
		m.Bus().Submit(actionbus.Action{
			Type: actionbus.Add,
			Profile: model.InstanceProfile{
				TaskID: "task1", InstanceID: id,
				SourceClassTag: "fake", SinkClassTag: "fake",
				FileUpdateTime: time.Now(),
			},
			TaskID: "task1", InstanceID: id,
		})
	}

	require.Eventually(t, func() bool {
		return m.LiveCount() == 2
	}, time.Second, 5*time.Millisecond, "exactly two of the three ADDs are admitted")

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.AddInstanceTotal.WithLabelValues("task1", "rejected-limit")) > before
	}, time.Second, 5*time.Millisecond, "the third ADD is counted as rejected-limit")

	profiles, err := instances.List("task1")
	require.NoError(t, err)
	var admitted int
	for _, p := range profiles {
		if p.State == model.StateDefault {
			admitted++
		}
	}
	require.Equal(t, 2, admitted, "only the admitted instances persist a DEFAULT profile")
}
