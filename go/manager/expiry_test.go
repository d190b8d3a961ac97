package manager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/estuary/ingestcore/go/instancestore"
	"github.com/estuary/ingestcore/go/model"
)

func TestExpireOnceDeletesFinishedPastWindow(t *testing.T) {
	var m, instances, offsets = newTestManager(t)

	require.NoError(t, m.tasks.Put(instancestore.TaskProfile{
		TaskID: "task1", CycleUnit: "h",
	}))

	var stale = model.InstanceProfile{
		TaskID: "task1", InstanceID: "stale",
		State:      model.StateFinished,
		ModifyTime: time.Now().Add(-4 * time.Hour),
	}
	var fresh = model.InstanceProfile{
		TaskID: "task1", InstanceID: "fresh",
		State:      model.StateFinished,
		ModifyTime: time.Now(),
	}
	require.NoError(t, instances.Store(stale))
	require.NoError(t, instances.Store(fresh))
	require.NoError(t, offsets.Put(model.OffsetRecord{TaskID: "task1", InstanceID: "stale", Offset: "1"}))
	require.NoError(t, offsets.Put(model.OffsetRecord{TaskID: "task1", InstanceID: "fresh", Offset: "1"}))

	require.NoError(t, m.expireOnce())

	_, ok, err := instances.Get("task1", "stale")
	require.NoError(t, err)
	require.False(t, ok, "profile past its 3x cycle-unit window is removed")
	_, ok, err = offsets.Get("task1", "stale")
	require.NoError(t, err)
	require.False(t, ok, "its offset record is removed alongside the profile")

	_, ok, err = instances.Get("task1", "fresh")
	require.NoError(t, err)
	require.True(t, ok, "a profile inside its window survives the sweep")
}

func TestExpireOnceSkipsRealTimeTask(t *testing.T) {
	var m, instances, _ = newTestManager(t)

	require.NoError(t, m.tasks.Put(instancestore.TaskProfile{
		TaskID: "task1", CycleUnit: "h", RealTime: true,
	}))

	var stale = model.InstanceProfile{
		TaskID: "task1", InstanceID: "stale",
		State:      model.StateFinished,
		ModifyTime: time.Now().Add(-100 * time.Hour),
	}
	require.NoError(t, instances.Store(stale))

	require.NoError(t, m.expireOnce())

	_, ok, err := instances.Get("task1", "stale")
	require.NoError(t, err)
	require.True(t, ok, "a real-time task never expires its FINISHED instances")
}

func TestExpireOnceSkipsRetryingBeforeRetryFinish(t *testing.T) {
	var m, instances, _ = newTestManager(t)

	require.NoError(t, m.tasks.Put(instancestore.TaskProfile{
		TaskID: "task1", CycleUnit: "h", Retrying: true, RetryFinish: false,
	}))

	var stale = model.InstanceProfile{
		TaskID: "task1", InstanceID: "stale",
		State:      model.StateFinished,
		ModifyTime: time.Now().Add(-100 * time.Hour),
	}
	require.NoError(t, instances.Store(stale))

	require.NoError(t, m.expireOnce())

	_, ok, err := instances.Get("task1", "stale")
	require.NoError(t, err)
	require.True(t, ok, "a retrying task holds its FINISHED instances until RetryFinish")
}

func TestExpireOnceSkipsWhenCycleUnitUnrecognized(t *testing.T) {
	var m, instances, _ = newTestManager(t)

	require.NoError(t, m.tasks.Put(instancestore.TaskProfile{
		TaskID: "task1", CycleUnit: "fortnight",
	}))

	var stale = model.InstanceProfile{
		TaskID: "task1", InstanceID: "stale",
		State:      model.StateFinished,
		ModifyTime: time.Now().Add(-100 * time.Hour),
	}
	require.NoError(t, instances.Store(stale))

	require.NoError(t, m.expireOnce())

	_, ok, err := instances.Get("task1", "stale")
	require.NoError(t, err)
	require.True(t, ok, "an unrecognized cycle unit aborts the sweep rather than guessing a window")
}

func TestExpireOnceRespectsCleanInstanceOnceLimit(t *testing.T) {
	var m, instances, _ = newTestManager(t)
	m.cfg.CleanInstanceOnceLimit = 1

	require.NoError(t, m.tasks.Put(instancestore.TaskProfile{
		TaskID: "task1", CycleUnit: "h",
	}))

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, instances.Store(model.InstanceProfile{
			TaskID: "task1", InstanceID: id,
			State:      model.StateFinished,
			ModifyTime: time.Now().Add(-100 * time.Hour),
		}))
	}

	require.NoError(t, m.expireOnce())

	profiles, err := instances.List("task1")
	require.NoError(t, err)
	require.Len(t, profiles, 2, "the sweep deletes at most CleanInstanceOnceLimit profiles per call")
}
