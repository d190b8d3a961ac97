package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInstanceStateTerminalAndDurable(t *testing.T) {
	require.False(t, StateDefault.Terminal())
	require.False(t, StateDefault.Durable())

	require.True(t, StateFinished.Terminal())
	require.True(t, StateFinished.Durable())

	require.True(t, StateDelete.Terminal())
	require.True(t, StateDelete.Durable())

	require.True(t, StateFatal.Terminal())
	require.False(t, StateFatal.Durable())
}

func TestInstanceProfileCloneIsIndependent(t *testing.T) {
	var p = InstanceProfile{
		TaskID:     "t1",
		InstanceID: "i1",
		Extras:     map[string]string{"a": "1"},
	}
	var clone = p.Clone()
	clone.Extras["a"] = "2"
	clone.Extras["b"] = "3"

	require.Equal(t, "1", p.Extras["a"])
	require.NotContains(t, p.Extras, "b")
}

func TestOffsetRecordValid(t *testing.T) {
	require.True(t, OffsetRecord{TaskID: "t", InstanceID: "i"}.Valid())
	require.False(t, OffsetRecord{TaskID: "t"}.Valid())
	require.False(t, OffsetRecord{InstanceID: "i"}.Valid())
}

func TestMessageStreamKeyAndEndMessage(t *testing.T) {
	var m = Message{Header: map[string]string{"streamKey": "s1"}}
	require.Equal(t, "s1", m.StreamKey())
	require.Equal(t, "", Message{}.StreamKey())

	var end = EndMessage()
	require.True(t, end.End)
}

func TestInstanceProfileKey(t *testing.T) {
	var p = InstanceProfile{TaskID: "t1", InstanceID: "i1", ModifyTime: time.Now()}
	var taskID, instanceID = p.Key()
	require.Equal(t, "t1", taskID)
	require.Equal(t, "i1", instanceID)
}
