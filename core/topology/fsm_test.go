package topology

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
)

func applyCommand(t *testing.T, f *FSM, index uint64, cmd Command) {
	t.Helper()
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	resp := f.Apply(&raft.Log{Index: index, Data: data})
	if err, ok := resp.(error); ok {
		t.Fatalf("apply failed: %v", err)
	}
}

func assignRange(t *testing.T, f *FSM, index uint64, info SlotRangeInfo) {
	t.Helper()
	data, err := json.Marshal(info)
	require.NoError(t, err)
	applyCommand(t, f, index, Command{Op: OpAssignSlotRange, Value: string(data)})
}

func TestApplyBumpsEpochOnChange(t *testing.T) {
	f := NewFSM(nil)
	require.EqualValues(t, 0, f.Epoch())

	applyCommand(t, f, 1, Command{Op: OpAddNode, Key: "node1", Value: "127.0.0.1:6000"})
	require.EqualValues(t, 1, f.Epoch())
	require.Equal(t, 1, f.NodeCount())

	// Removing an unknown node changes nothing, epoch included.
	applyCommand(t, f, 2, Command{Op: OpRemoveNode, Key: "ghost"})
	require.EqualValues(t, 1, f.Epoch())

	applyCommand(t, f, 3, Command{Op: OpRemoveNode, Key: "node1"})
	require.EqualValues(t, 2, f.Epoch())
	require.Equal(t, 0, f.NodeCount())
}

func TestEpochListenersFireOutsideApply(t *testing.T) {
	f := NewFSM(nil)

	var seen []int64
	f.OnEpochChange(func(epoch int64) { seen = append(seen, epoch) })

	applyCommand(t, f, 1, Command{Op: OpAddNode, Key: "node1", Value: "a"})
	applyCommand(t, f, 2, Command{Op: OpAddNode, Key: "node2", Value: "b"})
	require.Equal(t, []int64{1, 2}, seen)
}

func TestSlotForKeyIsStable(t *testing.T) {
	slot := SlotForKey("user:1")
	require.Equal(t, slot, SlotForKey("user:1"))
	require.GreaterOrEqual(t, slot, 0)
	require.Less(t, slot, TotalHashSlots)
}

func TestOwnershipQueries(t *testing.T) {
	f := NewFSM(nil)
	applyCommand(t, f, 1, Command{Op: OpAddNode, Key: "node1", Value: "a"})
	applyCommand(t, f, 2, Command{Op: OpAddNode, Key: "node2", Value: "b"})
	assignRange(t, f, 3, SlotRangeInfo{
		RangeID:        "full",
		StartSlot:      0,
		EndSlot:        TotalHashSlots - 1,
		PrimaryNodeID:  "node1",
		ReplicaNodeIDs: []string{"node2"},
	})

	primary, ok := f.PrimaryOwner("any-key")
	require.True(t, ok)
	require.Equal(t, "node1", primary)
	require.Equal(t, []string{"node1", "node2"}, f.Owners("any-key"))
}

func TestPromoteReplicaSwapsRoles(t *testing.T) {
	f := NewFSM(nil)
	assignRange(t, f, 1, SlotRangeInfo{
		RangeID:        "full",
		StartSlot:      0,
		EndSlot:        TotalHashSlots - 1,
		PrimaryNodeID:  "node1",
		ReplicaNodeIDs: []string{"node2"},
	})

	applyCommand(t, f, 2, Command{Op: OpPromoteReplica, Key: "full", Value: "node2"})

	primary, ok := f.PrimaryOwner("k")
	require.True(t, ok)
	require.Equal(t, "node2", primary)
	// The old primary becomes a replica.
	require.Equal(t, []string{"node2", "node1"}, f.Owners("k"))
}

func TestUnknownCommandReturnsError(t *testing.T) {
	f := NewFSM(nil)
	data, err := json.Marshal(Command{Op: "explode"})
	require.NoError(t, err)
	resp := f.Apply(&raft.Log{Index: 1, Data: data})
	respErr, ok := resp.(error)
	require.True(t, ok)
	require.Error(t, respErr)
	require.EqualValues(t, 0, f.Epoch())
}

type memorySink struct {
	bytes.Buffer
}

func (s *memorySink) ID() string    { return "test" }
func (s *memorySink) Cancel() error { return nil }
func (s *memorySink) Close() error  { return nil }

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	f := NewFSM(nil)
	applyCommand(t, f, 1, Command{Op: OpAddNode, Key: "node1", Value: "a"})
	assignRange(t, f, 2, SlotRangeInfo{
		RangeID:       "full",
		StartSlot:     0,
		EndSlot:       TotalHashSlots - 1,
		PrimaryNodeID: "node1",
	})

	snap, err := f.Snapshot()
	require.NoError(t, err)
	sink := &memorySink{}
	require.NoError(t, snap.Persist(sink))
	snap.Release()

	restored := NewFSM(nil)
	require.NoError(t, restored.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))

	require.Equal(t, f.Epoch(), restored.Epoch())
	require.Equal(t, f.Nodes(), restored.Nodes())
	primary, ok := restored.PrimaryOwner("k")
	require.True(t, ok)
	require.Equal(t, "node1", primary)
}
