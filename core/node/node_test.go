package node

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojocache/core/locking"
	"github.com/sushant-115/gojocache/core/replication/events"
	"github.com/sushant-115/gojocache/core/replication/peers"
	"github.com/sushant-115/gojocache/core/topology"
	"github.com/sushant-115/gojocache/core/transaction"
)

var raftIndex uint64

func applyTopology(t *testing.T, fsm *topology.FSM, cmd topology.Command) {
	t.Helper()
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	raftIndex++
	if resp := fsm.Apply(&raft.Log{Index: raftIndex, Data: data}); resp != nil {
		if err, ok := resp.(error); ok {
			t.Fatalf("topology apply failed: %v", err)
		}
	}
}

// newSingleNode builds a node owning the entire slot space.
func newSingleNode(t *testing.T) *Node {
	t.Helper()
	fsm := topology.NewFSM(nil)
	applyTopology(t, fsm, topology.Command{Op: topology.OpAddNode, Key: "node1", Value: "127.0.0.1:6000"})

	info := topology.SlotRangeInfo{
		RangeID:       "full",
		StartSlot:     0,
		EndSlot:       topology.TotalHashSlots - 1,
		PrimaryNodeID: "node1",
	}
	data, err := json.Marshal(info)
	require.NoError(t, err)
	applyTopology(t, fsm, topology.Command{Op: topology.OpAssignSlotRange, Value: string(data)})

	return New(Config{NodeID: "node1", LockTimeout: time.Second}, fsm, nil, nil, nil, nil)
}

func TestTransactionLifecycle(t *testing.T) {
	n := newSingleNode(t)
	ctx := context.Background()

	txID := n.Begin()
	require.NoError(t, n.Put(ctx, txID, "k", "v1"))

	// Staged writes are visible inside the transaction only.
	value, found, err := n.Get(ctx, txID, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v1", value)

	_, found, err = n.ReadKey(ctx, "k")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, n.Commit(ctx, txID))

	value, found, err = n.ReadKey(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v1", value)

	require.Equal(t, 0, n.Interceptor().Table().HeldCount())
	require.Equal(t, 0, n.Registry().ActiveCount())
}

func TestRollbackDiscardsStagedWrites(t *testing.T) {
	n := newSingleNode(t)
	ctx := context.Background()
	require.NoError(t, n.PutNonTx(ctx, "k", "committed"))

	txID := n.Begin()
	require.NoError(t, n.Put(ctx, txID, "k", "staged"))
	require.NoError(t, n.Delete(ctx, txID, "other"))
	require.NoError(t, n.Rollback(ctx, txID))

	value, found, err := n.ReadKey(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "committed", value)
	require.Equal(t, 0, n.Interceptor().Table().HeldCount())
}

func TestCommittedTransactionIsForgotten(t *testing.T) {
	n := newSingleNode(t)
	ctx := context.Background()

	txID := n.Begin()
	require.NoError(t, n.Put(ctx, txID, "k", "v1"))
	require.NoError(t, n.Commit(ctx, txID))

	err := n.Put(ctx, txID, "k", "v2")
	require.ErrorIs(t, err, ErrUnknownTransaction)
}

func TestUnknownTransactionID(t *testing.T) {
	n := newSingleNode(t)
	err := n.Put(context.Background(), uuid.New(), "k", "v")
	require.ErrorIs(t, err, ErrUnknownTransaction)
}

func TestCompletionEventPublishedOnCommit(t *testing.T) {
	n := newSingleNode(t)
	ctx := context.Background()

	published := make(chan events.TxCompletionEvent, 1)
	n.SetCompletionSink(func(ev events.TxCompletionEvent) { published <- ev })

	txID := n.Begin()
	require.NoError(t, n.Put(ctx, txID, "k", "v1"))
	require.NoError(t, n.Commit(ctx, txID))

	select {
	case ev := <-published:
		require.Equal(t, txID, ev.TxID)
		require.Equal(t, "node1", ev.OriginNode)
		require.Equal(t, events.OutcomeCommitted, ev.Outcome)
	case <-time.After(time.Second):
		t.Fatal("no completion event published")
	}
}

func TestRemotePrepareCommitFlow(t *testing.T) {
	n := newSingleNode(t)
	ctx := context.Background()

	txID := uuid.New()
	prepare := peers.Request{
		Type:       peers.TypePrepare,
		TxID:       txID,
		OriginNode: "node2",
		TopologyID: n.Registry().CurrentTopologyID(),
		Writes:     []peers.WriteOp{{Key: "k", Value: "v1"}},
	}
	require.NoError(t, n.HandleRemote(ctx, prepare))
	require.Equal(t, 1, n.Interceptor().Table().HeldCount())

	commit := peers.Request{Type: peers.TypeCommit, TxID: txID, OriginNode: "node2"}
	require.NoError(t, n.HandleRemote(ctx, commit))

	// Synchronous second phase: the value is applied but the lock waits for
	// the completion event.
	value, found, err := n.ReadKey(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v1", value)
	require.Equal(t, 1, n.Interceptor().Table().HeldCount())

	n.HandleCompletionEvent(events.TxCompletionEvent{
		TxID:       txID,
		OriginNode: "node2",
		Outcome:    events.OutcomeCommitted,
	})
	require.Equal(t, 0, n.Interceptor().Table().HeldCount())
	require.Equal(t, 0, n.Registry().ActiveCount())
}

func TestRemoteRollbackReleasesImmediately(t *testing.T) {
	n := newSingleNode(t)
	ctx := context.Background()

	txID := uuid.New()
	require.NoError(t, n.HandleRemote(ctx, peers.Request{
		Type:       peers.TypePrepare,
		TxID:       txID,
		OriginNode: "node2",
		TopologyID: n.Registry().CurrentTopologyID(),
		Writes:     []peers.WriteOp{{Key: "k", Value: "v1"}},
	}))
	require.Equal(t, 1, n.Interceptor().Table().HeldCount())

	require.NoError(t, n.HandleRemote(ctx, peers.Request{
		Type: peers.TypeRollback, TxID: txID, OriginNode: "node2",
	}))
	require.Equal(t, 0, n.Interceptor().Table().HeldCount())
	require.Equal(t, 0, n.Registry().ActiveCount())

	_, found, err := n.ReadKey(ctx, "k")
	require.NoError(t, err)
	require.False(t, found)
}

func TestRemoteOnePhasePrepare(t *testing.T) {
	n := newSingleNode(t)
	ctx := context.Background()

	txID := uuid.New()
	require.NoError(t, n.HandleRemote(ctx, peers.Request{
		Type:       peers.TypePrepare,
		TxID:       txID,
		OriginNode: "node2",
		TopologyID: n.Registry().CurrentTopologyID(),
		Writes:     []peers.WriteOp{{Key: "k", Value: "v1"}},
		OnePhase:   true,
	}))

	value, found, err := n.ReadKey(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v1", value)
}

func TestRemotePrepareConflictLeavesNoResidue(t *testing.T) {
	fsm := topology.NewFSM(nil)
	applyTopology(t, fsm, topology.Command{Op: topology.OpAddNode, Key: "node1", Value: "a"})
	applyTopology(t, fsm, topology.Command{Op: topology.OpAddNode, Key: "node2", Value: "b"})
	info := topology.SlotRangeInfo{
		RangeID:       "full",
		StartSlot:     0,
		EndSlot:       topology.TotalHashSlots - 1,
		PrimaryNodeID: "node1",
	}
	data, err := json.Marshal(info)
	require.NoError(t, err)
	applyTopology(t, fsm, topology.Command{Op: topology.OpAssignSlotRange, Value: string(data)})

	n := New(Config{NodeID: "node1", LockTimeout: 100 * time.Millisecond}, fsm, nil, nil, nil, nil)
	ctx := context.Background()

	// A local transaction holds the key.
	localTx := n.Begin()
	require.NoError(t, n.Put(ctx, localTx, "k", "local"))

	// A remote prepare for the same key cannot acquire it in time.
	err = n.HandleRemote(ctx, peers.Request{
		Type:       peers.TypePrepare,
		TxID:       uuid.New(),
		OriginNode: "node2",
		TopologyID: n.Registry().CurrentTopologyID(),
		Writes:     []peers.WriteOp{{Key: "k", Value: "remote"}},
	})
	require.ErrorIs(t, err, locking.ErrLockTimeout)

	// Only the local transaction remains registered.
	require.Equal(t, 1, n.Registry().ActiveCount())
	require.Equal(t, 1, n.Interceptor().Table().HeldCount())

	require.NoError(t, n.Commit(ctx, localTx))
	value, found, err := n.ReadKey(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "local", value)
}

func TestHandleCompletionEventIgnoresOwnEvents(t *testing.T) {
	n := newSingleNode(t)
	gtx := transaction.NewGlobalTransaction("node1", false)
	require.NotPanics(t, func() {
		n.HandleCompletionEvent(events.TxCompletionEvent{TxID: gtx.ID, OriginNode: "node1"})
	})
}
