package transaction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBeginLocalTagsCurrentEpoch(t *testing.T) {
	r := NewRegistry(3, nil)

	tx := r.BeginLocal("node1", false)
	require.EqualValues(t, 3, tx.TopologyID())
	require.True(t, tx.GlobalTransaction().OriginLocal())
	require.False(t, tx.IsFromStateTransfer())

	r.SetCurrentTopologyID(4)
	// The epoch is fixed at begin time.
	require.EqualValues(t, 3, tx.TopologyID())
	tx2 := r.BeginLocal("node1", false)
	require.EqualValues(t, 4, tx2.TopologyID())
}

func TestMinTopologyIDTracksOldestActive(t *testing.T) {
	r := NewRegistry(1, nil)
	require.EqualValues(t, 1, r.MinTopologyID())

	old := r.BeginLocal("node1", false)

	r.SetCurrentTopologyID(2)
	fresh := r.BeginLocal("node1", false)
	require.EqualValues(t, 1, r.MinTopologyID())

	// Completing the older transaction raises the minimum.
	r.Complete(old.GlobalTransaction())
	require.EqualValues(t, 2, r.MinTopologyID())

	r.Complete(fresh.GlobalTransaction())
	// Empty registry reports the current epoch.
	require.EqualValues(t, 2, r.MinTopologyID())
}

func TestMinTopologyIDIgnoresStoppedSentinel(t *testing.T) {
	r := NewRegistry(5, nil)
	gtx := NewGlobalTransaction("node2", true)
	r.RegisterRemote(gtx, CacheStoppedTopologyID)
	require.EqualValues(t, 5, r.MinTopologyID())
}

func TestRegisterRemoteIsIdempotent(t *testing.T) {
	r := NewRegistry(1, nil)
	gtx := NewGlobalTransaction("node2", true)

	first := r.RegisterRemote(gtx, 1)
	second := r.RegisterRemote(gtx, 1)
	require.Same(t, first, second)
	require.Equal(t, 1, r.ActiveCount())
}

func TestCompleteWakesDoneWaiters(t *testing.T) {
	r := NewRegistry(1, nil)
	tx := r.BeginLocal("node1", false)

	select {
	case <-tx.Done():
		t.Fatal("transaction reported done before completion")
	default:
	}

	r.Complete(tx.GlobalTransaction())
	select {
	case <-tx.Done():
	case <-time.After(time.Second):
		t.Fatal("Done was not closed by Complete")
	}

	// Idempotent.
	require.NotPanics(t, func() { r.Complete(tx.GlobalTransaction()) })
	require.Equal(t, 0, r.ActiveCount())
}

func TestWaitForLockReleaseWithoutWriteIntent(t *testing.T) {
	r := NewRegistry(1, nil)
	tx := r.BeginLocal("node1", false)

	// A transaction that never writes the key cannot be holding its lock.
	require.True(t, tx.WaitForLockRelease("k", time.Second))
}

func TestWaitForLockReleaseBlocksUntilNotified(t *testing.T) {
	r := NewRegistry(1, nil)
	tx := r.BeginLocal("node1", false)
	tx.AddWriteIntent("k")

	// Non-blocking poll while the intent is live.
	require.False(t, tx.WaitForLockRelease("k", 0))

	released := make(chan bool, 1)
	go func() {
		released <- tx.WaitForLockRelease("k", 5*time.Second)
	}()
	time.Sleep(20 * time.Millisecond)
	tx.NotifyLockReleased("k")

	select {
	case ok := <-released:
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by NotifyLockReleased")
	}
}

func TestWaitForLockReleaseWokenByCompletion(t *testing.T) {
	r := NewRegistry(1, nil)
	tx := r.BeginLocal("node1", false)
	tx.AddWriteIntent("k")

	released := make(chan bool, 1)
	go func() {
		released <- tx.WaitForLockRelease("k", 5*time.Second)
	}()
	time.Sleep(20 * time.Millisecond)
	r.Complete(tx.GlobalTransaction())

	select {
	case ok := <-released:
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by transaction completion")
	}
}

func TestWaitForLockReleaseTimesOut(t *testing.T) {
	r := NewRegistry(1, nil)
	tx := r.BeginLocal("node1", false)
	tx.AddWriteIntent("k")

	start := time.Now()
	require.False(t, tx.WaitForLockRelease("k", 50*time.Millisecond))
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestBackupLockMarkers(t *testing.T) {
	r := NewRegistry(1, nil)
	tx := r.BeginLocal("node1", false)

	tx.AddBackupLock("a")
	tx.AddBackupLock("b")
	tx.AddBackupLock("a")
	require.ElementsMatch(t, []string{"a", "b"}, tx.BackupLocks())
}

func TestStateTransferFlagLocalOnly(t *testing.T) {
	r := NewRegistry(1, nil)
	st := r.BeginLocal("node1", true)
	require.True(t, st.IsFromStateTransfer())

	// Remote transactions never count as state transfer.
	remote := r.RegisterRemote(NewGlobalTransaction("node2", true), 1)
	require.False(t, remote.IsFromStateTransfer())
}
