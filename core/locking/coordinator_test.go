package locking_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojocache/core/locking"
	"github.com/sushant-115/gojocache/core/locking/locktable"
	"github.com/sushant-115/gojocache/core/store"
	"github.com/sushant-115/gojocache/core/transaction"
)

// fakeOracle is a hand-controlled ownership view: which keys this node is
// primary or backup owner of, the epoch, and the cluster size.
type fakeOracle struct {
	mu      sync.Mutex
	primary map[string]bool
	backup  map[string]bool
	epoch   int64
	size    int
}

func newFakeOracle(size int, epoch int64) *fakeOracle {
	return &fakeOracle{
		primary: make(map[string]bool),
		backup:  make(map[string]bool),
		epoch:   epoch,
		size:    size,
	}
}

func (o *fakeOracle) IsPrimaryOwner(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.primary[key]
}

func (o *fakeOracle) IsOwner(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.primary[key] || o.backup[key]
}

func (o *fakeOracle) Epoch() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.epoch
}

func (o *fakeOracle) ClusterSize() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.size
}

func (o *fakeOracle) setPrimary(key string, v bool) {
	o.mu.Lock()
	o.primary[key] = v
	o.mu.Unlock()
}

func (o *fakeOracle) setBackup(key string, v bool) {
	o.mu.Lock()
	o.backup[key] = v
	o.mu.Unlock()
}

func (o *fakeOracle) setEpoch(e int64) {
	o.mu.Lock()
	o.epoch = e
	o.mu.Unlock()
}

type fixture struct {
	oracle      *fakeOracle
	table       *locktable.LockTable
	registry    *transaction.Registry
	entries     *store.Store
	interceptor *locking.Interceptor
}

func newFixture(t *testing.T, clusterSize int, epoch int64, cfg locking.Config) *fixture {
	t.Helper()
	oracle := newFakeOracle(clusterSize, epoch)
	table := locktable.New(nil)
	registry := transaction.NewRegistry(epoch, nil)
	entries := store.New()
	next := store.NewEntryInterceptor(entries, oracle, nil)
	interceptor := locking.NewInterceptor(cfg, table, registry, oracle, nil, nil, nil, next)
	return &fixture{
		oracle:      oracle,
		table:       table,
		registry:    registry,
		entries:     entries,
		interceptor: interceptor,
	}
}

func (f *fixture) beginTx() *locking.Context {
	return locking.NewTxContext(f.registry.BeginLocal("node1", false))
}

func (f *fixture) put(t *testing.T, ic *locking.Context, key, value string) {
	t.Helper()
	_, err := f.interceptor.Invoke(context.Background(), ic, locking.Command{
		Kind: locking.KindWrite, Key: key, Value: value,
	})
	require.NoError(t, err)
}

func TestWriteLocksKeyOnPrimaryOwner(t *testing.T) {
	f := newFixture(t, 1, 0, locking.Config{DefaultLockTimeout: time.Second})
	f.oracle.setPrimary("k", true)

	ic := f.beginTx()
	f.put(t, ic, "k", "v1")

	owner, held := f.table.Owner("k")
	require.True(t, held)
	require.Equal(t, ic.HolderID(), owner)

	// The write is buffered, not applied.
	_, found := f.entries.Get("k")
	require.False(t, found)
}

func TestWriteOnBackupOwnerTakesMarkerNotLock(t *testing.T) {
	f := newFixture(t, 2, 0, locking.Config{DefaultLockTimeout: time.Second})
	f.oracle.setBackup("k", true)

	ic := f.beginTx()
	f.put(t, ic, "k", "v1")

	_, held := f.table.Owner("k")
	require.False(t, held)
	require.Contains(t, ic.Transaction().BackupLocks(), "k")
}

func TestWriteOnNonOwnerTouchesNothing(t *testing.T) {
	f := newFixture(t, 2, 0, locking.Config{DefaultLockTimeout: time.Second})

	ic := f.beginTx()
	f.put(t, ic, "k", "v1")

	require.Equal(t, 0, f.table.HeldCount())
	require.Empty(t, ic.Transaction().BackupLocks())
}

func TestCommitAppliesWritesAndReleases(t *testing.T) {
	f := newFixture(t, 1, 0, locking.Config{DefaultLockTimeout: time.Second})
	f.oracle.setPrimary("k", true)

	ic := f.beginTx()
	f.put(t, ic, "k", "v1")

	_, err := f.interceptor.Invoke(context.Background(), ic, locking.Command{Kind: locking.KindCommit})
	require.NoError(t, err)

	value, found := f.entries.Get("k")
	require.True(t, found)
	require.Equal(t, "v1", value)
	require.Equal(t, 0, f.table.HeldCount())
	require.Equal(t, 0, f.registry.ActiveCount())
}

func TestRollbackDiscardsWritesAndReleases(t *testing.T) {
	f := newFixture(t, 1, 0, locking.Config{DefaultLockTimeout: time.Second})
	f.oracle.setPrimary("k", true)
	f.entries.Put("k", "old")

	ic := f.beginTx()
	f.put(t, ic, "k", "new")

	_, err := f.interceptor.Invoke(context.Background(), ic, locking.Command{Kind: locking.KindRollback})
	require.NoError(t, err)

	value, found := f.entries.Get("k")
	require.True(t, found)
	require.Equal(t, "old", value)
	require.Equal(t, 0, f.table.HeldCount())
	require.Equal(t, 0, f.registry.ActiveCount())
}

func TestCommitKeepsLocksOnOutdatedTopology(t *testing.T) {
	f := newFixture(t, 2, 1, locking.Config{DefaultLockTimeout: time.Second})
	f.oracle.setPrimary("k", true)

	ic := f.beginTx()
	f.put(t, ic, "k", "v1")

	// Ownership of the key moves away before the commit lands.
	f.oracle.setEpoch(2)
	f.oracle.setPrimary("k", false)

	_, err := f.interceptor.Invoke(context.Background(), ic, locking.Command{Kind: locking.KindCommit})
	require.ErrorIs(t, err, locking.ErrOutdatedTopology)

	// Locks survive for the retry, the transaction stays registered, and
	// nothing was applied.
	require.Equal(t, 1, f.table.HeldCount())
	require.Equal(t, 1, f.registry.ActiveCount())
	_, found := f.entries.Get("k")
	require.False(t, found)
}

func TestRemoteCommitKeepsLocksUntilCompletionEvent(t *testing.T) {
	f := newFixture(t, 2, 0, locking.Config{DefaultLockTimeout: time.Second})
	f.oracle.setPrimary("k", true)

	gtx := transaction.NewGlobalTransaction("node2", true)
	tx := f.registry.RegisterRemote(gtx, 0)
	ic := locking.NewTxContext(tx)
	ic.BufferWrite("k", "v1", false)

	_, err := f.interceptor.Invoke(context.Background(), ic, locking.Command{
		Kind: locking.KindPrepare, Keys: []string{"k"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, f.table.HeldCount())

	// Synchronous second phase: the commit applies but the locks wait for
	// the originator's completion event.
	_, err = f.interceptor.Invoke(context.Background(), ic, locking.Command{Kind: locking.KindCommit})
	require.NoError(t, err)

	value, found := f.entries.Get("k")
	require.True(t, found)
	require.Equal(t, "v1", value)
	require.Equal(t, 1, f.table.HeldCount())
	require.Equal(t, 1, f.registry.ActiveCount())

	f.interceptor.CompleteRemoteTransaction(gtx)
	require.Equal(t, 0, f.table.HeldCount())
	require.Equal(t, 0, f.registry.ActiveCount())
}

func TestRemoteCommitReleasesWhenSecondPhaseAsync(t *testing.T) {
	f := newFixture(t, 2, 0, locking.Config{DefaultLockTimeout: time.Second, SecondPhaseAsync: true})
	f.oracle.setPrimary("k", true)

	gtx := transaction.NewGlobalTransaction("node2", true)
	tx := f.registry.RegisterRemote(gtx, 0)
	ic := locking.NewTxContext(tx)
	ic.BufferWrite("k", "v1", false)

	_, err := f.interceptor.Invoke(context.Background(), ic, locking.Command{
		Kind: locking.KindPrepare, Keys: []string{"k"},
	})
	require.NoError(t, err)

	// No completion event will come; the participant releases on its own.
	_, err = f.interceptor.Invoke(context.Background(), ic, locking.Command{Kind: locking.KindCommit})
	require.NoError(t, err)
	require.Equal(t, 0, f.table.HeldCount())
	require.Equal(t, 0, f.registry.ActiveCount())
}

func TestRemoteRollbackAlwaysReleases(t *testing.T) {
	f := newFixture(t, 2, 0, locking.Config{DefaultLockTimeout: time.Second})
	f.oracle.setPrimary("k", true)

	gtx := transaction.NewGlobalTransaction("node2", true)
	tx := f.registry.RegisterRemote(gtx, 0)
	ic := locking.NewTxContext(tx)
	ic.BufferWrite("k", "v1", false)

	_, err := f.interceptor.Invoke(context.Background(), ic, locking.Command{
		Kind: locking.KindPrepare, Keys: []string{"k"},
	})
	require.NoError(t, err)

	_, err = f.interceptor.Invoke(context.Background(), ic, locking.Command{Kind: locking.KindRollback})
	require.NoError(t, err)
	require.Equal(t, 0, f.table.HeldCount())
	require.Equal(t, 0, f.registry.ActiveCount())
	_, found := f.entries.Get("k")
	require.False(t, found)
}

func TestOnePhasePrepareAppliesAndReleases(t *testing.T) {
	f := newFixture(t, 2, 0, locking.Config{DefaultLockTimeout: time.Second, SecondPhaseAsync: true})
	f.oracle.setPrimary("k", true)

	gtx := transaction.NewGlobalTransaction("node2", true)
	tx := f.registry.RegisterRemote(gtx, 0)
	ic := locking.NewTxContext(tx)
	ic.BufferWrite("k", "v1", false)

	_, err := f.interceptor.Invoke(context.Background(), ic, locking.Command{
		Kind: locking.KindPrepare, Keys: []string{"k"}, OnePhase: true,
	})
	require.NoError(t, err)

	value, found := f.entries.Get("k")
	require.True(t, found)
	require.Equal(t, "v1", value)
	require.Equal(t, 0, f.table.HeldCount())
	require.Equal(t, 0, f.registry.ActiveCount())
}

func TestPendingWaitTimesOutNamingBlockingTransaction(t *testing.T) {
	f := newFixture(t, 2, 1, locking.Config{DefaultLockTimeout: 100 * time.Millisecond})
	f.oracle.setPrimary("k", true)

	// A transaction from the old topology still holds its lock on k.
	oldIC := f.beginTx()
	f.put(t, oldIC, "k", "old")

	// The cluster rebalances; a fresh transaction starts under the new epoch.
	f.oracle.setEpoch(2)
	f.registry.SetCurrentTopologyID(2)
	newIC := f.beginTx()

	_, err := f.interceptor.Invoke(context.Background(), newIC, locking.Command{
		Kind: locking.KindWrite, Key: "k", Value: "new",
	})
	require.Error(t, err)
	require.ErrorIs(t, err, locking.ErrLockTimeout)

	var pendingErr *locking.PendingTxTimeoutError
	require.ErrorAs(t, err, &pendingErr)
	require.Equal(t, "k", pendingErr.Key)
	require.Equal(t, oldIC.HolderID(), pendingErr.Blocking)
}

func TestPendingWaitProceedsAfterOldTransactionFinishes(t *testing.T) {
	f := newFixture(t, 2, 1, locking.Config{DefaultLockTimeout: 5 * time.Second})
	f.oracle.setPrimary("k", true)

	oldIC := f.beginTx()
	f.put(t, oldIC, "k", "old")

	f.oracle.setEpoch(2)
	f.registry.SetCurrentTopologyID(2)
	newIC := f.beginTx()

	done := make(chan error, 1)
	go func() {
		_, err := f.interceptor.Invoke(context.Background(), newIC, locking.Command{
			Kind: locking.KindWrite, Key: "k", Value: "new",
		})
		done <- err
	}()

	// Let the new transaction block on the pending wait, then finish the
	// old one.
	time.Sleep(50 * time.Millisecond)
	_, err := f.interceptor.Invoke(context.Background(), oldIC, locking.Command{Kind: locking.KindCommit})
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("new transaction never acquired the lock after the old one finished")
	}

	owner, held := f.table.Owner("k")
	require.True(t, held)
	require.Equal(t, newIC.HolderID(), owner)
}

func TestPendingCheckSkippedWhenEpochMatchesMinimum(t *testing.T) {
	f := newFixture(t, 2, 1, locking.Config{DefaultLockTimeout: 100 * time.Millisecond})
	f.oracle.setPrimary("k", true)

	// Both transactions run under the same epoch: no pending check, just
	// plain lock contention.
	first := f.beginTx()
	f.put(t, first, "k", "v1")

	second := f.beginTx()
	_, err := f.interceptor.Invoke(context.Background(), second, locking.Command{
		Kind: locking.KindWrite, Key: "k", Value: "v2",
	})
	require.ErrorIs(t, err, locking.ErrLockTimeout)

	var pendingErr *locking.PendingTxTimeoutError
	require.False(t, errorAs(err, &pendingErr), "same-epoch contention must not report a pending transaction")
}

func TestStateTransferTransactionSkipsPendingWait(t *testing.T) {
	f := newFixture(t, 2, 1, locking.Config{DefaultLockTimeout: 100 * time.Millisecond})
	f.oracle.setPrimary("k", true)

	oldIC := f.beginTx()
	f.put(t, oldIC, "k", "old")

	f.registry.SetCurrentTopologyID(2)
	stIC := locking.NewTxContext(f.registry.BeginLocal("node1", true))

	_, err := f.interceptor.Invoke(context.Background(), stIC, locking.Command{
		Kind: locking.KindWrite, Key: "k", Value: "st",
	})
	// It still contends for the lock itself, but through the plain path.
	require.ErrorIs(t, err, locking.ErrLockTimeout)
	var pendingErr *locking.PendingTxTimeoutError
	require.False(t, errorAs(err, &pendingErr))
}

func TestSingleNodeClusterSkipsPendingCheck(t *testing.T) {
	f := newFixture(t, 1, 1, locking.Config{DefaultLockTimeout: time.Second})
	f.oracle.setPrimary("k", true)

	f.registry.SetCurrentTopologyID(2)
	ic := f.beginTx()
	f.put(t, ic, "k", "v1")

	_, held := f.table.Owner("k")
	require.True(t, held)
}

func TestNonTxReadLeavesNoLocks(t *testing.T) {
	f := newFixture(t, 1, 0, locking.Config{DefaultLockTimeout: time.Second})
	f.oracle.setPrimary("k", true)
	f.entries.Put("k", "v1")

	ic := locking.NewNonTxContext("node1")
	res, err := f.interceptor.Invoke(context.Background(), ic, locking.Command{
		Kind: locking.KindRead, Key: "k",
	})
	require.NoError(t, err)
	require.True(t, res.Found)
	require.Equal(t, "v1", res.Value)
	require.Equal(t, 0, f.table.HeldCount())
}

func TestNonTxWriteLocksOnlyForTheWrite(t *testing.T) {
	f := newFixture(t, 1, 0, locking.Config{DefaultLockTimeout: time.Second})
	f.oracle.setPrimary("k", true)

	ic := locking.NewNonTxContext("node1")
	_, err := f.interceptor.Invoke(context.Background(), ic, locking.Command{
		Kind: locking.KindWriteNonTx, Key: "k", Value: "v1",
	})
	require.NoError(t, err)

	value, found := f.entries.Get("k")
	require.True(t, found)
	require.Equal(t, "v1", value)
	require.Equal(t, 0, f.table.HeldCount())
}

func TestTransactionReadsItsOwnWrites(t *testing.T) {
	f := newFixture(t, 1, 0, locking.Config{DefaultLockTimeout: time.Second})
	f.oracle.setPrimary("k", true)
	f.entries.Put("k", "committed")

	ic := f.beginTx()
	f.put(t, ic, "k", "staged")

	res, err := f.interceptor.Invoke(context.Background(), ic, locking.Command{
		Kind: locking.KindRead, Key: "k",
	})
	require.NoError(t, err)
	require.True(t, res.Found)
	require.Equal(t, "staged", res.Value)

	// Other readers still see the committed value.
	other := locking.NewNonTxContext("node1")
	res, err = f.interceptor.Invoke(context.Background(), other, locking.Command{
		Kind: locking.KindRead, Key: "k",
	})
	require.NoError(t, err)
	require.Equal(t, "committed", res.Value)
}

func TestDeltaKeyOwnershipDecidedOnUnderlyingKey(t *testing.T) {
	f := newFixture(t, 1, 0, locking.Config{DefaultLockTimeout: time.Second})
	f.oracle.setPrimary("cart:42", true)

	ic := f.beginTx()
	deltaKey := locking.MakeDeltaKey("cart:42", "items")
	f.put(t, ic, deltaKey, "v1")

	// The lock is taken on the composite key, ownership on the underlying.
	owner, held := f.table.Owner(deltaKey)
	require.True(t, held)
	require.Equal(t, ic.HolderID(), owner)
}

func errorAs(err error, target any) bool {
	return errors.As(err, target)
}
