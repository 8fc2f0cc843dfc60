// Package locking implements the topology-safe lock coordination protocol
// for transactional writes. The coordinator decides, per key, when the local
// node may grant an exclusive lock while cluster membership changes
// mid-flight, and drives the commit/rollback-triggered release policy.
package locking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojocache/core/locking/locktable"
	"github.com/sushant-115/gojocache/core/topology"
	"github.com/sushant-115/gojocache/core/transaction"
	"github.com/sushant-115/gojocache/internal/clock"
	internaltelemetry "github.com/sushant-115/gojocache/internal/telemetry"
)

// Config carries the coordinator's tunables.
type Config struct {
	// DefaultLockTimeout bounds acquisitions whose command carries none.
	DefaultLockTimeout time.Duration
	// SecondPhaseAsync is true when the commit/rollback broadcast is
	// fire-and-forget. Participants then release proactively on local
	// completion since no explicit unlock message is guaranteed to arrive.
	SecondPhaseAsync bool
}

// Interceptor is the lock coordination stage of the invocation chain. Every
// command passes through Invoke before reaching the entry store.
type Interceptor struct {
	cfg      Config
	table    *locktable.LockTable
	registry *transaction.Registry
	oracle   topology.Oracle
	clk      clock.Clock
	logger   *zap.Logger
	metrics  *internaltelemetry.LockMetrics
	next     Next
}

// NewInterceptor wires the coordinator. metrics may be nil.
func NewInterceptor(cfg Config, table *locktable.LockTable, registry *transaction.Registry, oracle topology.Oracle, clk clock.Clock, logger *zap.Logger, metrics *internaltelemetry.LockMetrics, next Next) *Interceptor {
	if cfg.DefaultLockTimeout <= 0 {
		cfg.DefaultLockTimeout = 10 * time.Second
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Interceptor{
		cfg:      cfg,
		table:    table,
		registry: registry,
		oracle:   oracle,
		clk:      clk,
		logger:   logger,
		metrics:  metrics,
		next:     next,
	}
}

// Table exposes the lock table for introspection by the admin surface.
func (i *Interceptor) Table() *locktable.LockTable {
	return i.table
}

// Invoke dispatches a command to its locking behavior. The switch is
// exhaustive over CommandKind.
func (i *Interceptor) Invoke(ctx context.Context, ic *Context, cmd Command) (Result, error) {
	switch cmd.Kind {
	case KindWrite:
		return i.visitWrite(ctx, ic, cmd)
	case KindWriteNonTx:
		return i.visitNonTxWrite(ctx, ic, cmd)
	case KindRead:
		return i.visitRead(ctx, ic, cmd)
	case KindPrepare:
		return i.visitPrepare(ctx, ic, cmd)
	case KindCommit:
		return i.visitCommit(ctx, ic, cmd)
	case KindRollback:
		return i.visitRollback(ctx, ic, cmd)
	default:
		return Result{}, fmt.Errorf("locking: unhandled command kind %s", cmd.Kind)
	}
}

// AcquireWriteLock is the entry point the cache API layer uses for a single
// transactional write outside full command dispatch.
func (i *Interceptor) AcquireWriteLock(ctx context.Context, ic *Context, key string, timeout time.Duration, skipLocking bool) error {
	if !ic.InTxScope() {
		return errors.New("locking: transactional write outside a transaction scope")
	}
	return i.LockAndRegisterBackupLock(ctx, ic, key, timeout, skipLocking)
}

func (i *Interceptor) visitWrite(ctx context.Context, ic *Context, cmd Command) (Result, error) {
	if err := i.AcquireWriteLock(ctx, ic, cmd.Key, i.cfg.DefaultLockTimeout, cmd.SkipLocking); err != nil {
		return Result{}, err
	}
	return i.next.Invoke(ctx, ic, cmd)
}

// visitNonTxWrite locks, writes and releases within one call. Used for
// writes flagged as external-read fills, which are non-transactional.
func (i *Interceptor) visitNonTxWrite(ctx context.Context, ic *Context, cmd Command) (Result, error) {
	key := OwnershipKey(cmd.Key)
	if i.oracle.IsPrimaryOwner(key) {
		if err := i.acquire(ctx, ic, cmd.Key, i.cfg.DefaultLockTimeout, cmd.SkipLocking); err != nil {
			return Result{}, err
		}
	}
	defer i.unlockAll(ic)
	return i.next.Invoke(ctx, ic, cmd)
}

// visitRead forwards the read. A read performed outside a transaction scope
// must end with zero locks held by its implicit context, success or not: any
// lock it picked up through a side-effect fill was never needed past the
// single operation.
func (i *Interceptor) visitRead(ctx context.Context, ic *Context, cmd Command) (Result, error) {
	res, err := i.next.Invoke(ctx, ic, cmd)
	if !ic.InTxScope() {
		i.unlockAll(ic)
	}
	return res, err
}

// visitPrepare acquires locks for the command's write set (this is how a
// participant receiving a remote prepare takes its locks), forwards, and
// folds in the commit release decision when the prepare is one-phase.
func (i *Interceptor) visitPrepare(ctx context.Context, ic *Context, cmd Command) (Result, error) {
	if !ic.InTxScope() {
		return Result{}, errors.New("locking: prepare outside a transaction scope")
	}
	for _, key := range cmd.Keys {
		if err := i.LockAndRegisterBackupLock(ctx, ic, key, i.cfg.DefaultLockTimeout, cmd.SkipLocking); err != nil {
			return Result{}, err
		}
	}
	res, err := i.next.Invoke(ctx, ic, cmd)
	if err != nil {
		return res, err
	}
	if cmd.OnePhase && i.releaseLockOnTxCompletion(ic) {
		i.finishTransaction(ic)
	}
	return res, nil
}

// visitCommit decides the release policy before invoking the next stage. A
// commit that fails with an outdated topology keeps its locks: the retry
// runs against the new topology and needs them intact. Every other outcome
// releases when the policy says so.
func (i *Interceptor) visitCommit(ctx context.Context, ic *Context, cmd Command) (Result, error) {
	releaseLocks := i.releaseLockOnTxCompletion(ic)
	res, err := i.next.Invoke(ctx, ic, cmd)
	if err != nil && errors.Is(err, ErrOutdatedTopology) {
		i.logger.Debug("commit hit outdated topology, keeping locks for retry",
			zap.Stringer("tx", ic.HolderID()),
		)
		return res, err
	}
	if releaseLocks {
		i.finishTransaction(ic)
	}
	return res, err
}

// visitRollback always releases after the rollback completes; rollback has
// no keep-locks-for-retry case.
func (i *Interceptor) visitRollback(ctx context.Context, ic *Context, cmd Command) (Result, error) {
	res, err := i.next.Invoke(ctx, ic, cmd)
	i.finishTransaction(ic)
	return res, err
}

// LockAndRegisterBackupLock decides the local node's role for key under the
// current topology. Ownership is always decided on the underlying key, so a
// delta key is unwrapped first. Primary owner: topology-safe exclusive
// acquisition. Non-primary owner: a backup marker only, no exclusive wait.
// Neither: nothing to protect locally.
func (i *Interceptor) LockAndRegisterBackupLock(ctx context.Context, ic *Context, key string, timeout time.Duration, skipLocking bool) error {
	keyToCheck := OwnershipKey(key)
	switch {
	case i.oracle.IsPrimaryOwner(keyToCheck):
		ic.Transaction().AddWriteIntent(key)
		return i.lockKeyAndCheckOwnership(ctx, ic, key, timeout, skipLocking)
	case i.oracle.IsOwner(keyToCheck):
		tx := ic.Transaction()
		tx.AddWriteIntent(key)
		tx.AddBackupLock(key)
		return nil
	default:
		return nil
	}
}

// lockKeyAndCheckOwnership is the topology-safe acquisition. When the
// transaction began under a newer topology than the oldest still-active
// transaction, the key may be held by a transaction whose owner crashed
// mid-protocol; the acquisition then waits for every such older transaction
// to release the key (or finish) before taking the lock with whatever budget
// remains. The check is skipped entirely in the steady state: a transaction
// whose topology id equals the registry minimum cannot be preceded by an
// older in-flight transaction.
func (i *Interceptor) lockKeyAndCheckOwnership(ctx context.Context, ic *Context, key string, timeout time.Duration, skipLocking bool) error {
	tx := ic.Transaction()
	var txTopologyID int64
	checkForPendingLocks := false
	if i.oracle.ClusterSize() > 1 && !tx.IsFromStateTransfer() {
		txTopologyID = tx.TopologyID()
		if txTopologyID != transaction.CacheStoppedTopologyID {
			checkForPendingLocks = i.registry.MinTopologyID() < txTopologyID
		}
	}

	if !checkForPendingLocks {
		i.logger.Debug("locking key, no need to check for pending locks", zap.String("key", key))
		return i.acquire(ctx, ic, key, timeout, skipLocking)
	}

	i.logger.Debug("checking for pending locks and then locking key", zap.String("key", key))
	waitStart := i.clk.Now()
	deadline := clock.ExpectedEndTime(i.clk, timeout)

	// Older local transactions first, then remote ones.
	if err := i.waitForTransactionsToComplete(ic, i.registry.LocalTransactions(), key, txTopologyID, deadline); err != nil {
		return err
	}
	if err := i.waitForTransactionsToComplete(ic, i.registry.RemoteTransactions(), key, txTopologyID, deadline); err != nil {
		return err
	}

	i.metrics.ObservePendingWait(i.clk.Now().Sub(waitStart))
	i.logger.Debug("finished waiting for other potential lockers, acquiring lock", zap.String("key", key))
	return i.acquire(ctx, ic, key, clock.Remaining(i.clk, deadline), skipLocking)
}

// waitForTransactionsToComplete blocks, within the shared deadline, on every
// transaction older than txTopologyID that writes key. A wait that exhausts
// the budget is fatal to the acquisition and names the blocking transaction.
func (i *Interceptor) waitForTransactionsToComplete(ic *Context, txs []*transaction.CacheTransaction, key string, txTopologyID int64, deadline time.Time) error {
	self := ic.Transaction().GlobalTransaction()
	for _, other := range txs {
		if other.TopologyID() >= txTopologyID {
			continue
		}
		// Never wait on ourselves.
		if other.GlobalTransaction() == self {
			continue
		}

		completed := false
		for {
			remaining := clock.Remaining(i.clk, deadline)
			if remaining <= 0 {
				break
			}
			if other.WaitForLockRelease(key, remaining) {
				completed = true
				break
			}
		}
		if !completed {
			i.metrics.IncTimeout("pending_tx")
			return &PendingTxTimeoutError{
				Key:       key,
				Requester: self,
				Blocking:  other.GlobalTransaction(),
			}
		}
	}
	return nil
}

// acquire takes the exclusive lock for the invocation's holder identity.
func (i *Interceptor) acquire(ctx context.Context, ic *Context, key string, timeout time.Duration, skipLocking bool) error {
	if skipLocking {
		return nil
	}
	holder := ic.HolderID()
	start := i.clk.Now()
	if err := i.table.Acquire(ctx, key, holder, timeout); err != nil {
		if errors.Is(err, ErrLockTimeout) {
			i.metrics.IncTimeout("key_owner")
		}
		return err
	}
	i.metrics.ObserveAcquire(i.clk.Now().Sub(start))
	return nil
}

// unlockAll releases every lock held by the invocation's identity and wakes
// waiters blocked on the transaction's per-key release signals.
func (i *Interceptor) unlockAll(ic *Context) {
	holder := ic.HolderID()
	released := i.table.ReleaseAll(holder)
	i.metrics.AddReleased(len(released))
	if tx := ic.Transaction(); tx != nil {
		for _, key := range released {
			tx.NotifyLockReleased(key)
		}
	}
}

// finishTransaction releases locks and retires the registry entry, waking
// everything blocked on the transaction's completion. Backup lock markers
// die with the registry entry.
func (i *Interceptor) finishTransaction(ic *Context) {
	i.unlockAll(ic)
	if tx := ic.Transaction(); tx != nil {
		i.registry.Complete(tx.GlobalTransaction())
	}
}

// CompleteRemoteTransaction is invoked when a completion event for a
// remote-origin transaction arrives over the wire: the explicit unlock that
// participants wait for when the second phase is synchronous.
func (i *Interceptor) CompleteRemoteTransaction(gtx transaction.GlobalTransaction) {
	released := i.table.ReleaseAll(gtx)
	i.metrics.AddReleased(len(released))
	if tx, ok := i.registry.Get(gtx); ok {
		for _, key := range released {
			tx.NotifyLockReleased(key)
		}
	}
	i.registry.Complete(gtx)
}

// releaseLockOnTxCompletion implements the release policy: the originator
// drives the full two-phase protocol and releases once the outcome is known;
// with an asynchronous second phase every participant must release
// proactively because no explicit unlock message is guaranteed.
func (i *Interceptor) releaseLockOnTxCompletion(ic *Context) bool {
	return ic.HolderID().OriginLocal() || i.cfg.SecondPhaseAsync
}
