// Package transaction tracks every transaction active on this node, local or
// remote, together with the topology epoch it started under. The registry is
// the single source of truth the locking layer consults when it needs to know
// whether an older-topology transaction might still be finishing on a key.
package transaction

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CacheStoppedTopologyID marks a transaction created while the cache is
// shutting down. The pending-lock check is disabled for such transactions.
const CacheStoppedTopologyID int64 = -1

// GlobalTransaction is the cluster-wide identity of a transaction. It is a
// value type comparable with == so it can key maps directly.
type GlobalTransaction struct {
	ID         uuid.UUID
	OriginNode string
	Remote     bool
}

// NewGlobalTransaction mints a new transaction identity originating on the
// given node.
func NewGlobalTransaction(originNode string, remote bool) GlobalTransaction {
	return GlobalTransaction{
		ID:         uuid.New(),
		OriginNode: originNode,
		Remote:     remote,
	}
}

// OriginLocal reports whether this node created the transaction.
func (g GlobalTransaction) OriginLocal() bool {
	return !g.Remote
}

func (g GlobalTransaction) String() string {
	kind := "local"
	if g.Remote {
		kind = "remote"
	}
	return fmt.Sprintf("GlobalTx{%s %s@%s}", g.ID, kind, g.OriginNode)
}

// CacheTransaction is the per-node record of an active transaction: the
// topology epoch it started under, the keys it intends to write, the backup
// lock markers it holds on non-primary owners, and the completion signals
// other transactions block on during the pending-lock check.
type CacheTransaction struct {
	gtx               GlobalTransaction
	topologyID        int64
	fromStateTransfer bool

	mu          sync.Mutex
	writeIntent map[string]struct{}
	backupLocks map[string]struct{}
	keyReleased map[string]chan struct{}
	done        chan struct{}
}

func newCacheTransaction(gtx GlobalTransaction, topologyID int64, fromStateTransfer bool) *CacheTransaction {
	return &CacheTransaction{
		gtx:               gtx,
		topologyID:        topologyID,
		fromStateTransfer: fromStateTransfer,
		writeIntent:       make(map[string]struct{}),
		backupLocks:       make(map[string]struct{}),
		keyReleased:       make(map[string]chan struct{}),
		done:              make(chan struct{}),
	}
}

// GlobalTransaction returns the cluster-wide identity.
func (t *CacheTransaction) GlobalTransaction() GlobalTransaction {
	return t.gtx
}

// TopologyID is the epoch the transaction started under. Fixed for the
// lifetime of the transaction.
func (t *CacheTransaction) TopologyID() int64 {
	return t.topologyID
}

// IsFromStateTransfer is true only for local transactions created internally
// by the state-transfer (rebalancing) machinery. Those are exempt from the
// pending-lock wait.
func (t *CacheTransaction) IsFromStateTransfer() bool {
	return t.gtx.OriginLocal() && t.fromStateTransfer
}

// AddWriteIntent records that the transaction will write key on this node.
func (t *CacheTransaction) AddWriteIntent(key string) {
	t.mu.Lock()
	t.writeIntent[key] = struct{}{}
	t.mu.Unlock()
}

// WritesToKey reports whether the transaction intends to write key here.
func (t *CacheTransaction) WritesToKey(key string) bool {
	t.mu.Lock()
	_, ok := t.writeIntent[key]
	t.mu.Unlock()
	return ok
}

// AddBackupLock records a non-exclusive backup marker for key. Many
// transactions may mark the same key; the marker dies with the transaction.
func (t *CacheTransaction) AddBackupLock(key string) {
	t.mu.Lock()
	t.backupLocks[key] = struct{}{}
	t.mu.Unlock()
}

// BackupLocks returns a snapshot of the keys currently marked.
func (t *CacheTransaction) BackupLocks() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.backupLocks))
	for k := range t.backupLocks {
		keys = append(keys, k)
	}
	return keys
}

// NotifyLockReleased wakes every waiter blocked on this transaction's lock
// for key. Safe to call more than once per key.
func (t *CacheTransaction) NotifyLockReleased(key string) {
	t.mu.Lock()
	ch, ok := t.keyReleased[key]
	if !ok {
		ch = make(chan struct{})
		t.keyReleased[key] = ch
	}
	select {
	case <-ch:
		// already closed
	default:
		close(ch)
	}
	t.mu.Unlock()
}

// WaitForLockRelease blocks until the transaction has released its lock on
// key, the transaction completes, or the timeout elapses. It returns true if
// the lock is known to be released within the budget. Transactions that never
// intended to write the key release "immediately".
func (t *CacheTransaction) WaitForLockRelease(key string, timeout time.Duration) bool {
	t.mu.Lock()
	if _, writes := t.writeIntent[key]; !writes {
		t.mu.Unlock()
		return true
	}
	ch, ok := t.keyReleased[key]
	if !ok {
		ch = make(chan struct{})
		t.keyReleased[key] = ch
	}
	t.mu.Unlock()

	if timeout <= 0 {
		select {
		case <-ch:
			return true
		case <-t.done:
			return true
		default:
			return false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-t.done:
		return true
	case <-timer.C:
		return false
	}
}

// Done exposes the completion signal. Closed exactly once when the
// transaction finishes, commit or rollback alike.
func (t *CacheTransaction) Done() <-chan struct{} {
	return t.done
}

func (t *CacheTransaction) markCompleted() {
	select {
	case <-t.done:
	default:
		close(t.done)
	}
}

func (t *CacheTransaction) String() string {
	return fmt.Sprintf("CacheTx{%s topology=%d}", t.gtx, t.topologyID)
}
