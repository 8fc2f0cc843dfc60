package transaction

import (
	"sync"

	"go.uber.org/zap"
)

// Registry is the single per-node table of active transactions. It owns the
// per-transaction topology/completion metadata and keeps the minimum topology
// id over all active transactions up to date so the locking layer can
// short-circuit its pending-lock check.
type Registry struct {
	logger *zap.Logger

	mu         sync.RWMutex
	local      map[GlobalTransaction]*CacheTransaction
	remote     map[GlobalTransaction]*CacheTransaction
	currentTop int64
	minTop     int64
}

// NewRegistry creates an empty registry. currentTopologyID seeds the minimum
// reported while no transaction is active.
func NewRegistry(currentTopologyID int64, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:     logger,
		local:      make(map[GlobalTransaction]*CacheTransaction),
		remote:     make(map[GlobalTransaction]*CacheTransaction),
		currentTop: currentTopologyID,
		minTop:     currentTopologyID,
	}
}

// SetCurrentTopologyID records the epoch newly created transactions will be
// tagged with. Called by the topology watcher on every membership change.
func (r *Registry) SetCurrentTopologyID(id int64) {
	r.mu.Lock()
	r.currentTop = id
	r.recomputeMinLocked()
	r.mu.Unlock()
}

// CurrentTopologyID returns the epoch used for new transactions.
func (r *Registry) CurrentTopologyID() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentTop
}

// BeginLocal registers a transaction originated by this node under the
// current topology epoch.
func (r *Registry) BeginLocal(originNode string, fromStateTransfer bool) *CacheTransaction {
	gtx := NewGlobalTransaction(originNode, false)
	r.mu.Lock()
	tx := newCacheTransaction(gtx, r.currentTop, fromStateTransfer)
	r.local[gtx] = tx
	r.recomputeMinLocked()
	r.mu.Unlock()

	r.logger.Debug("registered local transaction",
		zap.Stringer("tx", gtx),
		zap.Int64("topologyID", tx.topologyID),
		zap.Bool("fromStateTransfer", fromStateTransfer),
	)
	return tx
}

// RegisterRemote registers (or returns the existing record of) a transaction
// that reached this node from elsewhere, e.g. via a prepare command. The
// topology id is the one the transaction carries, not the current epoch.
func (r *Registry) RegisterRemote(gtx GlobalTransaction, topologyID int64) *CacheTransaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tx, ok := r.remote[gtx]; ok {
		return tx
	}
	tx := newCacheTransaction(gtx, topologyID, false)
	r.remote[gtx] = tx
	r.recomputeMinLocked()
	r.logger.Debug("registered remote transaction",
		zap.Stringer("tx", gtx),
		zap.Int64("topologyID", topologyID),
	)
	return tx
}

// Get returns the record for gtx, checking local then remote transactions.
func (r *Registry) Get(gtx GlobalTransaction) (*CacheTransaction, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tx, ok := r.local[gtx]; ok {
		return tx, true
	}
	tx, ok := r.remote[gtx]
	return tx, ok
}

// Complete marks the transaction finished, wakes every waiter blocked on its
// completion signal and removes it from the registry. Idempotent.
func (r *Registry) Complete(gtx GlobalTransaction) {
	r.mu.Lock()
	tx, ok := r.local[gtx]
	if ok {
		delete(r.local, gtx)
	} else if tx, ok = r.remote[gtx]; ok {
		delete(r.remote, gtx)
	}
	if ok {
		r.recomputeMinLocked()
	}
	r.mu.Unlock()

	if ok {
		tx.markCompleted()
		r.logger.Debug("completed transaction", zap.Stringer("tx", gtx))
	}
}

// MinTopologyID is the minimum topology id over all active transactions, or
// the current epoch when none are active. A transaction whose own topology id
// equals this value cannot be preceded by an older in-flight transaction.
func (r *Registry) MinTopologyID() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.minTop
}

// LocalTransactions snapshots the currently active local transactions.
func (r *Registry) LocalTransactions() []*CacheTransaction {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*CacheTransaction, 0, len(r.local))
	for _, tx := range r.local {
		out = append(out, tx)
	}
	return out
}

// RemoteTransactions snapshots the currently active remote transactions.
func (r *Registry) RemoteTransactions() []*CacheTransaction {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*CacheTransaction, 0, len(r.remote))
	for _, tx := range r.remote {
		out = append(out, tx)
	}
	return out
}

// ActiveCount returns how many transactions are registered.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.local) + len(r.remote)
}

// recomputeMinLocked must be called with r.mu held for writing. The sentinel
// CacheStoppedTopologyID never participates in the minimum.
func (r *Registry) recomputeMinLocked() {
	min := r.currentTop
	for _, tx := range r.local {
		if tx.topologyID != CacheStoppedTopologyID && tx.topologyID < min {
			min = tx.topologyID
		}
	}
	for _, tx := range r.remote {
		if tx.topologyID != CacheStoppedTopologyID && tx.topologyID < min {
			min = tx.topologyID
		}
	}
	r.minTop = min
}
