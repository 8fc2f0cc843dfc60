package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/gojocache/core/locking"
	"github.com/sushant-115/gojocache/core/topology"
)

// EntryInterceptor is the terminal stage of the invocation chain. It buffers
// transactional writes in their invocation context and applies them to the
// store only when the transaction's outcome is known.
type EntryInterceptor struct {
	store  *Store
	oracle topology.Oracle
	logger *zap.Logger
}

// NewEntryInterceptor returns the store-applying stage.
func NewEntryInterceptor(store *Store, oracle topology.Oracle, logger *zap.Logger) *EntryInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EntryInterceptor{store: store, oracle: oracle, logger: logger}
}

// Invoke applies a command against the entry container.
func (e *EntryInterceptor) Invoke(ctx context.Context, ic *locking.Context, cmd locking.Command) (locking.Result, error) {
	switch cmd.Kind {
	case locking.KindWrite:
		prev, found := e.store.Get(cmd.Key)
		ic.BufferWrite(cmd.Key, cmd.Value, cmd.Delete)
		return locking.Result{Value: prev, Found: found}, nil

	case locking.KindWriteNonTx:
		prev, found := e.store.Get(cmd.Key)
		if cmd.Delete {
			e.store.Delete(cmd.Key)
		} else {
			e.store.Put(cmd.Key, cmd.Value)
		}
		return locking.Result{Value: prev, Found: found}, nil

	case locking.KindRead:
		// A transaction reads its own uncommitted writes first.
		if value, deleted, ok := ic.PendingWrite(cmd.Key); ok {
			if deleted {
				return locking.Result{}, nil
			}
			return locking.Result{Value: value, Found: true}, nil
		}
		v, ok := e.store.Get(cmd.Key)
		return locking.Result{Value: v, Found: ok}, nil

	case locking.KindPrepare:
		if cmd.OnePhase {
			return locking.Result{}, e.applyPending(ic)
		}
		return locking.Result{}, nil

	case locking.KindCommit:
		return locking.Result{}, e.applyPending(ic)

	case locking.KindRollback:
		ic.DiscardPending()
		return locking.Result{}, nil

	default:
		return locking.Result{}, fmt.Errorf("store: unhandled command kind %s", cmd.Kind)
	}
}

// applyPending installs the transaction's buffered writes. When the cluster
// topology moved since the transaction began, a written key may belong to a
// different primary now; applying here would commit on a node that no longer
// speaks for the key, so the commit fails with ErrOutdatedTopology and the
// originator retries against the new owners.
func (e *EntryInterceptor) applyPending(ic *locking.Context) error {
	tx := ic.Transaction()
	if tx != nil && tx.TopologyID() != e.oracle.Epoch() {
		for _, key := range ic.PendingKeys() {
			ownership := locking.OwnershipKey(key)
			if !e.oracle.IsOwner(ownership) {
				e.logger.Debug("ownership moved during transaction",
					zap.String("key", key),
					zap.Int64("txTopology", tx.TopologyID()),
					zap.Int64("currentTopology", e.oracle.Epoch()),
				)
				return locking.ErrOutdatedTopology
			}
		}
	}
	for _, key := range ic.PendingKeys() {
		value, deleted, ok := ic.PendingWrite(key)
		if !ok {
			continue
		}
		if deleted {
			e.store.Delete(key)
		} else {
			e.store.Put(key, value)
		}
	}
	ic.DiscardPending()
	return nil
}
