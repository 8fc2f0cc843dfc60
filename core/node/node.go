// Package node assembles the cache node: the invocation chain, the
// transaction registry, peer forwarding and the completion-event fabric,
// behind the API the server binary exposes.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/gojocache/core/locking"
	"github.com/sushant-115/gojocache/core/locking/locktable"
	"github.com/sushant-115/gojocache/core/replication/events"
	"github.com/sushant-115/gojocache/core/replication/peers"
	"github.com/sushant-115/gojocache/core/store"
	"github.com/sushant-115/gojocache/core/topology"
	"github.com/sushant-115/gojocache/core/transaction"
	"github.com/sushant-115/gojocache/internal/clock"
	internaltelemetry "github.com/sushant-115/gojocache/internal/telemetry"
)

// ErrUnknownTransaction is returned for operations against a transaction id
// this node has no record of.
var ErrUnknownTransaction = errors.New("node: unknown transaction")

// Config carries the node assembly knobs.
type Config struct {
	NodeID           string
	LockTimeout      time.Duration
	SecondPhaseAsync bool
}

// Node is one cache process. It owns the full invocation chain and the
// bookkeeping that maps transaction ids to their invocation contexts.
type Node struct {
	cfg         Config
	logger      *zap.Logger
	fsm         *topology.FSM
	view        *topology.LocalView
	registry    *transaction.Registry
	table       *locktable.LockTable
	entries     *store.Store
	interceptor *locking.Interceptor
	peersClient *peers.Client

	// completionSink publishes an event after a local transaction finishes;
	// nil when the node runs standalone.
	completionSink func(events.TxCompletionEvent)

	mu       sync.Mutex
	contexts map[uuid.UUID]*locking.Context
}

// New assembles a node. peersClient and metrics may be nil for standalone
// operation and tests.
func New(cfg Config, fsm *topology.FSM, peersClient *peers.Client, clk clock.Clock, logger *zap.Logger, metrics *internaltelemetry.LockMetrics) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real{}
	}

	view := topology.NewLocalView(cfg.NodeID, fsm)
	registry := transaction.NewRegistry(fsm.Epoch(), logger)
	table := locktable.New(clk)
	entries := store.New()

	entryStage := store.NewEntryInterceptor(entries, view, logger)
	interceptor := locking.NewInterceptor(
		locking.Config{DefaultLockTimeout: cfg.LockTimeout, SecondPhaseAsync: cfg.SecondPhaseAsync},
		table, registry, view, clk, logger, metrics, entryStage,
	)

	n := &Node{
		cfg:         cfg,
		logger:      logger,
		fsm:         fsm,
		view:        view,
		registry:    registry,
		table:       table,
		entries:     entries,
		interceptor: interceptor,
		peersClient: peersClient,
		contexts:    make(map[uuid.UUID]*locking.Context),
	}

	// Keep the registry's epoch in lockstep with the replicated topology.
	fsm.OnEpochChange(func(epoch int64) {
		registry.SetCurrentTopologyID(epoch)
	})
	return n
}

// SetCompletionSink wires the completion-event publisher.
func (n *Node) SetCompletionSink(sink func(events.TxCompletionEvent)) {
	n.completionSink = sink
}

// Registry exposes the transaction registry for the admin surface.
func (n *Node) Registry() *transaction.Registry { return n.registry }

// Store exposes committed entries for the admin surface.
func (n *Node) Store() *store.Store { return n.entries }

// Interceptor exposes the lock coordination stage.
func (n *Node) Interceptor() *locking.Interceptor { return n.interceptor }

// Begin starts a local transaction and returns its id.
func (n *Node) Begin() uuid.UUID {
	tx := n.registry.BeginLocal(n.cfg.NodeID, false)
	ic := locking.NewTxContext(tx)
	n.mu.Lock()
	n.contexts[tx.GlobalTransaction().ID] = ic
	n.mu.Unlock()
	return tx.GlobalTransaction().ID
}

// BeginStateTransfer starts a local transaction that applies state pushed by
// a rebalance; such transactions bypass the pending-lock check.
func (n *Node) BeginStateTransfer() uuid.UUID {
	tx := n.registry.BeginLocal(n.cfg.NodeID, true)
	ic := locking.NewTxContext(tx)
	n.mu.Lock()
	n.contexts[tx.GlobalTransaction().ID] = ic
	n.mu.Unlock()
	return tx.GlobalTransaction().ID
}

func (n *Node) lookup(txID uuid.UUID) (*locking.Context, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ic, ok := n.contexts[txID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransaction, txID)
	}
	return ic, nil
}

func (n *Node) forget(txID uuid.UUID) {
	n.mu.Lock()
	delete(n.contexts, txID)
	n.mu.Unlock()
}

// Put stages a write inside the transaction, locking the key on this node
// when it is the primary owner.
func (n *Node) Put(ctx context.Context, txID uuid.UUID, key, value string) error {
	ic, err := n.lookup(txID)
	if err != nil {
		return err
	}
	_, err = n.interceptor.Invoke(ctx, ic, locking.Command{Kind: locking.KindWrite, Key: key, Value: value})
	return err
}

// Delete stages a removal inside the transaction.
func (n *Node) Delete(ctx context.Context, txID uuid.UUID, key string) error {
	ic, err := n.lookup(txID)
	if err != nil {
		return err
	}
	_, err = n.interceptor.Invoke(ctx, ic, locking.Command{Kind: locking.KindWrite, Key: key, Delete: true})
	return err
}

// Get reads a key inside the transaction, seeing the transaction's own
// staged writes first.
func (n *Node) Get(ctx context.Context, txID uuid.UUID, key string) (string, bool, error) {
	ic, err := n.lookup(txID)
	if err != nil {
		return "", false, err
	}
	res, err := n.interceptor.Invoke(ctx, ic, locking.Command{Kind: locking.KindRead, Key: key})
	return res.Value, res.Found, err
}

// ReadKey reads outside any transaction.
func (n *Node) ReadKey(ctx context.Context, key string) (string, bool, error) {
	ic := locking.NewNonTxContext(n.cfg.NodeID)
	res, err := n.interceptor.Invoke(ctx, ic, locking.Command{Kind: locking.KindRead, Key: key})
	return res.Value, res.Found, err
}

// PutNonTx applies a single write outside any transaction. The key is
// locked for the duration of the write only.
func (n *Node) PutNonTx(ctx context.Context, key, value string) error {
	ic := locking.NewNonTxContext(n.cfg.NodeID)
	_, err := n.interceptor.Invoke(ctx, ic, locking.Command{Kind: locking.KindWriteNonTx, Key: key, Value: value})
	return err
}

// Commit drives the two-phase protocol for a local transaction: prepare on
// every remote participant, apply locally, then commit remotely and publish
// the completion event. An outdated-topology failure leaves the transaction
// and its locks intact so the caller can retry under the new topology.
func (n *Node) Commit(ctx context.Context, txID uuid.UUID) error {
	ic, err := n.lookup(txID)
	if err != nil {
		return err
	}
	tx := ic.Transaction()
	gtx := tx.GlobalTransaction()

	participants, writes := n.remoteParticipants(ic)
	req := peers.Request{
		TxID:       gtx.ID,
		OriginNode: gtx.OriginNode,
		TopologyID: tx.TopologyID(),
		Writes:     writes,
	}

	if len(participants) > 0 {
		req.Type = peers.TypePrepare
		if err := n.peersClient.SendAll(ctx, participants, req); err != nil {
			return fmt.Errorf("prepare failed: %w", err)
		}
	}

	if _, err := n.interceptor.Invoke(ctx, ic, locking.Command{Kind: locking.KindCommit}); err != nil {
		if errors.Is(err, locking.ErrOutdatedTopology) {
			return err
		}
		n.abortRemote(ctx, participants, req)
		return err
	}

	if len(participants) > 0 {
		req.Type = peers.TypeCommit
		req.Writes = nil
		if err := n.peersClient.SendAll(ctx, participants, req); err != nil {
			n.logger.Error("commit fan-out failed, peers will release via completion event",
				zap.Stringer("tx", gtx), zap.Error(err))
		}
	}

	n.forget(txID)
	n.publishCompletion(gtx, events.OutcomeCommitted, tx.TopologyID())
	return nil
}

// Rollback aborts the transaction everywhere and always releases.
func (n *Node) Rollback(ctx context.Context, txID uuid.UUID) error {
	ic, err := n.lookup(txID)
	if err != nil {
		return err
	}
	tx := ic.Transaction()
	gtx := tx.GlobalTransaction()

	participants, _ := n.remoteParticipants(ic)
	req := peers.Request{
		Type:       peers.TypeRollback,
		TxID:       gtx.ID,
		OriginNode: gtx.OriginNode,
		TopologyID: tx.TopologyID(),
	}
	n.abortRemote(ctx, participants, req)

	_, err = n.interceptor.Invoke(ctx, ic, locking.Command{Kind: locking.KindRollback})
	n.forget(txID)
	n.publishCompletion(gtx, events.OutcomeRolledBack, tx.TopologyID())
	return err
}

// remoteParticipants lists peer addresses owning any staged key, and the
// write set to ship them.
func (n *Node) remoteParticipants(ic *locking.Context) ([]string, []peers.WriteOp) {
	keys := ic.PendingKeys()
	if len(keys) == 0 {
		return nil, nil
	}

	nodes := n.fsm.Nodes()
	seen := make(map[string]struct{})
	var addrs []string
	writes := make([]peers.WriteOp, 0, len(keys))

	for _, key := range keys {
		value, deleted, _ := ic.PendingWrite(key)
		writes = append(writes, peers.WriteOp{Key: key, Value: value, Delete: deleted})
		for _, owner := range n.fsm.Owners(locking.OwnershipKey(key)) {
			if owner == n.cfg.NodeID {
				continue
			}
			addr, ok := nodes[owner]
			if !ok {
				continue
			}
			if _, dup := seen[owner]; dup {
				continue
			}
			seen[owner] = struct{}{}
			addrs = append(addrs, addr)
		}
	}
	return addrs, writes
}

func (n *Node) abortRemote(ctx context.Context, participants []string, req peers.Request) {
	if len(participants) == 0 {
		return
	}
	req.Type = peers.TypeRollback
	req.Writes = nil
	if err := n.peersClient.SendAll(ctx, participants, req); err != nil {
		n.logger.Warn("rollback fan-out failed", zap.String("tx", req.TxID.String()), zap.Error(err))
	}
}

func (n *Node) publishCompletion(gtx transaction.GlobalTransaction, outcome events.Outcome, topologyID int64) {
	if n.completionSink == nil {
		return
	}
	n.completionSink(events.TxCompletionEvent{
		TxID:        gtx.ID,
		OriginNode:  gtx.OriginNode,
		Outcome:     outcome,
		TopologyID:  topologyID,
		CompletedAt: time.Now(),
	})
}

// HandleRemote executes a command forwarded by a peer. Prepare registers the
// transaction, stages its writes and takes this node's locks; commit and
// rollback finish it.
func (n *Node) HandleRemote(ctx context.Context, req peers.Request) error {
	gtx := transaction.GlobalTransaction{ID: req.TxID, OriginNode: req.OriginNode, Remote: true}

	switch req.Type {
	case peers.TypePrepare:
		tx := n.registry.RegisterRemote(gtx, req.TopologyID)
		ic := locking.NewTxContext(tx)
		n.mu.Lock()
		n.contexts[req.TxID] = ic
		n.mu.Unlock()

		keys := make([]string, 0, len(req.Writes))
		for _, w := range req.Writes {
			ic.BufferWrite(w.Key, w.Value, w.Delete)
			keys = append(keys, w.Key)
		}
		_, err := n.interceptor.Invoke(ctx, ic, locking.Command{
			Kind:     locking.KindPrepare,
			Keys:     keys,
			OnePhase: req.OnePhase,
		})
		if err != nil {
			// A failed prepare never leaves residue on this node.
			_, _ = n.interceptor.Invoke(ctx, ic, locking.Command{Kind: locking.KindRollback})
			n.forget(req.TxID)
			return err
		}
		if req.OnePhase {
			n.forget(req.TxID)
		}
		return nil

	case peers.TypeCommit:
		ic, err := n.lookup(req.TxID)
		if err != nil {
			return err
		}
		_, err = n.interceptor.Invoke(ctx, ic, locking.Command{Kind: locking.KindCommit})
		if err != nil && errors.Is(err, locking.ErrOutdatedTopology) {
			return err
		}
		if !n.stillRegistered(gtx) {
			n.forget(req.TxID)
		}
		return err

	case peers.TypeRollback:
		ic, err := n.lookup(req.TxID)
		if err != nil {
			if errors.Is(err, ErrUnknownTransaction) {
				return nil
			}
			return err
		}
		_, err = n.interceptor.Invoke(ctx, ic, locking.Command{Kind: locking.KindRollback})
		n.forget(req.TxID)
		return err

	default:
		return fmt.Errorf("node: unknown peer command %q", req.Type)
	}
}

// HandleCompletionEvent releases everything this node still holds for a
// finished remote transaction.
func (n *Node) HandleCompletionEvent(ev events.TxCompletionEvent) {
	if ev.OriginNode == n.cfg.NodeID {
		return
	}
	gtx := transaction.GlobalTransaction{ID: ev.TxID, OriginNode: ev.OriginNode, Remote: true}
	n.interceptor.CompleteRemoteTransaction(gtx)
	n.forget(ev.TxID)
	n.logger.Debug("released locks on completion event",
		zap.Stringer("tx", gtx),
		zap.String("outcome", string(ev.Outcome)),
	)
}

func (n *Node) stillRegistered(gtx transaction.GlobalTransaction) bool {
	_, ok := n.registry.Get(gtx)
	return ok
}
