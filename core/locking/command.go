package locking

import (
	"context"
	"fmt"
	"sync"

	"github.com/sushant-115/gojocache/core/transaction"
)

// CommandKind enumerates every operation the coordinator dispatches on. The
// switch in Interceptor.Invoke is exhaustive over these values.
type CommandKind int

const (
	// KindWrite is a transactional data write.
	KindWrite CommandKind = iota
	// KindWriteNonTx is a data write flagged for external read: it locks and
	// releases within a single call, outside any transaction.
	KindWriteNonTx
	// KindRead is a data read.
	KindRead
	// KindPrepare is the first phase of the commit protocol.
	KindPrepare
	// KindCommit is the second phase, applying buffered writes.
	KindCommit
	// KindRollback discards buffered writes and releases everything.
	KindRollback
)

func (k CommandKind) String() string {
	switch k {
	case KindWrite:
		return "write"
	case KindWriteNonTx:
		return "write-non-tx"
	case KindRead:
		return "read"
	case KindPrepare:
		return "prepare"
	case KindCommit:
		return "commit"
	case KindRollback:
		return "rollback"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Command is the unit of work flowing through the interceptor chain.
type Command struct {
	Kind  CommandKind
	Key   string
	Value string
	// Keys is the write set carried by a prepare command.
	Keys []string
	// OnePhase folds the commit into the prepare.
	OnePhase bool
	// SkipLocking bypasses the exclusive acquisition, for callers that
	// already hold the lock through another command in the same transaction.
	SkipLocking bool
	// Delete marks a write as a removal.
	Delete bool
}

// Result is what a read returns through the chain.
type Result struct {
	Value string
	Found bool
}

// Next is the stage the coordinator hands commands to after the locking
// decisions are made.
type Next interface {
	Invoke(ctx context.Context, ic *Context, cmd Command) (Result, error)
}

// pendingWrite is a buffered modification awaiting commit.
type pendingWrite struct {
	Value  string
	Delete bool
}

// Context is the per-invocation state: the transaction it runs under (nil
// outside a transaction scope), the identity holding any incidental locks,
// and the writes buffered until commit. It is confined to one operation and
// must not be shared between goroutines, except that the completion hooks
// may inspect it after the operation returns.
type Context struct {
	tx       *transaction.CacheTransaction
	implicit transaction.GlobalTransaction

	mu      sync.Mutex
	pending map[string]pendingWrite
}

// NewTxContext creates an invocation context scoped to a transaction.
func NewTxContext(tx *transaction.CacheTransaction) *Context {
	return &Context{tx: tx, pending: make(map[string]pendingWrite)}
}

// NewNonTxContext creates a context for a single operation outside any
// transaction. Incidental locks are held by a throwaway identity and must be
// gone by the time the operation returns.
func NewNonTxContext(originNode string) *Context {
	return &Context{
		implicit: transaction.NewGlobalTransaction(originNode, false),
		pending:  make(map[string]pendingWrite),
	}
}

// InTxScope reports whether the invocation runs inside a transaction.
func (c *Context) InTxScope() bool {
	return c.tx != nil
}

// Transaction returns the transaction record, nil outside a tx scope.
func (c *Context) Transaction() *transaction.CacheTransaction {
	return c.tx
}

// HolderID is the identity locks are acquired under.
func (c *Context) HolderID() transaction.GlobalTransaction {
	if c.tx != nil {
		return c.tx.GlobalTransaction()
	}
	return c.implicit
}

// BufferWrite stages a modification until commit.
func (c *Context) BufferWrite(key, value string, delete bool) {
	c.mu.Lock()
	c.pending[key] = pendingWrite{Value: value, Delete: delete}
	c.mu.Unlock()
}

// PendingWrite looks up a staged modification.
func (c *Context) PendingWrite(key string) (value string, deleted bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.pending[key]
	return w.Value, w.Delete, ok
}

// PendingKeys returns the keys with staged modifications.
func (c *Context) PendingKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.pending))
	for k := range c.pending {
		keys = append(keys, k)
	}
	return keys
}

// DiscardPending drops all staged modifications.
func (c *Context) DiscardPending() {
	c.mu.Lock()
	c.pending = make(map[string]pendingWrite)
	c.mu.Unlock()
}
