// Package locktable implements the per-key mutual-exclusion primitive for
// transactional writes. Each key has at most one holder at any instant plus a
// set of blocked waiters that wake promptly when the holder releases.
package locktable

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/sushant-115/gojocache/core/transaction"
	"github.com/sushant-115/gojocache/internal/clock"
)

// ErrLockTimeout is the sentinel every acquisition timeout unwraps to.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// TimeoutError reports a failed acquisition together with the holder that
// blocked it, when one was observed.
type TimeoutError struct {
	Key       string
	Requester transaction.GlobalTransaction
	Holder    transaction.GlobalTransaction
	HasHolder bool
}

func (e *TimeoutError) Error() string {
	if e.HasHolder {
		return fmt.Sprintf("could not acquire lock on %q on behalf of %s, lock is held by %s", e.Key, e.Requester, e.Holder)
	}
	return fmt.Sprintf("could not acquire lock on %q on behalf of %s", e.Key, e.Requester)
}

func (e *TimeoutError) Unwrap() error { return ErrLockTimeout }

const shardCount = 32

type lockEntry struct {
	holder   transaction.GlobalTransaction
	released chan struct{}
}

type tableShard struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

// LockTable is the shared, internally synchronized lock map. Unrelated keys
// live in independent shards and proceed fully in parallel.
type LockTable struct {
	clk    clock.Clock
	shards [shardCount]*tableShard
}

// New creates an empty lock table. A nil clock falls back to the real one.
func New(clk clock.Clock) *LockTable {
	if clk == nil {
		clk = clock.Real{}
	}
	t := &LockTable{clk: clk}
	for i := range t.shards {
		t.shards[i] = &tableShard{locks: make(map[string]*lockEntry)}
	}
	return t
}

func (t *LockTable) shard(key string) *tableShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return t.shards[h.Sum32()%shardCount]
}

// Acquire blocks the calling goroutine until the exclusive lock on key is
// granted to requester or the timeout elapses. Re-acquisition by the current
// holder succeeds immediately. The context aborts the wait early; waiters
// race for the lock when the holder releases, no ordering is promised among
// them.
func (t *LockTable) Acquire(ctx context.Context, key string, requester transaction.GlobalTransaction, timeout time.Duration) error {
	deadline := clock.ExpectedEndTime(t.clk, timeout)
	s := t.shard(key)
	for {
		s.mu.Lock()
		e, held := s.locks[key]
		if !held {
			s.locks[key] = &lockEntry{holder: requester, released: make(chan struct{})}
			s.mu.Unlock()
			return nil
		}
		if e.holder == requester {
			s.mu.Unlock()
			return nil
		}
		holder := e.holder
		releasedCh := e.released
		s.mu.Unlock()

		remaining := clock.Remaining(t.clk, deadline)
		if remaining <= 0 {
			return &TimeoutError{Key: key, Requester: requester, Holder: holder, HasHolder: true}
		}

		select {
		case <-releasedCh:
			// Holder released; loop and race for the entry.
		case <-ctx.Done():
			return ctx.Err()
		case <-t.clk.After(remaining):
			return &TimeoutError{Key: key, Requester: requester, Holder: holder, HasHolder: true}
		}
	}
}

// Release frees the lock on key held by holder and wakes every waiter.
// Releasing a key the holder no longer holds is a no-op (release is
// idempotent for the recorded holder); releasing a key held by a different
// transaction is a programming error and panics.
func (t *LockTable) Release(key string, holder transaction.GlobalTransaction) {
	s := t.shard(key)
	s.mu.Lock()
	e, held := s.locks[key]
	if !held {
		s.mu.Unlock()
		return
	}
	if e.holder != holder {
		s.mu.Unlock()
		panic(fmt.Sprintf("locktable: %s released lock on %q held by %s", holder, key, e.holder))
	}
	delete(s.locks, key)
	close(e.released)
	s.mu.Unlock()
}

// ReleaseAll frees every lock held by holder and returns the released keys.
func (t *LockTable) ReleaseAll(holder transaction.GlobalTransaction) []string {
	var released []string
	for _, s := range t.shards {
		s.mu.Lock()
		for key, e := range s.locks {
			if e.holder == holder {
				delete(s.locks, key)
				close(e.released)
				released = append(released, key)
			}
		}
		s.mu.Unlock()
	}
	return released
}

// Owner reports the current holder of key, if any.
func (t *LockTable) Owner(key string) (transaction.GlobalTransaction, bool) {
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, held := s.locks[key]
	if !held {
		return transaction.GlobalTransaction{}, false
	}
	return e.holder, true
}

// HeldCount returns the number of currently held locks, for metrics.
func (t *LockTable) HeldCount() int {
	n := 0
	for _, s := range t.shards {
		s.mu.Lock()
		n += len(s.locks)
		s.mu.Unlock()
	}
	return n
}
