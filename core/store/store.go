// Package store holds the in-memory entry container and the invocation
// stage that applies commands to it.
package store

import (
	"hash/fnv"
	"sync"
)

const shardCount = 32

type storeShard struct {
	mu      sync.RWMutex
	entries map[string]string
}

// Store is a sharded in-memory key/value container. It carries committed
// state only; in-flight transactional writes live in their invocation
// context until commit.
type Store struct {
	shards [shardCount]*storeShard
}

// New returns an empty store.
func New() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &storeShard{entries: make(map[string]string)}
	}
	return s
}

func (s *Store) shard(key string) *storeShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

// Get returns the committed value for key.
func (s *Store) Get(key string) (string, bool) {
	sh := s.shard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	v, ok := sh.entries[key]
	return v, ok
}

// Put installs a committed value.
func (s *Store) Put(key, value string) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.entries[key] = value
}

// Delete removes a committed entry.
func (s *Store) Delete(key string) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.entries, key)
}

// Len reports the number of committed entries.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// Keys returns a snapshot of committed keys. Intended for the admin surface
// and tests, not hot paths.
func (s *Store) Keys() []string {
	var keys []string
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k := range sh.entries {
			keys = append(keys, k)
		}
		sh.mu.RUnlock()
	}
	return keys
}
