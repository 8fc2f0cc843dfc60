package locking

import "strings"

// Delta keys are views over an underlying key: fine-grained sub-entries that
// share the underlying key's ownership. Locking always happens on the
// underlying key so that every delta of an entry serializes on one lock.
const deltaKeyPrefix = "delta\x1f"
const deltaKeySep = "\x1f"

// MakeDeltaKey builds a key addressing component inside underlying.
func MakeDeltaKey(underlying, component string) string {
	return deltaKeyPrefix + underlying + deltaKeySep + component
}

// OwnershipKey unwraps a delta key to the key ownership is decided on.
// Plain keys pass through unchanged.
func OwnershipKey(key string) string {
	rest, ok := strings.CutPrefix(key, deltaKeyPrefix)
	if !ok {
		return key
	}
	underlying, _, found := strings.Cut(rest, deltaKeySep)
	if !found {
		return key
	}
	return underlying
}
