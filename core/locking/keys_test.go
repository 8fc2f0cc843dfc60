package locking

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOwnershipKeyUnwrapsDeltaKeys(t *testing.T) {
	delta := MakeDeltaKey("cart:42", "items")
	require.NotEqual(t, "cart:42", delta)
	require.Equal(t, "cart:42", OwnershipKey(delta))
}

func TestOwnershipKeyPassesPlainKeysThrough(t *testing.T) {
	require.Equal(t, "user:1", OwnershipKey("user:1"))
	require.Equal(t, "", OwnershipKey(""))
}

func TestDeltaKeysForSameUnderlyingShareOwnership(t *testing.T) {
	a := MakeDeltaKey("doc:7", "title")
	b := MakeDeltaKey("doc:7", "body")
	require.NotEqual(t, a, b)
	require.Equal(t, OwnershipKey(a), OwnershipKey(b))
}
