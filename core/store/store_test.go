package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutGetDelete(t *testing.T) {
	s := New()

	_, found := s.Get("k")
	require.False(t, found)

	s.Put("k", "v1")
	value, found := s.Get("k")
	require.True(t, found)
	require.Equal(t, "v1", value)

	s.Put("k", "v2")
	value, _ = s.Get("k")
	require.Equal(t, "v2", value)

	s.Delete("k")
	_, found = s.Get("k")
	require.False(t, found)
}

func TestLenAndKeysSpanShards(t *testing.T) {
	s := New()
	for i := 0; i < 100; i++ {
		s.Put(fmt.Sprintf("key-%d", i), "v")
	}
	require.Equal(t, 100, s.Len())
	require.Len(t, s.Keys(), 100)
}
