package readahead

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCachePutGet(t *testing.T) {
	c := NewCache()
	_, ok := c.Get(1)
	require.False(t, ok)

	c.Put(1, []byte("a"))
	v, ok := c.Get(1)
	require.True(t, ok)
	require.Equal(t, []byte("a"), v)
}

func TestCacheEvictRemovesBelowThreshold(t *testing.T) {
	c := NewCache()
	c.Put(1, []byte("a"))
	c.Put(2, []byte("b"))
	c.Put(3, []byte("c"))

	c.Evict(3)
	require.Equal(t, 1, c.Len())
	_, ok := c.Get(3)
	require.True(t, ok)
	_, ok = c.Get(2)
	require.False(t, ok)
}
