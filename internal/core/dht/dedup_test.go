package dht

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDedupObserve(t *testing.T) {
	d, err := NewDedupCache(16, 1)
	require.NoError(t, err)

	h := ContentHash(1, []byte("body"))

	// 首次通过，第二次起丢弃
	assert.False(t, d.Observe(h))
	assert.True(t, d.Observe(h))
	assert.True(t, d.Observe(h))
	assert.Equal(t, int64(2), d.Suppressions())
	assert.True(t, d.Contains(h))
}

func TestDedupAllowedOccurrences(t *testing.T) {
	d, err := NewDedupCache(16, 3)
	require.NoError(t, err)

	h := ContentHash(2, []byte("body"))
	assert.False(t, d.Observe(h))
	assert.False(t, d.Observe(h))
	assert.False(t, d.Observe(h))
	assert.True(t, d.Observe(h))
}

func TestDedupCapacityBounded(t *testing.T) {
	d, err := NewDedupCache(8, 1)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		d.Observe(ContentHash(uint64(i), []byte("x")))
	}
	assert.LessOrEqual(t, d.Len(), 8)
}

func TestDedupContentHashDistinct(t *testing.T) {
	// 不同 tag 或不同 body 产生不同哈希
	h1 := ContentHash(1, []byte("a"))
	h2 := ContentHash(2, []byte("a"))
	h3 := ContentHash(1, []byte("b"))
	assert.NotEqual(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Equal(t, h1, ContentHash(1, []byte("a")))
}

func TestDedupTrim(t *testing.T) {
	d, err := NewDedupCache(16, 1)
	require.NoError(t, err)

	d.Observe(ContentHash(1, []byte("old")))
	time.Sleep(30 * time.Millisecond)
	d.Observe(ContentHash(2, []byte("new")))

	removed := d.Trim(20 * time.Millisecond)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, d.Len())
}
