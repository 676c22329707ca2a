package cache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xeptore/streamgate/cache"
	"github.com/xeptore/streamgate/config"
)

func newCache(t *testing.T, unreachableTTLSeconds int) *cache.Cache {
	t.Helper()

	return cache.New(config.Cache{
		MaxBytes:              1 << 20,
		ChunkBytes:            16,
		IgnoreFetchErrors:     false,
		UnreachableTTLSeconds: unreachableTTLSeconds,
	})
}

func TestChunkRoundTrip(t *testing.T) {
	t.Parallel()

	c := newCache(t, 30)

	chunk := []byte{0x00, 0x01, 0x02, 0x03}
	c.Chunks.Set("t-1", 0, chunk)
	c.Chunks.Set("t-1", 7, []byte{0xff})

	got, ok := c.Chunks.Get("t-1", 0)
	require.True(t, ok)
	assert.Equal(t, chunk, got)

	got, ok = c.Chunks.Get("t-1", 7)
	require.True(t, ok)
	assert.Equal(t, []byte{0xff}, got)

	assert.Equal(t, int64(16), c.Chunks.ChunkSize())
}

func TestChunkMisses(t *testing.T) {
	t.Parallel()

	c := newCache(t, 30)

	c.Chunks.Set("t-1", 0, []byte{0x00})

	// Same index for a different track and a different index for the same
	// track are both distinct entries.
	if _, ok := c.Chunks.Get("t-2", 0); ok {
		t.Error("expected miss for a different track")
	}
	if _, ok := c.Chunks.Get("t-1", 1); ok {
		t.Error("expected miss for an unset chunk index")
	}
}

func TestUnreachableMarkerExpires(t *testing.T) {
	t.Parallel()

	c := newCache(t, 1)

	assert.False(t, c.Unreachable.Is("gone-1"))

	c.Unreachable.Mark("gone-1")
	assert.True(t, c.Unreachable.Is("gone-1"))
	assert.False(t, c.Unreachable.Is("gone-2"))

	time.Sleep(1100 * time.Millisecond)
	assert.False(t, c.Unreachable.Is("gone-1"))
}
