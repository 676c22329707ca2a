package cache

import (
	"strconv"
	"sync"
	"time"

	"github.com/karlseguin/ccache/v3"

	"github.com/xeptore/streamgate/config"
	"github.com/xeptore/streamgate/upstream/types"
)

var (
	// DefaultChunkTTL is deliberately long: chunk turnover is driven by the
	// cache's byte-size LRU eviction, not by expiry.
	DefaultChunkTTL = 24 * time.Hour
)

type block []byte

func (b block) Size() int64 {
	return int64(len(b))
}

type Cache struct {
	Chunks      ChunkCache
	Unreachable UnreachableCache
}

func New(conf config.Cache) *Cache {
	chunks := ccache.New(
		ccache.Configure[block]().
			MaxSize(conf.MaxBytes).
			GetsPerPromote(3).
			ItemsToPrune(2),
	)

	unreachable := ccache.New(
		ccache.Configure[struct{}]().
			MaxSize(1000).
			GetsPerPromote(3).
			ItemsToPrune(1),
	)

	return &Cache{
		Chunks: ChunkCache{
			c:         chunks,
			mux:       sync.Mutex{},
			chunkSize: conf.ChunkBytes,
		},
		Unreachable: UnreachableCache{
			c:   unreachable,
			ttl: time.Duration(conf.UnreachableTTLSeconds) * time.Second,
		},
	}
}

// ChunkCache holds fixed-size byte chunks keyed by track and chunk index. The
// byte budget is enforced by ccache via the chunk Size implementation.
type ChunkCache struct {
	c         *ccache.Cache[block]
	mux       sync.Mutex
	chunkSize int64
}

func (c *ChunkCache) ChunkSize() int64 {
	return c.chunkSize
}

func chunkKey(id types.TrackID, idx int64) string {
	return id.String() + "|" + strconv.FormatInt(idx, 10)
}

func (c *ChunkCache) Get(id types.TrackID, idx int64) ([]byte, bool) {
	c.mux.Lock()
	defer c.mux.Unlock()

	item := c.c.Get(chunkKey(id, idx))
	if item == nil || item.Expired() {
		return nil, false
	}

	return item.Value(), true
}

func (c *ChunkCache) Set(id types.TrackID, idx int64, b []byte) {
	c.mux.Lock()
	defer c.mux.Unlock()

	c.c.Set(chunkKey(id, idx), block(b), DefaultChunkTTL)
}

// UnreachableCache remembers tracks whose resolved host was unreachable so
// immediate repeat attempts short-circuit instead of timing out again.
type UnreachableCache struct {
	c   *ccache.Cache[struct{}]
	ttl time.Duration
}

func (c *UnreachableCache) Mark(id types.TrackID) {
	c.c.Set(id.String(), struct{}{}, c.ttl)
}

func (c *UnreachableCache) Is(id types.TrackID) bool {
	item := c.c.Get(id.String())

	return item != nil && !item.Expired()
}
