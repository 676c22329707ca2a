package stream_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xeptore/streamgate/cache"
	"github.com/xeptore/streamgate/config"
	"github.com/xeptore/streamgate/store"
	"github.com/xeptore/streamgate/stream"
	"github.com/xeptore/streamgate/upstream/player"
	"github.com/xeptore/streamgate/upstream/resolver"
	"github.com/xeptore/streamgate/upstream/types"
)

const (
	testChunkSize = 16
	trackSize     = 256
)

// trackBytes is a deterministic binary pattern. Every chunk-sized window
// contains null bytes so content sniffing classifies it as binary, the same
// as real audio would be.
func trackBytes(n int64) []byte {
	b := make([]byte, n)
	for i := range b {
		if i%4 == 0 {
			b[i] = 0x00
		} else {
			b[i] = byte(i % 256)
		}
	}

	return b
}

type fakeResolver struct {
	calls atomic.Int32
	url   string
	size  int64
	delay time.Duration
	err   error
}

func (r *fakeResolver) Resolve(_ context.Context, _ zerolog.Logger, trackID types.TrackID, offset int64) (*resolver.Resolved, error) {
	r.calls.Add(1)
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if nil != r.err {
		return nil, r.err
	}

	//nolint:exhaustruct
	return &resolver.Resolved{
		URL:    r.url,
		Key:    trackID,
		Offset: offset,
		Format: types.Format{Itag: 140, ContentLength: r.size},
	}, nil
}

func newByteServer(t *testing.T, content []byte, hits *atomic.Int32) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}

		spec := strings.TrimPrefix(r.Header.Get("Range"), "bytes=")
		parts := strings.SplitN(spec, "-", 2)
		require.Len(t, parts, 2)
		start, err := strconv.ParseInt(parts[0], 10, 64)
		require.NoError(t, err)
		end, err := strconv.ParseInt(parts[1], 10, 64)
		require.NoError(t, err)
		require.Less(t, end, int64(len(content)))

		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(content[start : end+1])
	}))
	t.Cleanup(srv.Close)

	return srv
}

func testCacheConf(ignoreFetchErrors bool) config.Cache {
	return config.Cache{
		MaxBytes:              1 << 20,
		ChunkBytes:            testChunkSize,
		IgnoreFetchErrors:     ignoreFetchErrors,
		UnreachableTTLSeconds: 30,
	}
}

func newChain(t *testing.T, conf config.Cache, r stream.Resolver) (*stream.Chain, store.Dir, *cache.Cache) {
	t.Helper()

	dir := store.DirFrom(t.TempDir())
	c := cache.New(conf)

	return stream.New(conf, 5, dir, c, r, nil), dir, c
}

func TestDownloadStorePrecedence(t *testing.T) {
	t.Parallel()

	content := trackBytes(trackSize)
	res := &fakeResolver{} //nolint:exhaustruct
	chain, dir, _ := newChain(t, testCacheConf(false), res)

	trackPath := dir.Track("dl-1").Path
	require.NoError(t, os.WriteFile(trackPath, content, 0o600))

	//nolint:exhaustruct
	rc, err := chain.Read(t.Context(), zerolog.Nop(), stream.Request{Track: "dl-1", Offset: 32, Length: 64})
	require.NoError(t, err)
	defer func() { require.NoError(t, rc.Close()) }()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, content[32:96], got)

	// A track fully present in the download store never reaches the resolver.
	assert.Equal(t, int32(0), res.calls.Load())
}

func TestLocalContentShortCircuits(t *testing.T) {
	t.Parallel()

	content := trackBytes(trackSize)
	localPath := filepath.Join(t.TempDir(), "recording.m4a")
	require.NoError(t, os.WriteFile(localPath, content, 0o600))

	res := &fakeResolver{} //nolint:exhaustruct
	chain, _, _ := newChain(t, testCacheConf(false), res)

	//nolint:exhaustruct
	rc, err := chain.Read(t.Context(), zerolog.Nop(), stream.Request{Track: "local-1", LocalPath: localPath, Offset: 0, Length: 16})
	require.NoError(t, err)
	defer func() { require.NoError(t, rc.Close()) }()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, content[:16], got)
	assert.Equal(t, int32(0), res.calls.Load())
}

func TestResolveOnMissAndWriteBack(t *testing.T) {
	t.Parallel()

	content := trackBytes(trackSize)
	var fetches atomic.Int32
	srv := newByteServer(t, content, &fetches)

	res := &fakeResolver{url: srv.URL + "/track?cpn=x", size: trackSize} //nolint:exhaustruct
	chain, _, c := newChain(t, testCacheConf(false), res)

	//nolint:exhaustruct
	rc, err := chain.Read(t.Context(), zerolog.Nop(), stream.Request{Track: "net-1", Offset: 8, Length: 32})
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, content[8:40], got)
	assert.Equal(t, int32(1), res.calls.Load())

	// The fetched chunks landed in the LRU tier: a repeat read within the
	// fetched region must not resolve again.
	require.Greater(t, fetches.Load(), int32(0))
	fetchesBefore := fetches.Load()

	//nolint:exhaustruct
	rc, err = chain.Read(t.Context(), zerolog.Nop(), stream.Request{Track: "net-1", Offset: 0, Length: 48})
	require.NoError(t, err)
	got, err = io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, content[:48], got)
	assert.Equal(t, int32(1), res.calls.Load())
	assert.Equal(t, fetchesBefore, fetches.Load())

	if _, ok := c.Chunks.Get("net-1", 0); !ok {
		t.Error("expected chunk 0 in LRU after write-back")
	}
}

func TestPartialLRUHitResolvesOnlyMissingRange(t *testing.T) {
	t.Parallel()

	content := trackBytes(trackSize)
	srv := newByteServer(t, content, nil)

	res := &fakeResolver{url: srv.URL + "/track", size: trackSize} //nolint:exhaustruct
	chain, _, c := newChain(t, testCacheConf(false), res)

	// Chunks covering [0,64) are already cached.
	for idx := int64(0); idx < 4; idx++ {
		c.Chunks.Set("xyz789", idx, content[idx*testChunkSize:(idx+1)*testChunkSize])
	}

	//nolint:exhaustruct
	rc, err := chain.Read(t.Context(), zerolog.Nop(), stream.Request{Track: "xyz789", Offset: 0, Length: 32})
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, content[:32], got)
	assert.Equal(t, int32(0), res.calls.Load())

	//nolint:exhaustruct
	rc, err = chain.Read(t.Context(), zerolog.Nop(), stream.Request{Track: "xyz789", Offset: 64, Length: 64})
	require.NoError(t, err)
	got, err = io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, content[64:128], got)
	assert.Equal(t, int32(1), res.calls.Load())
}

func TestConcurrentReadsShareOneResolution(t *testing.T) {
	t.Parallel()

	content := trackBytes(trackSize)
	srv := newByteServer(t, content, nil)

	// The resolution is held open long enough for every reader to miss the LRU
	// and join the same flight.
	res := &fakeResolver{url: srv.URL + "/track", size: trackSize, delay: 100 * time.Millisecond} //nolint:exhaustruct
	chain, _, _ := newChain(t, testCacheConf(false), res)

	const m = 8
	var wg sync.WaitGroup
	for range m {
		wg.Go(func() {
			//nolint:exhaustruct
			rc, err := chain.Read(t.Context(), zerolog.Nop(), stream.Request{Track: "shared-1", Offset: 0, Length: 64})
			if !assert.NoError(t, err) {
				return
			}
			got, err := io.ReadAll(rc)
			assert.NoError(t, err)
			assert.NoError(t, rc.Close())
			assert.Equal(t, content[:64], got)
		})
	}
	wg.Wait()

	assert.Equal(t, int32(1), res.calls.Load())
}

func TestCorruptFetchReResolvesOnce(t *testing.T) {
	t.Parallel()

	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Header().Set("Content-Type", "text/html")
		_, _ = fmt.Fprint(w, "<html><body>expired link</body></html>")
	}))
	t.Cleanup(srv.Close)

	res := &fakeResolver{url: srv.URL + "/track", size: testChunkSize} //nolint:exhaustruct
	chain, _, _ := newChain(t, testCacheConf(true), res)

	//nolint:exhaustruct
	_, err := chain.Read(t.Context(), zerolog.Nop(), stream.Request{Track: "corrupt-1", Offset: 0, Length: 8})
	require.ErrorIs(t, err, player.ErrUnknown)

	// One re-resolution, then surface: two resolver calls, never more.
	assert.Equal(t, int32(2), res.calls.Load())
}

func TestCorruptFetchSurfacesWithoutFlag(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = fmt.Fprint(w, "<html><body>expired link</body></html>")
	}))
	t.Cleanup(srv.Close)

	res := &fakeResolver{url: srv.URL + "/track", size: testChunkSize} //nolint:exhaustruct
	chain, _, _ := newChain(t, testCacheConf(false), res)

	//nolint:exhaustruct
	_, err := chain.Read(t.Context(), zerolog.Nop(), stream.Request{Track: "corrupt-2", Offset: 0, Length: 8})
	require.ErrorIs(t, err, stream.ErrCorruptFetch)
	// Without the flag no re-resolution happens, so the error must not claim one.
	assert.NotErrorIs(t, err, player.ErrUnknown)
	assert.Equal(t, int32(1), res.calls.Load())
}

func TestUnreachableHostShortCircuitsRepeats(t *testing.T) {
	t.Parallel()

	res := &fakeResolver{url: "http://track-host.invalid/track", size: trackSize} //nolint:exhaustruct
	chain, _, _ := newChain(t, testCacheConf(false), res)

	//nolint:exhaustruct
	_, err := chain.Read(t.Context(), zerolog.Nop(), stream.Request{Track: "gone-1", Offset: 0, Length: 8})
	require.ErrorIs(t, err, stream.ErrUnreachable)
	require.Equal(t, int32(1), res.calls.Load())

	// The immediate repeat is answered from the reachability marker.
	//nolint:exhaustruct
	_, err = chain.Read(t.Context(), zerolog.Nop(), stream.Request{Track: "gone-1", Offset: 0, Length: 8})
	require.ErrorIs(t, err, stream.ErrUnreachable)
	assert.Equal(t, int32(1), res.calls.Load())
}

func TestPopulateReadSkipsWriteBack(t *testing.T) {
	t.Parallel()

	content := trackBytes(trackSize)
	srv := newByteServer(t, content, nil)

	res := &fakeResolver{url: srv.URL + "/track", size: trackSize} //nolint:exhaustruct
	chain, _, c := newChain(t, testCacheConf(false), res)

	//nolint:exhaustruct
	rc, err := chain.Read(t.Context(), zerolog.Nop(), stream.Request{Track: "pop-1", Offset: 0, Length: 64, Populate: true})
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, content[:64], got)

	if _, ok := c.Chunks.Get("pop-1", 0); ok {
		t.Error("population reads must not write chunks back into the LRU tier")
	}
}

func TestPopulateThenStoreServesWithoutResolver(t *testing.T) {
	t.Parallel()

	content := trackBytes(trackSize)
	srv := newByteServer(t, content, nil)

	res := &fakeResolver{url: srv.URL + "/track", size: trackSize} //nolint:exhaustruct
	chain, dir, _ := newChain(t, testCacheConf(false), res)

	//nolint:exhaustruct
	rc, err := chain.Read(t.Context(), zerolog.Nop(), stream.Request{Track: "pop-2", Offset: 0, Length: trackSize, Populate: true})
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, content, got)
	require.Equal(t, int32(1), res.calls.Load())

	//nolint:exhaustruct
	require.NoError(t, dir.Track("pop-2").Save(bytes.NewReader(got), store.StoredTrack{ID: "pop-2", ContentLength: trackSize}))

	// Once populated, reads come from the download store tier and never
	// resolve again.
	//nolint:exhaustruct
	rc, err = chain.Read(t.Context(), zerolog.Nop(), stream.Request{Track: "pop-2", Offset: 10, Length: 20})
	require.NoError(t, err)
	got, err = io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, content[10:30], got)
	assert.Equal(t, int32(1), res.calls.Load())
}
