// Package stream composes the three data tiers (download store, network LRU,
// upstream resolver) into a single read path with resolve-on-miss semantics.
package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/xeptore/streamgate/cache"
	"github.com/xeptore/streamgate/config"
	"github.com/xeptore/streamgate/mathutil"
	"github.com/xeptore/streamgate/must"
	"github.com/xeptore/streamgate/store"
	"github.com/xeptore/streamgate/upstream/player"
	"github.com/xeptore/streamgate/upstream/resolver"
	"github.com/xeptore/streamgate/upstream/types"
)

const chunkFetchConcurrency = 4

var (
	ErrCorruptFetch = errors.New("fetched bytes failed integrity checks")
	ErrUnreachable  = errors.New("track host is currently unreachable")
)

// Resolver is the upstream tier: it turns a track identifier into a fetchable
// request descriptor.
type Resolver interface {
	Resolve(ctx context.Context, logger zerolog.Logger, trackID types.TrackID, offset int64) (*resolver.Resolved, error)
}

// InfoRecorder is notified once per successful resolution, off the byte path.
type InfoRecorder interface {
	RecordInfo(trackID types.TrackID)
}

// Request describes one ranged read. LocalPath marks device-originated content
// that never needs resolution. Populate marks download-store population reads,
// which do not write back into the LRU tier.
type Request struct {
	Track     types.TrackID
	Offset    int64
	Length    int64
	LocalPath string
	Populate  bool
}

type Chain struct {
	downloads store.Dir
	cache     *cache.Cache
	resolver  Resolver
	recorder  InfoRecorder

	fetchTimeout      time.Duration
	ignoreFetchErrors bool

	flights singleflight.Group
}

func New(
	conf config.Cache,
	fetchTimeoutSeconds int,
	downloads store.Dir,
	c *cache.Cache,
	r Resolver,
	recorder InfoRecorder,
) *Chain {
	return &Chain{
		downloads:         downloads,
		cache:             c,
		resolver:          r,
		recorder:          recorder,
		fetchTimeout:      time.Duration(fetchTimeoutSeconds) * time.Second,
		ignoreFetchErrors: conf.IgnoreFetchErrors,
		flights:           singleflight.Group{},
	}
}

// Read serves the requested range from the first tier that holds it:
// download store, then network LRU, then a resolved upstream fetch.
func (c *Chain) Read(ctx context.Context, logger zerolog.Logger, req Request) (io.ReadCloser, error) {
	if req.LocalPath != "" {
		return openLocal(req.LocalPath, req.Offset, req.Length)
	}

	if rc, ok, err := c.readDownloadStore(req); nil != err {
		return nil, fmt.Errorf("failed to read download store tier: %v", err)
	} else if ok {
		logger.Debug().Str("track_id", req.Track.String()).Msg("Serving from download store")
		return rc, nil
	}

	if req.Length <= 0 {
		return nil, fmt.Errorf("a positive range length is required for network reads, got: %d", req.Length)
	}

	if data, ok := c.readLRU(req); ok {
		logger.Debug().Str("track_id", req.Track.String()).Msg("Serving from network LRU")
		return io.NopCloser(bytes.NewReader(data)), nil
	}

	data, err := c.readUpstream(ctx, logger, req)
	if nil != err {
		return nil, err
	}

	return io.NopCloser(bytes.NewReader(data)), nil
}

func openLocal(path string, offset, length int64) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if nil != err {
		return nil, fmt.Errorf("failed to open local content: %v", err)
	}

	if _, err := f.Seek(offset, io.SeekStart); nil != err {
		if closeErr := f.Close(); nil != closeErr {
			err = errors.Join(err, fmt.Errorf("failed to close local content: %v", closeErr))
		}

		return nil, fmt.Errorf("failed to seek local content to %d: %v", offset, err)
	}

	if length > 0 {
		return readCloser{Reader: io.LimitReader(f, length), Closer: f}, nil
	}

	return f, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

func (c *Chain) readDownloadStore(req Request) (io.ReadCloser, bool, error) {
	t := c.downloads.Track(req.Track)

	exists, err := t.Exists()
	if nil != err {
		return nil, false, fmt.Errorf("failed to check track existence: %v", err)
	}
	if !exists {
		return nil, false, nil
	}

	size, err := t.Size()
	if nil != err {
		return nil, false, fmt.Errorf("failed to get track size: %v", err)
	}
	if req.Offset >= size {
		return nil, false, fmt.Errorf("range offset %d is beyond stored track size %d", req.Offset, size)
	}

	rc, err := t.OpenRange(req.Offset)
	if nil != err {
		return nil, false, fmt.Errorf("failed to open stored track: %v", err)
	}

	if req.Length > 0 {
		return readCloser{Reader: io.LimitReader(rc, req.Length), Closer: rc}, true, nil
	}

	return rc, true, nil
}

func (c *Chain) readLRU(req Request) ([]byte, bool) {
	var (
		cs         = c.cache.Chunks.ChunkSize()
		firstChunk = mathutil.ChunkIndex(req.Offset, cs)
		lastChunk  = mathutil.ChunkIndex(req.Offset+req.Length-1, cs)
	)

	joined := make([]byte, 0, (lastChunk-firstChunk+1)*cs)
	for idx := firstChunk; idx <= lastChunk; idx++ {
		chunk, ok := c.cache.Chunks.Get(req.Track, idx)
		if !ok {
			return nil, false
		}
		joined = append(joined, chunk...)
	}

	start := req.Offset - firstChunk*cs
	end := start + req.Length
	if end > int64(len(joined)) {
		// The tail chunk is shorter than the requested range; the track ends
		// inside it.
		end = int64(len(joined))
	}
	if start >= end {
		return nil, false
	}

	return joined[start:end], true
}

func (c *Chain) readUpstream(ctx context.Context, logger zerolog.Logger, req Request) ([]byte, error) {
	if c.cache.Unreachable.Is(req.Track) {
		return nil, fmt.Errorf("%w: skipping repeat attempt for track %s", ErrUnreachable, req.Track)
	}

	var data []byte
	backoff := retry.WithMaxRetries(1, retry.NewConstant(time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		res, err := c.resolve(ctx, logger, req)
		if nil != err {
			return fmt.Errorf("failed to resolve track %s: %w", req.Track, err)
		}

		fetched, err := c.fetchRange(ctx, logger, req, res)
		if nil != err {
			if errors.Is(err, ErrCorruptFetch) && c.ignoreFetchErrors {
				// One re-resolution: the URL may have expired or carried an
				// un-deobfuscated throttling parameter.
				c.flights.Forget(req.Track.String())
				return retry.RetryableError(err)
			}

			return err
		}

		data = fetched

		return nil
	})
	if nil != err {
		if errors.Is(err, ErrCorruptFetch) && c.ignoreFetchErrors {
			return nil, fmt.Errorf("fetched bytes remained corrupt after re-resolution: %w", player.ErrUnknown)
		}

		return nil, err
	}

	return data, nil
}

// resolve shares one in-flight resolution per track across concurrent readers.
// The shared resolution is detached from any single caller's cancellation so
// an abandoned read still populates the result for the remaining waiters.
func (c *Chain) resolve(ctx context.Context, logger zerolog.Logger, req Request) (*resolver.Resolved, error) {
	flightCtx := context.WithoutCancel(ctx)
	v, err, _ := c.flights.Do(req.Track.String(), func() (any, error) {
		res, err := c.resolver.Resolve(flightCtx, logger, req.Track, req.Offset)
		if nil != err {
			return nil, err
		}

		if c.recorder != nil {
			c.recorder.RecordInfo(req.Track)
		}

		return res, nil
	})
	if nil != err {
		return nil, err
	}

	res, ok := v.(*resolver.Resolved)
	if !ok {
		panic(fmt.Sprintf("unexpected resolution flight result type: %T", v))
	}

	return res, nil
}

// fetchRange pulls the chunk-aligned region covering the requested range,
// writes complete chunks back into the LRU tier and returns the exact range.
func (c *Chain) fetchRange(ctx context.Context, logger zerolog.Logger, req Request, res *resolver.Resolved) ([]byte, error) {
	var (
		cs         = c.cache.Chunks.ChunkSize()
		firstChunk = mathutil.ChunkIndex(req.Offset, cs)
		lastChunk  = mathutil.ChunkIndex(req.Offset+req.Length-1, cs)
		regionOff  = firstChunk * cs
		regionEnd  = (lastChunk + 1) * cs
	)
	if total := res.Format.ContentLength; total > 0 && regionEnd > total {
		regionEnd = total
	}
	if regionOff >= regionEnd {
		return nil, fmt.Errorf("requested range starts at %d beyond track length %d", req.Offset, res.Format.ContentLength)
	}

	numChunks := mathutil.DivCeil(regionEnd-regionOff, cs)
	chunks := make([][]byte, numChunks)

	wg, wgCtx := errgroup.WithContext(ctx)
	wg.SetLimit(chunkFetchConcurrency)
	for i := range numChunks {
		wg.Go(func() error {
			start := regionOff + i*cs
			end := min(start+cs, regionEnd) - 1

			chunk, err := c.fetchOne(wgCtx, res.URL, start, end)
			if nil != err {
				return fmt.Errorf("failed to fetch chunk %d: %w", firstChunk+i, err)
			}

			chunks[i] = chunk

			return nil
		})
	}
	if err := wg.Wait(); nil != err {
		if isNoRouteErr(err) {
			logger.Warn().Str("track_id", req.Track.String()).Msg("Track host unreachable, short-circuiting repeats")
			c.cache.Unreachable.Mark(req.Track)
			return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
		}

		return nil, err
	}

	if !req.Populate {
		for i, chunk := range chunks {
			c.cache.Chunks.Set(req.Track, firstChunk+int64(i), chunk)
		}
	}

	joined := make([]byte, 0, regionEnd-regionOff)
	for _, chunk := range chunks {
		joined = append(joined, chunk...)
	}

	start := req.Offset - regionOff
	end := min(start+req.Length, int64(len(joined)))
	must.Be(start < end, "fetched region must cover the requested range start")

	return joined[start:end], nil
}

func (c *Chain) fetchOne(ctx context.Context, rawURL string, start, end int64) (data []byte, err error) {
	u, err := url.Parse(rawURL)
	if nil != err {
		return nil, fmt.Errorf("failed to parse resolved URL: %v", err)
	}
	q := u.Query()
	q.Set("range", strconv.FormatInt(start, 10)+"-"+strconv.FormatInt(end, 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if nil != err {
		return nil, fmt.Errorf("failed to create chunk request: %v", err)
	}
	req.Header.Set("Range", "bytes="+strconv.FormatInt(start, 10)+"-"+strconv.FormatInt(end, 10))

	client := http.Client{Timeout: c.fetchTimeout} //nolint:exhaustruct
	resp, err := client.Do(req)
	if nil != err {
		return nil, fmt.Errorf("failed to send chunk request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			err = errors.Join(err, fmt.Errorf("failed to close chunk response body: %v", closeErr))
		}
	}()

	switch code := resp.StatusCode; code {
	case http.StatusOK, http.StatusPartialContent:
	case http.StatusForbidden, http.StatusGone:
		// Expired or rejected resolved URL. Both look like corruption to the
		// caller and are eligible for the single re-resolution.
		return nil, fmt.Errorf("%w: chunk fetch answered %d", ErrCorruptFetch, code)
	default:
		return nil, fmt.Errorf("unexpected chunk response code %d", code)
	}

	data, err = io.ReadAll(resp.Body)
	if nil != err {
		return nil, fmt.Errorf("failed to read chunk response body: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty chunk", ErrCorruptFetch)
	}

	// An upstream error page served with a 200 must never reach the LRU tier.
	if mt := mimetype.Detect(data); mt.Is("text/html") || mt.Is("text/plain") {
		return nil, fmt.Errorf("%w: chunk looks like %s, not audio", ErrCorruptFetch, mt.String())
	}

	return data, nil
}

func isNoRouteErr(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
