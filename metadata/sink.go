package metadata

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/xeptore/streamgate/config"
	"github.com/xeptore/streamgate/httputil"
	"github.com/xeptore/streamgate/upstream/types"
)

// Sink persists track and format rows off the playback-critical path. Both
// record operations return immediately; the writes run on their own goroutine.
type Sink struct {
	store  *Store
	conf   config.Upstream
	logger zerolog.Logger

	mux sync.Mutex
	// lastRecorded is a single most-recent marker, not a set: it only has to
	// catch the same track being resolved twice back to back.
	lastRecorded types.TrackID

	wg sync.WaitGroup
}

func NewSink(logger zerolog.Logger, store *Store, conf config.Upstream) *Sink {
	return &Sink{
		store:        store,
		conf:         conf,
		logger:       logger,
		mux:          sync.Mutex{},
		lastRecorded: "",
		wg:           sync.WaitGroup{},
	}
}

// RecordInfo enriches and persists the track row. The enrichment is one extra
// upstream call; when it fails the write is skipped and the marker left unset
// so the next resolution retries it.
func (s *Sink) RecordInfo(trackID types.TrackID) {
	s.mux.Lock()
	if s.lastRecorded == trackID {
		s.mux.Unlock()
		s.logger.Debug().Str("track_id", trackID.String()).Msg("Skipping redundant track info write")
		return
	}
	s.lastRecorded = trackID
	s.mux.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(
			context.Background(),
			time.Duration(s.conf.Timeouts.MetadataFetch)*time.Second,
		)
		defer cancel()

		fields, err := s.enrich(ctx, trackID)
		if nil != err {
			s.logger.Warn().Err(err).Str("track_id", trackID.String()).Msg("Track enrichment skipped")
			s.clearMarker(trackID)
			return
		}

		if err := s.store.UpsertTrackIfAbsent(trackID, *fields); nil != err {
			s.logger.Error().Err(err).Str("track_id", trackID.String()).Msg("Failed to persist track info")
			s.clearMarker(trackID)
			return
		}
	}()
}

// RecordFormat persists the resolved format attributes for the track.
func (s *Sink) RecordFormat(trackID types.TrackID, format types.Format) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		fields := FormatFields{
			Itag:          format.Itag,
			MimeType:      format.MimeType,
			Bitrate:       format.Bitrate,
			ContentLength: format.ContentLength,
			LoudnessDb:    format.LoudnessDb,
		}
		if err := s.store.UpsertFormatIfAbsent(trackID, fields); nil != err {
			s.logger.Error().Err(err).Str("track_id", trackID.String()).Msg("Failed to persist track format")
		}
	}()
}

// Wait blocks until all in-flight writes finish. Intended for shutdown paths.
func (s *Sink) Wait() {
	s.wg.Wait()
}

// clearMarker undoes the dedup marker after a failed write so the next
// resolution of the track retries instead of being skipped.
func (s *Sink) clearMarker(trackID types.TrackID) {
	s.mux.Lock()
	if s.lastRecorded == trackID {
		s.lastRecorded = ""
	}
	s.mux.Unlock()
}

func (s *Sink) enrich(ctx context.Context, trackID types.TrackID) (fields *TrackFields, err error) {
	reqURL, err := url.Parse(s.conf.MetadataURL)
	if nil != err {
		return nil, fmt.Errorf("failed to parse metadata URL: %v", err)
	}
	reqParams := make(url.Values, 1)
	reqParams.Add("id", trackID.String())
	reqURL.RawQuery = reqParams.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if nil != err {
		return nil, fmt.Errorf("failed to create metadata request: %v", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if nil != err {
		return nil, fmt.Errorf("failed to send metadata request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			err = errors.Join(err, fmt.Errorf("failed to close metadata response body: %v", closeErr))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected metadata response code %d", resp.StatusCode)
	}

	respBytes, err := httputil.ReadResponseBody(resp)
	if nil != err {
		return nil, fmt.Errorf("failed to read metadata response body: %v", err)
	}

	return &TrackFields{
		Title:        gjson.GetBytes(respBytes, "title").String(),
		Artist:       gjson.GetBytes(respBytes, "artist").String(),
		Album:        gjson.GetBytes(respBytes, "album").String(),
		ThumbnailURL: gjson.GetBytes(respBytes, "thumbnail").String(),
	}, nil
}
