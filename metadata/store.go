package metadata

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"go.etcd.io/bbolt"

	"github.com/xeptore/streamgate/upstream/types"
)

var (
	tracksBucketName  = []byte("tracks")
	formatsBucketName = []byte("formats")
)

type TrackFields struct {
	Title        string `json:"title"`
	Artist       string `json:"artist"`
	Album        string `json:"album"`
	ThumbnailURL string `json:"thumbnail_url"`
}

type FormatFields struct {
	Itag          int     `json:"itag"`
	MimeType      string  `json:"mime_type"`
	Bitrate       int     `json:"bitrate"`
	ContentLength int64   `json:"content_length"`
	LoudnessDb    float64 `json:"loudness_db"`
}

type Store struct {
	db *bbolt.DB
}

func NewStore(path string) (*Store, error) {
	opts := &bbolt.Options{ //nolint:exhaustruct
		NoFreelistSync: true,
		ReadOnly:       false,
		Timeout:        1 * time.Second,
		NoGrowSync:     false,
		FreelistType:   bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(path, 0o600, opts)
	if nil != err {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	if err := createBuckets(db); nil != err {
		return nil, fmt.Errorf("failed to create buckets: %v", err)
	}

	return &Store{db: db}, nil
}

func createBuckets(db *bbolt.DB) error {
	err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(tracksBucketName); nil != err {
			return fmt.Errorf("failed to create tracks bucket: %v", err)
		}

		if _, err := tx.CreateBucketIfNotExists(formatsBucketName); nil != err {
			return fmt.Errorf("failed to create formats bucket: %v", err)
		}

		return nil
	})
	if nil != err {
		return fmt.Errorf("failed to create buckets: %v", err)
	}

	return nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); nil != err {
		return fmt.Errorf("failed to close database: %v", err)
	}

	return nil
}

// UpsertTrackIfAbsent inserts the track row if missing and otherwise fills in
// only fields that are still empty. Locally-edited values are never clobbered.
func (s *Store) UpsertTrackIfAbsent(id types.TrackID, fields TrackFields) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return upsertTrack(tx, id, fields)
	})
	if nil != err {
		return fmt.Errorf("failed to upsert track %s: %v", id, err)
	}

	return nil
}

func upsertTrack(tx *bbolt.Tx, id types.TrackID, fields TrackFields) error {
	b := tx.Bucket(tracksBucketName)

	existing := b.Get([]byte(id))
	if existing != nil {
		var current TrackFields
		if err := json.Unmarshal(existing, &current); nil != err {
			return fmt.Errorf("failed to parse existing track row: %v", err)
		}

		patchEmptyTrackFields(&current, fields)
		fields = current
	}

	content, err := json.Marshal(fields)
	if nil != err {
		return fmt.Errorf("failed to encode track row: %v", err)
	}

	if err := b.Put([]byte(id), content); nil != err {
		return fmt.Errorf("failed to store track row: %v", err)
	}

	return nil
}

func patchEmptyTrackFields(current *TrackFields, incoming TrackFields) {
	if current.Title == "" {
		current.Title = incoming.Title
	}

	if current.Artist == "" {
		current.Artist = incoming.Artist
	}

	if current.Album == "" {
		current.Album = incoming.Album
	}

	if current.ThumbnailURL == "" {
		current.ThumbnailURL = incoming.ThumbnailURL
	}
}

// UpsertFormatIfAbsent writes the resolved format attributes for a track. The
// track row is created first when missing so a format row never dangles.
func (s *Store) UpsertFormatIfAbsent(id types.TrackID, fields FormatFields) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(tracksBucketName).Get([]byte(id)) == nil {
			if err := upsertTrack(tx, id, TrackFields{}); nil != err { //nolint:exhaustruct
				return fmt.Errorf("failed to create track row for format: %v", err)
			}
		}

		b := tx.Bucket(formatsBucketName)
		if b.Get([]byte(id)) != nil {
			return nil
		}

		content, err := json.Marshal(fields)
		if nil != err {
			return fmt.Errorf("failed to encode format row: %v", err)
		}

		if err := b.Put([]byte(id), content); nil != err {
			return fmt.Errorf("failed to store format row: %v", err)
		}

		return nil
	})
	if nil != err {
		return fmt.Errorf("failed to upsert format for track %s: %v", id, err)
	}

	return nil
}

func (s *Store) Track(id types.TrackID) (*TrackFields, error) {
	var fields *TrackFields
	err := s.db.View(func(tx *bbolt.Tx) error {
		content := tx.Bucket(tracksBucketName).Get([]byte(id))
		if content == nil {
			return nil
		}

		fields = new(TrackFields)
		if err := json.Unmarshal(content, fields); nil != err {
			return fmt.Errorf("failed to parse track row: %v", err)
		}

		return nil
	})
	if nil != err {
		return nil, fmt.Errorf("failed to load track %s: %v", id, err)
	}

	return fields, nil
}

func (s *Store) Format(id types.TrackID) (*FormatFields, error) {
	var fields *FormatFields
	err := s.db.View(func(tx *bbolt.Tx) error {
		content := tx.Bucket(formatsBucketName).Get([]byte(id))
		if content == nil {
			return nil
		}

		fields = new(FormatFields)
		if err := json.Unmarshal(content, fields); nil != err {
			return fmt.Errorf("failed to parse format row: %v", err)
		}

		return nil
	})
	if nil != err {
		return nil, fmt.Errorf("failed to load format for track %s: %v", id, err)
	}

	return fields, nil
}
