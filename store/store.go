// Package store is the offline download tier: read-mostly, populated
// out-of-band from the playback path.
package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/xeptore/streamgate/upstream/types"
)

type Dir string

func DirFrom(d string) Dir {
	return Dir(d)
}

func (d Dir) Track(id types.TrackID) Track {
	trackPath := filepath.Join(string(d), id.String())

	return Track{
		Path:     trackPath,
		InfoFile: InfoFile{Path: trackPath + ".json"},
	}
}

type Track struct {
	Path     string
	InfoFile InfoFile
}

func (t Track) Exists() (bool, error) {
	return fileExists(t.Path)
}

func (t Track) Size() (int64, error) {
	i, err := os.Stat(t.Path)
	if nil != err {
		return 0, fmt.Errorf("failed to stat track file: %v", err)
	}

	return i.Size(), nil
}

// OpenRange opens the stored track positioned at offset. The caller owns the
// returned reader.
func (t Track) OpenRange(offset int64) (io.ReadCloser, error) {
	f, err := os.Open(t.Path)
	if nil != err {
		return nil, fmt.Errorf("failed to open track file: %v", err)
	}

	if _, err := f.Seek(offset, io.SeekStart); nil != err {
		if closeErr := f.Close(); nil != closeErr {
			err = errors.Join(err, fmt.Errorf("failed to close track file: %v", closeErr))
		}

		return nil, fmt.Errorf("failed to seek track file to %d: %v", offset, err)
	}

	return f, nil
}

// Save writes the full track bytes and its info sidecar. Used by the
// population path only; chain reads never write here.
func (t Track) Save(r io.Reader, info StoredTrack) (err error) {
	f, err := os.OpenFile(t.Path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_SYNC, 0o0600)
	if nil != err {
		return fmt.Errorf("failed to create track file: %v", err)
	}
	defer func() {
		if nil != err {
			if removeErr := os.Remove(t.Path); nil != removeErr && !errors.Is(removeErr, os.ErrNotExist) {
				err = errors.Join(err, fmt.Errorf("failed to remove incomplete track file: %v", removeErr))
			}
		} else if closeErr := f.Close(); nil != closeErr {
			err = fmt.Errorf("failed to close track file: %v", closeErr)
		}
	}()

	if _, err := io.Copy(f, r); nil != err {
		return fmt.Errorf("failed to write track file: %v", err)
	}

	if err := f.Sync(); nil != err {
		return fmt.Errorf("failed to sync track file: %v", err)
	}

	if err := t.InfoFile.Write(info); nil != err {
		return fmt.Errorf("failed to write track info file: %v", err)
	}

	return nil
}

func (t Track) Remove() error {
	if err := os.Remove(t.Path); nil != err && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove track file: %v", err)
	}

	if err := os.Remove(t.InfoFile.Path); nil != err && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove track info file: %v", err)
	}

	return nil
}

type StoredTrack struct {
	ID            string  `json:"id"`
	Title         string  `json:"title"`
	Artist        string  `json:"artist"`
	Itag          int     `json:"itag"`
	MimeType      string  `json:"mime_type"`
	Bitrate       int     `json:"bitrate"`
	ContentLength int64   `json:"content_length"`
	LoudnessDb    float64 `json:"loudness_db"`
}

type InfoFile struct {
	Path string
}

func (f InfoFile) Read() (*StoredTrack, error) {
	content, err := os.ReadFile(f.Path)
	if nil != err {
		if errors.Is(err, os.ErrNotExist) {
			return nil, os.ErrNotExist
		}

		return nil, fmt.Errorf("failed to read track info file: %v", err)
	}

	var info StoredTrack
	if err := json.Unmarshal(content, &info); nil != err {
		return nil, fmt.Errorf("failed to parse track info file: %v", err)
	}

	return &info, nil
}

func (f InfoFile) Write(info StoredTrack) error {
	content, err := json.Marshal(info)
	if nil != err {
		return fmt.Errorf("failed to encode track info: %v", err)
	}

	if err := os.WriteFile(f.Path, content, 0o0600); nil != err {
		return fmt.Errorf("failed to write track info file: %v", err)
	}

	return nil
}

func fileExists(path string) (bool, error) {
	if _, err := os.Stat(path); nil != err {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("failed to stat file: %v", err)
	}

	return true, nil
}
