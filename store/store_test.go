package store_test

import (
	"bytes"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xeptore/streamgate/store"
)

func TestTrackSaveAndRangeRead(t *testing.T) {
	t.Parallel()

	dir := store.DirFrom(t.TempDir())
	track := dir.Track("abc123")

	exists, err := track.Exists()
	require.NoError(t, err)
	require.False(t, exists)

	content := bytes.Repeat([]byte{0x00, 0x10, 0x20, 0x30}, 64)
	info := store.StoredTrack{
		ID:            "abc123",
		Title:         "Song",
		Artist:        "Band",
		Itag:          140,
		MimeType:      `audio/mp4; codecs="mp4a.40.2"`,
		Bitrate:       130_000,
		ContentLength: int64(len(content)),
		LoudnessDb:    -6.2,
	}
	require.NoError(t, track.Save(bytes.NewReader(content), info))

	exists, err = track.Exists()
	require.NoError(t, err)
	require.True(t, exists)

	size, err := track.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), size)

	rc, err := track.OpenRange(64)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, content[64:], got)

	stored, err := track.InfoFile.Read()
	require.NoError(t, err)
	assert.Equal(t, info, *stored)
}

func TestTrackRemove(t *testing.T) {
	t.Parallel()

	dir := store.DirFrom(t.TempDir())
	track := dir.Track("gone")

	//nolint:exhaustruct
	require.NoError(t, track.Save(bytes.NewReader([]byte{0x01}), store.StoredTrack{ID: "gone"}))
	require.NoError(t, track.Remove())

	exists, err := track.Exists()
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = track.InfoFile.Read()
	require.ErrorIs(t, err, os.ErrNotExist)

	// Removing again is a no-op.
	require.NoError(t, track.Remove())
}
