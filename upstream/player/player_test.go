package player_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xeptore/streamgate/upstream/player"
	"github.com/xeptore/streamgate/upstream/types"
)

func kbps(n int) int {
	return n * 1000
}

func candidates(bitrates ...int) []types.Format {
	out := make([]types.Format, 0, len(bitrates))
	for i, b := range bitrates {
		//nolint:exhaustruct
		out = append(out, types.Format{Itag: 140 + i, Bitrate: b})
	}

	return out
}

func TestSelectFormat(t *testing.T) {
	t.Parallel()

	cands := candidates(kbps(64), kbps(128), kbps(256))

	assert.Equal(t, kbps(256), player.SelectFormat(cands, types.QualityHigh, false, false).Bitrate)
	assert.Equal(t, kbps(64), player.SelectFormat(cands, types.QualityLow, false, false).Bitrate)
	assert.Equal(t, kbps(128), player.SelectFormat(cands, types.QualityMedium, false, false).Bitrate)

	// Auto degrades to Medium only when metered and opted in.
	assert.Equal(t, kbps(128), player.SelectFormat(cands, types.QualityAuto, true, true).Bitrate)
	assert.Equal(t, kbps(256), player.SelectFormat(cands, types.QualityAuto, true, false).Bitrate)
	assert.Equal(t, kbps(256), player.SelectFormat(cands, types.QualityAuto, false, true).Bitrate)
}

func TestSelectFormatMediumBucketFloor(t *testing.T) {
	t.Parallel()

	// No candidate reaches the bucket floor: Medium takes the best available.
	cands := candidates(kbps(48), kbps(96))
	assert.Equal(t, kbps(96), player.SelectFormat(cands, types.QualityMedium, false, false).Bitrate)

	// The bucket is the lowest candidate at or above the floor, not the middle index.
	cands = candidates(kbps(64), kbps(160), kbps(192), kbps(256))
	assert.Equal(t, kbps(160), player.SelectFormat(cands, types.QualityMedium, false, false).Bitrate)
}

type recordingDeob struct {
	calls []string
}

func (d *recordingDeob) ResolveThrottledURL(_ context.Context, _ types.TrackID, throttledURL string) (string, error) {
	d.calls = append(d.calls, throttledURL)

	return throttledURL + "&deobfuscated=1", nil
}

type staticMetering bool

func (m staticMetering) IsCurrentConnectionMetered() bool {
	return bool(m)
}

const playablePayload = `{
	"playabilityStatus": {"status": "OK"},
	"streamingData": {
		"adaptiveFormats": [
			{
				"itag": 140,
				"mimeType": "audio/mp4; codecs=\"mp4a.40.2\"",
				"bitrate": 128000,
				"contentLength": "2097152",
				"lastModified": "1700000000000000",
				"loudnessDb": -4.5,
				"url": "https://streams.example.com/track?id=abc123&n=obf"
			},
			{
				"itag": 251,
				"mimeType": "video/mp4; codecs=\"avc1\"",
				"bitrate": 900000,
				"url": "https://streams.example.com/video?id=abc123"
			}
		]
	}
}`

func TestInterpretPlayable(t *testing.T) {
	t.Parallel()

	var (
		deob     = &recordingDeob{calls: nil}
		recorded []types.Format
	)
	interp := player.NewInterpreter(
		types.QualityAuto,
		false,
		deob,
		staticMetering(false),
		func(_ types.TrackID, f types.Format) { recorded = append(recorded, f) },
	)

	res := interp.Interpret(t.Context(), zerolog.Nop(), "abc123", []byte(playablePayload))
	require.NoError(t, res.Err())

	cand := res.Unwrap()
	assert.Equal(t, 140, cand.Format.Itag)
	assert.Equal(t, int64(2097152), cand.Format.ContentLength)
	assert.InDelta(t, -4.5, cand.Format.LoudnessDb, 0.001)

	// The video-only entry never counts as a candidate.
	require.Len(t, deob.calls, 1)
	assert.Contains(t, cand.URL, "deobfuscated=1")

	require.Len(t, recorded, 1)
	assert.Equal(t, 140, recorded[0].Itag)
}

func TestInterpretVerdicts(t *testing.T) {
	t.Parallel()

	interp := player.NewInterpreter(types.QualityAuto, false, &recordingDeob{calls: nil}, staticMetering(false), nil)

	res := interp.Interpret(t.Context(), zerolog.Nop(), "abc123", []byte(`{"playabilityStatus":{"status":"LOGIN_REQUIRED"}}`))
	require.ErrorIs(t, res.Err(), player.ErrLoginRequired)

	res = interp.Interpret(t.Context(), zerolog.Nop(), "abc123", []byte(`{"playabilityStatus":{"status":"UNPLAYABLE"}}`))
	require.ErrorIs(t, res.Err(), player.ErrUnplayable)

	res = interp.Interpret(t.Context(), zerolog.Nop(), "abc123", []byte(`{"weird":"shape"}`))
	require.ErrorIs(t, res.Err(), player.ErrUnknown)

	// A Playable verdict without any audio candidate is Unknown, not a crash.
	res = interp.Interpret(t.Context(), zerolog.Nop(), "abc123", []byte(`{"playabilityStatus":{"status":"OK"}}`))
	require.ErrorIs(t, res.Err(), player.ErrUnknown)
}
