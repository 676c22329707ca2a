package player

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"

	"github.com/xeptore/streamgate/result"
	"github.com/xeptore/streamgate/upstream/types"
)

var (
	ErrLoginRequired = errors.New("upstream requires login for this track")
	ErrUnplayable    = errors.New("upstream marked this track unplayable")
	ErrUnknown       = errors.New("unexpected player payload shape")
)

// Deobfuscator reverses the throttling parameter embedded in candidate URLs.
// It may fetch a transform script over the network; that is opaque here.
type Deobfuscator interface {
	ResolveThrottledURL(ctx context.Context, trackID types.TrackID, throttledURL string) (string, error)
}

// Metering reports whether the active network connection is metered.
type Metering interface {
	IsCurrentConnectionMetered() bool
}

// Candidate is the interpreter's output: the chosen format and its fetchable
// (deobfuscated) URL.
type Candidate struct {
	Format types.Format
	URL    string
}

type Interpreter struct {
	deob           Deobfuscator
	metering       Metering
	quality        types.Quality
	meteredSavings bool
	onFormat       func(types.TrackID, types.Format)
}

// NewInterpreter wires the interpreter with its collaborators. onFormat is the
// metadata side channel; it must not block and may be nil.
func NewInterpreter(
	quality types.Quality,
	meteredSavings bool,
	deob Deobfuscator,
	metering Metering,
	onFormat func(types.TrackID, types.Format),
) *Interpreter {
	return &Interpreter{
		deob:           deob,
		metering:       metering,
		quality:        quality,
		meteredSavings: meteredSavings,
		onFormat:       onFormat,
	}
}

func (i *Interpreter) Interpret(
	ctx context.Context,
	logger zerolog.Logger,
	trackID types.TrackID,
	payload []byte,
) result.Of[Candidate] {
	switch status := gjson.GetBytes(payload, "playabilityStatus.status").String(); status {
	case "OK":
	case "LOGIN_REQUIRED":
		return result.Err[Candidate](ErrLoginRequired)
	case "UNPLAYABLE", "ERROR":
		return result.Err[Candidate](ErrUnplayable)
	default:
		logger.Warn().Str("status", status).Msg("Unrecognized playability status")
		return result.Err[Candidate](fmt.Errorf("%w: playability status %q", ErrUnknown, status))
	}

	candidates := AudioFormats(payload)
	if len(candidates) == 0 {
		// A Playable verdict without candidates should not happen, but an
		// adversarial upstream gets to decide that, not us.
		logger.Warn().Str("track_id", trackID.String()).Msg("Playable payload carried no audio formats")
		return result.Err[Candidate](fmt.Errorf("%w: no audio formats in playable payload", ErrUnknown))
	}

	metered := i.metering.IsCurrentConnectionMetered()
	chosen := SelectFormat(candidates, i.quality, metered, i.meteredSavings)

	finalURL := chosen.URL
	if isThrottled(chosen.URL) {
		deobfuscated, err := i.deob.ResolveThrottledURL(ctx, trackID, chosen.URL)
		if nil != err {
			return result.Err[Candidate](fmt.Errorf("failed to deobfuscate throttled URL: %w", err))
		}
		finalURL = deobfuscated
	}

	if i.onFormat != nil {
		i.onFormat(trackID, chosen)
	}

	logger.Debug().
		Str("track_id", trackID.String()).
		Int("itag", chosen.Itag).
		Int("bitrate", chosen.Bitrate).
		Str("quality", i.quality.String()).
		Bool("metered", metered).
		Msg("Selected audio format")

	return result.Ok(&Candidate{Format: chosen, URL: finalURL})
}

// AudioFormats extracts every playable audio candidate from a raw player
// payload, regardless of verdict.
func AudioFormats(payload []byte) []types.Format {
	raw := gjson.GetBytes(payload, "streamingData.adaptiveFormats").Array()
	formats := make([]types.Format, 0, len(raw))
	for _, f := range raw {
		mime := f.Get("mimeType").String()
		if !strings.HasPrefix(mime, "audio/") {
			continue
		}
		u := f.Get("url").String()
		if u == "" {
			continue
		}
		formats = append(formats, types.Format{
			Itag:             int(f.Get("itag").Int()),
			MimeType:         mime,
			Bitrate:          int(f.Get("bitrate").Int()),
			ContentLength:    f.Get("contentLength").Int(),
			LastModifiedUnix: f.Get("lastModified").Int(),
			LoudnessDb:       f.Get("loudnessDb").Float(),
			URL:              u,
		})
	}

	return formats
}

// mediumBucketMinBitrate is the floor of the "medium" quality bucket.
const mediumBucketMinBitrate = 128_000

// SelectFormat picks one candidate per quality policy. Medium is the lowest
// candidate at or above the bucket floor, not the middle index; Auto degrades
// to Medium only on a metered connection with metered savings opted in.
func SelectFormat(candidates []types.Format, quality types.Quality, metered, meteredSavings bool) types.Format {
	sorted := slices.SortedFunc(slices.Values(candidates), func(a, b types.Format) int {
		return a.Bitrate - b.Bitrate
	})

	switch quality {
	case types.QualityLow:
		return sorted[0]
	case types.QualityHigh:
		return sorted[len(sorted)-1]
	case types.QualityMedium:
		if f, ok := lo.Find(sorted, func(f types.Format) bool {
			return f.Bitrate >= mediumBucketMinBitrate
		}); ok {
			return f
		}

		return sorted[len(sorted)-1]
	case types.QualityAuto:
		if metered && meteredSavings {
			return SelectFormat(candidates, types.QualityMedium, metered, meteredSavings)
		}

		return sorted[len(sorted)-1]
	default:
		panic("unexpected quality: " + quality.String())
	}
}

func isThrottled(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if nil != err {
		return false
	}

	return u.Query().Has("n")
}
