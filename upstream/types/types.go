package types

import (
	"strconv"
)

// TrackID is the upstream identifier of a track. It doubles as the cache key
// and the metadata store primary key.
type TrackID string

func (id TrackID) String() string {
	return string(id)
}

type Persona int

const (
	PersonaNativeMobile Persona = iota
	PersonaMobileWeb
)

// FallbackOrder is the fixed order in which personas are attempted.
var FallbackOrder = [...]Persona{PersonaNativeMobile, PersonaMobileWeb}

func (p Persona) String() string {
	switch p {
	case PersonaNativeMobile:
		return "native-mobile"
	case PersonaMobileWeb:
		return "mobile-web"
	default:
		panic("unexpected persona: " + strconv.Itoa(int(p)))
	}
}

// Tokens is the identity bundle a persona request is made with. Any field may
// be empty when the corresponding handshake failed or the persona does not
// require it.
type Tokens struct {
	VisitorID     string
	ProofToken    string
	SessionCookie string
}

// Format is one playable audio candidate extracted from a player payload.
// URL is the throttled (not yet deobfuscated) stream URL.
type Format struct {
	Itag             int
	MimeType         string
	Bitrate          int
	ContentLength    int64
	LastModifiedUnix int64
	LoudnessDb       float64
	URL              string
}

type Quality int

const (
	QualityAuto Quality = iota
	QualityHigh
	QualityMedium
	QualityLow
)

func (q Quality) String() string {
	switch q {
	case QualityAuto:
		return "auto"
	case QualityHigh:
		return "high"
	case QualityMedium:
		return "medium"
	case QualityLow:
		return "low"
	default:
		panic("unexpected quality: " + strconv.Itoa(int(q)))
	}
}

func ParseQuality(s string) (Quality, bool) {
	switch s {
	case "auto":
		return QualityAuto, true
	case "high":
		return QualityHigh, true
	case "medium":
		return QualityMedium, true
	case "low":
		return QualityLow, true
	default:
		return QualityAuto, false
	}
}
