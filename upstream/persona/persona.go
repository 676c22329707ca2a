package persona

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/xeptore/streamgate/config"
	"github.com/xeptore/streamgate/httputil"
	"github.com/xeptore/streamgate/must"
	"github.com/xeptore/streamgate/ratelimit"
	"github.com/xeptore/streamgate/upstream/types"
)

var (
	ErrInvalidAPIKey    = errors.New("upstream rejected the api key")
	ErrQuotaExceeded    = errors.New("upstream quota exceeded")
	ErrUnexpectedStatus = errors.New("unexpected player response status")
)

// profile is the per-persona request construction strategy.
type profile struct {
	ClientName    string
	ClientVersion string
	UserAgent     string
	NeedsProof    bool
	NeedsCookie   bool
}

var profiles = map[types.Persona]profile{
	types.PersonaNativeMobile: {
		ClientName:    "NATIVE_MOBILE",
		ClientVersion: "19.09.37",
		UserAgent:     "com.upstream.app/19.09.37 (Linux; Android 11)",
		NeedsProof:    false,
		NeedsCookie:   false,
	},
	types.PersonaMobileWeb: {
		ClientName:    "MOBILE_WEB",
		ClientVersion: "2.20240401.01.00",
		UserAgent:     "Mozilla/5.0 (Linux; Android 11; Mobile) AppleWebKit/537.36",
		NeedsProof:    true,
		NeedsCookie:   true,
	},
}

// NeedsProof reports whether the persona's player calls carry a proof token.
func NeedsProof(p types.Persona) bool {
	return profiles[p].NeedsProof
}

// NeedsCookie reports whether the persona's player calls carry a session cookie.
func NeedsCookie(p types.Persona) bool {
	return profiles[p].NeedsCookie
}

// Requester issues a single player-info call under a pretended client identity.
// It performs no retries; persona fallback is the resolver's concern.
type Requester struct {
	conf    config.Upstream
	limiter *rate.Limiter
}

func NewRequester(conf config.Upstream) *Requester {
	return &Requester{
		conf:    conf,
		limiter: ratelimit.NewUpstreamLimiter(conf.RatePerSecond, conf.RateBurst),
	}
}

// FetchPlayerInfo returns the raw player payload together with the fresh cpn
// correlation parameter generated for this call. The cpn threads through to
// the final resolved URL and is never reused.
func (r *Requester) FetchPlayerInfo(
	ctx context.Context,
	logger zerolog.Logger,
	trackID types.TrackID,
	p types.Persona,
	tokens types.Tokens,
) (payload []byte, cpn string, err error) {
	prof, ok := profiles[p]
	if !ok {
		panic("unknown persona: " + p.String())
	}

	if err := r.limiter.Wait(ctx); nil != err {
		return nil, "", fmt.Errorf("failed to wait for upstream rate limiter: %w", err)
	}

	cpn = newCPN()

	body := map[string]any{
		"trackId": trackID.String(),
		"cpn":     cpn,
		"context": map[string]any{
			"client": map[string]any{
				"clientName":    prof.ClientName,
				"clientVersion": prof.ClientVersion,
				"visitorData":   tokens.VisitorID,
			},
		},
	}
	if prof.NeedsProof && tokens.ProofToken != "" {
		body["serviceIntegrityDimensions"] = map[string]string{"proofToken": tokens.ProofToken}
	}

	reqBody, err := json.Marshal(body)
	if nil != err {
		return nil, "", fmt.Errorf("failed to encode player request body: %v", err)
	}

	reqURL, err := url.Parse(r.conf.PlayerURL)
	if nil != err {
		return nil, "", fmt.Errorf("failed to parse player URL: %v", err)
	}
	reqParams := make(url.Values, 2)
	reqParams.Add("key", r.conf.APIKey)
	reqParams.Add("prettyPrint", "false")
	reqURL.RawQuery = reqParams.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL.String(), strings.NewReader(string(reqBody)))
	if nil != err {
		return nil, "", fmt.Errorf("failed to create player request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", prof.UserAgent)
	if tokens.VisitorID != "" {
		req.Header.Set("X-Goog-Visitor-Id", tokens.VisitorID)
	}
	if prof.NeedsCookie && tokens.SessionCookie != "" {
		req.Header.Set("Cookie", tokens.SessionCookie)
	}

	client := http.Client{ //nolint:exhaustruct
		Timeout: time.Duration(r.conf.Timeouts.PlayerRequest) * time.Second,
	}
	resp, err := client.Do(req)
	if nil != err {
		logger.Error().Err(err).Str("persona", p.String()).Msg("Failed to send player request")
		return nil, "", fmt.Errorf("failed to send player request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			err = errors.Join(err, fmt.Errorf("failed to close player response body: %v", closeErr))
		}
	}()

	switch code := resp.StatusCode; code {
	case http.StatusOK:
	case http.StatusBadRequest:
		respBytes, err := httputil.ReadResponseBody(resp)
		if nil != err {
			return nil, "", fmt.Errorf("failed to read 400 response body: %v", err)
		}

		if ok, err := httputil.IsAPIKeyInvalidResponse(respBytes); nil != err {
			logger.Error().Err(err).Bytes("response_body", respBytes).Msg("Failed to check if 400 response is api key rejection")
			return nil, "", fmt.Errorf("failed to check if 400 response is api key rejection: %v", err)
		} else if ok {
			return nil, "", ErrInvalidAPIKey
		}

		logger.Error().Bytes("response_body", respBytes).Msg("Unexpected 400 player response")

		return nil, "", fmt.Errorf("%w: 400 with body: %s", ErrUnexpectedStatus, string(respBytes))
	case http.StatusForbidden:
		respBytes, err := httputil.ReadResponseBody(resp)
		if nil != err {
			return nil, "", fmt.Errorf("failed to read 403 response body: %v", err)
		}

		if ok, err := httputil.IsQuotaExceededResponse(respBytes); nil != err {
			logger.Error().Err(err).Bytes("response_body", respBytes).Msg("Failed to check if 403 response is quota exceeded")
			return nil, "", fmt.Errorf("failed to check if 403 response is quota exceeded: %v", err)
		} else if ok {
			return nil, "", ErrQuotaExceeded
		}

		logger.Error().Bytes("response_body", respBytes).Msg("Unexpected 403 player response")

		return nil, "", fmt.Errorf("%w: 403 with body: %s", ErrUnexpectedStatus, string(respBytes))
	default:
		respBytes, err := httputil.ReadOptionalResponseBody(resp)
		if nil != err {
			return nil, "", fmt.Errorf("failed to read %d response body: %v", code, err)
		}

		logger.Error().Int("status_code", code).Bytes("response_body", respBytes).Msg("Unexpected player response status code")

		return nil, "", fmt.Errorf("%w: %d with body: %s", ErrUnexpectedStatus, code, string(respBytes))
	}

	respBytes, err := httputil.ReadResponseBody(resp)
	if nil != err {
		return nil, "", fmt.Errorf("failed to read player response body: %v", err)
	}

	return respBytes, cpn, nil
}

const cpnAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

// newCPN derives a 16-character correlation parameter from fresh UUID bytes.
func newCPN() string {
	id := must.OK(uuid.NewRandom())
	var b strings.Builder
	b.Grow(16)
	for i := range 16 {
		b.WriteByte(cpnAlphabet[id[i]&0x3f])
	}

	return b.String()
}
