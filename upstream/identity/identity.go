package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"github.com/xeptore/streamgate/config"
	"github.com/xeptore/streamgate/httputil"
	"github.com/xeptore/streamgate/redact"
	"github.com/xeptore/streamgate/upstream/types"
)

// baselineCookie is merged with whatever session fragment the warm-up request
// hands back. The upstream rejects player calls carrying only the fragment.
const baselineCookie = "PREF=hl=en&tz=UTC; SOCS=CAI"

// ErrIdentityUnavailable signals a failed token or cookie handshake. Callers
// proceed with degraded (empty) identity material instead of aborting.
var ErrIdentityUnavailable = errors.New("identity endpoint unavailable")

// Provider memoizes cross-request identity material. Visitor IDs are held per
// persona for the process lifetime, the session cookie until ClearSessionCookie,
// and proof tokens are never memoized (single-use challenge/response).
type Provider struct {
	conf config.Upstream

	mux        sync.Mutex
	visitorIDs map[types.Persona]string
	cookie     string

	flights singleflight.Group
}

func NewProvider(conf config.Upstream) *Provider {
	return &Provider{
		conf:       conf,
		mux:        sync.Mutex{},
		visitorIDs: make(map[types.Persona]string, len(types.FallbackOrder)),
		cookie:     "",
		flights:    singleflight.Group{},
	}
}

func (p *Provider) VisitorID(ctx context.Context, logger zerolog.Logger, persona types.Persona) (string, error) {
	p.mux.Lock()
	if id, ok := p.visitorIDs[persona]; ok {
		p.mux.Unlock()
		return id, nil
	}
	p.mux.Unlock()

	v, err, _ := p.flights.Do("visitor|"+persona.String(), func() (any, error) {
		p.mux.Lock()
		if id, ok := p.visitorIDs[persona]; ok {
			p.mux.Unlock()
			return id, nil
		}
		p.mux.Unlock()

		id, err := p.fetchVisitorID(ctx, logger, persona)
		if nil != err {
			return "", err
		}

		p.mux.Lock()
		p.visitorIDs[persona] = id
		p.mux.Unlock()

		return id, nil
	})
	if nil != err {
		return "", err
	}

	id, ok := v.(string)
	if !ok {
		panic(fmt.Sprintf("unexpected visitor id flight result type: %T", v))
	}

	return id, nil
}

func (p *Provider) fetchVisitorID(ctx context.Context, logger zerolog.Logger, persona types.Persona) (id string, err error) {
	reqBody, err := json.Marshal(map[string]any{
		"context": map[string]any{
			"client": map[string]any{
				"clientName": persona.String(),
			},
		},
	})
	if nil != err {
		return "", fmt.Errorf("failed to encode visitor id request body: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.conf.IdentityURL, strings.NewReader(string(reqBody)))
	if nil != err {
		return "", fmt.Errorf("failed to create visitor id request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := http.Client{ //nolint:exhaustruct
		Timeout: time.Duration(p.conf.Timeouts.IdentityHandshake) * time.Second,
	}
	resp, err := client.Do(req)
	if nil != err {
		logger.Warn().Err(err).Str("persona", persona.String()).Msg("Visitor id handshake failed")
		return "", fmt.Errorf("%w: visitor id handshake: %v", ErrIdentityUnavailable, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			err = errors.Join(err, fmt.Errorf("failed to close visitor id response body: %v", closeErr))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		respBytes, readErr := httputil.ReadOptionalResponseBody(resp)
		if nil != readErr {
			return "", fmt.Errorf("%w: failed to read %d visitor id response body: %v", ErrIdentityUnavailable, resp.StatusCode, readErr)
		}

		logger.Warn().Int("status_code", resp.StatusCode).Bytes("response_body", respBytes).Msg("Unexpected visitor id response")

		return "", fmt.Errorf("%w: unexpected visitor id response code %d", ErrIdentityUnavailable, resp.StatusCode)
	}

	respBytes, err := httputil.ReadResponseBody(resp)
	if nil != err {
		return "", fmt.Errorf("%w: failed to read visitor id response body: %v", ErrIdentityUnavailable, err)
	}

	visitorID := gjson.GetBytes(respBytes, "responseContext.visitorData").String()
	if visitorID == "" {
		logger.Warn().Bytes("response_body", respBytes).Msg("Visitor id missing from handshake response")
		return "", fmt.Errorf("%w: visitor id missing from handshake response", ErrIdentityUnavailable)
	}

	logger.Debug().Str("persona", persona.String()).Str("visitor_id", redact.String(visitorID)).Msg("Fetched visitor id")

	return visitorID, nil
}

func (p *Provider) SessionCookie(ctx context.Context, logger zerolog.Logger) (string, error) {
	p.mux.Lock()
	if p.cookie != "" {
		cookie := p.cookie
		p.mux.Unlock()
		return cookie, nil
	}
	p.mux.Unlock()

	v, err, _ := p.flights.Do("cookie", func() (any, error) {
		p.mux.Lock()
		if p.cookie != "" {
			cookie := p.cookie
			p.mux.Unlock()
			return cookie, nil
		}
		p.mux.Unlock()

		cookie, err := p.warmupCookie(ctx, logger)
		if nil != err {
			return "", err
		}

		p.mux.Lock()
		p.cookie = cookie
		p.mux.Unlock()

		return cookie, nil
	})
	if nil != err {
		return "", err
	}

	cookie, ok := v.(string)
	if !ok {
		panic(fmt.Sprintf("unexpected cookie flight result type: %T", v))
	}

	return cookie, nil
}

// ClearSessionCookie drops the memoized cookie so the next SessionCookie call
// performs a fresh warm-up. The cookie is never re-derived automatically.
func (p *Provider) ClearSessionCookie() {
	p.mux.Lock()
	p.cookie = ""
	p.mux.Unlock()
}

func (p *Provider) warmupCookie(ctx context.Context, logger zerolog.Logger) (cookie string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.conf.WarmupURL, nil)
	if nil != err {
		return "", fmt.Errorf("failed to create warm-up request: %v", err)
	}

	client := http.Client{ //nolint:exhaustruct
		Timeout: time.Duration(p.conf.Timeouts.IdentityHandshake) * time.Second,
	}
	resp, err := client.Do(req)
	if nil != err {
		logger.Warn().Err(err).Msg("Session warm-up request failed")
		return "", fmt.Errorf("%w: session warm-up: %v", ErrIdentityUnavailable, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			err = errors.Join(err, fmt.Errorf("failed to close warm-up response body: %v", closeErr))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		logger.Warn().Int("status_code", resp.StatusCode).Msg("Unexpected warm-up response")
		return "", fmt.Errorf("%w: unexpected warm-up response code %d", ErrIdentityUnavailable, resp.StatusCode)
	}

	fragments := make([]string, 0, len(resp.Header.Values("Set-Cookie")))
	for _, c := range resp.Cookies() {
		fragments = append(fragments, c.Name+"="+c.Value)
	}
	if len(fragments) == 0 {
		return "", fmt.Errorf("%w: warm-up response carried no session cookie", ErrIdentityUnavailable)
	}

	merged := baselineCookie + "; " + strings.Join(fragments, "; ")
	logger.Debug().Str("cookie", redact.String(merged)).Msg("Merged session cookie")

	return merged, nil
}

// IssueProofToken performs the two-step challenge/response exchange. The result
// is single-use and deliberately not memoized. An empty token with a nil error
// never occurs; callers treat ErrIdentityUnavailable as "proceed without proof".
func (p *Provider) IssueProofToken(ctx context.Context, logger zerolog.Logger) (string, error) {
	challenge, err := p.requestChallenge(ctx, logger)
	if nil != err {
		return "", err
	}

	token, err := p.attestChallenge(ctx, logger, challenge)
	if nil != err {
		return "", err
	}

	return token, nil
}

func (p *Provider) requestChallenge(ctx context.Context, logger zerolog.Logger) (challenge string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.conf.ProofURL+"/challenge", strings.NewReader(`{}`))
	if nil != err {
		return "", fmt.Errorf("failed to create proof challenge request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := http.Client{ //nolint:exhaustruct
		Timeout: time.Duration(p.conf.Timeouts.ProofExchange) * time.Second,
	}
	resp, err := client.Do(req)
	if nil != err {
		logger.Warn().Err(err).Msg("Proof challenge request failed")
		return "", fmt.Errorf("%w: proof challenge: %v", ErrIdentityUnavailable, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			err = errors.Join(err, fmt.Errorf("failed to close proof challenge response body: %v", closeErr))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: unexpected proof challenge response code %d", ErrIdentityUnavailable, resp.StatusCode)
	}

	respBytes, err := httputil.ReadResponseBody(resp)
	if nil != err {
		return "", fmt.Errorf("%w: failed to read proof challenge response body: %v", ErrIdentityUnavailable, err)
	}

	challenge = gjson.GetBytes(respBytes, "challenge").String()
	if challenge == "" {
		return "", fmt.Errorf("%w: challenge missing from proof response", ErrIdentityUnavailable)
	}

	return challenge, nil
}

func (p *Provider) attestChallenge(ctx context.Context, logger zerolog.Logger, challenge string) (token string, err error) {
	reqBody, err := json.Marshal(map[string]string{"challenge": challenge})
	if nil != err {
		return "", fmt.Errorf("failed to encode proof attest request body: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.conf.ProofURL+"/attest", strings.NewReader(string(reqBody)))
	if nil != err {
		return "", fmt.Errorf("failed to create proof attest request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := http.Client{ //nolint:exhaustruct
		Timeout: time.Duration(p.conf.Timeouts.ProofExchange) * time.Second,
	}
	resp, err := client.Do(req)
	if nil != err {
		logger.Warn().Err(err).Msg("Proof attest request failed")
		return "", fmt.Errorf("%w: proof attest: %v", ErrIdentityUnavailable, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			err = errors.Join(err, fmt.Errorf("failed to close proof attest response body: %v", closeErr))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: unexpected proof attest response code %d", ErrIdentityUnavailable, resp.StatusCode)
	}

	respBytes, err := httputil.ReadResponseBody(resp)
	if nil != err {
		return "", fmt.Errorf("%w: failed to read proof attest response body: %v", ErrIdentityUnavailable, err)
	}

	token = gjson.GetBytes(respBytes, "proofToken").String()
	if token == "" {
		return "", fmt.Errorf("%w: proof token missing from attest response", ErrIdentityUnavailable)
	}

	logger.Debug().Str("proof_token", redact.String(token)).Msg("Issued proof token")

	return token, nil
}
