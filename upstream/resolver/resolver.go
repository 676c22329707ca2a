package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/xeptore/streamgate/ratelimit"
	"github.com/xeptore/streamgate/upstream/identity"
	"github.com/xeptore/streamgate/upstream/persona"
	"github.com/xeptore/streamgate/upstream/player"
	"github.com/xeptore/streamgate/upstream/types"
)

// Resolved is the time-boxed request descriptor a cache chain fetch runs
// against. The URL already carries the range and cpn correlation parameters.
// Expiry is not tracked; a stale URL is discovered by the fetch failing.
type Resolved struct {
	URL    string
	Key    types.TrackID
	Offset int64
	Format types.Format
}

type Resolver struct {
	ids    *identity.Provider
	req    *persona.Requester
	interp *player.Interpreter
}

func New(ids *identity.Provider, req *persona.Requester, interp *player.Interpreter) *Resolver {
	return &Resolver{ids: ids, req: req, interp: interp}
}

type state int

const (
	stateTryNative state = iota
	stateTryWeb
	stateResolved
	stateFailed
)

// Resolve runs the persona fallback machine: the native persona first, the
// mobile-web persona on a playability rejection, at most one transition.
// Anything other than a playability rejection propagates immediately since it
// is unrelated to persona-specific restrictions.
func (r *Resolver) Resolve(ctx context.Context, logger zerolog.Logger, trackID types.TrackID, offset int64) (*Resolved, error) {
	var (
		st      = stateTryNative
		cand    *player.Candidate
		cpn     string
		lastErr error
	)

	for {
		switch st {
		case stateTryNative:
			c, p, err := r.attempt(ctx, logger, trackID, types.PersonaNativeMobile)
			switch {
			case nil == err:
				cand, cpn = c, p
				st = stateResolved
			case errors.Is(err, player.ErrLoginRequired), errors.Is(err, player.ErrUnplayable):
				logger.Info().
					Str("track_id", trackID.String()).
					Str("persona", types.PersonaNativeMobile.String()).
					AnErr("reason", err).
					Msg("Falling back to mobile-web persona")
				lastErr = err
				select {
				case <-ctx.Done():
					return nil, fmt.Errorf("fallback delay interrupted: %w", ctx.Err())
				case <-time.After(ratelimit.PersonaFallbackSleep()):
				}
				st = stateTryWeb
			default:
				return nil, fmt.Errorf("failed to resolve with %s persona: %w", types.PersonaNativeMobile, err)
			}
		case stateTryWeb:
			c, p, err := r.attempt(ctx, logger, trackID, types.PersonaMobileWeb)
			switch {
			case nil == err:
				cand, cpn = c, p
				st = stateResolved
			case errors.Is(err, player.ErrLoginRequired), errors.Is(err, player.ErrUnplayable):
				lastErr = err
				st = stateFailed
			default:
				return nil, fmt.Errorf("failed to resolve with %s persona: %w", types.PersonaMobileWeb, err)
			}
		case stateResolved:
			finalURL, err := finalizeURL(cand.URL, cpn, offset)
			if nil != err {
				return nil, fmt.Errorf("failed to finalize resolved URL: %v", err)
			}

			return &Resolved{
				URL:    finalURL,
				Key:    trackID,
				Offset: offset,
				Format: cand.Format,
			}, nil
		case stateFailed:
			return nil, fmt.Errorf("all personas rejected track %s: %w", trackID, lastErr)
		}
	}
}

func (r *Resolver) attempt(
	ctx context.Context,
	logger zerolog.Logger,
	trackID types.TrackID,
	p types.Persona,
) (*player.Candidate, string, error) {
	tokens, err := r.gatherTokens(ctx, logger, p)
	if nil != err {
		return nil, "", err
	}

	payload, cpn, err := r.req.FetchPlayerInfo(ctx, logger, trackID, p, tokens)
	if nil != err {
		return nil, "", err
	}

	res := r.interp.Interpret(ctx, logger, trackID, payload)
	if res.IsErr() {
		return nil, "", res.Err()
	}

	return res.Unwrap(), cpn, nil
}

// gatherTokens assembles the persona's identity bundle, degrading each field
// independently when its handshake is unavailable.
func (r *Resolver) gatherTokens(ctx context.Context, logger zerolog.Logger, p types.Persona) (types.Tokens, error) {
	var tokens types.Tokens

	visitorID, err := r.ids.VisitorID(ctx, logger, p)
	switch {
	case nil == err:
		tokens.VisitorID = visitorID
	case errors.Is(err, identity.ErrIdentityUnavailable):
		logger.Warn().Str("persona", p.String()).Msg("Proceeding without visitor id")
	default:
		return types.Tokens{}, fmt.Errorf("failed to get visitor id: %w", err)
	}

	if persona.NeedsCookie(p) {
		cookie, err := r.ids.SessionCookie(ctx, logger)
		switch {
		case nil == err:
			tokens.SessionCookie = cookie
		case errors.Is(err, identity.ErrIdentityUnavailable):
			logger.Warn().Str("persona", p.String()).Msg("Proceeding without session cookie")
		default:
			return types.Tokens{}, fmt.Errorf("failed to get session cookie: %w", err)
		}
	}

	if persona.NeedsProof(p) {
		proof, err := r.ids.IssueProofToken(ctx, logger)
		switch {
		case nil == err:
			tokens.ProofToken = proof
		case errors.Is(err, identity.ErrIdentityUnavailable):
			// Some personas tolerate a missing proof; the strict ones answer
			// the player call with LOGIN_REQUIRED and fallback handles it.
			logger.Warn().Str("persona", p.String()).Msg("Proceeding without proof token")
		default:
			return types.Tokens{}, fmt.Errorf("failed to issue proof token: %w", err)
		}
	}

	return tokens, nil
}

func finalizeURL(rawURL, cpn string, offset int64) (string, error) {
	u, err := url.Parse(rawURL)
	if nil != err {
		return "", fmt.Errorf("failed to parse candidate URL: %v", err)
	}

	q := u.Query()
	q.Set("cpn", cpn)
	q.Set("range", strconv.FormatInt(offset, 10)+"-")
	u.RawQuery = q.Encode()

	return u.String(), nil
}
