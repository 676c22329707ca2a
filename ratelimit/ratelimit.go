package ratelimit

import (
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"
)

// NewUpstreamLimiter paces player and identity requests against the upstream.
// A zero or negative rps disables pacing.
func NewUpstreamLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}

	return rate.NewLimiter(rate.Limit(rps), burst)
}

// PersonaFallbackSleep returns a small randomized delay applied before the
// fallback persona attempt so back-to-back player calls do not look scripted.
func PersonaFallbackSleep() time.Duration {
	const (
		from = 200
		to   = 600
	)
	millis := rand.IntN(to-from) + from //nolint:gosec

	return time.Duration(millis) * time.Millisecond
}
