package ratelimit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xeptore/streamgate/ratelimit"
)

func TestPersonaFallbackSleep(t *testing.T) {
	t.Parallel()

	for range 1000 {
		d := ratelimit.PersonaFallbackSleep()
		assert.GreaterOrEqual(t, d, 200*time.Millisecond)
		assert.Less(t, d, 600*time.Millisecond)
	}
}

func TestNewUpstreamLimiterDisabled(t *testing.T) {
	t.Parallel()

	l := ratelimit.NewUpstreamLimiter(0, 0)
	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
}
