package persona_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/xeptore/streamgate/config"
	"github.com/xeptore/streamgate/upstream/persona"
	"github.com/xeptore/streamgate/upstream/types"
)

func testConf(srv *httptest.Server) config.Upstream {
	//nolint:exhaustruct
	return config.Upstream{
		APIKey:        "key-123",
		PlayerURL:     srv.URL + "/player",
		RatePerSecond: 1000,
		RateBurst:     1000,
		Timeouts: config.UpstreamTimeouts{
			PlayerRequest:     5,
			IdentityHandshake: 5,
			ProofExchange:     5,
			MetadataFetch:     5,
			StreamFetch:       5,
		},
	}
}

func TestFetchPlayerInfoRequestConstruction(t *testing.T) {
	t.Parallel()

	type seen struct {
		body      []byte
		userAgent string
		cookie    string
		visitor   string
		apiKey    string
	}
	var requests []seen

	mux := http.NewServeMux()
	mux.HandleFunc("/player", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		requests = append(requests, seen{
			body:      body,
			userAgent: r.Header.Get("User-Agent"),
			cookie:    r.Header.Get("Cookie"),
			visitor:   r.Header.Get("X-Goog-Visitor-Id"),
			apiKey:    r.URL.Query().Get("key"),
		})
		_, _ = w.Write([]byte(`{"playabilityStatus":{"status":"OK"}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r := persona.NewRequester(testConf(srv))
	tokens := types.Tokens{
		VisitorID:     "visitor-1",
		ProofToken:    "proof-1",
		SessionCookie: "SID=abc",
	}

	payload, nativeCPN, err := r.FetchPlayerInfo(t.Context(), zerolog.Nop(), "abc123", types.PersonaNativeMobile, tokens)
	require.NoError(t, err)
	assert.Equal(t, "OK", gjson.GetBytes(payload, "playabilityStatus.status").String())

	_, webCPN, err := r.FetchPlayerInfo(t.Context(), zerolog.Nop(), "abc123", types.PersonaMobileWeb, tokens)
	require.NoError(t, err)

	require.Len(t, requests, 2)

	native, web := requests[0], requests[1]
	assert.Equal(t, "key-123", native.apiKey)
	assert.Equal(t, "NATIVE_MOBILE", gjson.GetBytes(native.body, "context.client.clientName").String())
	assert.Equal(t, "abc123", gjson.GetBytes(native.body, "trackId").String())
	assert.Equal(t, "visitor-1", native.visitor)
	// The native persona carries neither proof nor cookie.
	assert.Empty(t, native.cookie)
	assert.False(t, gjson.GetBytes(native.body, "serviceIntegrityDimensions").Exists())

	assert.Equal(t, "MOBILE_WEB", gjson.GetBytes(web.body, "context.client.clientName").String())
	assert.Equal(t, "SID=abc", web.cookie)
	assert.Equal(t, "proof-1", gjson.GetBytes(web.body, "serviceIntegrityDimensions.proofToken").String())
	assert.NotEqual(t, native.userAgent, web.userAgent)

	// cpn is fresh per call and threads through the request body.
	assert.Len(t, nativeCPN, 16)
	assert.Len(t, webCPN, 16)
	assert.NotEqual(t, nativeCPN, webCPN)
	assert.Equal(t, nativeCPN, gjson.GetBytes(native.body, "cpn").String())
	assert.Equal(t, webCPN, gjson.GetBytes(web.body, "cpn").String())
}

func TestFetchPlayerInfoStatusClassification(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/player", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":403,"status":"PERMISSION_DENIED","message":"quota"}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r := persona.NewRequester(testConf(srv))

	_, _, err := r.FetchPlayerInfo(t.Context(), zerolog.Nop(), "abc123", types.PersonaNativeMobile, types.Tokens{}) //nolint:exhaustruct
	require.ErrorIs(t, err, persona.ErrQuotaExceeded)
}
