package server

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientLimiterPerClientBuckets(t *testing.T) {
	l := newClientLimiter(10, 2)

	// burst of 2, then rejection
	assert.True(t, l.allow("owner-a"))
	assert.True(t, l.allow("owner-a"))
	assert.False(t, l.allow("owner-a"))

	// a different client has its own bucket
	assert.True(t, l.allow("owner-b"))
}

func TestClientLimiterGC(t *testing.T) {
	l := newClientLimiter(10, 2)
	now := time.Unix(1700000000, 0)
	l.clock = func() time.Time { return now }

	l.allow("owner-a")
	l.allow("owner-b")
	require.Equal(t, 2, l.size())

	// owner-b stays active; owner-a goes idle past the sweep threshold
	now = now.Add(limiterIdleAfter - time.Minute)
	l.allow("owner-b")
	now = now.Add(5 * time.Minute)
	l.allow("owner-c")

	// owner-a (idle 14m) was swept, owner-b (idle 5m) survives
	assert.Equal(t, 2, l.size())
}

func TestRateLimitEndpointResponse(t *testing.T) {
	s, st := newTestServer(t, Config{RateLimitRPS: 1, RateLimitBurst: 1})
	seedAvailable(t, st, "sbx-1")

	headers := map[string]string{HeaderOwnerID: "owner-a"}
	rec := doRequest(s, http.MethodPost, "/v1/allocate", headers, "")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(s, http.MethodPost, "/v1/allocate", headers, "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "RateLimited", decodeBody(t, rec)["code"])

	// observability endpoints bypass the limiter
	for i := 0; i < 5; i++ {
		rec = doRequest(s, http.MethodGet, "/healthz", headers, "")
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}
