package chi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/marcelsud/roster-hooks/catalog"
	"github.com/marcelsud/roster-hooks/ratelimit"
	ratelimitredis "github.com/marcelsud/roster-hooks/ratelimit/redis"
	"github.com/marcelsud/roster-hooks/webhook/mocks"
)

var rlNow = time.Date(2024, 9, 2, 14, 0, 0, 0, time.UTC)

func limitedHandlers(t *testing.T, mr *miniredis.Miniredis, def catalog.RateLimit, policies PolicySource) (http.Handler, *mocks.UseCase) {
	t.Helper()
	store := ratelimitredis.NewStore(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	lim := ratelimit.NewLimiter(store, ratelimit.WithClock(func() time.Time { return rlNow }))

	s := mocks.NewUseCase(t)
	h := Handlers(context.Background(), s, Options{
		Limiter:      lim,
		Policies:     policies,
		DefaultLimit: def,
		Identity:     ratelimit.IdentityFunc(false),
	})
	return h, s
}

func keyed(method, path, apiKey string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("X-Tenant-ID", "district-1")
	req.Header.Set(ratelimit.HeaderAPIKey, apiKey)
	return req
}

func TestRateLimit_DefaultPolicy(t *testing.T) {
	mr := miniredis.RunT(t)
	h, s := limitedHandlers(t, mr, catalog.RateLimit{Limit: 2, Window: time.Minute}, nil)
	s.On("List", mock.Anything, "district-1").Return(nil, nil)

	for i := range 2 {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, keyed(http.MethodGet, "/v1/webhooks", "k-1"))
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
		assert.Equal(t, "2", w.Header().Get(HeaderLimit))
		assert.Equal(t, []string{"1", "0"}[i], w.Header().Get(HeaderRemaining))
		assert.Equal(t, "1725285660", w.Header().Get(HeaderReset))
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, keyed(http.MethodGet, "/v1/webhooks", "k-1"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get(HeaderRetryAfter))
	assert.Equal(t, "0", w.Header().Get(HeaderRemaining))

	var body rateLimitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 429, body.StatusCode)
	assert.Equal(t, "Too Many Requests", body.Error)
	assert.Equal(t, 2, body.Limit)
	assert.Equal(t, 0, body.Remaining)
	assert.Equal(t, "2024-09-02T14:01:00Z", body.ResetAt)

	t.Run("other identities are unaffected", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, keyed(http.MethodGet, "/v1/webhooks", "k-2"))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("health is never limited", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, keyed(http.MethodGet, "/health", "k-1"))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get(HeaderLimit))
	})

	s.AssertNumberOfCalls(t, "List", 3)
}

func TestRateLimit_CatalogPolicy(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := catalog.Parse([]byte(`
rate_limits:
  - path_prefix: /v1/webhooks
    limit: 1
    window: 10s
`))
	require.NoError(t, err)

	h, s := limitedHandlers(t, mr, catalog.RateLimit{Limit: 5, Window: time.Minute}, c)
	s.On("List", mock.Anything, "district-1").Return(nil, nil)
	s.On("GetDelivery", mock.Anything, "district-1", "d-1").Return(sampleDelivery(), nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, keyed(http.MethodGet, "/v1/webhooks", "k-1"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get(HeaderLimit))

	w = httptest.NewRecorder()
	h.ServeHTTP(w, keyed(http.MethodGet, "/v1/webhooks", "k-1"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "10", w.Header().Get(HeaderRetryAfter))

	// paths without a policy keep their own budget
	w = httptest.NewRecorder()
	h.ServeHTTP(w, keyed(http.MethodGet, "/v1/deliveries/d-1", "k-1"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "5", w.Header().Get(HeaderLimit))
	assert.Equal(t, "4", w.Header().Get(HeaderRemaining))
}

func TestRateLimit_FailOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	h, s := limitedHandlers(t, mr, catalog.RateLimit{Limit: 1, Window: time.Minute}, nil)
	s.On("List", mock.Anything, "district-1").Return(nil, nil)
	mr.Close()

	for range 3 {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, keyed(http.MethodGet, "/v1/webhooks", "k-1"))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "1", w.Header().Get(HeaderRemaining))
	}
}

func TestRateLimit_Disabled(t *testing.T) {
	mr := miniredis.RunT(t)
	h, s := limitedHandlers(t, mr, catalog.RateLimit{}, nil)
	s.On("List", mock.Anything, "district-1").Return(nil, nil)

	for range 3 {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, keyed(http.MethodGet, "/v1/webhooks", "k-1"))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get(HeaderLimit))
	}
	assert.Empty(t, mr.Keys())
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int
	}{
		{0, 1},
		{300 * time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{time.Minute, 60},
	}
	for _, tt := range tests {
		t.Run(tt.in.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, retryAfterSeconds(tt.in))
		})
	}
}
