package executor

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcelsud/roster-hooks/webhook"
	"github.com/marcelsud/roster-hooks/webhook/signature"
)

func fixtures(url string) (webhook.Subscription, webhook.Delivery) {
	sub := webhook.Subscription{
		ID:          "sub-1",
		TenantID:    "tenant-1",
		URL:         url,
		Events:      []string{"user.created"},
		Secret:      "whsec_test",
		Active:      true,
		MaxAttempts: 3,
	}
	now := time.Now()
	d := webhook.NewDelivery("del-1", sub, "user.created",
		[]byte(`{"timestamp":"2024-01-01T00:00:00.000Z","event":"user.created","data":{"sourcedId":"u-1"}}`),
		now, now.Add(time.Minute))
	return sub, d
}

func TestAttempt(t *testing.T) {
	ctx := context.Background()

	t.Run("success - signed post with headers", func(t *testing.T) {
		var got *http.Request
		var gotBody []byte
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = r
			gotBody, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		}))
		defer srv.Close()

		sub, d := fixtures(srv.URL)
		result, err := New("Roster").Attempt(ctx, sub, d)
		require.NoError(t, err)

		assert.True(t, result.Success)
		assert.Equal(t, http.StatusOK, result.StatusCode)
		assert.Equal(t, "ok", result.ResponseBody)
		assert.Empty(t, result.Error)

		require.NotNil(t, got)
		assert.Equal(t, http.MethodPost, got.Method)
		assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
		assert.Equal(t, "Roster-Webhook/1.0", got.Header.Get("User-Agent"))
		assert.Equal(t, "user.created", got.Header.Get(HeaderEvent))
		assert.Equal(t, "del-1", got.Header.Get(HeaderDeliveryID))
		assert.Equal(t, d.Payload, gotBody)
		assert.True(t, signature.Verify(gotBody, got.Header.Get(HeaderSignature), sub.Secret))
	})

	t.Run("failure - non 2xx status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("down for maintenance"))
		}))
		defer srv.Close()

		sub, d := fixtures(srv.URL)
		result, err := New("Roster").Attempt(ctx, sub, d)
		require.NoError(t, err)

		assert.False(t, result.Success)
		assert.Equal(t, http.StatusServiceUnavailable, result.StatusCode)
		assert.Equal(t, "HTTP 503: Service Unavailable", result.Error)
		assert.Equal(t, "down for maintenance", result.ResponseBody)
	})

	t.Run("failure - redirect is not followed as success", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotModified)
		}))
		defer srv.Close()

		sub, d := fixtures(srv.URL)
		result, err := New("Roster").Attempt(ctx, sub, d)
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Equal(t, http.StatusNotModified, result.StatusCode)
	})

	t.Run("failure - timeout", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()
		defer close(release)

		sub, d := fixtures(srv.URL)
		result, err := New("Roster", WithTimeout(50*time.Millisecond)).Attempt(ctx, sub, d)
		require.NoError(t, err)

		assert.False(t, result.Success)
		assert.Zero(t, result.StatusCode)
		assert.NotEmpty(t, result.Error)
	})

	t.Run("failure - connection refused", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		sub, d := fixtures(url)
		result, err := New("Roster").Attempt(ctx, sub, d)
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Zero(t, result.StatusCode)
		assert.NotEmpty(t, result.Error)
	})

	t.Run("long response body is truncated", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(strings.Repeat("a", 5000)))
		}))
		defer srv.Close()

		sub, d := fixtures(srv.URL)
		result, err := New("Roster").Attempt(ctx, sub, d)
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Len(t, result.ResponseBody, webhook.MaxResponseBodyChars)
	})

	t.Run("binary error body is stored as valid text", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte{0x1f, 0x8b, 0x00, 0xff})
		}))
		defer srv.Close()

		sub, d := fixtures(srv.URL)
		result, err := New("Roster").Attempt(ctx, sub, d)
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Equal(t, http.StatusInternalServerError, result.StatusCode)
		assert.True(t, utf8.ValidString(result.ResponseBody))
		assert.NotContains(t, result.ResponseBody, "\x00")

		next, err := d.Apply(result, time.Now())
		require.NoError(t, err)
		assert.Equal(t, webhook.Retrying, next.Status)
		assert.True(t, utf8.ValidString(next.ResponseBody))
		assert.NotContains(t, next.ResponseBody, "\x00")
	})

	t.Run("custom product name", func(t *testing.T) {
		var ua string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ua = r.Header.Get("User-Agent")
		}))
		defer srv.Close()

		sub, d := fixtures(srv.URL)
		_, err := New("Acme").Attempt(ctx, sub, d)
		require.NoError(t, err)
		assert.Equal(t, "Acme-Webhook/1.0", ua)
	})

	t.Run("error - missing secret", func(t *testing.T) {
		sub, d := fixtures("http://example.com/hook")
		sub.Secret = ""
		_, err := New("Roster").Attempt(ctx, sub, d)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidTarget))
	})

	t.Run("error - unparsable url", func(t *testing.T) {
		sub, d := fixtures("::not a url")
		_, err := New("Roster").Attempt(ctx, sub, d)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidTarget))
	})
}
