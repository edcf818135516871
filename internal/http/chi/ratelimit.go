package chi

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/marcelsud/roster-hooks/catalog"
	"github.com/marcelsud/roster-hooks/ratelimit"
)

const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

type rateLimitResponse struct {
	errorResponse
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
	ResetAt   string `json:"resetAt"`
}

/* rateLimit admits requests through checker. Paths with a catalog policy get
 * their own counter per identity, everything else shares the default one.
 */
func rateLimit(checker RateChecker, policies PolicySource, def catalog.RateLimit, keyFn ratelimit.KeyFunc) func(http.Handler) http.Handler {
	if keyFn == nil {
		keyFn = ratelimit.IdentityFunc(false)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := keyFn(r)
			policy := def
			if policies != nil {
				if p, ok := policies.Policy(r.URL.Path); ok {
					policy = p
					identity += ":" + p.PathPrefix
				}
			}

			d := checker.Check(r.Context(), identity, policy.Limit, policy.Window)
			if d.Limit > 0 {
				w.Header().Set(HeaderLimit, strconv.Itoa(d.Limit))
				w.Header().Set(HeaderRemaining, strconv.Itoa(d.Remaining))
				w.Header().Set(HeaderReset, strconv.FormatInt(d.ResetAt.Unix(), 10))
			}
			if d.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set(HeaderRetryAfter, strconv.Itoa(retryAfterSeconds(d.RetryAfter)))
			writeJSON(w, http.StatusTooManyRequests, rateLimitResponse{
				errorResponse: errorResponse{
					StatusCode: http.StatusTooManyRequests,
					Message:    "Rate limit exceeded, retry in " + strconv.Itoa(retryAfterSeconds(d.RetryAfter)) + " seconds",
					Error:      http.StatusText(http.StatusTooManyRequests),
				},
				Limit:     d.Limit,
				Remaining: 0,
				ResetAt:   d.ResetAt.UTC().Format(time.RFC3339Nano),
			})
		})
	}
}

// retryAfterSeconds rounds up and never answers 0
func retryAfterSeconds(d time.Duration) int {
	return max(int(math.Ceil(d.Seconds())), 1)
}
