package webhook

import (
	"net/url"
	"slices"
	"time"

	"github.com/marcelsud/roster-hooks/webhook/payload"
)

// Retry policy defaults and bounds for subscriptions
const (
	DefaultMaxAttempts = 3
	MinMaxAttempts     = 0
	MaxMaxAttempts     = 10

	DefaultRetryBackoffSeconds = 60
	MinRetryBackoffSeconds     = 10
	MaxRetryBackoffSeconds     = 3600
)

/* Subscription represents a registered webhook target plus its delivery policy
 * Uses value semantics as it represents data, not behavior
 */
type Subscription struct {
	ID                  string
	TenantID            string
	URL                 string
	Events              []string
	Secret              string
	Active              bool
	MaxAttempts         int
	RetryBackoffSeconds int
	LastTriggeredAt     *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Subscribes reports whether the subscription listens to the given event kind
func (s Subscription) Subscribes(kind string) bool {
	return slices.Contains(s.Events, kind)
}

// BackoffBase returns the configured retry backoff as a duration
func (s Subscription) BackoffBase() time.Duration {
	return time.Duration(s.RetryBackoffSeconds) * time.Second
}

// Validate checks the mutable attributes of a subscription
func (s Subscription) Validate() error {
	if err := ValidateURL(s.URL); err != nil {
		return err
	}
	if len(s.Events) == 0 {
		return invalid("events", "at least one event is required")
	}
	for _, kind := range s.Events {
		if err := payload.ValidateEventType(kind); err != nil {
			return invalid("events", "%v", err)
		}
	}
	if s.MaxAttempts < MinMaxAttempts || s.MaxAttempts > MaxMaxAttempts {
		return invalid("max_attempts", "must be between %d and %d", MinMaxAttempts, MaxMaxAttempts)
	}
	if s.RetryBackoffSeconds < MinRetryBackoffSeconds || s.RetryBackoffSeconds > MaxRetryBackoffSeconds {
		return invalid("retry_backoff_seconds", "must be between %d and %d", MinRetryBackoffSeconds, MaxRetryBackoffSeconds)
	}
	return nil
}

// ValidateURL accepts absolute http(s) URLs with a host
func ValidateURL(raw string) error {
	if raw == "" {
		return invalid("url", "is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return invalid("url", "%v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return invalid("url", "scheme must be http or https")
	}
	if u.Host == "" {
		return invalid("url", "host is required")
	}
	return nil
}

// normalizeEvents drops duplicates while keeping the caller's order
func normalizeEvents(events []string) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		if !slices.Contains(out, e) {
			out = append(out, e)
		}
	}
	return out
}
