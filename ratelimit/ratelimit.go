package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultLimit is the number of requests admitted per window
	DefaultLimit = 100
	// DefaultWindow is the length of the sliding window
	DefaultWindow = time.Minute
	// DefaultMargin is added to the window to compute the counter expiry
	DefaultMargin = time.Minute
	// KeyPrefix namespaces counters in the store
	KeyPrefix = "ratelimit:"
)

/* Hit asks the store to run one sliding window step for a key:
 * drop markers older than Now-Window, count the rest and, when the count
 * is below Limit, insert Member at Now and extend the key expiry to TTL.
 */
type Hit struct {
	Now    time.Time
	Window time.Duration
	Limit  int
	Member string
	TTL    time.Duration
}

// Window is the state of a counter after a Hit
type Window struct {
	Allowed bool
	// Count includes the inserted marker when Allowed
	Count int
	// Oldest is the timestamp of the oldest marker still in the window,
	// zero when the window is empty
	Oldest time.Time
}

// CounterStore runs a Hit atomically
type CounterStore interface {
	Hit(ctx context.Context, key string, h Hit) (Window, error)
}

// Decision is the outcome of a Check
type Decision struct {
	Allowed    bool
	Count      int
	Limit      int
	Remaining  int
	ResetIn    time.Duration
	ResetAt    time.Time
	RetryAfter time.Duration
	// FailedOpen is set when the store was unavailable and the request was let through
	FailedOpen bool
}

// Observer is notified of every decision
type Observer interface {
	RateLimitDecided(ctx context.Context, d Decision)
}

// Limiter is a precise sliding window rate limiter over a CounterStore
type Limiter struct {
	store     CounterStore
	logger    *slog.Logger
	clock     func() time.Time
	newMember func(now time.Time) string
	margin    time.Duration
	observer  Observer
}

// Option customizes a Limiter
type Option func(*Limiter)

// WithLogger sets the logger used for fail-open events
func WithLogger(l *slog.Logger) Option {
	return func(lim *Limiter) {
		if l != nil {
			lim.logger = l
		}
	}
}

// WithClock replaces time.Now
func WithClock(clock func() time.Time) Option {
	return func(lim *Limiter) { lim.clock = clock }
}

// WithMargin sets how long a counter outlives its window
func WithMargin(margin time.Duration) Option {
	return func(lim *Limiter) {
		if margin >= 0 {
			lim.margin = margin
		}
	}
}

// WithObserver registers an Observer
func WithObserver(o Observer) Option {
	return func(lim *Limiter) { lim.observer = o }
}

// NewLimiter creates a Limiter
func NewLimiter(store CounterStore, opts ...Option) *Limiter {
	lim := &Limiter{
		store:     store,
		logger:    slog.New(slog.DiscardHandler),
		clock:     time.Now,
		newMember: member,
		margin:    DefaultMargin,
	}
	for _, opt := range opts {
		opt(lim)
	}
	return lim
}

// member is unique even for requests sharing a millisecond
func member(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString())
}

/* Check admits the request of identity when fewer than limit requests were
 * admitted in the last window. A non-positive limit or window disables the
 * check. Store failures fail open.
 */
func (l *Limiter) Check(ctx context.Context, identity string, limit int, window time.Duration) Decision {
	now := l.clock()
	if limit <= 0 || window <= 0 {
		return Decision{Allowed: true, ResetAt: now}
	}

	w, err := l.store.Hit(ctx, KeyPrefix+identity, Hit{
		Now:    now,
		Window: window,
		Limit:  limit,
		Member: l.newMember(now),
		TTL:    window + l.margin,
	})
	if err != nil {
		l.logger.Warn("rate limit store unavailable, failing open",
			"identity", identity,
			"error", err,
		)
		d := Decision{
			Allowed:    true,
			Limit:      limit,
			Remaining:  limit,
			ResetIn:    window,
			ResetAt:    now.Add(window),
			FailedOpen: true,
		}
		l.observe(ctx, d)
		return d
	}

	d := decide(w, now, limit, window)
	l.observe(ctx, d)
	return d
}

func (l *Limiter) observe(ctx context.Context, d Decision) {
	if l.observer != nil {
		l.observer.RateLimitDecided(ctx, d)
	}
}

func decide(w Window, now time.Time, limit int, window time.Duration) Decision {
	resetIn := window
	if !w.Oldest.IsZero() {
		resetIn = max(w.Oldest.Add(window).Sub(now), 0)
	}

	d := Decision{
		Allowed:   w.Allowed,
		Count:     w.Count,
		Limit:     limit,
		Remaining: max(limit-w.Count, 0),
		ResetIn:   resetIn,
		ResetAt:   now.Add(resetIn),
	}
	if !d.Allowed {
		d.Remaining = 0
		d.RetryAfter = resetIn
	}
	return d
}
