package webhook

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Limits for the diagnostics kept on a delivery
const (
	MaxResponseBodyChars = 1000
	MaxErrorChars        = 500
)

/* Delivery is one event instance's attempt history against one subscription
 * MaxAttempts and BackoffBase are copied from the subscription when the
 * delivery is created, later policy changes do not reach in-flight deliveries
 */
type Delivery struct {
	ID             string
	SubscriptionID string
	TenantID       string
	EventKind      string
	Payload        []byte
	Status         Status
	Attempts       int
	MaxAttempts    int
	BackoffBase    time.Duration
	LastAttemptAt  *time.Time
	NextRetryAt    *time.Time
	ResponseStatus *int
	ResponseBody   string
	ErrorMessage   *string
	CompletedAt    *time.Time
	CreatedAt      time.Time
}

// AttemptResult is the outcome of one outbound POST
type AttemptResult struct {
	Success      bool
	StatusCode   int // 0 when no response was received
	ResponseBody string
	Error        string
	Duration     time.Duration
}

// NewDelivery builds the pending delivery for a subscription.
// The first attempt is expected right away; dueAt is when a sweep may take
// over if that attempt never gets persisted.
func NewDelivery(id string, sub Subscription, eventKind string, body []byte, now, dueAt time.Time) Delivery {
	maxAttempts := sub.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return Delivery{
		ID:             id,
		SubscriptionID: sub.ID,
		TenantID:       sub.TenantID,
		EventKind:      eventKind,
		Payload:        body,
		Status:         Pending,
		Attempts:       0,
		MaxAttempts:    maxAttempts,
		BackoffBase:    sub.BackoffBase(),
		NextRetryAt:    &dueAt,
		CreatedAt:      now,
	}
}

// CanAttempt reports whether another attempt is allowed
func (d Delivery) CanAttempt() bool {
	return !d.Status.IsFinal() && d.Attempts < d.MaxAttempts
}

// Apply records the outcome of an attempt made at now and returns the
// resulting delivery. Terminal deliveries are never changed.
func (d Delivery) Apply(result AttemptResult, now time.Time) (Delivery, error) {
	if !d.CanAttempt() {
		return d, fmt.Errorf("delivery %s: %w", d.ID, ErrConflict)
	}

	d.Attempts++
	at := now
	d.LastAttemptAt = &at
	d.ResponseStatus = nil
	if result.StatusCode != 0 {
		code := result.StatusCode
		d.ResponseStatus = &code
	}

	if result.Success {
		d.Status = Success
		d.ResponseBody = Truncate(result.ResponseBody, MaxResponseBodyChars)
		d.ErrorMessage = nil
		d.NextRetryAt = nil
		d.CompletedAt = &at
		return d, nil
	}

	msg := Truncate(result.Error, MaxErrorChars)
	d.ErrorMessage = &msg
	d.ResponseBody = Truncate(result.ResponseBody, MaxResponseBodyChars)

	if d.Attempts >= d.MaxAttempts {
		d.Status = Failed
		d.NextRetryAt = nil
		d.CompletedAt = &at
		return d, nil
	}

	next := now.Add(NextRetryDelay(d.BackoffBase, d.Attempts))
	d.Status = Retrying
	d.NextRetryAt = &next
	return d, nil
}

// Abandon terminates a delivery without another attempt, e.g. when its
// subscription is gone
func (d Delivery) Abandon(reason string, now time.Time) (Delivery, error) {
	if d.Status.IsFinal() {
		return d, fmt.Errorf("delivery %s: %w", d.ID, ErrConflict)
	}
	at := now
	msg := Truncate(reason, MaxErrorChars)
	d.Status = Failed
	d.ErrorMessage = &msg
	d.NextRetryAt = nil
	d.CompletedAt = &at
	return d, nil
}

// NextRetryDelay is base * 2^(attempts-1), attempts starting at 1 for the
// first failure
func NextRetryDelay(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return base << (attempts - 1)
}

/* Truncate cuts s to at most n runes of storable text.
 * Subscribers may answer with binary bodies: invalid UTF-8 becomes U+FFFD
 * and NUL bytes are dropped, PostgreSQL TEXT columns reject both.
 */
func Truncate(s string, n int) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "\uFFFD")
	}
	if strings.IndexByte(s, 0) >= 0 {
		s = strings.ReplaceAll(s, "\x00", "")
	}
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
