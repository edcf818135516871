package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/marcelsud/roster-hooks/ratelimit"
	"github.com/marcelsud/roster-hooks/webhook"
)

/* Recorder turns delivery, sweep and rate limit events into OTel instruments
 * It implements retry.Observer and ratelimit.Observer
 */
type Recorder struct {
	attempts        metric.Int64Counter
	attemptDuration metric.Float64Histogram
	sweeps          metric.Int64Counter
	swept           metric.Int64Counter
	sweepErrors     metric.Int64Counter
	sweepDuration   metric.Float64Histogram
	decisions       metric.Int64Counter
}

// NewRecorder creates the instruments on meter
func NewRecorder(meter metric.Meter) (*Recorder, error) {
	var (
		r   Recorder
		err error
	)

	if r.attempts, err = meter.Int64Counter("webhook.delivery.attempts",
		metric.WithDescription("Outbound webhook attempts"),
		metric.WithUnit("{attempts}"),
	); err != nil {
		return nil, fmt.Errorf("creating attempts counter: %w", err)
	}
	if r.attemptDuration, err = meter.Float64Histogram("webhook.delivery.duration",
		metric.WithDescription("Duration of outbound webhook attempts"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("creating attempt duration histogram: %w", err)
	}
	if r.sweeps, err = meter.Int64Counter("webhook.sweep.runs",
		metric.WithDescription("Completed retry sweeps"),
		metric.WithUnit("{sweeps}"),
	); err != nil {
		return nil, fmt.Errorf("creating sweeps counter: %w", err)
	}
	if r.swept, err = meter.Int64Counter("webhook.sweep.deliveries",
		metric.WithDescription("Due deliveries picked up by sweeps"),
		metric.WithUnit("{deliveries}"),
	); err != nil {
		return nil, fmt.Errorf("creating swept counter: %w", err)
	}
	if r.sweepErrors, err = meter.Int64Counter("webhook.sweep.errors",
		metric.WithDescription("Deliveries a sweep failed to process"),
		metric.WithUnit("{deliveries}"),
	); err != nil {
		return nil, fmt.Errorf("creating sweep errors counter: %w", err)
	}
	if r.sweepDuration, err = meter.Float64Histogram("webhook.sweep.duration",
		metric.WithDescription("Duration of retry sweeps"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("creating sweep duration histogram: %w", err)
	}
	if r.decisions, err = meter.Int64Counter("ratelimit.decisions",
		metric.WithDescription("Rate limit decisions by result"),
		metric.WithUnit("{requests}"),
	); err != nil {
		return nil, fmt.Errorf("creating decisions counter: %w", err)
	}

	return &r, nil
}

// DeliveryAttempted records one attempt and the status it left the delivery in
func (r *Recorder) DeliveryAttempted(ctx context.Context, d webhook.Delivery, result webhook.AttemptResult) {
	outcome := "failure"
	if result.Success {
		outcome = "success"
	}
	attrs := metric.WithAttributes(
		attribute.String("webhook.event", d.EventKind),
		attribute.String("webhook.outcome", outcome),
		attribute.String("webhook.status", d.Status.String()),
	)
	r.attempts.Add(ctx, 1, attrs)
	r.attemptDuration.Record(ctx, result.Duration.Seconds(), metric.WithAttributes(
		attribute.String("webhook.outcome", outcome),
	))
}

func (r *Recorder) SweepCompleted(ctx context.Context, due, errored int, elapsed time.Duration) {
	r.sweeps.Add(ctx, 1)
	r.swept.Add(ctx, int64(due))
	r.sweepErrors.Add(ctx, int64(errored))
	r.sweepDuration.Record(ctx, elapsed.Seconds())
}

func (r *Recorder) RateLimitDecided(ctx context.Context, d ratelimit.Decision) {
	result := "allowed"
	switch {
	case d.FailedOpen:
		result = "failed_open"
	case !d.Allowed:
		result = "rejected"
	}
	r.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("ratelimit.result", result)))
}
