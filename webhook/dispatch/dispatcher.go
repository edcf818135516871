package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/marcelsud/roster-hooks/webhook"
	"github.com/marcelsud/roster-hooks/webhook/payload"
)

// TestEventKind is sent by DispatchTo for the "send test event" operation
const TestEventKind = "webhook.test"

// DefaultFanOut caps concurrent immediate attempts of one dispatch
const DefaultFanOut = 8

// Event is a domain event produced by roster code
type Event struct {
	Kind string
	// TenantID narrows the fan-out to one tenant's subscriptions when set
	TenantID   string
	Data       any
	OccurredAt time.Time
}

// Deliverer runs the immediate attempt of a new delivery
type Deliverer interface {
	Deliver(ctx context.Context, sub webhook.Subscription, d webhook.Delivery) (webhook.Delivery, error)
	LeaseFor(now time.Time) time.Time
}

// Report lists what a dispatch created
type Report struct {
	Matched    int
	Deliveries []webhook.Delivery
	Errors     int
}

// Dispatcher fans domain events out to matching subscriptions
type Dispatcher struct {
	repo      webhook.Repository
	deliverer Deliverer
	logger    *slog.Logger
	clock     func() time.Time
	newID     func() string
	fanOut    int
}

// Option customizes a Dispatcher
type Option func(*Dispatcher)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithClock replaces time.Now
func WithClock(clock func() time.Time) Option {
	return func(d *Dispatcher) { d.clock = clock }
}

// WithIDGenerator replaces uuid.NewString for delivery ids
func WithIDGenerator(newID func() string) Option {
	return func(d *Dispatcher) { d.newID = newID }
}

// WithFanOut caps concurrent immediate attempts
func WithFanOut(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.fanOut = n
		}
	}
}

// NewDispatcher creates a Dispatcher
func NewDispatcher(repo webhook.Repository, deliverer Deliverer, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		repo:      repo,
		deliverer: deliverer,
		logger:    slog.New(slog.DiscardHandler),
		clock:     time.Now,
		newID:     uuid.NewString,
		fanOut:    DefaultFanOut,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch creates one delivery per active subscription listening to the
// event and runs its immediate attempt. Subscribers are independent: one
// failing never affects another. The only error returned is a failed lookup.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) (Report, error) {
	subs, err := d.repo.ListActiveByEvent(ctx, ev.Kind)
	if err != nil {
		return Report{}, fmt.Errorf("listing subscriptions for %s: %w", ev.Kind, err)
	}

	matched := subs[:0]
	for _, sub := range subs {
		if ev.TenantID == "" || sub.TenantID == ev.TenantID {
			matched = append(matched, sub)
		}
	}

	report := Report{Matched: len(matched)}
	if len(matched) == 0 {
		return report, nil
	}

	now := d.clock().UTC()
	body, err := envelope(ev, now)
	if err != nil {
		return report, err
	}

	var mu sync.Mutex
	var eg errgroup.Group
	eg.SetLimit(d.fanOut)

	for _, sub := range matched {
		eg.Go(func() error {
			delivery, err := d.deliver(ctx, sub, ev.Kind, body, now)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Errors++
				d.logger.Error("dispatching webhook",
					"event", ev.Kind,
					"subscription_id", sub.ID,
					"error", err,
				)
			}
			if delivery.ID != "" {
				report.Deliveries = append(report.Deliveries, delivery)
			}
			return nil
		})
	}
	_ = eg.Wait()

	d.logger.Info("event dispatched",
		"event", ev.Kind,
		"matched", report.Matched,
		"errors", report.Errors,
	)
	return report, nil
}

// DispatchTo sends ev to a single subscription regardless of its event list
// or active flag. tenantID must own the subscription.
func (d *Dispatcher) DispatchTo(ctx context.Context, tenantID, subscriptionID string, ev Event) (webhook.Delivery, error) {
	sub, err := d.repo.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return webhook.Delivery{}, fmt.Errorf("getting subscription: %w", err)
	}
	if sub.TenantID != tenantID {
		return webhook.Delivery{}, fmt.Errorf("getting subscription %s: %w", subscriptionID, webhook.ErrNotFound)
	}
	if ev.Kind == "" {
		ev.Kind = TestEventKind
	}

	now := d.clock().UTC()
	body, err := envelope(ev, now)
	if err != nil {
		return webhook.Delivery{}, err
	}
	return d.deliver(ctx, sub, ev.Kind, body, now)
}

// deliver persists the delivery before attempting it so that the sweep
// picks it up if the immediate attempt is lost. A persisted delivery is
// returned even when its attempt failed to save.
func (d *Dispatcher) deliver(ctx context.Context, sub webhook.Subscription, kind string, body []byte, now time.Time) (webhook.Delivery, error) {
	delivery := webhook.NewDelivery(d.newID(), sub, kind, body, now, d.deliverer.LeaseFor(now))
	if err := d.repo.CreateDelivery(ctx, delivery); err != nil {
		return webhook.Delivery{}, fmt.Errorf("creating delivery: %w", err)
	}

	if err := d.repo.TouchTriggered(ctx, sub.ID, now); err != nil {
		d.logger.Warn("updating last triggered time",
			"subscription_id", sub.ID,
			"error", err,
		)
	}

	attempted, err := d.deliverer.Deliver(ctx, sub, delivery)
	if err != nil {
		return delivery, fmt.Errorf("immediate attempt: %w", err)
	}
	return attempted, nil
}

func envelope(ev Event, now time.Time) ([]byte, error) {
	at := ev.OccurredAt
	if at.IsZero() {
		at = now
	}
	data := ev.Data
	if data == nil {
		data = json.RawMessage(`{}`)
	}

	env, err := payload.New(ev.Kind, data, at)
	if err != nil {
		return nil, fmt.Errorf("building envelope: %w", err)
	}
	body, err := env.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return body, nil
}
