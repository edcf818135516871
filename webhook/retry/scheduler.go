package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/marcelsud/roster-hooks/webhook"
	"github.com/marcelsud/roster-hooks/webhook/executor"
)

// Reasons recorded on deliveries abandoned by the sweep
const (
	ReasonSubscriptionNotFound = "subscription not found"
	ReasonSubscriptionInactive = "subscription inactive"
)

// Defaults for Config
const (
	DefaultBatchSize   = 100
	DefaultParallelism = 4
	DefaultSchedule    = "@every 1m"
	DefaultLease       = 2 * executor.DefaultTimeout
)

// Config tunes the sweep
type Config struct {
	// BatchSize caps the deliveries picked per sweep
	BatchSize int
	// Parallelism caps concurrent attempts within one sweep
	Parallelism int
	// RatePerSecond paces attempts, 0 disables pacing
	RatePerSecond float64
	// Lease is how long a claimed delivery stays invisible to other sweepers.
	// Must exceed the attempt timeout.
	Lease time.Duration
	// SweeperID identifies this process in heartbeats
	SweeperID string
	// HeartbeatTTL is how long a heartbeat stays visible
	HeartbeatTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Parallelism <= 0 {
		c.Parallelism = DefaultParallelism
	}
	if c.Lease <= 0 {
		c.Lease = DefaultLease
	}
	if c.SweeperID == "" {
		host, _ := os.Hostname()
		c.SweeperID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = 3 * time.Minute
	}
	return c
}

// Heartbeater records sweeper liveness
type Heartbeater interface {
	SetSweeperHeartbeat(ctx context.Context, sweeperID, status string, processed int, ttl time.Duration) error
}

// Observer receives attempt and sweep outcomes, typically for metrics
type Observer interface {
	DeliveryAttempted(ctx context.Context, d webhook.Delivery, result webhook.AttemptResult)
	SweepCompleted(ctx context.Context, due, errored int, elapsed time.Duration)
}

// SweepReport summarizes one sweep
type SweepReport struct {
	Due       int
	Attempted int
	Succeeded int
	Retrying  int
	Failed    int
	Abandoned int
	Skipped   int
	Errors    int
}

/* Scheduler runs the immediate attempt of new deliveries and the periodic
 * sweep of due ones. All scheduling state lives in the repository
 * (next_retry_at), nothing is kept in memory between sweeps.
 */
type Scheduler struct {
	repo      webhook.Repository
	attempter executor.Attempter
	cfg       Config

	logger    *slog.Logger
	clock     func() time.Time
	limiter   *rate.Limiter
	heartbeat Heartbeater
	observer  Observer

	sweeping atomic.Bool
}

// Option customizes a Scheduler
type Option func(*Scheduler)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces time.Now
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithHeartbeat writes a heartbeat after every scheduled sweep
func WithHeartbeat(h Heartbeater) Option {
	return func(s *Scheduler) { s.heartbeat = h }
}

// WithObserver reports outcomes to o
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// New creates a Scheduler
func New(repo webhook.Repository, attempter executor.Attempter, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		repo:      repo,
		attempter: attempter,
		cfg:       cfg.withDefaults(),
		logger:    slog.New(slog.DiscardHandler),
		clock:     time.Now,
	}
	if s.cfg.RatePerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(s.cfg.RatePerSecond), 1)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LeaseFor returns the due time of a freshly created delivery: if its
// immediate attempt is never persisted, the sweep takes over after the lease.
func (s *Scheduler) LeaseFor(now time.Time) time.Time {
	return now.Add(s.cfg.Lease)
}

// Deliver makes one attempt of d and persists the outcome under the
// optimistic attempts guard. The returned delivery is what was saved.
func (s *Scheduler) Deliver(ctx context.Context, sub webhook.Subscription, d webhook.Delivery) (webhook.Delivery, error) {
	if !d.CanAttempt() {
		return d, fmt.Errorf("delivering %s: %w", d.ID, webhook.ErrConflict)
	}

	result, err := s.attempter.Attempt(ctx, sub, d)
	if err != nil {
		// an unbuildable request counts as a failed attempt so it cannot loop forever
		s.logger.Error("webhook attempt could not be built",
			"delivery_id", d.ID,
			"subscription_id", sub.ID,
			"error", err,
		)
		result = webhook.AttemptResult{Error: err.Error()}
	}

	expected := d.Attempts
	next, err := d.Apply(result, s.clock().UTC())
	if err != nil {
		return d, fmt.Errorf("applying attempt: %w", err)
	}

	if err := s.repo.SaveAttempt(ctx, next, expected); err != nil {
		if errors.Is(err, webhook.ErrConflict) {
			s.logger.Warn("delivery changed while attempting, outcome dropped",
				"delivery_id", d.ID,
				"attempts", expected,
			)
		}
		return d, fmt.Errorf("saving attempt: %w", err)
	}

	if s.observer != nil {
		s.observer.DeliveryAttempted(ctx, next, result)
	}

	s.logger.Info("webhook delivery attempted",
		"delivery_id", next.ID,
		"subscription_id", next.SubscriptionID,
		"event", next.EventKind,
		"status", next.Status.String(),
		"attempts", next.Attempts,
		"status_code", result.StatusCode,
	)
	return next, nil
}

type outcome int

const (
	outcomeAttempted outcome = iota
	outcomeAbandoned
	outcomeSkipped
	outcomeError
)

// Sweep attempts every due delivery of one batch. Failures of single
// deliveries are logged and counted, they never stop the batch.
func (s *Scheduler) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	due, err := s.repo.ListDue(ctx, s.clock().UTC(), s.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("listing due deliveries: %w", err)
	}
	report.Due = len(due)
	if len(due) == 0 {
		return report, nil
	}

	var mu sync.Mutex
	var eg errgroup.Group
	eg.SetLimit(s.cfg.Parallelism)

	for _, d := range due {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				break
			}
		}
		if ctx.Err() != nil {
			break
		}

		eg.Go(func() error {
			result, err := s.sweepOne(ctx, d)

			mu.Lock()
			defer mu.Unlock()
			switch result.kind {
			case outcomeAttempted:
				report.Attempted++
				switch result.delivery.Status {
				case webhook.Success:
					report.Succeeded++
				case webhook.Failed:
					report.Failed++
				default:
					report.Retrying++
				}
			case outcomeAbandoned:
				report.Abandoned++
			case outcomeSkipped:
				report.Skipped++
			case outcomeError:
				report.Errors++
				s.logger.Error("sweeping delivery",
					"delivery_id", d.ID,
					"error", err,
				)
			}
			return nil
		})
	}
	_ = eg.Wait()

	return report, nil
}

type sweepResult struct {
	kind     outcome
	delivery webhook.Delivery
}

func (s *Scheduler) sweepOne(ctx context.Context, d webhook.Delivery) (sweepResult, error) {
	now := s.clock().UTC()

	claimed, err := s.repo.Claim(ctx, d.ID, d.Attempts, now, now.Add(s.cfg.Lease))
	if err != nil {
		return sweepResult{kind: outcomeError}, err
	}
	if !claimed {
		s.logger.Debug("delivery claimed by another sweeper", "delivery_id", d.ID)
		return sweepResult{kind: outcomeSkipped}, nil
	}

	sub, err := s.repo.GetSubscription(ctx, d.SubscriptionID)
	switch {
	case errors.Is(err, webhook.ErrNotFound):
		return s.abandon(ctx, d, ReasonSubscriptionNotFound, now)
	case err != nil:
		// the lease expires and a later sweep retries
		return sweepResult{kind: outcomeError}, fmt.Errorf("getting subscription: %w", err)
	case !sub.Active:
		return s.abandon(ctx, d, ReasonSubscriptionInactive, now)
	}

	next, err := s.Deliver(ctx, sub, d)
	if err != nil {
		if errors.Is(err, webhook.ErrConflict) {
			return sweepResult{kind: outcomeSkipped}, nil
		}
		return sweepResult{kind: outcomeError}, err
	}
	return sweepResult{kind: outcomeAttempted, delivery: next}, nil
}

func (s *Scheduler) abandon(ctx context.Context, d webhook.Delivery, reason string, now time.Time) (sweepResult, error) {
	abandoned, err := d.Abandon(reason, now)
	if err != nil {
		return sweepResult{kind: outcomeSkipped}, nil
	}
	if err := s.repo.SaveAttempt(ctx, abandoned, d.Attempts); err != nil {
		if errors.Is(err, webhook.ErrConflict) {
			return sweepResult{kind: outcomeSkipped}, nil
		}
		return sweepResult{kind: outcomeError}, fmt.Errorf("abandoning delivery: %w", err)
	}
	s.logger.Warn("delivery abandoned",
		"delivery_id", d.ID,
		"subscription_id", d.SubscriptionID,
		"reason", reason,
	)
	return sweepResult{kind: outcomeAbandoned, delivery: abandoned}, nil
}

// ErrSweepRunning is returned by RunOnce while this scheduler is already sweeping
var ErrSweepRunning = errors.New("sweep already running")

// RunOnce performs a sweep unless one is already in progress in this
// process, reports it to the observer and writes the heartbeat
func (s *Scheduler) RunOnce(ctx context.Context) (report SweepReport, err error) {
	if !s.sweeping.CompareAndSwap(false, true) {
		s.logger.Debug("previous sweep still running, skipping")
		return report, ErrSweepRunning
	}
	defer s.sweeping.Store(false)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sweep panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("sweep panicked: %v", r)
		}
	}()

	s.beat(ctx, "sweeping", 0)

	start := time.Now()
	report, err = s.Sweep(ctx)
	elapsed := time.Since(start)
	if err != nil {
		s.logger.Error("sweep failed", "error", err)
	}

	if s.observer != nil {
		s.observer.SweepCompleted(ctx, report.Due, report.Errors, elapsed)
	}
	if report.Due > 0 || err != nil {
		s.logger.Info("sweep completed",
			"due", report.Due,
			"attempted", report.Attempted,
			"succeeded", report.Succeeded,
			"retrying", report.Retrying,
			"failed", report.Failed,
			"abandoned", report.Abandoned,
			"skipped", report.Skipped,
			"errors", report.Errors,
			"duration", elapsed,
		)
	}

	s.beat(ctx, "idle", report.Attempted+report.Abandoned)
	return report, err
}

func (s *Scheduler) beat(ctx context.Context, status string, processed int) {
	if s.heartbeat == nil {
		return
	}
	if err := s.heartbeat.SetSweeperHeartbeat(ctx, s.cfg.SweeperID, status, processed, s.cfg.HeartbeatTTL); err != nil {
		s.logger.Warn("writing sweeper heartbeat", "error", err)
	}
}

// Run triggers RunOnce on the cron schedule until ctx is done
func (s *Scheduler) Run(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { _, _ = s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("scheduling sweep %q: %w", schedule, err)
	}

	c.Start()
	s.logger.Info("sweep scheduler started",
		"schedule", schedule,
		"sweeper_id", s.cfg.SweeperID,
		"batch_size", s.cfg.BatchSize,
		"parallelism", s.cfg.Parallelism,
	)

	<-ctx.Done()

	stopped := c.Stop()
	<-stopped.Done()
	s.logger.Info("sweep scheduler stopped", "sweeper_id", s.cfg.SweeperID)
	return nil
}
