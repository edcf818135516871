package retry_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/marcelsud/roster-hooks/webhook"
	"github.com/marcelsud/roster-hooks/webhook/mocks"
	"github.com/marcelsud/roster-hooks/webhook/redis"
	"github.com/marcelsud/roster-hooks/webhook/retry"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 9, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// scriptedAttempter answers with respond and counts calls per delivery
type scriptedAttempter struct {
	mu      sync.Mutex
	calls   map[string]int
	delay   time.Duration
	respond func(d webhook.Delivery) webhook.AttemptResult
}

func newAttempter(respond func(d webhook.Delivery) webhook.AttemptResult) *scriptedAttempter {
	return &scriptedAttempter{calls: map[string]int{}, respond: respond}
}

func (a *scriptedAttempter) Attempt(ctx context.Context, sub webhook.Subscription, d webhook.Delivery) (webhook.AttemptResult, error) {
	if a.delay > 0 {
		time.Sleep(a.delay)
	}
	a.mu.Lock()
	a.calls[d.ID]++
	a.mu.Unlock()
	return a.respond(d), nil
}

func (a *scriptedAttempter) Calls(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[id]
}

func alwaysFail(webhook.Delivery) webhook.AttemptResult {
	return webhook.AttemptResult{StatusCode: 503, Error: "HTTP 503: Service Unavailable"}
}

func alwaysSucceed(webhook.Delivery) webhook.AttemptResult {
	return webhook.AttemptResult{Success: true, StatusCode: 200}
}

func newStore(t *testing.T) *redis.Repository {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewRepositoryWithClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
}

func subscription(id string, maxAttempts, backoffSeconds int) webhook.Subscription {
	return webhook.Subscription{
		ID:                  id,
		TenantID:            "tenant-1",
		URL:                 "https://example.com/" + id,
		Events:              []string{"user.created"},
		Secret:              "whsec_" + id,
		Active:              true,
		MaxAttempts:         maxAttempts,
		RetryBackoffSeconds: backoffSeconds,
	}
}

// createDelivery stores a pending delivery the way the dispatcher does
func createDelivery(t *testing.T, store webhook.Repository, s *retry.Scheduler, sub webhook.Subscription, id string, now time.Time) webhook.Delivery {
	t.Helper()
	d := webhook.NewDelivery(id, sub, "user.created", []byte(`{"event":"user.created"}`), now, s.LeaseFor(now))
	require.NoError(t, store.CreateDelivery(context.Background(), d))
	return d
}

func TestScheduler_BackoffAndTerminalFailure(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := newStore(t)
	attempter := newAttempter(alwaysFail)
	s := retry.New(store, attempter, retry.Config{}, retry.WithClock(clock.Now))

	sub := subscription("sub-1", 3, 60)
	require.NoError(t, store.CreateSubscription(ctx, sub))
	d := createDelivery(t, store, s, sub, "del-1", clock.Now())

	// immediate attempt
	d, err := s.Deliver(ctx, sub, d)
	require.NoError(t, err)
	assert.Equal(t, webhook.Retrying, d.Status)
	assert.Equal(t, clock.Now().Add(60*time.Second), *d.NextRetryAt)

	clock.Advance(59 * time.Second)
	report, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Due)

	clock.Advance(time.Second)
	secondAt := clock.Now()
	report, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Attempted)
	assert.Equal(t, 1, report.Retrying)

	got, err := store.GetDelivery(ctx, "del-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, webhook.Retrying, got.Status)
	assert.True(t, secondAt.Add(120*time.Second).Equal(*got.NextRetryAt))

	clock.Advance(120 * time.Second)
	report, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	got, err = store.GetDelivery(ctx, "del-1")
	require.NoError(t, err)
	assert.Equal(t, webhook.Failed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Nil(t, got.NextRetryAt)
	require.NotNil(t, got.CompletedAt)

	// nothing touches a terminal delivery afterwards
	clock.Advance(24 * time.Hour)
	report, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Due)

	after, err := store.GetDelivery(ctx, "del-1")
	require.NoError(t, err)
	assert.Equal(t, got, after)
	assert.Equal(t, 3, attempter.Calls("del-1"))
}

func TestScheduler_RetrySucceeds(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := newStore(t)

	var mu sync.Mutex
	first := true
	attempter := newAttempter(func(webhook.Delivery) webhook.AttemptResult {
		mu.Lock()
		defer mu.Unlock()
		if first {
			first = false
			return webhook.AttemptResult{Error: "connection refused"}
		}
		return webhook.AttemptResult{Success: true, StatusCode: 202}
	})
	s := retry.New(store, attempter, retry.Config{}, retry.WithClock(clock.Now))

	sub := subscription("sub-1", 2, 10)
	require.NoError(t, store.CreateSubscription(ctx, sub))
	d := createDelivery(t, store, s, sub, "del-1", clock.Now())

	d, err := s.Deliver(ctx, sub, d)
	require.NoError(t, err)
	assert.Equal(t, webhook.Retrying, d.Status)

	clock.Advance(10 * time.Second)
	report, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)

	got, err := store.GetDelivery(ctx, "del-1")
	require.NoError(t, err)
	assert.Equal(t, webhook.Success, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, 202, *got.ResponseStatus)
}

func TestScheduler_PicksUpUnattemptedDelivery(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := newStore(t)
	attempter := newAttempter(alwaysSucceed)
	s := retry.New(store, attempter, retry.Config{Lease: 30 * time.Second}, retry.WithClock(clock.Now))

	sub := subscription("sub-1", 3, 60)
	require.NoError(t, store.CreateSubscription(ctx, sub))
	// the process died between creating the delivery and attempting it
	createDelivery(t, store, s, sub, "del-1", clock.Now())

	report, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Due)

	clock.Advance(30 * time.Second)
	report, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, attempter.Calls("del-1"))
}

func TestScheduler_InactiveSubscription(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := newStore(t)
	attempter := newAttempter(alwaysFail)
	s := retry.New(store, attempter, retry.Config{}, retry.WithClock(clock.Now))

	sub := subscription("sub-1", 3, 60)
	require.NoError(t, store.CreateSubscription(ctx, sub))
	d := createDelivery(t, store, s, sub, "del-1", clock.Now())
	_, err := s.Deliver(ctx, sub, d)
	require.NoError(t, err)

	sub.Active = false
	require.NoError(t, store.UpdateSubscription(ctx, sub))

	clock.Advance(time.Minute)
	report, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Abandoned)

	got, err := store.GetDelivery(ctx, "del-1")
	require.NoError(t, err)
	assert.Equal(t, webhook.Failed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, retry.ReasonSubscriptionInactive, *got.ErrorMessage)
	assert.Equal(t, 1, attempter.Calls("del-1"))
}

func TestScheduler_MissingSubscription(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	repo := mocks.NewRepository(t)
	attempter := newAttempter(alwaysSucceed)
	s := retry.New(repo, attempter, retry.Config{}, retry.WithClock(clock.Now))

	d := webhook.NewDelivery("del-1", subscription("gone", 3, 60), "user.created", nil, clock.Now(), clock.Now())

	repo.On("ListDue", mock.Anything, clock.Now(), retry.DefaultBatchSize).Return([]webhook.Delivery{d}, nil)
	repo.On("Claim", mock.Anything, "del-1", 0, clock.Now(), clock.Now().Add(retry.DefaultLease)).Return(true, nil)
	repo.On("GetSubscription", mock.Anything, "gone").Return(webhook.Subscription{}, webhook.ErrNotFound)
	repo.On("SaveAttempt", mock.Anything, webhook.MatchDelivery(func(got webhook.Delivery) bool {
		return got.Status == webhook.Failed &&
			got.Attempts == 0 &&
			*got.ErrorMessage == retry.ReasonSubscriptionNotFound
	}), 0).Return(nil)

	report, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Abandoned)
	assert.Equal(t, 0, attempter.Calls("del-1"))
}

func TestScheduler_ErrorIsolation(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	repo := mocks.NewRepository(t)
	attempter := newAttempter(alwaysSucceed)
	s := retry.New(repo, attempter, retry.Config{Parallelism: 1}, retry.WithClock(clock.Now))

	var due []webhook.Delivery
	for _, id := range []string{"a", "b", "c"} {
		due = append(due, webhook.NewDelivery("del-"+id, subscription("sub-"+id, 3, 60), "user.created", nil, clock.Now(), clock.Now()))
	}

	repo.On("ListDue", mock.Anything, mock.Anything, mock.Anything).Return(due, nil)
	repo.On("Claim", mock.Anything, mock.Anything, 0, mock.Anything, mock.Anything).Return(true, nil)
	repo.On("GetSubscription", mock.Anything, "sub-a").Return(subscription("sub-a", 3, 60), nil)
	repo.On("GetSubscription", mock.Anything, "sub-b").Return(webhook.Subscription{}, errors.New("i/o timeout"))
	repo.On("GetSubscription", mock.Anything, "sub-c").Return(subscription("sub-c", 3, 60), nil)
	repo.On("SaveAttempt", mock.Anything, mock.Anything, 0).Return(nil)

	report, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Due)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.Errors)
	assert.Equal(t, 1, attempter.Calls("del-a"))
	assert.Equal(t, 0, attempter.Calls("del-b"))
	assert.Equal(t, 1, attempter.Calls("del-c"))
}

func TestScheduler_ClaimLostIsSkipped(t *testing.T) {
	ctx := context.Background()
	repo := mocks.NewRepository(t)
	attempter := newAttempter(alwaysSucceed)
	s := retry.New(repo, attempter, retry.Config{})

	d := webhook.NewDelivery("del-1", subscription("sub-1", 3, 60), "user.created", nil, time.Now(), time.Now())
	repo.On("ListDue", mock.Anything, mock.Anything, mock.Anything).Return([]webhook.Delivery{d}, nil)
	repo.On("Claim", mock.Anything, "del-1", 0, mock.Anything, mock.Anything).Return(false, nil)

	report, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, attempter.Calls("del-1"))
}

func TestScheduler_ListDueError(t *testing.T) {
	repo := mocks.NewRepository(t)
	s := retry.New(repo, newAttempter(alwaysSucceed), retry.Config{})
	repo.On("ListDue", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("connection reset"))

	_, err := s.Sweep(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listing due deliveries")
}

func TestScheduler_ConcurrentSweepersAttemptOnce(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := newStore(t)
	attempter := newAttempter(alwaysSucceed)
	attempter.delay = 5 * time.Millisecond

	a := retry.New(store, attempter, retry.Config{SweeperID: "a"}, retry.WithClock(clock.Now))
	b := retry.New(store, attempter, retry.Config{SweeperID: "b"}, retry.WithClock(clock.Now))

	sub := subscription("sub-1", 3, 60)
	require.NoError(t, store.CreateSubscription(ctx, sub))
	ids := []string{"d0", "d1", "d2", "d3", "d4", "d5", "d6", "d7", "d8", "d9"}
	for _, id := range ids {
		createDelivery(t, store, a, sub, id, clock.Now())
	}
	clock.Advance(retry.DefaultLease)

	var wg sync.WaitGroup
	reports := make([]retry.SweepReport, 2)
	for i, s := range []*retry.Scheduler{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i], _ = s.Sweep(ctx)
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, 1, attempter.Calls(id), id)
	}
	assert.Equal(t, len(ids), reports[0].Succeeded+reports[1].Succeeded)
}

type heartbeats struct {
	mu       sync.Mutex
	statuses []string
}

func (h *heartbeats) SetSweeperHeartbeat(ctx context.Context, sweeperID, status string, processed int, ttl time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, status)
	return nil
}

type observed struct {
	mu       sync.Mutex
	attempts int
	sweeps   int
}

func (o *observed) DeliveryAttempted(ctx context.Context, d webhook.Delivery, result webhook.AttemptResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts++
}

func (o *observed) SweepCompleted(ctx context.Context, due, errored int, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sweeps++
}

func TestScheduler_RunOnce(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := newStore(t)
	hb := &heartbeats{}
	obs := &observed{}
	s := retry.New(store, newAttempter(alwaysSucceed), retry.Config{},
		retry.WithClock(clock.Now), retry.WithHeartbeat(hb), retry.WithObserver(obs))

	sub := subscription("sub-1", 3, 60)
	require.NoError(t, store.CreateSubscription(ctx, sub))
	createDelivery(t, store, s, sub, "del-1", clock.Now())
	clock.Advance(retry.DefaultLease)

	report, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Due)
	assert.Equal(t, 1, report.Succeeded)

	assert.Equal(t, []string{"sweeping", "idle"}, hb.statuses)
	assert.Equal(t, 1, obs.attempts)
	assert.Equal(t, 1, obs.sweeps)

	t.Run("panic is reported as an error", func(t *testing.T) {
		repo := mocks.NewRepository(t)
		repo.On("ListDue", mock.Anything, mock.Anything, mock.Anything).
			Run(func(mock.Arguments) { panic("boom") }).
			Return([]webhook.Delivery{}, nil)
		s := retry.New(repo, newAttempter(alwaysSucceed), retry.Config{})

		_, err := s.RunOnce(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "boom")

		// the scheduler is free for the next run
		repo.ExpectedCalls = nil
		repo.On("ListDue", mock.Anything, mock.Anything, mock.Anything).Return([]webhook.Delivery{}, nil)
		_, err = s.RunOnce(ctx)
		assert.NoError(t, err)
	})
}

func TestScheduler_Run(t *testing.T) {
	t.Run("invalid schedule", func(t *testing.T) {
		s := retry.New(mocks.NewRepository(t), newAttempter(alwaysSucceed), retry.Config{})
		err := s.Run(context.Background(), "every now and then")
		require.Error(t, err)
	})

	t.Run("stops with the context", func(t *testing.T) {
		repo := mocks.NewRepository(t)
		repo.On("ListDue", mock.Anything, mock.Anything, mock.Anything).Return([]webhook.Delivery{}, nil).Maybe()
		s := retry.New(repo, newAttempter(alwaysSucceed), retry.Config{})

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- s.Run(ctx, "@every 1s") }()

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("scheduler did not stop")
		}
	})
}

func TestScheduler_DeliverTerminal(t *testing.T) {
	s := retry.New(mocks.NewRepository(t), newAttempter(alwaysSucceed), retry.Config{})
	d := webhook.Delivery{ID: "d", Status: webhook.Success, Attempts: 1, MaxAttempts: 3}

	_, err := s.Deliver(context.Background(), subscription("s", 3, 60), d)
	assert.True(t, errors.Is(err, webhook.ErrConflict))
}
