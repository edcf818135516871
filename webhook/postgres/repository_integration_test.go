//go:build integration

package postgres

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcelsud/roster-hooks/webhook"
)

/* Runs against a real PostgreSQL in a container
 * go test -tags=integration ./webhook/postgres/...
 */

func TestPostgresRepository_Integration(t *testing.T) {
	ctx := context.Background()

	pgContainer, cleanup := SetupPostgresContainer(t, ctx)
	defer cleanup()

	repo := CreateTestRepository(t, ctx, pgContainer.ConnStr)
	defer repo.Close(ctx)

	now := time.Now().UTC().Truncate(time.Millisecond)
	sub := webhook.Subscription{
		ID:                  "sub-1",
		TenantID:            "tenant-a",
		URL:                 "https://hooks.example.com/roster",
		Events:              []string{"user.created", "enrollment.created"},
		Secret:              "whsec_abc",
		Active:              true,
		MaxAttempts:         2,
		RetryBackoffSeconds: 10,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	t.Run("subscriptions", func(t *testing.T) {
		require.NoError(t, repo.CreateSubscription(ctx, sub))

		err := repo.CreateSubscription(ctx, sub)
		assert.True(t, errors.Is(err, webhook.ErrInvalid))

		active, err := repo.ListActiveByEvent(ctx, "enrollment.created")
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, sub.Events, active[0].Events)

		none, err := repo.ListActiveByEvent(ctx, "class.created")
		require.NoError(t, err)
		assert.Empty(t, none)

		require.NoError(t, repo.TouchTriggered(ctx, sub.ID, now))
		got, err := repo.GetSubscription(ctx, sub.ID)
		require.NoError(t, err)
		require.NotNil(t, got.LastTriggeredAt)
		assert.True(t, now.Equal(*got.LastTriggeredAt))
	})

	t.Run("retry until failed", func(t *testing.T) {
		d := webhook.NewDelivery("del-1", sub, "user.created", []byte(`{"event":"user.created"}`), now, now.Add(20*time.Second))
		require.NoError(t, repo.CreateDelivery(ctx, d))

		first, err := d.Apply(webhook.AttemptResult{Error: "connection refused"}, now)
		require.NoError(t, err)
		require.NoError(t, repo.SaveAttempt(ctx, first, 0))
		assert.Equal(t, 10*time.Second, first.NextRetryAt.Sub(now))

		later := now.Add(10 * time.Second)
		due, err := repo.ListDue(ctx, later, 100)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, 1, due[0].Attempts)

		ok, err := repo.Claim(ctx, "del-1", 1, later, later.Add(20*time.Second))
		require.NoError(t, err)
		require.True(t, ok)

		second, err := due[0].Apply(webhook.AttemptResult{Error: "connection refused"}, later)
		require.NoError(t, err)
		require.NoError(t, repo.SaveAttempt(ctx, second, 1))

		got, err := repo.GetDelivery(ctx, "del-1")
		require.NoError(t, err)
		assert.Equal(t, webhook.Failed, got.Status)
		assert.Equal(t, 2, got.Attempts)
		assert.Nil(t, got.NextRetryAt)
		require.NotNil(t, got.CompletedAt)
		assert.True(t, later.Equal(*got.CompletedAt))

		err = repo.SaveAttempt(ctx, second, 1)
		assert.True(t, errors.Is(err, webhook.ErrConflict))

		n, err := repo.CountDue(ctx, later.Add(time.Hour))
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("one claim wins", func(t *testing.T) {
		d := webhook.NewDelivery("del-2", sub, "user.created", []byte(`{}`), now, now)
		require.NoError(t, repo.CreateDelivery(ctx, d))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if ok, err := repo.Claim(ctx, "del-2", 0, now, now.Add(time.Minute)); err == nil && ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("delete cascades to deliveries", func(t *testing.T) {
		require.NoError(t, repo.DeleteSubscription(ctx, sub.ID))
		assert.Zero(t, CountRows(t, ctx, pgContainer.DB, "webhook_deliveries"))

		_, err := repo.GetDelivery(ctx, "del-1")
		assert.True(t, errors.Is(err, webhook.ErrNotFound))
	})
}
