package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/marcelsud/roster-hooks/webhook"
)

/* PostgreSQL implementation of webhook.Repository
 * Event kinds are stored as TEXT[] and matched with = ANY
 * Deliveries reference their subscription with ON DELETE CASCADE
 * Attempt transitions are conditional UPDATEs on status and attempts
 */

const uniqueViolation = "23505"

const subscriptionColumns = `id, tenant_id, url, events, secret, active, max_attempts,
	retry_backoff_seconds, last_triggered_at, created_at, updated_at`

const deliveryColumns = `id, subscription_id, tenant_id, event_kind, payload, status, attempts,
	max_attempts, backoff_ms, last_attempt_at, next_retry_at, response_status, response_body,
	error_message, completed_at, created_at`

const schema = `
CREATE TABLE IF NOT EXISTS webhook_subscriptions (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	url TEXT NOT NULL,
	events TEXT[] NOT NULL,
	secret TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	max_attempts INTEGER NOT NULL,
	retry_backoff_seconds INTEGER NOT NULL,
	last_triggered_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS webhook_subscriptions_tenant_idx ON webhook_subscriptions (tenant_id, created_at);
CREATE INDEX IF NOT EXISTS webhook_subscriptions_events_idx ON webhook_subscriptions USING GIN (events);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
	id TEXT PRIMARY KEY,
	subscription_id TEXT NOT NULL REFERENCES webhook_subscriptions (id) ON DELETE CASCADE,
	tenant_id TEXT NOT NULL,
	event_kind TEXT NOT NULL,
	payload BYTEA NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	backoff_ms BIGINT NOT NULL,
	last_attempt_at TIMESTAMPTZ,
	next_retry_at TIMESTAMPTZ,
	response_status INTEGER,
	response_body TEXT NOT NULL DEFAULT '',
	error_message TEXT,
	completed_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS webhook_deliveries_subscription_idx ON webhook_deliveries (subscription_id, created_at DESC);
CREATE INDEX IF NOT EXISTS webhook_deliveries_due_idx ON webhook_deliveries (next_retry_at)
	WHERE status IN ('pending', 'retrying');
`

type Repository struct {
	DB *sql.DB
}

// NewRepository opens a pool with the default settings (25, 5, 5 min)
func NewRepository(connectionString string) (*Repository, error) {
	return NewRepositoryWithPoolConfig(connectionString, 25, 5, 5)
}

// NewRepositoryWithPoolConfig opens a pool with custom limits
// maxOpenConns: maximum simultaneous connections (0 = unlimited)
// maxIdleConns: maximum idle connections kept in the pool
// maxLifeMinutes: how long a connection may be reused
func NewRepositoryWithPoolConfig(connectionString string, maxOpenConns, maxIdleConns, maxLifeMinutes int) (*Repository, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	if maxIdleConns > 0 {
		db.SetMaxIdleConns(maxIdleConns)
	}
	if maxLifeMinutes > 0 {
		db.SetConnMaxLifetime(time.Duration(maxLifeMinutes) * time.Minute)
	}

	return &Repository{DB: db}, nil
}

// CreateTables creates the schema when missing
func (r *Repository) CreateTables(ctx context.Context) error {
	if _, err := r.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating tables: %w", err)
	}
	return nil
}

// DropTables removes the schema
func (r *Repository) DropTables(ctx context.Context) error {
	if _, err := r.DB.ExecContext(ctx, "DROP TABLE IF EXISTS webhook_deliveries, webhook_subscriptions CASCADE"); err != nil {
		return fmt.Errorf("dropping tables: %w", err)
	}
	return nil
}

// Close closes the pool
func (r *Repository) Close(ctx context.Context) error {
	if r.DB != nil {
		return r.DB.Close()
	}
	return nil
}

func (r *Repository) CreateSubscription(ctx context.Context, sub webhook.Subscription) error {
	query := `INSERT INTO webhook_subscriptions (` + subscriptionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := r.DB.ExecContext(ctx, query,
		sub.ID,
		sub.TenantID,
		sub.URL,
		pq.Array(sub.Events),
		sub.Secret,
		sub.Active,
		sub.MaxAttempts,
		sub.RetryBackoffSeconds,
		nullTime(sub.LastTriggeredAt),
		sub.CreatedAt,
		sub.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("subscription %s already exists: %w", sub.ID, webhook.ErrInvalid)
		}
		return fmt.Errorf("inserting subscription: %w", err)
	}
	return nil
}

// UpdateSubscription rewrites the mutable attributes; the secret never changes
func (r *Repository) UpdateSubscription(ctx context.Context, sub webhook.Subscription) error {
	query := `UPDATE webhook_subscriptions
		SET url = $1, events = $2, active = $3, max_attempts = $4, retry_backoff_seconds = $5, updated_at = $6
		WHERE id = $7`

	result, err := r.DB.ExecContext(ctx, query,
		sub.URL,
		pq.Array(sub.Events),
		sub.Active,
		sub.MaxAttempts,
		sub.RetryBackoffSeconds,
		sub.UpdatedAt,
		sub.ID,
	)
	if err != nil {
		return fmt.Errorf("updating subscription: %w", err)
	}
	return expectRow(result, "subscription", sub.ID)
}

// DeleteSubscription removes the subscription, its deliveries go with it
func (r *Repository) DeleteSubscription(ctx context.Context, id string) error {
	result, err := r.DB.ExecContext(ctx, "DELETE FROM webhook_subscriptions WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	return expectRow(result, "subscription", id)
}

func (r *Repository) TouchTriggered(ctx context.Context, id string, at time.Time) error {
	result, err := r.DB.ExecContext(ctx,
		"UPDATE webhook_subscriptions SET last_triggered_at = $1 WHERE id = $2", at, id)
	if err != nil {
		return fmt.Errorf("touching subscription: %w", err)
	}
	return expectRow(result, "subscription", id)
}

func (r *Repository) GetSubscription(ctx context.Context, id string) (webhook.Subscription, error) {
	query := "SELECT " + subscriptionColumns + " FROM webhook_subscriptions WHERE id = $1"

	sub, err := scanSubscription(r.DB.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return webhook.Subscription{}, fmt.Errorf("subscription %s: %w", id, webhook.ErrNotFound)
	}
	if err != nil {
		return webhook.Subscription{}, fmt.Errorf("selecting subscription: %w", err)
	}
	return sub, nil
}

// ListSubscriptions returns the subscriptions of a tenant, oldest first
func (r *Repository) ListSubscriptions(ctx context.Context, tenantID string) ([]webhook.Subscription, error) {
	query := "SELECT " + subscriptionColumns + ` FROM webhook_subscriptions
		WHERE tenant_id = $1 ORDER BY created_at, id`
	return r.querySubscriptions(ctx, query, tenantID)
}

// ListActiveByEvent returns active subscriptions listening to kind
func (r *Repository) ListActiveByEvent(ctx context.Context, kind string) ([]webhook.Subscription, error) {
	query := "SELECT " + subscriptionColumns + ` FROM webhook_subscriptions
		WHERE active AND $1 = ANY(events) ORDER BY created_at, id`
	return r.querySubscriptions(ctx, query, kind)
}

func (r *Repository) querySubscriptions(ctx context.Context, query string, args ...any) ([]webhook.Subscription, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("selecting subscriptions: %w", err)
	}
	defer rows.Close()

	subs := []webhook.Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating subscriptions: %w", err)
	}
	return subs, nil
}

func (r *Repository) CreateDelivery(ctx context.Context, d webhook.Delivery) error {
	query := `INSERT INTO webhook_deliveries (` + deliveryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err := r.DB.ExecContext(ctx, query,
		d.ID,
		d.SubscriptionID,
		d.TenantID,
		d.EventKind,
		d.Payload,
		d.Status.String(),
		d.Attempts,
		d.MaxAttempts,
		d.BackoffBase.Milliseconds(),
		nullTime(d.LastAttemptAt),
		nullTime(d.NextRetryAt),
		nullInt(d.ResponseStatus),
		d.ResponseBody,
		nullString(d.ErrorMessage),
		nullTime(d.CompletedAt),
		d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting delivery: %w", err)
	}
	return nil
}

// Claim leases a due delivery so that only one sweeper attempts it
func (r *Repository) Claim(ctx context.Context, id string, expectedAttempts int, now, leaseUntil time.Time) (bool, error) {
	query := `UPDATE webhook_deliveries SET next_retry_at = $1
		WHERE id = $2 AND status IN ('pending', 'retrying') AND attempts = $3 AND next_retry_at <= $4`

	result, err := r.DB.ExecContext(ctx, query, leaseUntil, id, expectedAttempts, now)
	if err != nil {
		return false, fmt.Errorf("claiming delivery: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return n == 1, nil
}

// SaveAttempt persists d if the stored delivery still has expectedAttempts
func (r *Repository) SaveAttempt(ctx context.Context, d webhook.Delivery, expectedAttempts int) error {
	query := `UPDATE webhook_deliveries
		SET status = $1, attempts = $2, last_attempt_at = $3, next_retry_at = $4, response_status = $5,
			response_body = $6, error_message = $7, completed_at = $8
		WHERE id = $9 AND status IN ('pending', 'retrying') AND attempts = $10`

	next := d.NextRetryAt
	if d.Status.IsFinal() {
		next = nil
	}

	result, err := r.DB.ExecContext(ctx, query,
		d.Status.String(),
		d.Attempts,
		nullTime(d.LastAttemptAt),
		nullTime(next),
		nullInt(d.ResponseStatus),
		d.ResponseBody,
		nullString(d.ErrorMessage),
		nullTime(d.CompletedAt),
		d.ID,
		expectedAttempts,
	)
	if err != nil {
		return fmt.Errorf("saving delivery attempt: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists bool
	if err := r.DB.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM webhook_deliveries WHERE id = $1)", d.ID).Scan(&exists); err != nil {
		return fmt.Errorf("checking delivery: %w", err)
	}
	if !exists {
		return fmt.Errorf("delivery %s: %w", d.ID, webhook.ErrNotFound)
	}
	return fmt.Errorf("delivery %s: %w", d.ID, webhook.ErrConflict)
}

func (r *Repository) GetDelivery(ctx context.Context, id string) (webhook.Delivery, error) {
	query := "SELECT " + deliveryColumns + " FROM webhook_deliveries WHERE id = $1"

	d, err := scanDelivery(r.DB.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return webhook.Delivery{}, fmt.Errorf("delivery %s: %w", id, webhook.ErrNotFound)
	}
	if err != nil {
		return webhook.Delivery{}, fmt.Errorf("selecting delivery: %w", err)
	}
	return d, nil
}

// ListDeliveries returns the most recent deliveries of a subscription, newest first
func (r *Repository) ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]webhook.Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT " + deliveryColumns + ` FROM webhook_deliveries
		WHERE subscription_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`
	return r.queryDeliveries(ctx, query, subscriptionID, limit)
}

// ListDue returns deliveries whose next_retry_at is at or before now, oldest first
func (r *Repository) ListDue(ctx context.Context, now time.Time, limit int) ([]webhook.Delivery, error) {
	query := "SELECT " + deliveryColumns + ` FROM webhook_deliveries
		WHERE status IN ('pending', 'retrying') AND next_retry_at <= $1
		ORDER BY next_retry_at ASC LIMIT $2`
	return r.queryDeliveries(ctx, query, now, limit)
}

// CountDue returns how many deliveries are due at now
func (r *Repository) CountDue(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_deliveries
		WHERE status IN ('pending', 'retrying') AND next_retry_at <= $1`, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting due deliveries: %w", err)
	}
	return n, nil
}

// CountByStatus returns the number of deliveries per status name
func (r *Repository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM webhook_deliveries GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting deliveries by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning status count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating status counts: %w", err)
	}
	return counts, nil
}

func (r *Repository) queryDeliveries(ctx context.Context, query string, args ...any) ([]webhook.Delivery, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("selecting deliveries: %w", err)
	}
	defer rows.Close()

	deliveries := []webhook.Delivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning delivery: %w", err)
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating deliveries: %w", err)
	}
	return deliveries, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(s scanner) (webhook.Subscription, error) {
	var sub webhook.Subscription
	var events pq.StringArray
	var lastTriggered sql.NullTime

	err := s.Scan(
		&sub.ID,
		&sub.TenantID,
		&sub.URL,
		&events,
		&sub.Secret,
		&sub.Active,
		&sub.MaxAttempts,
		&sub.RetryBackoffSeconds,
		&lastTriggered,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return webhook.Subscription{}, err
	}

	sub.Events = []string(events)
	sub.LastTriggeredAt = timePtr(lastTriggered)
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	return sub, nil
}

func scanDelivery(s scanner) (webhook.Delivery, error) {
	var d webhook.Delivery
	var status string
	var backoffMS int64
	var lastAttempt, nextRetry, completed sql.NullTime
	var responseStatus sql.NullInt64
	var errorMessage sql.NullString

	err := s.Scan(
		&d.ID,
		&d.SubscriptionID,
		&d.TenantID,
		&d.EventKind,
		&d.Payload,
		&status,
		&d.Attempts,
		&d.MaxAttempts,
		&backoffMS,
		&lastAttempt,
		&nextRetry,
		&responseStatus,
		&d.ResponseBody,
		&errorMessage,
		&completed,
		&d.CreatedAt,
	)
	if err != nil {
		return webhook.Delivery{}, err
	}

	d.Status = webhook.NewStatus(status)
	d.BackoffBase = time.Duration(backoffMS) * time.Millisecond
	d.LastAttemptAt = timePtr(lastAttempt)
	d.NextRetryAt = timePtr(nextRetry)
	d.CompletedAt = timePtr(completed)
	d.CreatedAt = d.CreatedAt.UTC()
	if responseStatus.Valid {
		code := int(responseStatus.Int64)
		d.ResponseStatus = &code
	}
	if errorMessage.Valid {
		msg := errorMessage.String
		d.ErrorMessage = &msg
	}
	return d, nil
}

func expectRow(result sql.Result, what, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, webhook.ErrNotFound)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	at := t.Time.UTC()
	return &at
}
