package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/marcelsud/roster-hooks/webhook"
	"github.com/redis/go-redis/v9"
)

/* Redis implementation of webhook.Repository
 * Uses Redis Hashes for subscriptions and deliveries
 * Uses Sets as secondary indexes (tenant, event kind)
 * Uses Sorted Sets for per-subscription history and the due queue
 */

const (
	subscriptionPrefix = "webhook:sub"            // Hash: webhook:sub:{id}
	tenantIndexPrefix  = "webhook:subs:tenant"    // Set: webhook:subs:tenant:{tenant_id}
	eventIndexPrefix   = "webhook:subs:event"     // Set: webhook:subs:event:{kind}
	deliveryPrefix     = "webhook:delivery"       // Hash: webhook:delivery:{id}
	historyPrefix      = "webhook:deliveries:sub" // ZSet: webhook:deliveries:sub:{sub_id}, scored by created_at ms
	dueKey             = "webhook:due"            // ZSet: non-terminal deliveries scored by next_retry_at ms
)

// Keys read by the metrics collector
const (
	DeliveryKeyPattern = deliveryPrefix + ":*"
	DueKey             = dueKey
)

/* claimScript moves next_retry_at of a due, non-terminal delivery to the lease
 * KEYS[1] delivery hash, KEYS[2] due zset
 * ARGV[1] id, ARGV[2] expected attempts, ARGV[3] now ms, ARGV[4] lease ms
 */
var claimScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return 0 end
if status ~= 'pending' and status ~= 'retrying' then return 0 end
if tonumber(redis.call('HGET', KEYS[1], 'attempts')) ~= tonumber(ARGV[2]) then return 0 end
local due = redis.call('HGET', KEYS[1], 'next_retry_at')
if (not due) or due == '' or tonumber(due) > tonumber(ARGV[3]) then return 0 end
redis.call('HSET', KEYS[1], 'next_retry_at', ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
return 1
`)

/* saveScript writes the attempt outcome if nobody else did
 * KEYS[1] delivery hash, KEYS[2] due zset
 * ARGV[1] id, ARGV[2] expected attempts, ARGV[3] next_retry_at ms or ''
 * ARGV[4..] field value pairs
 * Returns -1 when missing, 0 on conflict, 1 when saved
 */
var saveScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
if status ~= 'pending' and status ~= 'retrying' then return 0 end
if tonumber(redis.call('HGET', KEYS[1], 'attempts')) ~= tonumber(ARGV[2]) then return 0 end
for i = 4, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
if ARGV[3] == '' then
  redis.call('ZREM', KEYS[2], ARGV[1])
else
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
end
return 1
`)

// touchScript sets last_triggered_at only on an existing subscription hash
var touchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('HSET', KEYS[1], 'last_triggered_at', ARGV[1])
return 1
`)

type Repository struct {
	client *redis.Client
}

// NewRepository creates a new Redis repository
func NewRepository(addr, password string, db int) (*Repository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to Redis: %w", err)
	}

	return &Repository{
		client: client,
	}, nil
}

// NewRepositoryWithClient wraps an existing client
func NewRepositoryWithClient(client *redis.Client) *Repository {
	return &Repository{client: client}
}

// CreateSubscription stores a subscription and indexes it by tenant and event kind
func (r *Repository) CreateSubscription(ctx context.Context, sub webhook.Subscription) error {
	key := subscriptionKey(sub.ID)

	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("checking subscription: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("subscription %s already exists: %w", sub.ID, webhook.ErrInvalid)
	}

	fields, err := subscriptionFields(sub)
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields...)
		pipe.SAdd(ctx, tenantIndexKey(sub.TenantID), sub.ID)
		for _, kind := range sub.Events {
			pipe.SAdd(ctx, eventIndexKey(kind), sub.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storing subscription: %w", err)
	}
	return nil
}

// updateRetries bounds how often an update is replayed after a concurrent
// write to the same subscription
const updateRetries = 5

/* UpdateSubscription writes the mutable fields of sub and moves its event
 * index entries. The hash is watched: a concurrent touch or delete aborts
 * the transaction and the update is replayed against the new state.
 * id, tenant, secret, created_at and last_triggered_at are never written.
 */
func (r *Repository) UpdateSubscription(ctx context.Context, sub webhook.Subscription) error {
	key := subscriptionKey(sub.ID)
	events, err := json.Marshal(sub.Events)
	if err != nil {
		return fmt.Errorf("marshaling events: %w", err)
	}

	update := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, "events").Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("subscription %s: %w", sub.ID, webhook.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("getting subscription events: %w", err)
		}
		var old []string
		if err := json.Unmarshal([]byte(raw), &old); err != nil {
			return fmt.Errorf("unmarshaling events: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, kind := range old {
				pipe.SRem(ctx, eventIndexKey(kind), sub.ID)
			}
			pipe.HSet(ctx, key,
				"url", sub.URL,
				"events", string(events),
				"active", strconv.FormatBool(sub.Active),
				"max_attempts", sub.MaxAttempts,
				"retry_backoff_seconds", sub.RetryBackoffSeconds,
				"updated_at", sub.UpdatedAt.UnixMilli(),
			)
			for _, kind := range sub.Events {
				pipe.SAdd(ctx, eventIndexKey(kind), sub.ID)
			}
			return nil
		})
		return err
	}

	for range updateRetries {
		err := r.client.Watch(ctx, update, key)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, webhook.ErrNotFound):
			return err
		default:
			return fmt.Errorf("updating subscription: %w", err)
		}
	}
	return fmt.Errorf("updating subscription %s: %w", sub.ID, webhook.ErrConflict)
}

// DeleteSubscription removes the subscription, its indexes and its deliveries
func (r *Repository) DeleteSubscription(ctx context.Context, id string) error {
	sub, err := r.GetSubscription(ctx, id)
	if err != nil {
		return err
	}

	deliveryIDs, err := r.client.ZRange(ctx, historyKey(id), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("listing deliveries of subscription: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, subscriptionKey(id))
		pipe.SRem(ctx, tenantIndexKey(sub.TenantID), id)
		for _, kind := range sub.Events {
			pipe.SRem(ctx, eventIndexKey(kind), id)
		}
		for _, did := range deliveryIDs {
			pipe.Del(ctx, deliveryKey(did))
			pipe.ZRem(ctx, dueKey, did)
		}
		pipe.Del(ctx, historyKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	return nil
}

// TouchTriggered records the last time an event was dispatched to the subscription
func (r *Repository) TouchTriggered(ctx context.Context, id string, at time.Time) error {
	n, err := touchScript.Run(ctx, r.client, []string{subscriptionKey(id)}, at.UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("touching subscription: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("subscription %s: %w", id, webhook.ErrNotFound)
	}
	return nil
}

// GetSubscription retrieves a subscription by ID
func (r *Repository) GetSubscription(ctx context.Context, id string) (webhook.Subscription, error) {
	data, err := r.client.HGetAll(ctx, subscriptionKey(id)).Result()
	if err != nil {
		return webhook.Subscription{}, fmt.Errorf("getting subscription: %w", err)
	}
	if len(data) == 0 {
		return webhook.Subscription{}, fmt.Errorf("subscription %s: %w", id, webhook.ErrNotFound)
	}
	return parseSubscription(data)
}

// ListSubscriptions returns the subscriptions of a tenant, oldest first
func (r *Repository) ListSubscriptions(ctx context.Context, tenantID string) ([]webhook.Subscription, error) {
	ids, err := r.client.SMembers(ctx, tenantIndexKey(tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing tenant subscriptions: %w", err)
	}
	subs, err := r.loadSubscriptions(ctx, ids)
	if err != nil {
		return nil, err
	}
	sortSubscriptions(subs)
	return subs, nil
}

// ListActiveByEvent returns active subscriptions listening to kind
func (r *Repository) ListActiveByEvent(ctx context.Context, kind string) ([]webhook.Subscription, error) {
	ids, err := r.client.SMembers(ctx, eventIndexKey(kind)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing event subscriptions: %w", err)
	}
	subs, err := r.loadSubscriptions(ctx, ids)
	if err != nil {
		return nil, err
	}

	active := subs[:0]
	for _, sub := range subs {
		if sub.Active && sub.Subscribes(kind) {
			active = append(active, sub)
		}
	}
	sortSubscriptions(active)
	return active, nil
}

// CreateDelivery stores a delivery, appends it to the subscription history
// and schedules it on the due queue
func (r *Repository) CreateDelivery(ctx context.Context, d webhook.Delivery) error {
	fields := deliveryFields(d)

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, deliveryKey(d.ID), fields...)
		pipe.ZAdd(ctx, historyKey(d.SubscriptionID), redis.Z{
			Score:  float64(d.CreatedAt.UnixMilli()),
			Member: d.ID,
		})
		if d.NextRetryAt != nil && !d.Status.IsFinal() {
			pipe.ZAdd(ctx, dueKey, redis.Z{
				Score:  float64(d.NextRetryAt.UnixMilli()),
				Member: d.ID,
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storing delivery: %w", err)
	}
	return nil
}

// Claim leases a due delivery so that only one sweeper attempts it
func (r *Repository) Claim(ctx context.Context, id string, expectedAttempts int, now, leaseUntil time.Time) (bool, error) {
	res, err := claimScript.Run(ctx, r.client,
		[]string{deliveryKey(id), dueKey},
		id, expectedAttempts, now.UnixMilli(), leaseUntil.UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("claiming delivery: %w", err)
	}
	return res == 1, nil
}

// SaveAttempt persists d if the stored delivery still has expectedAttempts
func (r *Repository) SaveAttempt(ctx context.Context, d webhook.Delivery, expectedAttempts int) error {
	next := ""
	if d.NextRetryAt != nil && !d.Status.IsFinal() {
		next = strconv.FormatInt(d.NextRetryAt.UnixMilli(), 10)
	}

	args := append([]interface{}{d.ID, expectedAttempts, next}, deliveryFields(d)...)
	res, err := saveScript.Run(ctx, r.client, []string{deliveryKey(d.ID), dueKey}, args...).Int()
	if err != nil {
		return fmt.Errorf("saving delivery attempt: %w", err)
	}

	switch res {
	case 1:
		return nil
	case -1:
		return fmt.Errorf("delivery %s: %w", d.ID, webhook.ErrNotFound)
	default:
		return fmt.Errorf("delivery %s: %w", d.ID, webhook.ErrConflict)
	}
}

// GetDelivery retrieves a delivery by ID
func (r *Repository) GetDelivery(ctx context.Context, id string) (webhook.Delivery, error) {
	data, err := r.client.HGetAll(ctx, deliveryKey(id)).Result()
	if err != nil {
		return webhook.Delivery{}, fmt.Errorf("getting delivery: %w", err)
	}
	if len(data) == 0 {
		return webhook.Delivery{}, fmt.Errorf("delivery %s: %w", id, webhook.ErrNotFound)
	}
	return parseDelivery(data), nil
}

// ListDeliveries returns the most recent deliveries of a subscription, newest first
func (r *Repository) ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]webhook.Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := r.client.ZRevRange(ctx, historyKey(subscriptionID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing deliveries: %w", err)
	}
	return r.loadDeliveries(ctx, ids)
}

// ListDue returns deliveries whose next_retry_at is at or before now, oldest first
func (r *Repository) ListDue(ctx context.Context, now time.Time, limit int) ([]webhook.Delivery, error) {
	ids, err := r.client.ZRangeByScore(ctx, dueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("listing due deliveries: %w", err)
	}

	deliveries, err := r.loadDeliveries(ctx, ids)
	if err != nil {
		return nil, err
	}

	due := deliveries[:0]
	for _, d := range deliveries {
		if !d.Status.IsFinal() {
			due = append(due, d)
		}
	}
	return due, nil
}

// CountDue returns how many deliveries are due at now
func (r *Repository) CountDue(ctx context.Context, now time.Time) (int64, error) {
	n, err := r.client.ZCount(ctx, dueKey, "-inf", strconv.FormatInt(now.UnixMilli(), 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("counting due deliveries: %w", err)
	}
	return n, nil
}

// Close closes the Redis connection
func (r *Repository) Close(ctx context.Context) error {
	return r.client.Close()
}

// GetClient returns the underlying Redis client for advanced operations
func (r *Repository) GetClient() *redis.Client {
	return r.client
}

func (r *Repository) loadSubscriptions(ctx context.Context, ids []string) ([]webhook.Subscription, error) {
	if len(ids) == 0 {
		return []webhook.Subscription{}, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, subscriptionKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("executing pipeline: %w", err)
	}

	subs := make([]webhook.Subscription, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			// index entry outlived the hash
			continue
		}
		sub, err := parseSubscription(data)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (r *Repository) loadDeliveries(ctx context.Context, ids []string) ([]webhook.Delivery, error) {
	if len(ids) == 0 {
		return []webhook.Delivery{}, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, deliveryKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("executing pipeline: %w", err)
	}

	deliveries := make([]webhook.Delivery, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}
		deliveries = append(deliveries, parseDelivery(data))
	}
	return deliveries, nil
}

// Helper functions

func subscriptionKey(id string) string   { return subscriptionPrefix + ":" + id }
func tenantIndexKey(tenant string) string { return tenantIndexPrefix + ":" + tenant }
func eventIndexKey(kind string) string   { return eventIndexPrefix + ":" + kind }
func deliveryKey(id string) string       { return deliveryPrefix + ":" + id }
func historyKey(subID string) string     { return historyPrefix + ":" + subID }

func subscriptionFields(sub webhook.Subscription) ([]interface{}, error) {
	events, err := json.Marshal(sub.Events)
	if err != nil {
		return nil, fmt.Errorf("marshaling events: %w", err)
	}
	return []interface{}{
		"id", sub.ID,
		"tenant_id", sub.TenantID,
		"url", sub.URL,
		"events", string(events),
		"secret", sub.Secret,
		"active", strconv.FormatBool(sub.Active),
		"max_attempts", sub.MaxAttempts,
		"retry_backoff_seconds", sub.RetryBackoffSeconds,
		"last_triggered_at", formatTime(sub.LastTriggeredAt),
		"created_at", sub.CreatedAt.UnixMilli(),
		"updated_at", sub.UpdatedAt.UnixMilli(),
	}, nil
}

func parseSubscription(data map[string]string) (webhook.Subscription, error) {
	var events []string
	if raw := data["events"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &events); err != nil {
			return webhook.Subscription{}, fmt.Errorf("unmarshaling events: %w", err)
		}
	}
	active, _ := strconv.ParseBool(data["active"])

	return webhook.Subscription{
		ID:                  data["id"],
		TenantID:            data["tenant_id"],
		URL:                 data["url"],
		Events:              events,
		Secret:              data["secret"],
		Active:              active,
		MaxAttempts:         int(parseInt64(data["max_attempts"])),
		RetryBackoffSeconds: int(parseInt64(data["retry_backoff_seconds"])),
		LastTriggeredAt:     parseTime(data["last_triggered_at"]),
		CreatedAt:           time.UnixMilli(parseInt64(data["created_at"])).UTC(),
		UpdatedAt:           time.UnixMilli(parseInt64(data["updated_at"])).UTC(),
	}, nil
}

func deliveryFields(d webhook.Delivery) []interface{} {
	responseStatus := ""
	if d.ResponseStatus != nil {
		responseStatus = strconv.Itoa(*d.ResponseStatus)
	}
	errorMessage := ""
	if d.ErrorMessage != nil {
		errorMessage = *d.ErrorMessage
	}
	return []interface{}{
		"id", d.ID,
		"subscription_id", d.SubscriptionID,
		"tenant_id", d.TenantID,
		"event_kind", d.EventKind,
		"payload", string(d.Payload),
		"status", d.Status.String(),
		"attempts", d.Attempts,
		"max_attempts", d.MaxAttempts,
		"backoff_ms", d.BackoffBase.Milliseconds(),
		"last_attempt_at", formatTime(d.LastAttemptAt),
		"next_retry_at", formatTime(d.NextRetryAt),
		"response_status", responseStatus,
		"response_body", d.ResponseBody,
		"error_message", errorMessage,
		"completed_at", formatTime(d.CompletedAt),
		"created_at", d.CreatedAt.UnixMilli(),
	}
}

func parseDelivery(data map[string]string) webhook.Delivery {
	d := webhook.Delivery{
		ID:             data["id"],
		SubscriptionID: data["subscription_id"],
		TenantID:       data["tenant_id"],
		EventKind:      data["event_kind"],
		Payload:        []byte(data["payload"]),
		Status:         webhook.NewStatus(data["status"]),
		Attempts:       int(parseInt64(data["attempts"])),
		MaxAttempts:    int(parseInt64(data["max_attempts"])),
		BackoffBase:    time.Duration(parseInt64(data["backoff_ms"])) * time.Millisecond,
		LastAttemptAt:  parseTime(data["last_attempt_at"]),
		NextRetryAt:    parseTime(data["next_retry_at"]),
		ResponseBody:   data["response_body"],
		CompletedAt:    parseTime(data["completed_at"]),
		CreatedAt:      time.UnixMilli(parseInt64(data["created_at"])).UTC(),
	}
	if s := data["response_status"]; s != "" {
		code := int(parseInt64(s))
		d.ResponseStatus = &code
	}
	if msg := data["error_message"]; msg != "" {
		d.ErrorMessage = &msg
	}
	return d
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t := time.UnixMilli(parseInt64(s)).UTC()
	return &t
}

func sortSubscriptions(subs []webhook.Subscription) {
	slices.SortFunc(subs, func(a, b webhook.Subscription) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
