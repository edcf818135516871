package metrics

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	webhookredis "github.com/marcelsud/roster-hooks/webhook/redis"
)

// RedisCollector implements the Collector interface for Redis-backed metrics
type RedisCollector struct {
	client *redis.Client
	clock  func() time.Time
}

// NewRedisCollector creates a new Redis metrics collector
func NewRedisCollector(client *redis.Client) *RedisCollector {
	return &RedisCollector{
		client: client,
		clock:  time.Now,
	}
}

// StatusCounts returns counts of deliveries grouped by status
func (c *RedisCollector) StatusCounts(ctx context.Context) (map[string]int64, error) {
	statusCounts := emptyCounts()

	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, webhookredis.DeliveryKeyPattern, 1000).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning delivery keys: %w", err)
		}

		if len(keys) > 0 {
			// Use pipeline for efficient batch operations
			pipe := c.client.Pipeline()
			cmds := make([]*redis.StringCmd, len(keys))
			for i, key := range keys {
				cmds[i] = pipe.HGet(ctx, key, "status")
			}
			if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
				return nil, fmt.Errorf("executing pipeline: %w", err)
			}

			for _, cmd := range cmds {
				status, err := cmd.Result()
				if err != nil {
					// deleted between scan and read
					continue
				}
				if _, exists := statusCounts[status]; exists {
					statusCounts[status]++
				}
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return statusCounts, nil
}

// DueBacklog counts deliveries in the due queue whose time has come
func (c *RedisCollector) DueBacklog(ctx context.Context) (int64, error) {
	upper := strconv.FormatInt(c.clock().UnixMilli(), 10)
	n, err := c.client.ZCount(ctx, webhookredis.DueKey, "-inf", upper).Result()
	if err != nil {
		return 0, fmt.Errorf("counting due deliveries: %w", err)
	}
	return n, nil
}

// ActiveSweepers returns sweepers whose heartbeat key has not expired
func (c *RedisCollector) ActiveSweepers(ctx context.Context) ([]SweeperInfo, error) {
	beats, err := webhookredis.ActiveSweepers(ctx, c.client)
	if err != nil {
		return nil, err
	}
	sweepers := make([]SweeperInfo, 0, len(beats))
	for _, hb := range beats {
		sweepers = append(sweepers, SweeperInfo{
			SweeperID:     hb.SweeperID,
			Status:        hb.Status,
			Processed:     hb.Processed,
			LastHeartbeat: hb.LastHeartbeat,
		})
	}
	return sweepers, nil
}
