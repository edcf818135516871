package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// HeartbeatKeyPattern matches every sweeper heartbeat key
const HeartbeatKeyPattern = "sweeper:heartbeat:*"

// SweeperHeartbeat represents the heartbeat data for a sweeper process
type SweeperHeartbeat struct {
	SweeperID     string    `json:"sweeper_id"`
	Status        string    `json:"status"` // "idle", "sweeping"
	Processed     int       `json:"processed"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// SetSweeperHeartbeat stores or updates a sweeper's heartbeat in Redis.
// The key expires after ttl: a sweeper that misses its schedule is considered inactive.
func (r *Repository) SetSweeperHeartbeat(ctx context.Context, sweeperID, status string, processed int, ttl time.Duration) error {
	key := fmt.Sprintf("sweeper:heartbeat:%s", sweeperID)

	heartbeat := SweeperHeartbeat{
		SweeperID:     sweeperID,
		Status:        status,
		Processed:     processed,
		LastHeartbeat: time.Now(),
	}

	data, err := json.Marshal(heartbeat)
	if err != nil {
		return fmt.Errorf("marshaling heartbeat: %w", err)
	}

	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("setting heartbeat: %w", err)
	}

	return nil
}

// GetActiveSweepers retrieves all sweepers with a live heartbeat
func (r *Repository) GetActiveSweepers(ctx context.Context) ([]SweeperHeartbeat, error) {
	return ActiveSweepers(ctx, r.client)
}

// ActiveSweepers scans heartbeat keys with the given client
func ActiveSweepers(ctx context.Context, client *redis.Client) ([]SweeperHeartbeat, error) {
	var sweepers []SweeperHeartbeat

	var cursor uint64
	for {
		keys, nextCursor, err := client.Scan(ctx, cursor, HeartbeatKeyPattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning sweeper keys: %w", err)
		}

		for _, key := range keys {
			data, err := client.Get(ctx, key).Result()
			if err == redis.Nil {
				// Key expired between scan and get
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("getting sweeper heartbeat: %w", err)
			}

			var hb SweeperHeartbeat
			if err := json.Unmarshal([]byte(data), &hb); err != nil {
				continue
			}

			sweepers = append(sweepers, hb)
		}

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	return sweepers, nil
}
