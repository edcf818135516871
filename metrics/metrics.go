package metrics

import (
	"context"
	"time"
)

// Snapshot represents the current state of the delivery pipeline.
type Snapshot struct {
	// StatusCounts maps status name to count of deliveries in that status
	StatusCounts map[string]int64 `json:"status_counts"`

	// Due is the number of non-terminal deliveries whose retry time has passed
	Due int64 `json:"due"`

	// Sweepers lists the retry sweepers with a live heartbeat
	Sweepers []SweeperInfo `json:"sweepers"`

	// Timestamp when metrics were collected
	Timestamp time.Time `json:"timestamp"`
}

// SweeperInfo represents information about an active sweeper.
type SweeperInfo struct {
	SweeperID string `json:"sweeper_id"`

	// Status is "idle" or "sweeping"
	Status string `json:"status"`

	// Processed is the number of deliveries handled by the last sweep
	Processed int `json:"processed"`

	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Collector defines the interface for collecting metrics from a delivery store.
type Collector interface {
	// StatusCounts returns the count of deliveries by status
	StatusCounts(ctx context.Context) (map[string]int64, error)

	// DueBacklog returns how many deliveries are waiting for the sweep
	DueBacklog(ctx context.Context) (int64, error)

	// ActiveSweepers returns the sweepers with a live heartbeat
	ActiveSweepers(ctx context.Context) ([]SweeperInfo, error)
}

// Collect gathers a full snapshot from c
func Collect(ctx context.Context, c Collector, now time.Time) (Snapshot, error) {
	counts, err := c.StatusCounts(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	due, err := c.DueBacklog(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	sweepers, err := c.ActiveSweepers(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		StatusCounts: counts,
		Due:          due,
		Sweepers:     sweepers,
		Timestamp:    now,
	}, nil
}

// emptyCounts has an entry for every delivery status
func emptyCounts() map[string]int64 {
	return map[string]int64{
		"pending":  0,
		"retrying": 0,
		"success":  0,
		"failed":   0,
	}
}
