package metrics

import (
	"context"
	"time"
)

// DeliveryCounter is implemented by stores that can aggregate deliveries
type DeliveryCounter interface {
	CountByStatus(ctx context.Context) (map[string]int64, error)
	CountDue(ctx context.Context, now time.Time) (int64, error)
}

// StoreCollector collects from a DeliveryCounter, used with the Postgres store.
// It has no heartbeat source and reports no sweepers.
type StoreCollector struct {
	store DeliveryCounter
	clock func() time.Time
}

// NewStoreCollector creates a collector over store
func NewStoreCollector(store DeliveryCounter) *StoreCollector {
	return &StoreCollector{store: store, clock: time.Now}
}

func (c *StoreCollector) StatusCounts(ctx context.Context) (map[string]int64, error) {
	counts, err := c.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	out := emptyCounts()
	for status, n := range counts {
		if _, ok := out[status]; ok {
			out[status] = n
		}
	}
	return out, nil
}

func (c *StoreCollector) DueBacklog(ctx context.Context) (int64, error) {
	return c.store.CountDue(ctx, c.clock())
}

func (c *StoreCollector) ActiveSweepers(ctx context.Context) ([]SweeperInfo, error) {
	return nil, nil
}
