package webhook

import (
	"context"
	"time"
)

/* Small, focused interfaces following "The Go Way"
 * Interfaces abstract behavior, not things
 * Written for users of the API, not just for testing
 */

// SubscriptionReader provides read operations for subscriptions
type SubscriptionReader interface {
	GetSubscription(ctx context.Context, id string) (Subscription, error)
	ListSubscriptions(ctx context.Context, tenantID string) ([]Subscription, error)
	/* ListActiveByEvent returns every active subscription listening to kind,
	 * across tenants
	 */
	ListActiveByEvent(ctx context.Context, kind string) ([]Subscription, error)
}

// SubscriptionWriter provides write operations for subscriptions
type SubscriptionWriter interface {
	CreateSubscription(ctx context.Context, sub Subscription) error
	UpdateSubscription(ctx context.Context, sub Subscription) error
	/* DeleteSubscription removes the subscription together with its deliveries
	 */
	DeleteSubscription(ctx context.Context, id string) error
	TouchTriggered(ctx context.Context, id string, at time.Time) error
}

// DeliveryReader provides read operations for deliveries
type DeliveryReader interface {
	GetDelivery(ctx context.Context, id string) (Delivery, error)
	ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]Delivery, error)
	/* ListDue returns non-terminal deliveries whose next retry is at or before
	 * now, oldest-due first
	 */
	ListDue(ctx context.Context, now time.Time, limit int) ([]Delivery, error)
}

// DeliveryWriter provides write operations for deliveries
type DeliveryWriter interface {
	CreateDelivery(ctx context.Context, d Delivery) error
	/* Claim pushes next_retry_at of a due delivery to leaseUntil, only if it is
	 * still non-terminal, still has expectedAttempts and is due at now
	 * Returns false when another worker got there first
	 */
	Claim(ctx context.Context, id string, expectedAttempts int, now, leaseUntil time.Time) (bool, error)
	/* SaveAttempt persists d only if the stored delivery is still non-terminal
	 * and still has expectedAttempts, otherwise returns ErrConflict
	 */
	SaveAttempt(ctx context.Context, d Delivery, expectedAttempts int) error
}

/* Interface composition - combining small interfaces into larger ones
 * This is preferred over large monolithic interfaces
 */
type Repository interface {
	SubscriptionReader
	SubscriptionWriter
	DeliveryReader
	DeliveryWriter
	Close(ctx context.Context) error
}
