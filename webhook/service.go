package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/marcelsud/roster-hooks/webhook/signature"
)

/* Service represents the business logic layer of the webhook registry
 * Uses pointer semantics as it's an API, not data
 */

// SecretBytes is the amount of randomness in a generated subscription secret
const SecretBytes = 32

// UseCase defines the business operations for subscription management
type UseCase interface {
	Register(ctx context.Context, tenantID string, in Registration) (Subscription, error)
	Update(ctx context.Context, tenantID, id string, patch Patch) (Subscription, error)
	Delete(ctx context.Context, tenantID, id string) error
	Get(ctx context.Context, tenantID, id string) (Subscription, error)
	List(ctx context.Context, tenantID string) ([]Subscription, error)
	Deliveries(ctx context.Context, tenantID, subscriptionID string, limit int) ([]Delivery, error)
	GetDelivery(ctx context.Context, tenantID, id string) (Delivery, error)
}

// Registration carries the caller-provided attributes of a new subscription.
// Nil pointers fall back to the defaults.
type Registration struct {
	URL                 string
	Events              []string
	Active              *bool
	MaxAttempts         *int
	RetryBackoffSeconds *int
}

// Patch carries an update. Nil fields are left unchanged; the secret can
// never be changed.
type Patch struct {
	URL                 *string
	Events              []string
	Active              *bool
	MaxAttempts         *int
	RetryBackoffSeconds *int
}

// EventCatalog tells whether an event kind is known to the system
type EventCatalog interface {
	Known(kind string) bool
}

type Service struct {
	Repo    Repository
	Catalog EventCatalog

	clock     func() time.Time
	newID     func() string
	newSecret func() (string, error)
}

// ServiceOption customizes a Service
type ServiceOption func(*Service)

// WithCatalog restricts subscribed events to the catalog
func WithCatalog(c EventCatalog) ServiceOption {
	return func(s *Service) { s.Catalog = c }
}

// WithClock replaces time.Now
func WithClock(clock func() time.Time) ServiceOption {
	return func(s *Service) { s.clock = clock }
}

// NewService creates a new webhook service with dependency injection
func NewService(repo Repository, opts ...ServiceOption) *Service {
	s := &Service{
		Repo:  repo,
		clock: time.Now,
		newID: uuid.NewString,
		newSecret: func() (string, error) {
			return signature.GenerateSecret(SecretBytes)
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register validates and stores a new subscription with a fresh secret
func (s *Service) Register(ctx context.Context, tenantID string, in Registration) (Subscription, error) {
	if tenantID == "" {
		return Subscription{}, invalid("tenant_id", "is required")
	}

	now := s.clock().UTC()
	sub := Subscription{
		ID:                  s.newID(),
		TenantID:            tenantID,
		URL:                 in.URL,
		Events:              normalizeEvents(in.Events),
		Active:              true,
		MaxAttempts:         DefaultMaxAttempts,
		RetryBackoffSeconds: DefaultRetryBackoffSeconds,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if in.Active != nil {
		sub.Active = *in.Active
	}
	if in.MaxAttempts != nil {
		sub.MaxAttempts = *in.MaxAttempts
	}
	if in.RetryBackoffSeconds != nil {
		sub.RetryBackoffSeconds = *in.RetryBackoffSeconds
	}

	if err := s.validate(sub); err != nil {
		return Subscription{}, fmt.Errorf("validating subscription: %w", err)
	}

	secret, err := s.newSecret()
	if err != nil {
		return Subscription{}, fmt.Errorf("generating secret: %w", err)
	}
	sub.Secret = secret

	if err := s.Repo.CreateSubscription(ctx, sub); err != nil {
		return Subscription{}, fmt.Errorf("storing subscription: %w", err)
	}
	return sub, nil
}

// Update applies a patch to url, events, active flag and retry policy
func (s *Service) Update(ctx context.Context, tenantID, id string, patch Patch) (Subscription, error) {
	sub, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return Subscription{}, err
	}

	if patch.URL != nil {
		sub.URL = *patch.URL
	}
	if patch.Events != nil {
		sub.Events = normalizeEvents(patch.Events)
	}
	if patch.Active != nil {
		sub.Active = *patch.Active
	}
	if patch.MaxAttempts != nil {
		sub.MaxAttempts = *patch.MaxAttempts
	}
	if patch.RetryBackoffSeconds != nil {
		sub.RetryBackoffSeconds = *patch.RetryBackoffSeconds
	}
	sub.UpdatedAt = s.clock().UTC()

	if err := s.validate(sub); err != nil {
		return Subscription{}, fmt.Errorf("validating subscription: %w", err)
	}

	if err := s.Repo.UpdateSubscription(ctx, sub); err != nil {
		return Subscription{}, fmt.Errorf("updating subscription: %w", err)
	}
	return sub, nil
}

// Delete removes a subscription and its delivery history
func (s *Service) Delete(ctx context.Context, tenantID, id string) error {
	if _, err := s.Get(ctx, tenantID, id); err != nil {
		return err
	}
	if err := s.Repo.DeleteSubscription(ctx, id); err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	return nil
}

// Get returns a subscription owned by the tenant
func (s *Service) Get(ctx context.Context, tenantID, id string) (Subscription, error) {
	sub, err := s.Repo.GetSubscription(ctx, id)
	if err != nil {
		return Subscription{}, fmt.Errorf("getting subscription: %w", err)
	}
	if sub.TenantID != tenantID {
		return Subscription{}, fmt.Errorf("getting subscription %s: %w", id, ErrNotFound)
	}
	return sub, nil
}

// List returns the tenant's subscriptions
func (s *Service) List(ctx context.Context, tenantID string) ([]Subscription, error) {
	subs, err := s.Repo.ListSubscriptions(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}
	return subs, nil
}

// Deliveries returns the most recent deliveries of a subscription
func (s *Service) Deliveries(ctx context.Context, tenantID, subscriptionID string, limit int) ([]Delivery, error) {
	if _, err := s.Get(ctx, tenantID, subscriptionID); err != nil {
		return nil, err
	}
	deliveries, err := s.Repo.ListDeliveries(ctx, subscriptionID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing deliveries: %w", err)
	}
	return deliveries, nil
}

// GetDelivery returns a delivery owned by the tenant
func (s *Service) GetDelivery(ctx context.Context, tenantID, id string) (Delivery, error) {
	d, err := s.Repo.GetDelivery(ctx, id)
	if err != nil {
		return Delivery{}, fmt.Errorf("getting delivery: %w", err)
	}
	if d.TenantID != tenantID {
		return Delivery{}, fmt.Errorf("getting delivery %s: %w", id, ErrNotFound)
	}
	return d, nil
}

func (s *Service) validate(sub Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	if s.Catalog == nil {
		return nil
	}
	for _, kind := range sub.Events {
		if !s.Catalog.Known(kind) {
			return invalid("events", "unknown event %q", kind)
		}
	}
	return nil
}
