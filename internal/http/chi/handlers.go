package chi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog/v2"

	"github.com/marcelsud/roster-hooks/catalog"
	"github.com/marcelsud/roster-hooks/internal/tenant"
	"github.com/marcelsud/roster-hooks/ratelimit"
	"github.com/marcelsud/roster-hooks/webhook"
	"github.com/marcelsud/roster-hooks/webhook/dispatch"
)

// TestSender sends the test event of a subscription
type TestSender interface {
	DispatchTo(ctx context.Context, tenantID, subscriptionID string, ev dispatch.Event) (webhook.Delivery, error)
}

// EventEmitter hands domain events to their handlers
type EventEmitter interface {
	EmitAsync(ctx context.Context, ev dispatch.Event) error
}

// RateChecker decides whether a caller may proceed
type RateChecker interface {
	Check(ctx context.Context, identity string, limit int, window time.Duration) ratelimit.Decision
}

// PolicySource resolves the rate limit of a path
type PolicySource interface {
	Policy(path string) (catalog.RateLimit, bool)
}

/* Options wires the collaborators of the API
 * Limiter nil disables rate limiting, Metrics nil disables /metrics
 */
type Options struct {
	Logger       *httplog.Logger
	Tester       TestSender
	Events       EventEmitter
	Limiter      RateChecker
	Policies     PolicySource
	DefaultLimit catalog.RateLimit
	Identity     ratelimit.KeyFunc
	Metrics      http.Handler
	Timeout      time.Duration
}

// Handlers sets up the API routes
func Handlers(ctx context.Context, webhookService webhook.UseCase, opts Options) *chi.Mux {
	logger := opts.Logger
	if logger == nil {
		logger = httplog.NewLogger("roster-hooks", httplog.Options{
			JSON: true,
		})
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(httplog.RequestLogger(logger, []string{"/health", "/metrics"}))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.Timeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		if opts.Limiter != nil {
			r.Use(rateLimit(opts.Limiter, opts.Policies, opts.DefaultLimit, opts.Identity))
		}
		r.Group(func(r chi.Router) {
			r.Use(tenant.Require(func(w http.ResponseWriter, r *http.Request, err error) {
				writeError(w, r, http.StatusBadRequest, err.Error())
			}))

			r.Route("/webhooks", func(r chi.Router) {
				r.Method(http.MethodPost, "/", postWebhook(webhookService))
				r.Method(http.MethodGet, "/", getWebhooks(webhookService))
				r.Method(http.MethodGet, "/{id}", getWebhook(webhookService))
				r.Method(http.MethodPut, "/{id}", putWebhook(webhookService))
				r.Method(http.MethodDelete, "/{id}", deleteWebhook(webhookService))
				r.Method(http.MethodGet, "/{id}/deliveries", getDeliveries(webhookService))
				if opts.Tester != nil {
					r.Method(http.MethodPost, "/{id}/test", postTestEvent(opts.Tester))
				}
			})
			r.Method(http.MethodGet, "/deliveries/{id}", getDelivery(webhookService))
		})

		// producers may narrow an event to one tenant with the same header
		if opts.Events != nil {
			r.Method(http.MethodPost, "/events", postEvent(opts.Events))
		}
	})

	return r
}
