package chi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/marcelsud/roster-hooks/internal/tenant"
	"github.com/marcelsud/roster-hooks/webhook"
)

/* HTTP layer DTOs for the webhook API
 * Separate from domain entities to avoid leaking internal structure
 */

// DefaultDeliveryPage is the page size of the delivery history
const DefaultDeliveryPage = 50

// subscriptionRequest is the body of POST /v1/webhooks
type subscriptionRequest struct {
	URL                 string   `json:"url"`
	Events              []string `json:"events"`
	Active              *bool    `json:"active,omitempty"`
	MaxAttempts         *int     `json:"max_attempts,omitempty"`
	RetryBackoffSeconds *int     `json:"retry_backoff_seconds,omitempty"`
}

// patchRequest is the body of PUT /v1/webhooks/{id}, absent fields stay as they are
type patchRequest struct {
	URL                 *string  `json:"url,omitempty"`
	Events              []string `json:"events,omitempty"`
	Active              *bool    `json:"active,omitempty"`
	MaxAttempts         *int     `json:"max_attempts,omitempty"`
	RetryBackoffSeconds *int     `json:"retry_backoff_seconds,omitempty"`
}

type subscriptionResponse struct {
	ID                  string     `json:"id"`
	URL                 string     `json:"url"`
	Events              []string   `json:"events"`
	Active              bool       `json:"active"`
	MaxAttempts         int        `json:"max_attempts"`
	RetryBackoffSeconds int        `json:"retry_backoff_seconds"`
	Secret              string     `json:"secret,omitempty"`
	LastTriggeredAt     *time.Time `json:"last_triggered_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

type deliveryResponse struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscription_id"`
	EventKind      string          `json:"event"`
	Payload        json.RawMessage `json:"payload"`
	Status         webhook.Status  `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	LastAttemptAt  *time.Time      `json:"last_attempt_at,omitempty"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	ResponseStatus *int            `json:"response_status,omitempty"`
	ResponseBody   string          `json:"response_body,omitempty"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// toSubscriptionResponse never carries the secret, callers add it on registration
func toSubscriptionResponse(s webhook.Subscription) subscriptionResponse {
	events := s.Events
	if events == nil {
		events = []string{}
	}
	return subscriptionResponse{
		ID:                  s.ID,
		URL:                 s.URL,
		Events:              events,
		Active:              s.Active,
		MaxAttempts:         s.MaxAttempts,
		RetryBackoffSeconds: s.RetryBackoffSeconds,
		LastTriggeredAt:     s.LastTriggeredAt,
		CreatedAt:           s.CreatedAt,
		UpdatedAt:           s.UpdatedAt,
	}
}

func toDeliveryResponse(d webhook.Delivery) deliveryResponse {
	resp := deliveryResponse{
		ID:             d.ID,
		SubscriptionID: d.SubscriptionID,
		EventKind:      d.EventKind,
		Status:         d.Status,
		Attempts:       d.Attempts,
		MaxAttempts:    d.MaxAttempts,
		LastAttemptAt:  d.LastAttemptAt,
		NextRetryAt:    d.NextRetryAt,
		ResponseStatus: d.ResponseStatus,
		ResponseBody:   d.ResponseBody,
		ErrorMessage:   d.ErrorMessage,
		CompletedAt:    d.CompletedAt,
		CreatedAt:      d.CreatedAt,
	}
	if json.Valid(d.Payload) {
		resp.Payload = json.RawMessage(d.Payload)
	}
	return resp
}

func tenantOf(r *http.Request) string {
	id, _ := tenant.FromContext(r.Context())
	return id
}

// postWebhook handles POST /v1/webhooks
func postWebhook(webhookService webhook.UseCase) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req subscriptionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid request body")
			return
		}

		sub, err := webhookService.Register(r.Context(), tenantOf(r), webhook.Registration{
			URL:                 req.URL,
			Events:              req.Events,
			Active:              req.Active,
			MaxAttempts:         req.MaxAttempts,
			RetryBackoffSeconds: req.RetryBackoffSeconds,
		})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		// the only time the secret leaves the service
		resp := toSubscriptionResponse(sub)
		resp.Secret = sub.Secret
		writeJSON(w, http.StatusCreated, resp)
	})
}

// getWebhooks handles GET /v1/webhooks
func getWebhooks(webhookService webhook.UseCase) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		all, err := webhookService.List(r.Context(), tenantOf(r))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		result := make([]subscriptionResponse, 0, len(all))
		for _, s := range all {
			result = append(result, toSubscriptionResponse(s))
		}
		writeJSON(w, http.StatusOK, result)
	})
}

func getWebhook(webhookService webhook.UseCase) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub, err := webhookService.Get(r.Context(), tenantOf(r), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toSubscriptionResponse(sub))
	})
}

func putWebhook(webhookService webhook.UseCase) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req patchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid request body")
			return
		}

		sub, err := webhookService.Update(r.Context(), tenantOf(r), chi.URLParam(r, "id"), webhook.Patch{
			URL:                 req.URL,
			Events:              req.Events,
			Active:              req.Active,
			MaxAttempts:         req.MaxAttempts,
			RetryBackoffSeconds: req.RetryBackoffSeconds,
		})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toSubscriptionResponse(sub))
	})
}

func deleteWebhook(webhookService webhook.UseCase) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := webhookService.Delete(r.Context(), tenantOf(r), chi.URLParam(r, "id")); err != nil {
			writeServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// getDeliveries handles GET /v1/webhooks/{id}/deliveries?limit=
func getDeliveries(webhookService webhook.UseCase) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := DefaultDeliveryPage
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = n
		}

		all, err := webhookService.Deliveries(r.Context(), tenantOf(r), chi.URLParam(r, "id"), limit)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		result := make([]deliveryResponse, 0, len(all))
		for _, d := range all {
			result = append(result, toDeliveryResponse(d))
		}
		writeJSON(w, http.StatusOK, result)
	})
}

func getDelivery(webhookService webhook.UseCase) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d, err := webhookService.GetDelivery(r.Context(), tenantOf(r), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toDeliveryResponse(d))
	})
}
