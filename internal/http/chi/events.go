package chi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httplog/v2"

	"github.com/marcelsud/roster-hooks/internal/tenant"
	"github.com/marcelsud/roster-hooks/webhook/dispatch"
	"github.com/marcelsud/roster-hooks/webhook/payload"
)

// eventRequest is the body of POST /v1/events
type eventRequest struct {
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data"`
	OccurredAt *time.Time      `json:"timestamp,omitempty"`
}

type eventResponse struct {
	Type     string `json:"type"`
	TenantID string `json:"tenant_id,omitempty"`
	Status   string `json:"status"`
}

// testEventRequest is the optional body of POST /v1/webhooks/{id}/test
type testEventRequest struct {
	Data json.RawMessage `json:"data"`
}

// postEvent handles POST /v1/events. Fan-out runs in the background, the
// caller only learns whether the event was accepted.
func postEvent(events EventEmitter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req eventRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := payload.ValidateEventType(req.Type); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}

		ev := dispatch.Event{Kind: req.Type}
		if id, err := tenant.FromRequest(r); err == nil {
			ev.TenantID = id
		}
		if len(req.Data) > 0 {
			ev.Data = req.Data
		}
		if req.OccurredAt != nil {
			ev.OccurredAt = *req.OccurredAt
		}

		if err := events.EmitAsync(r.Context(), ev); err != nil {
			if errors.Is(err, dispatch.ErrNoHandler) {
				writeError(w, r, http.StatusBadRequest, "unknown event type "+req.Type)
				return
			}
			writeServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusAccepted, eventResponse{
			Type:     ev.Kind,
			TenantID: ev.TenantID,
			Status:   "accepted",
		})
	})
}

// postTestEvent handles POST /v1/webhooks/{id}/test
func postTestEvent(tester TestSender) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req testEventRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, r, http.StatusBadRequest, "invalid request body")
			return
		}

		ev := dispatch.Event{Kind: dispatch.TestEventKind}
		if len(req.Data) > 0 {
			ev.Data = req.Data
		} else {
			ev.Data = map[string]string{"message": "This is a test webhook delivery"}
		}

		d, err := tester.DispatchTo(r.Context(), tenantOf(r), chi.URLParam(r, "id"), ev)
		if err != nil {
			if d.ID == "" {
				writeServiceError(w, r, err)
				return
			}
			// persisted, the sweep owns it from here
			httplog.LogEntry(r.Context()).Warn("test delivery attempt not saved",
				"delivery_id", d.ID,
				"error", err,
			)
		}
		writeJSON(w, http.StatusOK, toDeliveryResponse(d))
	})
}
