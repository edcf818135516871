package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/marcelsud/roster-hooks/webhook"
	"github.com/marcelsud/roster-hooks/webhook/signature"
)

// Outbound headers
const (
	HeaderSignature  = "X-Webhook-Signature"
	HeaderEvent      = "X-Webhook-Event"
	HeaderDeliveryID = "X-Webhook-Delivery-ID"
)

// DefaultTimeout bounds a single attempt
const DefaultTimeout = 10 * time.Second

// ErrInvalidTarget is returned when an attempt cannot even be built
var ErrInvalidTarget = errors.New("invalid webhook target")

// Attempter performs one delivery attempt
type Attempter interface {
	Attempt(ctx context.Context, sub webhook.Subscription, d webhook.Delivery) (webhook.AttemptResult, error)
}

/* Executor performs exactly one signed POST per call
 * Receiver failures are reported in the AttemptResult, never as an error
 */
type Executor struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
	logger    *slog.Logger
}

// Option customizes an Executor
type Option func(*Executor)

// WithTimeout sets the per-attempt timeout
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithHTTPClient replaces the default instrumented client
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) { e.client = c }
}

// WithLogger sets the logger used for attempt outcomes
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates an Executor that identifies itself as "<product>-Webhook/1.0"
func New(product string, opts ...Option) *Executor {
	if product == "" {
		product = "Roster"
	}
	e := &Executor{
		client:    &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		timeout:   DefaultTimeout,
		userAgent: product + "-Webhook/1.0",
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Attempt POSTs the stored payload of d to the subscription URL
func (e *Executor) Attempt(ctx context.Context, sub webhook.Subscription, d webhook.Delivery) (webhook.AttemptResult, error) {
	if sub.URL == "" || sub.Secret == "" {
		return webhook.AttemptResult{}, fmt.Errorf("subscription %s: missing url or secret: %w", sub.ID, ErrInvalidTarget)
	}
	if _, err := url.ParseRequestURI(sub.URL); err != nil {
		return webhook.AttemptResult{}, fmt.Errorf("parsing url of subscription %s: %w", sub.ID, errors.Join(ErrInvalidTarget, err))
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return webhook.AttemptResult{}, fmt.Errorf("creating request: %w", errors.Join(ErrInvalidTarget, err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set(HeaderSignature, signature.Sign(d.Payload, sub.Secret))
	req.Header.Set(HeaderEvent, d.EventKind)
	req.Header.Set(HeaderDeliveryID, d.ID)

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		result := webhook.AttemptResult{
			Error:    webhook.Truncate(err.Error(), webhook.MaxErrorChars),
			Duration: time.Since(start),
		}
		e.logger.Debug("webhook attempt failed",
			"delivery_id", d.ID,
			"url", sub.URL,
			"error", err,
		)
		return result, nil
	}
	defer resp.Body.Close()

	// up to 4 bytes per rune
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, int64(webhook.MaxResponseBodyChars)*4))
	body := webhook.Truncate(string(raw), webhook.MaxResponseBodyChars)

	result := webhook.AttemptResult{
		StatusCode:   resp.StatusCode,
		ResponseBody: body,
		Duration:     time.Since(start),
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result.Success = true
	} else {
		result.Error = webhook.Truncate(fmt.Sprintf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode)), webhook.MaxErrorChars)
	}

	e.logger.Debug("webhook attempt finished",
		"delivery_id", d.ID,
		"url", sub.URL,
		"status_code", resp.StatusCode,
		"success", result.Success,
		"duration", result.Duration,
	)
	return result, nil
}
