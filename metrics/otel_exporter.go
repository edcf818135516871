package metrics

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// OTelExporter provides OpenTelemetry metrics export following OTel standards
type OTelExporter struct {
	meterProvider *sdkmetric.MeterProvider
	registry      *promclient.Registry
	collector     Collector

	// OTel meters and instruments
	meter              metric.Meter
	statusCountGauge   metric.Int64ObservableGauge
	dueBacklogGauge    metric.Int64ObservableGauge
	activeSweeperGauge metric.Int64ObservableGauge
}

/* NewOTelExporter creates a new OpenTelemetry metrics exporter with Prometheus format
 * The provider is installed globally so that otelhttp instrumented clients
 * report through the same endpoint.
 */
func NewOTelExporter(service string, collector Collector) (*OTelExporter, error) {
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(meterProvider)

	meter := meterProvider.Meter(
		service,
		metric.WithInstrumentationVersion("1.0.0"),
	)

	oe := &OTelExporter{
		meterProvider: meterProvider,
		registry:      registry,
		collector:     collector,
		meter:         meter,
	}

	if collector != nil {
		if err := oe.registerInstruments(); err != nil {
			return nil, fmt.Errorf("registering instruments: %w", err)
		}
	}

	return oe, nil
}

// Meter returns the meter of the exporter, for event instruments
func (oe *OTelExporter) Meter() metric.Meter {
	return oe.meter
}

// registerInstruments creates the gauges read from the collector at scrape time
func (oe *OTelExporter) registerInstruments() error {
	var err error

	oe.statusCountGauge, err = oe.meter.Int64ObservableGauge(
		"webhook.deliveries",
		metric.WithDescription("Number of webhook deliveries by status"),
		metric.WithUnit("{deliveries}"),
		metric.WithInt64Callback(oe.observeStatusCounts),
	)
	if err != nil {
		return fmt.Errorf("creating status count gauge: %w", err)
	}

	oe.dueBacklogGauge, err = oe.meter.Int64ObservableGauge(
		"webhook.deliveries.due",
		metric.WithDescription("Number of deliveries past their retry time"),
		metric.WithUnit("{deliveries}"),
		metric.WithInt64Callback(oe.observeDueBacklog),
	)
	if err != nil {
		return fmt.Errorf("creating due backlog gauge: %w", err)
	}

	oe.activeSweeperGauge, err = oe.meter.Int64ObservableGauge(
		"webhook.sweepers.active",
		metric.WithDescription("Number of retry sweepers with a live heartbeat"),
		metric.WithUnit("{sweepers}"),
		metric.WithInt64Callback(oe.observeActiveSweepers),
	)
	if err != nil {
		return fmt.Errorf("creating active sweepers gauge: %w", err)
	}

	return nil
}

func (oe *OTelExporter) observeStatusCounts(ctx context.Context, observer metric.Int64Observer) error {
	statusCounts, err := oe.collector.StatusCounts(ctx)
	if err != nil {
		return err
	}

	for status, count := range statusCounts {
		observer.Observe(count, metric.WithAttributes(
			attribute.String("webhook.status", status),
		))
	}

	return nil
}

func (oe *OTelExporter) observeDueBacklog(ctx context.Context, observer metric.Int64Observer) error {
	due, err := oe.collector.DueBacklog(ctx)
	if err != nil {
		return err
	}
	observer.Observe(due)
	return nil
}

func (oe *OTelExporter) observeActiveSweepers(ctx context.Context, observer metric.Int64Observer) error {
	sweepers, err := oe.collector.ActiveSweepers(ctx)
	if err != nil {
		return err
	}

	byStatus := map[string]int64{"idle": 0, "sweeping": 0}
	for _, s := range sweepers {
		byStatus[s.Status]++
	}
	for status, n := range byStatus {
		observer.Observe(n, metric.WithAttributes(
			attribute.String("sweeper.status", status),
		))
	}

	return nil
}

// Handler serves Prometheus-formatted metrics
func (oe *OTelExporter) Handler() http.Handler {
	return promhttp.HandlerFor(oe.registry, promhttp.HandlerOpts{})
}

// Shutdown gracefully shuts down the meter provider
func (oe *OTelExporter) Shutdown(ctx context.Context) error {
	if oe.meterProvider != nil {
		return oe.meterProvider.Shutdown(ctx)
	}
	return nil
}
