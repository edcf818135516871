package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/marcelsud/roster-hooks/config"
	"github.com/marcelsud/roster-hooks/internal/app"
)

/* worker runs the retry sweep on SWEEP_SCHEDULE until it receives a signal
 * Usage: worker [-once]
 * With -once it runs a single sweep and exits, for external schedulers.
 * Sweep and attempt metrics are served on METRICS_PORT.
 */

func main() {
	once := flag.Bool("once", false, "run a single sweep and exit")
	flag.Parse()

	if err := run(*once); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(once bool) error {
	cfg, err := config.GetConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT,
	)
	defer stop()

	logger := app.NewLogger(cfg, cfg.ServiceName+"-worker")

	cat, err := app.LoadCatalog(cfg)
	if err != nil {
		return err
	}
	store, err := app.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	exporter, recorder, err := app.NewMetrics(cfg, store)
	if err != nil {
		return err
	}
	defer exporter.Shutdown(context.Background())

	pipeline := app.NewPipeline(cfg, store, cat.Kinds(), logger.Logger, recorder)
	if store.Heartbeat == nil {
		logger.Warn("store has no heartbeat support, sweeper liveness is not reported")
	}

	if once {
		// a one-shot run is scraped by nobody, the report goes to the log
		report, err := pipeline.Scheduler.RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("sweeping: %w", err)
		}
		logger.Info("sweep done",
			"due", report.Due,
			"succeeded", report.Succeeded,
			"retrying", report.Retrying,
			"failed", report.Failed,
			"abandoned", report.Abandoned,
			"errors", report.Errors,
		)
		return nil
	}

	if cfg.MetricsPort != "" {
		r := chi.NewRouter()
		r.Method(http.MethodGet, "/metrics", exporter.Handler())
		srv := &http.Server{
			Addr:         ":" + cfg.MetricsPort,
			Handler:      r,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("serving metrics", "port", cfg.MetricsPort)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listener stopped", "error", err)
			}
		}()
		defer func() {
			ctxTimeout, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(ctxTimeout)
		}()
	}

	return pipeline.Scheduler.Run(ctx, cfg.SweepSchedule)
}
