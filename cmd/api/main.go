package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marcelsud/roster-hooks/config"
	"github.com/marcelsud/roster-hooks/internal/app"
	"github.com/marcelsud/roster-hooks/internal/http/chi"
	"github.com/marcelsud/roster-hooks/ratelimit"
	"github.com/marcelsud/roster-hooks/webhook"
)

/*
 * main.go is where every package gets tied together: dependencies are
 * created here, configured and handed to the packages doing the work.
 * Imports only go downwards: api imports business layers, which import storage.
 */

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.GetConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT,
	)
	defer stop()

	logger := app.NewLogger(cfg, cfg.ServiceName)

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
	service := webhook.NewService(store.Repo, webhook.WithCatalog(cat))

	opts := chi.Options{
		Logger:       logger,
		Tester:       pipeline.Dispatcher,
		Events:       pipeline.Bus,
		Policies:     cat,
		DefaultLimit: app.DefaultRateLimit(cfg),
		Identity:     ratelimit.IdentityFunc(cfg.TrustForwardedFor),
		Metrics:      exporter.Handler(),
	}
	if limiter := app.NewLimiter(cfg, store, logger.Logger, recorder); limiter != nil {
		opts.Limiter = limiter
	} else {
		logger.Warn("no redis configured, inbound rate limiting disabled")
	}

	srv := &http.Server{
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		Addr:         ":" + cfg.Port,
		Handler:      chi.Handlers(ctx, service, opts),
	}

	errShutdown := make(chan error, 1)
	go shutdown(srv, ctx, errShutdown)
	logger.Info("listening", "port", cfg.Port, "store", cfg.Store, "events", len(cat.Kinds()))
	err = srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	err = <-errShutdown

	// deliveries accepted by /v1/events finish their immediate attempt
	pipeline.Bus.Wait()
	logger.Info("server stopped")
	return err
}

func shutdown(server *http.Server, ctxShutdown context.Context, errShutdown chan error) {
	<-ctxShutdown.Done()

	ctxTimeout, stop := context.WithTimeout(context.Background(), app.ShutdownTimeout)
	defer stop()

	err := server.Shutdown(ctxTimeout)
	switch err {
	case nil:
		errShutdown <- nil
	case context.DeadlineExceeded:
		errShutdown <- fmt.Errorf("forcing closing the server")
	default:
		errShutdown <- fmt.Errorf("forcing closing the server: %w", err)
	}
}
