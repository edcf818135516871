package app

/*
 * app assembles the pieces shared by the binaries: the store chosen by
 * config, the logger, the catalog and the delivery pipeline. Imports go one
 * way only: cmd imports app, app imports the business and storage packages.
 */

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-chi/httplog/v2"
	"github.com/redis/go-redis/v9"

	"github.com/marcelsud/roster-hooks/catalog"
	"github.com/marcelsud/roster-hooks/config"
	"github.com/marcelsud/roster-hooks/metrics"
	"github.com/marcelsud/roster-hooks/ratelimit"
	ratelimitredis "github.com/marcelsud/roster-hooks/ratelimit/redis"
	"github.com/marcelsud/roster-hooks/webhook"
	"github.com/marcelsud/roster-hooks/webhook/dispatch"
	"github.com/marcelsud/roster-hooks/webhook/executor"
	"github.com/marcelsud/roster-hooks/webhook/postgres"
	"github.com/marcelsud/roster-hooks/webhook/retry"
	webhookredis "github.com/marcelsud/roster-hooks/webhook/redis"
)

// Store is the repository selected by STORE plus what comes with it
type Store struct {
	Repo      webhook.Repository
	Collector metrics.Collector
	// Heartbeat is nil when the store cannot record sweeper liveness
	Heartbeat retry.Heartbeater
	// Redis backs the rate limiter, nil when no Redis is configured
	Redis *redis.Client
}

// Close releases the repository and the Redis client
func (s *Store) Close(ctx context.Context) error {
	err := s.Repo.Close(ctx)
	if s.Redis != nil {
		// the redis repository shares and already closed this client
		if _, shared := s.Repo.(*webhookredis.Repository); !shared {
			if cerr := s.Redis.Close(); err == nil {
				err = cerr
			}
		}
	}
	return err
}

// OpenStore connects to the configured store
func OpenStore(ctx context.Context, cfg *config.Config) (*Store, error) {
	switch cfg.Store {
	case config.StorePostgres:
		repo, err := postgres.NewRepository(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("opening postgres store: %w", err)
		}
		s := &Store{
			Repo:      repo,
			Collector: metrics.NewStoreCollector(repo),
		}
		if cfg.RedisAddr != "" {
			s.Redis = redisClient(cfg)
		}
		return s, nil
	default:
		repo, err := webhookredis.NewRepository(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("opening redis store: %w", err)
		}
		return &Store{
			Repo:      repo,
			Collector: metrics.NewRedisCollector(repo.GetClient()),
			Heartbeat: repo,
			Redis:     repo.GetClient(),
		}, nil
	}
}

func redisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewLogger builds the JSON logger of a binary
func NewLogger(cfg *config.Config, name string) *httplog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel))); err != nil {
		level = slog.LevelInfo
	}
	return httplog.NewLogger(name, httplog.Options{
		JSON:     true,
		LogLevel: level,
		Tags: map[string]string{
			"store": cfg.Store,
		},
	})
}

// NewMetrics builds the Prometheus exporter over the store collector and the
// recorder that the pipeline and the limiter report to
func NewMetrics(cfg *config.Config, store *Store) (*metrics.OTelExporter, *metrics.Recorder, error) {
	exporter, err := metrics.NewOTelExporter(cfg.ServiceName, store.Collector)
	if err != nil {
		return nil, nil, fmt.Errorf("creating metrics exporter: %w", err)
	}
	recorder, err := metrics.NewRecorder(exporter.Meter())
	if err != nil {
		_ = exporter.Shutdown(context.Background())
		return nil, nil, fmt.Errorf("creating metrics recorder: %w", err)
	}
	return exporter, recorder, nil
}

// LoadCatalog reads CATALOG_FILE, or returns the default roster catalog
func LoadCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	if cfg.CatalogFile == "" {
		return catalog.New(), nil
	}
	c, err := catalog.Load(cfg.CatalogFile)
	if err != nil {
		return nil, fmt.Errorf("loading catalog: %w", err)
	}
	return c, nil
}

// Pipeline is the delivery side: executor, scheduler, dispatcher and bus
type Pipeline struct {
	Scheduler  *retry.Scheduler
	Dispatcher *dispatch.Dispatcher
	Bus        *dispatch.Bus
}

// NewPipeline wires a delivery pipeline over store. observer may be nil.
func NewPipeline(cfg *config.Config, store *Store, kinds []string, logger *slog.Logger, observer retry.Observer) *Pipeline {
	exec := executor.New(cfg.ProductName,
		executor.WithTimeout(cfg.AttemptTimeout()),
		executor.WithLogger(logger),
	)

	opts := []retry.Option{retry.WithLogger(logger)}
	if store.Heartbeat != nil {
		opts = append(opts, retry.WithHeartbeat(store.Heartbeat))
	}
	if observer != nil {
		opts = append(opts, retry.WithObserver(observer))
	}
	scheduler := retry.New(store.Repo, exec, retry.Config{
		BatchSize:     cfg.SweepBatchSize,
		Parallelism:   cfg.SweepParallelism,
		RatePerSecond: cfg.SweepRatePerSecond,
		Lease:         2 * cfg.AttemptTimeout(),
	}, opts...)

	dispatcher := dispatch.NewDispatcher(store.Repo, scheduler, dispatch.WithLogger(logger))
	bus := dispatch.NewBus(logger)
	dispatch.AttachAll(bus, dispatcher, kinds)

	return &Pipeline{
		Scheduler:  scheduler,
		Dispatcher: dispatcher,
		Bus:        bus,
	}
}

// NewLimiter returns the inbound rate limiter, nil without Redis
func NewLimiter(cfg *config.Config, store *Store, logger *slog.Logger, observer ratelimit.Observer) *ratelimit.Limiter {
	if store.Redis == nil {
		return nil
	}
	opts := []ratelimit.Option{
		ratelimit.WithLogger(logger),
		ratelimit.WithMargin(cfg.RateLimitMargin()),
	}
	if observer != nil {
		opts = append(opts, ratelimit.WithObserver(observer))
	}
	return ratelimit.NewLimiter(ratelimitredis.NewStore(store.Redis), opts...)
}

// DefaultRateLimit is the budget of paths without a catalog policy
func DefaultRateLimit(cfg *config.Config) catalog.RateLimit {
	return catalog.RateLimit{
		PathPrefix: "/",
		Limit:      cfg.RateLimitRequests,
		Window:     cfg.RateLimitWindow(),
	}
}

// ShutdownTimeout bounds graceful shutdown of every binary
const ShutdownTimeout = 30 * time.Second
