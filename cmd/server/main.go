// Package main provides the entry point for the AlertForge server.
// AlertForge normalizes multi-tenant security telemetry, evaluates detection
// rules and raises email alerts.
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

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/alertforge/internal/alerting"
	"github.com/lvonguyen/alertforge/internal/api"
	"github.com/lvonguyen/alertforge/internal/api/gateway"
	"github.com/lvonguyen/alertforge/internal/cache"
	"github.com/lvonguyen/alertforge/internal/config"
	"github.com/lvonguyen/alertforge/internal/detection"
	splunk "github.com/lvonguyen/alertforge/internal/ingestion"
	"github.com/lvonguyen/alertforge/internal/notification"
	"github.com/lvonguyen/alertforge/internal/observability"
	"github.com/lvonguyen/alertforge/internal/queue"
	"github.com/lvonguyen/alertforge/internal/storage"
	"github.com/lvonguyen/alertforge/internal/telemetry/correlation"
	"github.com/lvonguyen/alertforge/internal/telemetry/ingestion"
	"github.com/lvonguyen/alertforge/internal/telemetry/normalization"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("AlertForge %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "alertforge: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "alertforge: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg.Telemetry.ServiceVersion = Version
	tel, err := observability.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()
	logger := tel.Logger()
	metrics := tel.Metrics()
	tel.StartSystemMetricsCollector(ctx)

	logger.Info("Starting AlertForge",
		zap.String("version", Version),
		zap.String("commit", GitCommit),
		zap.String("store", cfg.Store.Backend),
		zap.String("queues", cfg.Queues.Backend),
	)

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	for _, acct := range cfg.Accounts {
		if err := store.UpsertAccount(ctx, acct); err != nil {
			return fmt.Errorf("seed account %s: %w", acct.Username, err)
		}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password(),
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	defer rdb.Close()

	emails := newQueue(notification.QueueName, cfg.Queues.Backend, cfg.Queues.Email, rdb)
	invalidations := newQueue(cache.QueueName, cfg.Queues.Backend, cfg.Queues.Cache, rdb)

	// Workers
	mail := newMailRegistry(ctx, cfg, logger.Named("mail"))
	dispatcher := notification.NewDispatcher(mail, logger.Named("notification"))
	emailSub := emails.Consume(ctx, dispatcher.Handle, workerOptions(cfg, emails.Name(), metrics, logger))
	defer emailSub.Close()

	invalidator := cache.NewInvalidator(rdb, logger.Named("cache"))
	invalidator.OnInvalidated = metrics.KeysInvalidated
	cacheSub := invalidations.Consume(ctx, invalidator.Handle, workerOptions(cfg, invalidations.Name(), metrics, logger))
	defer cacheSub.Close()

	requester := cache.NewRequester(invalidations, nil)

	// Detection pipeline
	directory := alerting.NewCachedDirectory(store, cfg.Directory.CacheSize, cfg.Directory.CacheTTL)
	pipeline, err := ingestion.NewPipeline(ingestion.Deps{
		Normalizer:  normalization.NewNormalizer(cfg.Ingestion, nil),
		Events:      store,
		Rules:       store,
		Evaluator:   detection.NewEvaluator(correlation.NewCorrelator(store, nil), logger.Named("detection")),
		Emitter:     alerting.NewEmitter(store, directory, notification.NewPublisher(emails), logger.Named("alerting"), nil),
		Invalidator: requester,
		Metrics:     metrics,
		Tracer:      tel.Tracer(),
		Logger:      logger.Named("ingestion"),
	})
	if err != nil {
		return fmt.Errorf("init pipeline: %w", err)
	}

	// Retention
	if cfg.Retention.Enabled {
		sweeper := storage.NewSweeper(store, cfg.Retention, logger.Named("retention"), func(ctx context.Context, deleted int64) {
			metrics.Swept(deleted)
			if err := requester.RequestInvalidation(ctx, cache.PatternLogs); err != nil {
				logger.Warn("Failed to request log cache invalidation after sweep", zap.Error(err))
			}
		})
		if err := sweeper.Start(ctx); err != nil {
			return fmt.Errorf("start retention sweeper: %w", err)
		}
		defer sweeper.Stop()
	}

	// HTTP
	limiter := gateway.NewRateLimiter(rdb, cfg.RateLimit, metrics, logger.Named("ratelimit"))
	deps := api.Deps{
		Ingester:    pipeline,
		Store:       store,
		Cache:       cache.New(rdb, cfg.Redis.CacheTTL, logger.Named("cache")),
		Invalidator: requester,
		Queues: map[string]*queue.Queue{
			emails.Name():        emails,
			invalidations.Name(): invalidations,
		},
		Checks: map[string]api.Check{
			"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
		RateLimit: limiter.Middleware,
		Metrics:   metrics,
		Logger:    logger.Named("api"),
		Version:   Version,
		Timeout:   cfg.Server.RequestTimeout,
	}
	if tel.Metrics() != nil {
		deps.MetricsHandler = tel.MetricsHandler()
	}

	var hec *splunk.HECReceiver
	if cfg.HEC.Enabled {
		hec = splunk.NewHECReceiver(cfg.HEC, splunk.PipelineHandler(pipeline, logger.Named("hec")), logger.Named("hec"))
		if cfg.HEC.Port == 0 {
			deps.HEC = hec.Routes()
		} else {
			go func() {
				if err := hec.Start(ctx); err != nil {
					logger.Error("HEC receiver stopped", zap.Error(err))
				}
			}()
		}
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.Router(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Shutdown error", zap.Error(err))
	}
	if hec != nil {
		stats := hec.Stats()
		logger.Info("HEC receiver totals",
			zap.Int64("events_received", stats.EventsReceived),
			zap.Int64("events_dropped", stats.EventsDropped),
		)
	}

	logger.Info("Server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.Store, error) {
	if cfg.Store.Backend == config.StoreMemory {
		logger.Warn("Using in-memory store; data is lost on restart")
		return storage.NewMemoryStore(nil), nil
	}

	pg, err := storage.OpenPostgres(ctx, cfg.Store.PostgresConfig())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.Store.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
	}
	return pg, nil
}

func newQueue(name, backend string, opts queue.Options, rdb redis.UniversalClient) *queue.Queue {
	if backend == config.QueueMemory {
		return queue.New(name, queue.NewMemoryBackend(opts, nil), opts)
	}
	return queue.New(name, queue.NewRedisBackend(rdb, name, opts), opts)
}

func workerOptions(cfg *config.Config, name string, metrics *observability.Metrics, logger *zap.Logger) queue.WorkerOptions {
	return queue.WorkerOptions{
		Concurrency: cfg.Queues.Concurrency,
		Logger:      logger.Named("worker"),
		OnCompleted: func(job *queue.Job) {
			metrics.JobFinished(name, "completed", time.Since(job.CreatedAt))
		},
		OnFailed: func(job *queue.Job, err error) {
			if job.State == queue.StateDeadLettered {
				metrics.JobFinished(name, "dead_lettered", time.Since(job.CreatedAt))
				return
			}
			metrics.JobFinished(name, "retrying", 0)
		},
	}
}

func newMailRegistry(ctx context.Context, cfg *config.Config, logger *zap.Logger) *notification.Registry {
	reg := notification.NewRegistry(logger)
	for _, name := range cfg.MailProviders() {
		switch name {
		case config.ProviderSMTP:
			reg.Register(notification.NewSMTPProvider(notification.SMTPConfig{
				Host:     cfg.Mail.SMTP.Host,
				Port:     cfg.Mail.SMTP.Port,
				Username: cfg.Mail.SMTP.Username,
				Password: cfg.Mail.SMTP.Password(),
				From:     cfg.Mail.From,
				Timeout:  cfg.Mail.SMTP.Timeout,
			}, logger))
		case config.ProviderSES:
			reg.Register(notification.NewSESProvider(ctx, cfg.Mail.SES.Region, cfg.Mail.From, logger))
		case config.ProviderResend:
			reg.Register(notification.NewResendProvider(cfg.Mail.Resend.APIKey(), cfg.Mail.From, logger))
		}
	}

	providers := cfg.MailProviders()
	if len(providers) > 0 {
		if err := reg.SetPrimary(providers[0]); err != nil {
			logger.Warn("Failed to set primary mail provider", zap.Error(err))
		}
		if err := reg.SetFallback(providers[1:]...); err != nil {
			logger.Warn("Failed to set mail fallback order", zap.Error(err))
		}
	}
	return reg
}
