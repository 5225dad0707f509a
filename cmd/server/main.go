package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"pagina-vendedor/backend/internal/cache"
	"pagina-vendedor/backend/internal/config"
	"pagina-vendedor/backend/internal/httpapi"
	"pagina-vendedor/backend/internal/jobs"
	"pagina-vendedor/backend/internal/logging"
	"pagina-vendedor/backend/internal/metrics"
	"pagina-vendedor/backend/internal/service"
	"pagina-vendedor/backend/internal/store"
	"pagina-vendedor/backend/internal/store/memory"
	pgstore "pagina-vendedor/backend/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err := validateSecurityConfig(cfg); err != nil {
		logger.WithError(err).Fatal("invalid security configuration")
	}
	if err := validateJobsConfig(cfg); err != nil {
		logger.WithError(err).Fatal("invalid jobs configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("server error")
	}
	logger.Info("server stopped")
}

// backends holds what the process talks to. redisOpts is nil when Redis is
// not configured or unreachable.
type backends struct {
	repo          store.Repository
	settingsCache cache.SettingsCache
	locker        cache.Locker
	redisOpts     *asynq.RedisClientOpt
	closers       []func() error
}

func (b *backends) close(logger *logrus.Logger) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			logger.WithError(err).Warn("close error")
		}
	}
}

func openBackends(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*backends, error) {
	b := &backends{
		settingsCache: cache.NoopSettingsCache{},
		locker:        cache.NoopLocker{},
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(connectCtx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback: %w", err)
		}
		if err := pg.Migrate(connectCtx); err != nil {
			_ = pg.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		b.repo = pg
		b.closers = append(b.closers, pg.Close)
		logger.WithField("repository", "postgres").Info("repository ready")
	} else {
		b.repo = memory.NewSeeded()
		logger.WithField("repository", "memory").Info("repository ready")
	}

	if cfg.RedisAddr == "" {
		logger.WithField("cache", "noop").Info("redis not configured; jobs run in-process")
		return b, nil
	}
	client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	redisCache := cache.NewRedisSettingsCache(client)
	if err := redisCache.Ping(connectCtx); err != nil {
		_ = client.Close()
		logger.WithError(err).Warn("redis unavailable, using noop cache and in-process jobs")
		return b, nil
	}
	b.settingsCache = redisCache
	b.locker = cache.NewRedisLocker(client)
	b.redisOpts = &asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	b.closers = append(b.closers, client.Close)
	logger.WithField("cache", "redis").Info("redis ready")
	return b, nil
}

func run(ctx context.Context, cfg config.Config, logger *logrus.Logger) error {
	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.close(logger)

	m := metrics.New()
	svc := service.New(b.repo, service.Options{
		Logger:           logger,
		Metrics:          m,
		SettingsCache:    b.settingsCache,
		SettingsCacheTTL: cfg.SettingsCacheTTL,
		ReservationTTL:   cfg.ReservationTTL,
	})
	auth := httpapi.NewAuthManager(ctx, cfg.AuthSecret, cfg.AccessTokenTTL, b.repo)
	api := httpapi.New(svc, auth, httpapi.Options{
		AllowedOrigin:      cfg.AllowedOrigin,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		RequestTimeout:     cfg.RequestTimeout,
		Logger:             logger,
		Metrics:            m,
	})
	runner := jobs.NewRunner(jobs.RunnerConfig{
		Ledger:  svc,
		Locker:  b.locker,
		Metrics: m,
		Logger:  logger,
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", cfg.Address()).Info("ledger backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return runJobs(gctx, cfg, b, runner, logger)
	})
	return g.Wait()
}

// runJobs uses the asynq worker when Redis is reachable and in-process
// tickers otherwise.
func runJobs(ctx context.Context, cfg config.Config, b *backends, runner *jobs.Runner, logger *logrus.Logger) error {
	if b.redisOpts != nil {
		worker, err := jobs.NewWorker(jobs.WorkerConfig{
			RedisOpts: *b.redisOpts,
			Logger:    logger,
			Runner:    runner,
			Cron:      jobs.Schedule(cfg.ReservationSweepInterval, cfg.LedgerAuditCron),
		})
		if err != nil {
			return err
		}
		return worker.Run(ctx)
	}

	if cfg.ReservationSweepInterval <= 0 {
		logger.Warn("in-process jobs disabled; reservation expiry is still enforced on read")
		<-ctx.Done()
		return nil
	}
	return runner.RunTickers(ctx, cfg.ReservationSweepInterval, cfg.LedgerAuditCron)
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if weakSecret(cfg.AuthSecret) {
		return fmt.Errorf("AUTH_SECRET is too weak: repeated characters are not allowed")
	}
	return nil
}

func validateJobsConfig(cfg config.Config) error {
	if _, err := jobs.ParseSchedule(cfg.LedgerAuditCron); err != nil {
		return fmt.Errorf("LEDGER_AUDIT_CRON: %w", err)
	}
	return nil
}

// weakSecret rejects secrets made of a single repeated character.
func weakSecret(secret string) bool {
	for i := 1; i < len(secret); i++ {
		if secret[i] != secret[0] {
			return false
		}
	}
	return true
}
