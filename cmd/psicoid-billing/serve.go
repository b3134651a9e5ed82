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

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/psicoid/billing/internal/config"
	"github.com/psicoid/billing/internal/jobs"
	"github.com/psicoid/billing/pkg/api"
	"github.com/psicoid/billing/pkg/auth"
	"github.com/psicoid/billing/pkg/billing"
	prommetrics "github.com/psicoid/billing/pkg/billing/metrics/prometheus"
	"github.com/psicoid/billing/pkg/billing/stripe"
	"github.com/psicoid/billing/pkg/entitlement"
	"github.com/psicoid/billing/pkg/mail/sendgrid"
	"github.com/psicoid/billing/pkg/subscription"
	zerologadapter "github.com/psicoid/billing/pkg/subscription/logger/zerolog"
	"github.com/psicoid/billing/storage/memory"
	"github.com/psicoid/billing/storage/postgres"
	"github.com/psicoid/billing/storage/redis"
)

const (
	metricsNamespace = "psicoid"
	shutdownTimeout  = 10 * time.Second
)

// store is a subscription.Storage with health and shutdown hooks.
type store struct {
	subscription.Storage
	ping  func(ctx context.Context) error
	close func()
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func openStorage(ctx context.Context, cfg *config.Config) (*store, error) {
	switch cfg.StorageDriver {
	case config.DriverPostgres:
		pgCfg := postgres.DefaultConfig()
		pgCfg.ConnectionString = cfg.DatabaseURL
		pgCfg.MaxConns = cfg.DBMaxConns
		pgCfg.MinConns = cfg.DBMinConns
		pg, err := postgres.New(ctx, pgCfg)
		if err != nil {
			return nil, err
		}
		return &store{Storage: pg, ping: pg.Ping, close: pg.Close}, nil

	case config.DriverRedis:
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := goredis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		rdb, err := redis.New(client, redis.Config{KeyPrefix: cfg.RedisKeyPrefix})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &store{
			Storage: rdb,
			ping:    func(ctx context.Context) error { return client.Ping(ctx).Err() },
			close:   func() { _ = client.Close() },
		}, nil

	case config.DriverMemory:
		return &store{Storage: memory.New(), close: func() {}}, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
}

func runServer(cfg *config.Config) error {
	logger := newLogger(cfg)
	subLogger := zerologadapter.NewLogger(logger)

	reportErrors := false
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.SentryEnvironment,
			AttachStacktrace: true,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("failed to initialize sentry")
		} else {
			reportErrors = true
			defer sentry.Flush(2 * time.Second)
		}
	}

	ctx := context.Background()
	st, err := openStorage(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer st.close()
	logger.Info().Str("driver", cfg.StorageDriver).Msg("storage ready")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := prommetrics.NewMetrics(registry, metricsNamespace)

	provider, err := stripe.NewProvider(stripe.Config{
		APIKey:        cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		BaseURL:       cfg.StripeAPIURL,
		Metrics:       metrics,
	})
	if err != nil {
		return fmt.Errorf("stripe provider: %w", err)
	}

	plans, err := cfg.PlanMapping()
	if err != nil {
		return err
	}

	mailer := sendgrid.New(sendgrid.Config{
		APIKey:    cfg.SendGridAPIKey,
		FromEmail: cfg.MailFromEmail,
		FromName:  cfg.MailFromName,
		AppURL:    cfg.AppBaseURL,
		Logger:    subLogger,
	})

	rec, err := billing.NewReconciler(billing.Config{
		Provider:          provider,
		Storage:           st,
		PlanMapping:       plans,
		Currency:          cfg.PaymentCurrency,
		Mailer:            mailer,
		Logger:            subLogger,
		Metrics:           metrics,
		WebhookRateLimit:  cfg.WebhookRateLimit,
		WebhookRateWindow: cfg.WebhookRateWindow,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
	})
	if err != nil {
		return fmt.Errorf("reconciler: %w", err)
	}

	gate, err := entitlement.NewGate(entitlement.Config{
		Storage: st,
		Logger:  subLogger,
		Metrics: metrics,
	})
	if err != nil {
		return fmt.Errorf("entitlement gate: %w", err)
	}

	tokens, err := auth.NewTokenVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		return err
	}

	handler, err := api.NewHandler(api.Config{
		Service:        billing.NewService(rec, cfg.PaymentCurrency),
		Gate:           gate,
		Tokens:         tokens,
		Logger:         logger,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Ping:           st.ping,
		ReportErrors:   reportErrors,
	})
	if err != nil {
		return err
	}
	e := api.NewEcho(handler)

	scheduler := jobs.NewScheduler(subLogger)
	if cfg.StaleSweepSchedule != "" {
		err := scheduler.AddSweep(cfg.StaleSweepSchedule, &jobs.StaleRenewalSweep{
			Store:   st,
			Grace:   cfg.StaleGrace,
			Logger:  subLogger,
			Metrics: metrics,
		})
		if err != nil {
			return err
		}
	}
	scheduler.Start()

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Strs("plans", rec.Plans().Plans()).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	scheduler.Stop(shutdownCtx)
	logger.Info().Msg("server stopped")
	return nil
}
