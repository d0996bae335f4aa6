// File: cmd/app/main.go
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"payment-settlement/internal/config"
	"payment-settlement/internal/domain/ports/adapter"
	payAdapters "payment-settlement/internal/infra/adapters/payment"
	pg "payment-settlement/internal/infra/db/postgres"
	httpapi "payment-settlement/internal/infra/http"
	"payment-settlement/internal/infra/logging"
	"payment-settlement/internal/infra/metrics"
	"payment-settlement/internal/infra/rabbitmq"
	red "payment-settlement/internal/infra/redis"
	"payment-settlement/internal/infra/sched"
	"payment-settlement/internal/usecase"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)

	auth := httpapi.NewAuthManager(cfg.Admin.JWTSecret, cfg.Admin.TokenTTL)
	if cfg.Runtime.IssueAdminToken {
		tok, err := auth.Mint("admin")
		if err != nil {
			logger.Fatal().Err(err).Msg("cannot issue admin token")
		}
		fmt.Println(tok)
		return
	}
	if cfg.Runtime.Dev {
		logger.Warn().Msg("[DEV MODE] Enabled")
	}

	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)

	// ---- Gateway and signature verifier ----
	var gateway adapter.PaymentGateway
	keySecret := cfg.Gateway.KeySecret
	if cfg.Runtime.Dev && cfg.Gateway.KeyID == "" {
		logger.Warn().Msg("no gateway credentials; using the in-memory gateway")
		gateway = payAdapters.NewNoopPaymentGateway()
		if keySecret == "" {
			keySecret = "noop_secret"
		}
	} else {
		gateway, err = payAdapters.NewRazorpayGateway(cfg.Gateway, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("gateway")
		}
		logger.Info().
			Str("base_url", cfg.Gateway.BaseURL).
			Str("key_id", logging.Redact(cfg.Gateway.KeyID, cfg.Runtime.Dev)).
			Msg("payment gateway configured")
	}
	verifier, err := usecase.NewSignatureVerifier(keySecret, cfg.Gateway.WebhookSecret)
	if err != nil {
		logger.Fatal().Err(err).Msg("signature verifier")
	}
	if cfg.Gateway.WebhookSecret == "" {
		logger.Warn().Msg("gateway.webhook_secret not set; webhooks will be rejected")
	}

	// ---- Postgres ----
	pool, err := pg.NewPgxPool(ctx, cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres")
	}
	defer pool.Close()
	go reportPoolStats(ctx, pool)

	// ---- Redis ----
	redisClient, err := red.NewClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis")
	}
	defer redisClient.Close()
	locker := red.NewLocker(redisClient)
	idem := red.NewIdempotencyStore(redisClient)
	rateLimiter := red.NewRateLimiter(redisClient)

	// ---- RabbitMQ ----
	var publisher adapter.EventPublisher
	if cfg.RabbitMQ.URL == "" {
		logger.Warn().Msg("rabbitmq.url not set; settlement events are logged and dropped")
		publisher = rabbitmq.NewFallbackPublisher(logger)
	} else {
		producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQ.URL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("rabbitmq")
		}
		publisher = producer
	}
	defer publisher.Close()

	// ---- Repositories ----
	tm := pg.NewTxManager(pool)
	paymentRepo := pg.NewPaymentRepo(pool)
	subRepo := pg.NewSubscriptionRepo(pool)
	catalogRepo := pg.NewCatalogRepo(pool)
	outboxRepo := pg.NewOutboxRepo(pool)

	// ---- Use cases ----
	paymentLedger := usecase.NewPaymentLedger(paymentRepo, catalogRepo, outboxRepo, tm, cfg.RabbitMQ.Exchange, logger)
	subLedger := usecase.NewSubscriptionLedger(subRepo, catalogRepo, outboxRepo, tm, gateway, locker, cfg.RabbitMQ.Exchange, logger).
		WithTotalCount(cfg.Gateway.SubscriptionTotalCount)
	coordinator := usecase.NewSettlementCoordinator(gateway, paymentLedger, subLedger, verifier, idem, locker, cfg.Redis.IdempotencyTTL, logger)

	// ---- Background jobs ----
	dispatcher := sched.NewOutboxDispatcher(outboxRepo, publisher, cfg.Scheduler.OutboxPollInterval, cfg.Scheduler.OutboxBatchSize, logger)
	dispatcher.Start(ctx)

	refresher := sched.NewSubscriptionRefresher(subLedger, cfg.Scheduler.SubscriptionRefreshCron, 0, logger)
	if err := refresher.Start(ctx); err != nil {
		logger.Fatal().Err(err).Str("schedule", cfg.Scheduler.SubscriptionRefreshCron).Msg("subscription refresher")
	}

	// ---- HTTP ----
	handler := httpapi.NewHandler(coordinator, paymentLedger, subLedger, logger)
	router := httpapi.NewRouter(handler, auth, rateLimiter, httpapi.RouterConfig{
		RequestTimeout:  cfg.HTTP.RequestTimeout,
		PublicRateLimit: cfg.HTTP.RateLimitPerMinute,
	}, logger)
	server := httpapi.NewServer(cfg.HTTP.Port, router, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("http server error")
			cancel()
		}
	}()

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigc:
	case <-ctx.Done():
	}
	logger.Info().Msg("shutdown requested")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	cancel()
	refresher.Stop()
	dispatcher.Stop()
}

func reportPoolStats(ctx context.Context, pool *pgxpool.Pool) {
	t := time.NewTicker(15 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			st := pool.Stat()
			metrics.SetDBPoolStats(st.TotalConns(), st.IdleConns(), st.AcquiredConns())
		}
	}
}
