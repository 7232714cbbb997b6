package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"quota-dispatch/internal/config"
	"quota-dispatch/internal/delivery"
	"quota-dispatch/internal/dispatch"
	"quota-dispatch/internal/executor"
	"quota-dispatch/internal/ledger"
	"quota-dispatch/internal/queue"
	"quota-dispatch/internal/store"
	"quota-dispatch/internal/telemetry"
	workerproc "quota-dispatch/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	q := queue.NewRedisQueue(client, queue.Options{
		VisibilityTimeout: cfg.VisibilityTimeout,
		DLQName:           cfg.DLQName,
	})
	l := newLedger(cfg, st, logger)

	router := delivery.NewRouter(st,
		[]delivery.Channel{
			delivery.NewWebhook(cfg.WebhookTimeout),
			delivery.NewNotify(client, cfg.NotifyChannelPrefix),
		},
		delivery.RouterOptions{
			MaxAttempts: cfg.DeliveryMaxAttempts,
			Backoff:     cfg.DeliveryBackoffInitial,
			Cap:         delivery.NewFrequencyCap(client, cfg.FreqCapMax, cfg.FreqCapWindow),
			OptOuts:     delivery.NewOptOuts(client),
		},
		logger)

	dispatcher := dispatch.New(cfg, st, l, q, router, logger)

	registry := executor.NewRegistry()
	registry.Register("simulate", executor.NewSimulated())
	media, err := executor.NewMedia(ctx, cfg)
	if err != nil {
		logger.Fatal("init media executor", zap.Error(err))
	}
	registry.Register("media.render", media)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	processor := workerproc.NewProcessor(cfg, q, st, l, dispatcher, registry, logger)
	logger.Info("worker started",
		zap.Duration("visibility", cfg.VisibilityTimeout),
		zap.Duration("sweep_interval", cfg.SweepInterval))
	if err := processor.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker stopped", zap.Error(err))
	}
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	if cfg.Env == "prod" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// newLedger picks the quota driver. The in-memory driver serves local
// development only: it does not share state across processes.
func newLedger(cfg config.Config, st *store.Store, logger *zap.Logger) ledger.Ledger {
	if cfg.LedgerDriver == "memory" {
		logger.Warn("using in-memory quota ledger, state is process-local")
		return ledger.NewMemory(cfg.QuotaDefaultLimit)
	}
	return ledger.NewPostgres(st.Pool(), cfg.QuotaDefaultLimit)
}
