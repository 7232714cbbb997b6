package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"quota-dispatch/internal/api"
	"quota-dispatch/internal/config"
	"quota-dispatch/internal/dispatch"
	"quota-dispatch/internal/ledger"
	"quota-dispatch/internal/queue"
	"quota-dispatch/internal/ratelimit"
	"quota-dispatch/internal/store"
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
	limiter := ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	l := newLedger(cfg, st, logger)
	dispatcher := dispatch.New(cfg, st, l, q, nil, logger)

	server := api.New(cfg, dispatcher, st, l, limiter, q, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", zap.String("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
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
