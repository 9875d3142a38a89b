package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"campaign-dialer/internal/config"
	"campaign-dialer/internal/export"
	"campaign-dialer/internal/gate"
	"campaign-dialer/internal/store"
	"campaign-dialer/internal/telemetry"
	"campaign-dialer/internal/telephony"
	workerproc "campaign-dialer/internal/worker"
)

func main() {
	cfg := config.Load()

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

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

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	admission := gate.New(redisClient, cfg.TenantMaxActiveCalls, cfg.SlotLease)
	outcomes := telephony.NewOutcomeBus(redisClient, logger)
	dialer := telephony.NewProviderClient(cfg)

	exporter, err := export.NewExporter(ctx, cfg)
	if err != nil {
		logger.Fatal("init report exporter", zap.Error(err))
	}

	// Owner tokens are host-scoped so a restarted process cannot be
	// mistaken for its own stale lock.
	host := os.Getenv("WORKER_ID")
	if host == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			host = hostname
		} else {
			host = "worker"
		}
	}

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return outcomes.Listen(runCtx)
	})
	for i := 0; i < cfg.WorkerConcurrency; i++ {
		owner := fmt.Sprintf("%s:%d#%d", host, os.Getpid(), i)
		runner := workerproc.NewRunner(cfg, st, admission, dialer, outcomes, logger, owner)
		runner.SetReportSink(exporter)
		g.Go(func() error {
			return runner.Run(runCtx)
		})
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("worker started",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Int("tenant_max_active_calls", cfg.TenantMaxActiveCalls),
		zap.Duration("lock_stale_after", cfg.LockStaleAfter),
	)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", zap.Error(err))
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
