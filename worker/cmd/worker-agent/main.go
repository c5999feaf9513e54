package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/autovant/rca/internal/checkpoint"
	"github.com/autovant/rca/worker/internal/config"
	"github.com/autovant/rca/worker/internal/executor"
	"github.com/autovant/rca/worker/internal/heartbeat"
	"github.com/autovant/rca/worker/internal/registration"
	"github.com/autovant/rca/worker/internal/runtime"
	"github.com/autovant/rca/worker/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.FromEnv()
	tel := telemetry.NewCounters()

	hbInterval, err := registerWithRetry(ctx, cfg)
	if err != nil {
		log.Fatalf("register worker: %v", err)
	}
	if hbInterval <= 0 {
		hbInterval = cfg.HeartbeatInterval
	}

	var checkpoints checkpoint.Store
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		checkpoints = checkpoint.NewRedisStore(rdb, 0)
		log.Printf("checkpoints persisted to redis at %s", cfg.RedisAddr)
	} else {
		checkpoints = checkpoint.NewMemoryStore()
		log.Printf("no RCA_REDIS_ADDR set, checkpoints are held in memory only")
	}

	client := runtime.NewClient(cfg.ControlPlaneBaseURL, cfg.APIToken)
	exec := executor.New(executor.Options{
		WorkerID:           cfg.WorkerID,
		StatusPollInterval: cfg.StatusPollInterval,
	}, checkpoints, client)
	executor.RegisterBuiltins(exec)

	hb := heartbeat.New(cfg.ControlPlaneBaseURL, cfg.WorkerID, cfg.APIToken, hbInterval)
	rt := runtime.New(cfg, client, exec, hb, tel)

	log.Printf("worker %s polling %s (capacity %d, capabilities %v)", cfg.WorkerID, cfg.ControlPlaneBaseURL, cfg.Capacity, cfg.Capabilities)
	if err := rt.Run(ctx); err != nil {
		log.Fatalf("runtime stopped with error: %v", err)
	}

	for name, n := range tel.Snapshot() {
		log.Printf("counter %s=%d", name, n)
	}
}

func registerWithRetry(ctx context.Context, cfg config.Config) (time.Duration, error) {
	var lastErr error
	for attempt := 1; attempt <= 5; attempt++ {
		interval, err := registration.Register(ctx, cfg)
		if err == nil {
			return interval, nil
		}
		lastErr = err
		log.Printf("register attempt %d failed: %v", attempt, err)
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return 0, lastErr
}
