package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/autovant/rca/internal/api"
	"github.com/autovant/rca/internal/artifact"
	"github.com/autovant/rca/internal/bus"
	"github.com/autovant/rca/internal/checkpoint"
	"github.com/autovant/rca/internal/config"
	"github.com/autovant/rca/internal/intake"
	"github.com/autovant/rca/internal/job"
	"github.com/autovant/rca/internal/observability"
	"github.com/autovant/rca/internal/optimizer"
	"github.com/autovant/rca/internal/scheduler"
	"github.com/autovant/rca/internal/state"
	"github.com/autovant/rca/internal/stream"
	"github.com/autovant/rca/internal/tenant"
	"github.com/autovant/rca/internal/triage"

	"github.com/gin-gonic/gin"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()

	shutdownTracing, err := observability.InitTracingFromEnv("rca-orchestrator")
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Printf("tracing shutdown: %v", err)
		}
	}()

	store := buildStore(cfg)

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	}

	eventBus := bus.NewLocal()
	if rdb != nil {
		eventBus = bus.New(bus.NewRedisBroker(rdb))
		log.Printf("event bus bridged over redis at %s", cfg.RedisAddr)
	}

	var checkpoints checkpoint.Store
	if rdb != nil {
		checkpoints = checkpoint.NewRedisStore(rdb, cfg.CheckpointRetention)
	} else {
		checkpoints = checkpoint.NewMemoryStore()
	}
	go checkpoint.RunCleanup(ctx, checkpoints, time.Hour, cfg.CheckpointRetention)

	guard := tenant.NewGuardrails()
	if cfg.PlansFile != "" {
		if err := guard.LoadPlans(cfg.PlansFile); err != nil {
			log.Fatalf("load plans from %s: %v", cfg.PlansFile, err)
		}
	}

	jobs := job.NewService(store, eventBus).WithSlotTracker(guard)
	var artifacts *artifact.Store
	if cfg.S3Endpoint != "" {
		artifacts, err = artifact.NewStore(artifact.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			log.Fatalf("artifact store: %v", err)
		}
		jobs.WithFileResetter(artifacts)
	}
	runServer(ctx, cfg, store, jobs, guard, eventBus, rdb, artifacts)
}

func runServer(ctx context.Context, cfg config.Config, store state.Store, jobs *job.Service,
	guard *tenant.Guardrails, eventBus *bus.Bus,
	rdb *redis.Client, artifacts *artifact.Store) {

	tri := triage.New(triage.Options{})
	if err := tri.LoadHistory(ctx, store); err != nil {
		log.Printf("triage history not loaded: %v", err)
	}
	opt := optimizer.New(optimizer.Options{})

	sched := scheduler.New(store, jobs, guard, tri, scheduler.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		MissedTolerance:   cfg.MissedTolerance,
		TickInterval:      cfg.SchedulerTick,
	})
	go sched.Run(ctx)

	var publisher *intake.Publisher
	if cfg.RabbitMQURL != "" {
		conn, err := amqp.Dial(cfg.RabbitMQURL)
		if err != nil {
			log.Fatalf("rabbitmq dial: %v", err)
		}
		defer conn.Close()
		publisher, err = intake.NewPublisher(conn)
		if err != nil {
			log.Fatalf("rabbitmq publisher: %v", err)
		}
		consumer, err := intake.NewConsumer(conn, sched)
		if err != nil {
			log.Fatalf("rabbitmq consumer: %v", err)
		}
		go func() {
			if err := consumer.Start(ctx); err != nil {
				log.Printf("intake consumer stopped: %v", err)
			}
		}()
		log.Printf("job intake consuming from %s", intake.Queue)
	}

	streamer := stream.NewStreamer(jobs, eventBus, cfg.StreamHeartbeat)
	server := api.NewServer(jobs, sched, guard, tri, opt, streamer)
	if artifacts != nil {
		server.WithArtifacts(artifacts)
	}
	if publisher != nil {
		server.WithIntake(publisher)
	}

	var middlewares []gin.HandlerFunc
	if rdb != nil && cfg.RateLimitPerSecond > 0 {
		middlewares = append(middlewares, api.NewRateLimiter(api.RateLimiterConfig{
			RedisClient: rdb,
			Limit:       cfg.RateLimitPerSecond,
			Window:      time.Second,
		}))
	}

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Router(middlewares...),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("http shutdown: %v", err)
		}
	}()

	log.Printf("orchestrator listening on %s (store=%s)", cfg.ListenAddr, cfg.StoreBackend)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("orchestrator failed: %v", err)
	}
}

func buildStore(cfg config.Config) state.Store {
	switch cfg.StoreBackend {
	case "postgres":
		store, err := state.NewPostgresStore(state.PostgresConfig{
			Host:     cfg.PSQLHost,
			Port:     cfg.PSQLPort,
			User:     cfg.PSQLUser,
			Password: cfg.PSQLPassword,
			DBName:   cfg.PSQLDBName,
			SSLMode:  cfg.PSQLSSLMode,
		})
		if err != nil {
			log.Fatalf("postgres store: %v", err)
		}
		return store
	default:
		return state.NewMemoryStore()
	}
}
