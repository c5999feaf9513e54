// Package config assembles orchestrator configuration from the environment,
// with an optional .env file for local development and an optional YAML file
// for tenant plan overrides.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ListenAddr string

	// Storage backend: "postgres" or "memory".
	StoreBackend string
	PSQLHost     string
	PSQLPort     int
	PSQLUser     string
	PSQLPassword string
	PSQLDBName   string
	PSQLSSLMode  string

	// Redis backs the event-bus broker, checkpoints and rate limiting.
	// Empty RedisAddr means local-only mode.
	RedisAddr string
	RedisDB   int

	// RabbitMQ intake; empty URL disables it.
	RabbitMQURL string

	// Object storage for manifests and result bundles; empty endpoint
	// disables it.
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool

	PlansFile string

	HeartbeatInterval   time.Duration
	MissedTolerance     int
	SchedulerTick       time.Duration
	CheckpointRetention time.Duration
	StreamHeartbeat     time.Duration

	RateLimitPerSecond int
}

func Load() Config {
	if err := godotenv.Load("./.env.local"); err != nil {
		log.Println("No .env file found. Falling back to OS environment variables.")
	}
	return Config{
		ListenAddr: getenv("RCA_LISTEN_ADDR", ":8080"),

		StoreBackend: getenv("RCA_STORE_BACKEND", "memory"),
		PSQLHost:     getenv("PSQL_HOST", "localhost"),
		PSQLPort:     getenvInt("PSQL_PORT", 5432),
		PSQLUser:     getenv("PSQL_USER", "rca"),
		PSQLPassword: getenv("PSQL_PASSWORD", ""),
		PSQLDBName:   getenv("PSQL_DB", "rca"),
		PSQLSSLMode:  getenv("PSQL_SSLMODE", "disable"),

		RedisAddr: os.Getenv("REDIS_ADDR"),
		RedisDB:   getenvInt("REDIS_DB", 0),

		RabbitMQURL: os.Getenv("RABBITMQ_URL"),

		S3Endpoint:  os.Getenv("S3_ENDPOINT"),
		S3Bucket:    getenv("S3_BUCKET", "rca-artifacts"),
		S3AccessKey: os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("S3_SECRET_KEY"),
		S3UseSSL:    getenvBool("S3_USE_SSL", false),

		PlansFile: os.Getenv("RCA_PLANS_FILE"),

		HeartbeatInterval:   time.Duration(getenvInt("RCA_HEARTBEAT_SECONDS", 10)) * time.Second,
		MissedTolerance:     getenvInt("RCA_MISSED_TOLERANCE", 3),
		SchedulerTick:       time.Duration(getenvInt("RCA_SCHEDULER_TICK_MILLIS", 2000)) * time.Millisecond,
		CheckpointRetention: time.Duration(getenvInt("RCA_CHECKPOINT_RETENTION_HOURS", 24)) * time.Hour,
		StreamHeartbeat:     time.Duration(getenvInt("RCA_STREAM_HEARTBEAT_SECONDS", 15)) * time.Second,

		RateLimitPerSecond: getenvInt("RCA_RATE_LIMIT_PER_SECOND", 10),
	}
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return fallback
	}
}
