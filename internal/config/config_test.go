package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"RCA_LISTEN_ADDR", "RCA_STORE_BACKEND", "REDIS_ADDR", "RABBITMQ_URL", "S3_ENDPOINT", "RCA_HEARTBEAT_SECONDS", "RCA_STREAM_HEARTBEAT_SECONDS"} {
		t.Setenv(key, "")
	}
	cfg := Load()
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("expected default listen addr, got %q", cfg.ListenAddr)
	}
	if cfg.StoreBackend != "memory" {
		t.Fatalf("expected memory backend by default, got %q", cfg.StoreBackend)
	}
	if cfg.HeartbeatInterval != 10*time.Second {
		t.Fatalf("expected 10s heartbeat, got %v", cfg.HeartbeatInterval)
	}
	if cfg.StreamHeartbeat != 15*time.Second {
		t.Fatalf("expected 15s stream heartbeat, got %v", cfg.StreamHeartbeat)
	}
	if cfg.RedisAddr != "" || cfg.RabbitMQURL != "" || cfg.S3Endpoint != "" {
		t.Fatalf("optional backends should be disabled without env: %+v", cfg)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("RCA_STORE_BACKEND", "postgres")
	t.Setenv("PSQL_PORT", "6543")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("S3_USE_SSL", "true")
	t.Setenv("RCA_SCHEDULER_TICK_MILLIS", "250")

	cfg := Load()
	if cfg.StoreBackend != "postgres" {
		t.Fatalf("store backend not read: %q", cfg.StoreBackend)
	}
	if cfg.PSQLPort != 6543 {
		t.Fatalf("pg port not read: %d", cfg.PSQLPort)
	}
	if cfg.RedisAddr != "redis:6379" {
		t.Fatalf("redis addr not read: %q", cfg.RedisAddr)
	}
	if !cfg.S3UseSSL {
		t.Fatal("s3 ssl flag not read")
	}
	if cfg.SchedulerTick != 250*time.Millisecond {
		t.Fatalf("tick not read: %v", cfg.SchedulerTick)
	}
}

func TestGetenvIntIgnoresGarbage(t *testing.T) {
	t.Setenv("RCA_MISSED_TOLERANCE", "not-a-number")
	if got := getenvInt("RCA_MISSED_TOLERANCE", 3); got != 3 {
		t.Fatalf("expected fallback 3, got %d", got)
	}
}
