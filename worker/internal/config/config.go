package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	WorkerID            string
	ControlPlaneBaseURL string
	APIToken            string
	Host                string
	Port                int
	Capacity            int
	Capabilities        []string
	HeartbeatInterval   time.Duration
	PollInterval        time.Duration
	StatusPollInterval  time.Duration
	RedisAddr           string
	RedisPassword       string
	RedisDB             int
}

func FromEnv() Config {
	workerID := getenv("RCA_WORKER_ID", "worker-local")
	baseURL := getenv("RCA_CONTROL_PLANE_URL", "http://localhost:8080")
	apiToken := getenv("RCA_API_TOKEN", "")
	host := getenv("RCA_WORKER_HOST", "localhost")
	port := getenvInt("RCA_WORKER_PORT", 9090)
	capacity := getenvInt("RCA_WORKER_CAPACITY", 4)
	capabilities := getenvList("RCA_WORKER_CAPABILITIES", []string{"analysis", "log_scan", "report"})
	hbSec := getenvInt("RCA_HEARTBEAT_SECONDS", 5)
	pollMs := getenvInt("RCA_POLL_MILLIS", 1500)
	statusMs := getenvInt("RCA_STATUS_POLL_MILLIS", 2000)
	redisAddr := getenv("RCA_REDIS_ADDR", "")
	redisPassword := getenv("RCA_REDIS_PASSWORD", "")
	redisDB := getenvInt("RCA_REDIS_DB", 0)

	return Config{
		WorkerID:            workerID,
		ControlPlaneBaseURL: baseURL,
		APIToken:            apiToken,
		Host:                host,
		Port:                port,
		Capacity:            capacity,
		Capabilities:        capabilities,
		HeartbeatInterval:   time.Duration(hbSec) * time.Second,
		PollInterval:        time.Duration(pollMs) * time.Millisecond,
		StatusPollInterval:  time.Duration(statusMs) * time.Millisecond,
		RedisAddr:           redisAddr,
		RedisPassword:       redisPassword,
		RedisDB:             redisDB,
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

func getenvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
