package checkpoint

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "rca:checkpoint:"

// RedisStore keeps checkpoints in redis so any worker process can resume a
// job another process started. A retention TTL backstops CleanupOld.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
}

func NewRedisStore(client *redis.Client, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisStore{client: client, retention: retention}
}

func (r *RedisStore) Save(ctx context.Context, jobID, stage string, data map[string]interface{}) {
	cp := Checkpoint{JobID: jobID, Stage: stage, SavedAt: time.Now().UTC(), Data: data}
	payload, err := json.Marshal(cp)
	if err != nil {
		log.Printf("checkpoint: marshal for job %s: %v", jobID, err)
		return
	}
	if err := r.client.Set(ctx, keyPrefix+jobID, payload, r.retention).Err(); err != nil {
		log.Printf("checkpoint: save for job %s failed, continuing without: %v", jobID, err)
	}
}

func (r *RedisStore) Load(ctx context.Context, jobID string) (Checkpoint, bool) {
	raw, err := r.client.Get(ctx, keyPrefix+jobID).Bytes()
	if err == redis.Nil {
		return Checkpoint{}, false
	}
	if err != nil {
		log.Printf("checkpoint: load for job %s: %v", jobID, err)
		return Checkpoint{}, false
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		log.Printf("checkpoint: decode for job %s: %v", jobID, err)
		return Checkpoint{}, false
	}
	return cp, true
}

func (r *RedisStore) Stage(ctx context.Context, jobID string) string {
	cp, ok := r.Load(ctx, jobID)
	if !ok {
		return ""
	}
	return cp.Stage
}

func (r *RedisStore) Clear(ctx context.Context, jobID string) {
	if err := r.client.Del(ctx, keyPrefix+jobID).Err(); err != nil {
		log.Printf("checkpoint: clear for job %s: %v", jobID, err)
	}
}

func (r *RedisStore) CleanupOld(ctx context.Context, maxAge time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxAge)
	removed := 0
	iter := r.client.Scan(ctx, 0, keyPrefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := r.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal(raw, &cp); err != nil || cp.SavedAt.Before(cutoff) {
			if r.client.Del(ctx, key).Err() == nil {
				removed++
			}
		}
	}
	if err := iter.Err(); err != nil {
		log.Printf("checkpoint: cleanup scan: %v", err)
	}
	return removed
}
