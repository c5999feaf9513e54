// Package checkpoint persists the last pipeline stage a job reached, so a
// worker restarting after a crash skips earlier stages and reprocesses at
// most the checkpointed one. Checkpoint
// loss is always preferable to aborting a job: writes log failures and
// swallow them.
package checkpoint

import (
	"context"
	"time"
)

type Checkpoint struct {
	JobID   string                 `json:"job_id"`
	Stage   string                 `json:"stage"`
	SavedAt time.Time              `json:"saved_at"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

type Store interface {
	// Save overwrites the single checkpoint for the job. Never returns an
	// error; failures are logged.
	Save(ctx context.Context, jobID, stage string, data map[string]interface{})
	Load(ctx context.Context, jobID string) (Checkpoint, bool)
	// Stage is a shortcut for Load when only the stage name matters;
	// returns "" when no checkpoint exists.
	Stage(ctx context.Context, jobID string) string
	Clear(ctx context.Context, jobID string)
	// CleanupOld removes checkpoints older than maxAge and reports how many
	// were removed.
	CleanupOld(ctx context.Context, maxAge time.Duration) int
}

// RunCleanup garbage-collects on an interval until the context ends.
func RunCleanup(ctx context.Context, store Store, interval, maxAge time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			store.CleanupOld(ctx, maxAge)
		}
	}
}
