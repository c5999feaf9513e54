package checkpoint

import (
	"context"
	"testing"
	"time"
)

func TestSaveOverwritesSingleCheckpoint(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	s.Save(ctx, "job-1", "collect", map[string]interface{}{"lines": 40})
	s.Save(ctx, "job-1", "embedding", map[string]interface{}{"clusters": 3})

	cp, ok := s.Load(ctx, "job-1")
	if !ok {
		t.Fatalf("checkpoint missing")
	}
	if cp.Stage != "embedding" {
		t.Fatalf("later save must win, got %s", cp.Stage)
	}
	if cp.Data["clusters"] != 3 {
		t.Fatalf("stage data not carried: %v", cp.Data)
	}
	if _, stale := cp.Data["lines"]; stale {
		t.Fatalf("overwrite must replace, not merge: %v", cp.Data)
	}
	if got := s.Stage(ctx, "job-1"); got != "embedding" {
		t.Fatalf("Stage accessor disagrees: %s", got)
	}
}

func TestSaveSnapshotsCallerMap(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	carry := map[string]interface{}{"lines": 40}
	s.Save(ctx, "job-1", "collect", carry)
	carry["lines"] = 99
	carry["clusters"] = 3

	cp, ok := s.Load(ctx, "job-1")
	if !ok {
		t.Fatalf("checkpoint missing")
	}
	if cp.Data["lines"] != 40 {
		t.Fatalf("stored data followed the caller's mutation: %v", cp.Data)
	}
	if _, leaked := cp.Data["clusters"]; leaked {
		t.Fatalf("key added after save leaked into the snapshot: %v", cp.Data)
	}
}

func TestStageEmptyWithoutCheckpoint(t *testing.T) {
	s := NewMemoryStore()
	if got := s.Stage(context.Background(), "nope"); got != "" {
		t.Fatalf("expected empty stage, got %q", got)
	}
}

func TestClearRemovesCheckpoint(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Save(ctx, "job-1", "parse", nil)
	s.Clear(ctx, "job-1")
	if _, ok := s.Load(ctx, "job-1"); ok {
		t.Fatalf("checkpoint must be gone after clear")
	}
	// Clearing again is a no-op.
	s.Clear(ctx, "job-1")
}

func TestCleanupOldRespectsRetention(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Save(ctx, "job-1", "parse", nil)
	s.Save(ctx, "job-2", "report", nil)

	if removed := s.CleanupOld(ctx, time.Hour); removed != 0 {
		t.Fatalf("fresh checkpoints removed: %d", removed)
	}

	time.Sleep(2 * time.Millisecond)
	if removed := s.CleanupOld(ctx, time.Millisecond); removed != 2 {
		t.Fatalf("expected both checkpoints expired, removed %d", removed)
	}
	if _, ok := s.Load(ctx, "job-1"); ok {
		t.Fatalf("expired checkpoint still present")
	}
}
