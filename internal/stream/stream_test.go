package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/autovant/rca/internal/bus"
	"github.com/autovant/rca/internal/job"
	"github.com/autovant/rca/internal/state"
	"github.com/autovant/rca/pkg/rcapi"
)

type captureSink struct {
	mu     sync.Mutex
	frames []rcapi.JobEventFrame
	beats  int
}

func (c *captureSink) Send(frame rcapi.JobEventFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *captureSink) Heartbeat() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.beats++
	return nil
}

func (c *captureSink) snapshot() []rcapi.JobEventFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]rcapi.JobEventFrame, len(c.frames))
	copy(out, c.frames)
	return out
}

func newStreamFixture() (*Streamer, *job.Service) {
	b := bus.NewLocal()
	jobs := job.NewService(state.NewMemoryStore(), b)
	return NewStreamer(jobs, b, time.Second), jobs
}

func TestReplayOfFinishedJobEndsWithoutSynthetic(t *testing.T) {
	ctx := context.Background()
	s, jobs := newStreamFixture()

	created, _ := jobs.Create(ctx, job.CreateParams{TenantID: "tenant-a", Type: "analysis"})
	if _, _, err := jobs.Claim(ctx, created.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := jobs.Complete(ctx, created.ID, map[string]interface{}{"severity": "low"}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	sink := &captureSink{}
	if err := s.Run(ctx, created.ID, sink); err != nil {
		t.Fatalf("run: %v", err)
	}

	frames := sink.snapshot()
	want := []string{state.EventCreated, state.EventStarted, state.EventCompleted}
	if len(frames) != len(want) {
		t.Fatalf("expected %d frames, got %d: %+v", len(want), len(frames), frames)
	}
	for i, f := range frames {
		if f.EventType != want[i] {
			t.Fatalf("frame %d: expected %s, got %s", i, want[i], f.EventType)
		}
	}
}

func TestSyntheticCompleteOnCancelledJob(t *testing.T) {
	ctx := context.Background()
	s, jobs := newStreamFixture()

	created, _ := jobs.Create(ctx, job.CreateParams{TenantID: "tenant-a", Type: "analysis"})
	if _, err := jobs.Cancel(ctx, created.ID, "superseded"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	sink := &captureSink{}
	if err := s.Run(ctx, created.ID, sink); err != nil {
		t.Fatalf("run: %v", err)
	}

	frames := sink.snapshot()
	if len(frames) == 0 {
		t.Fatalf("no frames delivered")
	}
	last := frames[len(frames)-1]
	if last.EventType != "complete" {
		t.Fatalf("terminal stream without a completed event must close with a synthetic complete, got %s", last.EventType)
	}
	if last.Data["status"] != state.StatusCancelled {
		t.Fatalf("synthetic frame must carry the terminal status: %v", last.Data)
	}
}

func TestLiveEventsAfterReplayWithoutDuplicates(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, jobs := newStreamFixture()

	created, _ := jobs.Create(ctx, job.CreateParams{TenantID: "tenant-a", Type: "analysis"})
	if _, _, err := jobs.Claim(ctx, created.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	sink := &captureSink{}
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, created.ID, sink) }()

	// Wait for the replay to land before completing the job live.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if len(sink.snapshot()) >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("replay never delivered: %+v", sink.snapshot())
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := jobs.Complete(ctx, created.ID, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	counts := make(map[string]int)
	for _, f := range sink.snapshot() {
		counts[f.EventType]++
	}
	for _, et := range []string{state.EventCreated, state.EventStarted, state.EventCompleted} {
		if counts[et] != 1 {
			t.Fatalf("expected exactly one %s frame, got %d (%v)", et, counts[et], counts)
		}
	}
}

func TestRunUnknownJob(t *testing.T) {
	s, _ := newStreamFixture()
	if err := s.Run(context.Background(), "ghost", &captureSink{}); err == nil {
		t.Fatalf("expected error for unknown job")
	}
}

// microResolutionStore reads events back the way a timestamptz column does:
// timestamps rounded to whole microseconds.
type microResolutionStore struct {
	state.Store
}

func (s microResolutionStore) ListEvents(ctx context.Context, jobID string) ([]state.JobEventRecord, error) {
	events, err := s.Store.ListEvents(ctx, jobID)
	for i := range events {
		events[i].CreatedAt = events[i].CreatedAt.Truncate(time.Microsecond)
	}
	return events, err
}

func TestReplayFromMicrosecondStoreDoesNotDuplicateLiveFrames(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := bus.NewLocal()
	store := state.NewMemoryStore()
	jobs := job.NewService(microResolutionStore{store}, b)
	s := NewStreamer(jobs, b, time.Second)

	created, _ := jobs.Create(ctx, job.CreateParams{TenantID: "tenant-a", Type: "analysis"})
	if _, _, err := jobs.Claim(ctx, created.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Persist a progress event whose in-memory timestamp carries sub-microsecond
	// digits the store resolution will shave off on read.
	progress := state.JobEventRecord{
		JobID:     created.ID,
		EventType: "progress",
		Data:      map[string]interface{}{"stage": "collect"},
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond).Add(1500 * time.Nanosecond),
	}
	if err := store.AppendEvent(ctx, progress); err != nil {
		t.Fatalf("append: %v", err)
	}

	sink := &captureSink{}
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, created.ID, sink) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if len(sink.snapshot()) >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("replay never delivered: %+v", sink.snapshot())
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The live copy of the same event keeps its full-resolution timestamp.
	b.Publish(ctx, progress)
	if _, err := jobs.Complete(ctx, created.ID, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	counts := make(map[string]int)
	for _, f := range sink.snapshot() {
		counts[f.EventType]++
	}
	if counts["progress"] != 1 {
		t.Fatalf("expected exactly one progress frame, got %d (%v)", counts["progress"], counts)
	}
	if counts[state.EventCompleted] != 1 {
		t.Fatalf("expected exactly one %s frame, got %d (%v)", state.EventCompleted, counts[state.EventCompleted], counts)
	}
}
