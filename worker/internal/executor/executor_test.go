package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/autovant/rca/internal/checkpoint"
	"github.com/autovant/rca/internal/state"
	"github.com/autovant/rca/pkg/rcapi"
)

type fakeControl struct {
	mu       sync.Mutex
	status   string
	progress []rcapi.ReportProgressRequest
}

func newFakeControl(status string) *fakeControl {
	return &fakeControl{status: status}
}

func (f *fakeControl) setStatus(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = s
}

func (f *fakeControl) JobStatus(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *fakeControl) ReportProgress(_ context.Context, _ string, req rcapi.ReportProgressRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, req)
	return nil
}

func (f *fakeControl) progressStages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.progress))
	for _, p := range f.progress {
		out = append(out, p.Stage)
	}
	return out
}

func newTestExecutor(control Control) (*Executor, *checkpoint.MemoryStore) {
	cps := checkpoint.NewMemoryStore()
	e := New(Options{WorkerID: "w-1", StatusPollInterval: 5 * time.Millisecond}, cps, control)
	return e, cps
}

func TestAnalysisPipelineProducesFindings(t *testing.T) {
	ctx := context.Background()
	control := newFakeControl(state.StatusRunning)
	e, cps := newTestExecutor(control)
	RegisterBuiltins(e)

	out, err := e.Run(ctx, rcapi.Assignment{
		JobID: "job-1",
		Type:  "analysis",
		Manifest: map[string]interface{}{
			"logs": []interface{}{
				"2026-08-30T10:00:01 service started",
				"2026-08-30T10:00:02 ERROR db connection refused host=10.0.0.12",
				"2026-08-30T10:00:03 ERROR db connection refused host=10.0.0.14",
				"2026-08-30T10:00:04 request served in 12ms",
			},
		},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if out["error_count"] != 2 {
		t.Fatalf("expected 2 error lines, got %v", out["error_count"])
	}
	cand, _ := out["root_cause_candidate"].(string)
	if cand == "" {
		t.Fatalf("expected a root cause candidate: %v", out)
	}
	if out["severity"] != "critical" {
		t.Fatalf("2 of 4 failing lines is critical, got %v", out["severity"])
	}

	stages := control.progressStages()
	want := []string{"collect", "parse", "embedding", "correlate", "report"}
	if len(stages) != len(want) {
		t.Fatalf("expected progress per stage, got %v", stages)
	}
	for i, s := range stages {
		if s != want[i] {
			t.Fatalf("stage %d: expected %s, got %s", i, want[i], s)
		}
	}

	if _, ok := cps.Load(ctx, "job-1"); ok {
		t.Fatalf("checkpoint must be cleared on success")
	}
}

func TestResumeSkipsStagesBeforeCheckpoint(t *testing.T) {
	ctx := context.Background()
	control := newFakeControl(state.StatusRunning)
	e, cps := newTestExecutor(control)

	var mu sync.Mutex
	var executed []string
	record := func(name string) StageFunc {
		return func(_ context.Context, _ rcapi.Assignment, carry map[string]interface{}) (map[string]interface{}, error) {
			mu.Lock()
			executed = append(executed, name)
			mu.Unlock()
			return nil, nil
		}
	}
	e.Register("analysis", Pipeline{Stages: []Stage{
		{Name: "collect", Run: record("collect")},
		{Name: "embedding", Run: record("embedding")},
		{Name: "report", Run: record("report")},
	}})

	// Crash-restart fixture: the previous run reached "embedding".
	cps.Save(ctx, "job-1", "embedding", map[string]interface{}{"lines": 40})

	out, err := e.Run(ctx, rcapi.Assignment{JobID: "job-1", Type: "analysis"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(executed) != 2 || executed[0] != "embedding" || executed[1] != "report" {
		t.Fatalf("expected resume at the checkpointed stage, executed %v", executed)
	}
	if out["lines"] != 40 {
		t.Fatalf("checkpointed carry data lost: %v", out)
	}
}

func TestCancelBetweenStagesStopsPipeline(t *testing.T) {
	ctx := context.Background()
	control := newFakeControl(state.StatusRunning)
	e, _ := newTestExecutor(control)

	var executed []string
	e.Register("analysis", Pipeline{Stages: []Stage{
		{Name: "collect", Run: func(context.Context, rcapi.Assignment, map[string]interface{}) (map[string]interface{}, error) {
			executed = append(executed, "collect")
			control.setStatus(state.StatusCancelled)
			return nil, nil
		}},
		{Name: "report", Run: func(context.Context, rcapi.Assignment, map[string]interface{}) (map[string]interface{}, error) {
			executed = append(executed, "report")
			return nil, nil
		}},
	}})

	_, err := e.Run(ctx, rcapi.Assignment{JobID: "job-1", Type: "analysis"})
	if !errors.Is(err, ErrJobCancelled) {
		t.Fatalf("expected ErrJobCancelled, got %v", err)
	}
	if len(executed) != 1 || executed[0] != "collect" {
		t.Fatalf("cancellation is honored between stages, executed %v", executed)
	}
}

func TestPausedJobWaitsForResume(t *testing.T) {
	ctx := context.Background()
	control := newFakeControl(state.StatusPaused)
	e, _ := newTestExecutor(control)
	e.Register("analysis", Pipeline{Stages: []Stage{
		{Name: "collect", Run: func(context.Context, rcapi.Assignment, map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"done": true}, nil
		}},
	}})

	go func() {
		time.Sleep(30 * time.Millisecond)
		control.setStatus(state.StatusRunning)
	}()

	started := time.Now()
	out, err := e.Run(ctx, rcapi.Assignment{JobID: "job-1", Type: "analysis"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out["done"] != true {
		t.Fatalf("stage did not run after resume: %v", out)
	}
	if time.Since(started) < 25*time.Millisecond {
		t.Fatalf("pipeline must block while the job is paused")
	}
}

func TestUnsupportedJobTypeIsValidation(t *testing.T) {
	e, _ := newTestExecutor(newFakeControl(state.StatusRunning))
	_, err := e.Run(context.Background(), rcapi.Assignment{JobID: "job-1", Type: "mystery"})
	if err == nil {
		t.Fatalf("expected error for unregistered job type")
	}
	if ClassifyError(err) != "validation" {
		t.Fatalf("unsupported type must classify as validation, got %s", ClassifyError(err))
	}
}

func TestMissingLogsFailValidationWithStage(t *testing.T) {
	e, _ := newTestExecutor(newFakeControl(state.StatusRunning))
	RegisterBuiltins(e)

	_, err := e.Run(context.Background(), rcapi.Assignment{
		JobID:    "job-1",
		Type:     "log_scan",
		Manifest: map[string]interface{}{},
	})
	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StageError, got %v", err)
	}
	if se.Stage != "collect" || se.Type != "validation" {
		t.Fatalf("unexpected failure shape: %+v", se)
	}
}

func TestSignatureCollapsesNumericNoise(t *testing.T) {
	a := signature("ERROR db connection refused host=10.0.0.12 port=5432")
	b := signature("ERROR db connection refused host=10.0.0.99 port=5433")
	if a != b {
		t.Fatalf("numeric runs must not split signatures:\n%s\n%s", a, b)
	}
	c := signature("ERROR cache miss key=user:42")
	if a == c {
		t.Fatalf("distinct failures must keep distinct signatures")
	}
}
