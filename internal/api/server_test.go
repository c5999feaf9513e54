package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/autovant/rca/internal/bus"
	"github.com/autovant/rca/internal/job"
	"github.com/autovant/rca/internal/optimizer"
	"github.com/autovant/rca/internal/scheduler"
	"github.com/autovant/rca/internal/state"
	"github.com/autovant/rca/internal/stream"
	"github.com/autovant/rca/internal/tenant"
	"github.com/autovant/rca/internal/triage"
	"github.com/autovant/rca/pkg/rcapi"
)

type harness struct {
	router *gin.Engine
	jobs   *job.Service
	sched  *scheduler.Scheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := state.NewMemoryStore()
	guard := tenant.NewGuardrails()
	if err := guard.UpgradePlan("tenant-a", tenant.PlanProfessional); err != nil {
		t.Fatalf("upgrade plan: %v", err)
	}
	b := bus.NewLocal()
	jobs := job.NewService(store, b).WithSlotTracker(guard)
	tri := triage.New(triage.Options{})
	opt := optimizer.New(optimizer.Options{})
	sched := scheduler.New(store, jobs, guard, tri, scheduler.Options{})
	streamer := stream.NewStreamer(jobs, b, time.Second)

	server := NewServer(jobs, sched, guard, tri, opt, streamer)
	return &harness{router: server.Router(), jobs: jobs, sched: sched}
}

func (h *harness) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func submitJob(t *testing.T, h *harness) string {
	t.Helper()
	w := h.do(t, http.MethodPost, "/v1/jobs", rcapi.SubmitJobRequest{
		TenantID: "tenant-a",
		Type:     "analysis",
		Priority: 5,
		Manifest: map[string]interface{}{"logs": []string{"ok", "ERROR timeout"}},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit: expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp rcapi.SubmitJobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	if resp.Status != state.StatusPending {
		t.Fatalf("expected pending, got %s", resp.Status)
	}
	return resp.JobID
}

func TestSubmitAndFetchJob(t *testing.T) {
	h := newHarness(t)
	jobID := submitJob(t, h)

	w := h.do(t, http.MethodGet, "/v1/jobs/"+jobID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", w.Code)
	}
	var resp rcapi.JobStatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.JobID != jobID || resp.TenantID != "tenant-a" || resp.Status != state.StatusPending {
		t.Fatalf("unexpected job payload: %+v", resp)
	}
	// Professional plan boosts priority by 2.
	if resp.Priority != 7 {
		t.Fatalf("expected boosted priority 7, got %d", resp.Priority)
	}
}

func TestGetUnknownJobReturns404(t *testing.T) {
	h := newHarness(t)
	if w := h.do(t, http.MethodGet, "/v1/jobs/ghost", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if w := h.do(t, http.MethodPost, "/v1/jobs/ghost/cancel", rcapi.MutateJobRequest{}); w.Code != http.StatusNotFound {
		t.Fatalf("cancel unknown: expected 404, got %d", w.Code)
	}
}

func TestAdmissionDeniedReturns429(t *testing.T) {
	h := newHarness(t)
	// Free-plan tenants run one job at a time.
	w := h.do(t, http.MethodPost, "/v1/jobs", rcapi.SubmitJobRequest{TenantID: "tenant-free", Type: "analysis"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("first submit: expected 202, got %d", w.Code)
	}
	w = h.do(t, http.MethodPost, "/v1/jobs", rcapi.SubmitJobRequest{TenantID: "tenant-free", Type: "analysis"})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", w.Code, w.Body.String())
	}
}

func TestInvalidTransitionReturns409(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	jobID := submitJob(t, h)

	if _, _, err := h.jobs.Claim(ctx, jobID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := h.jobs.Complete(ctx, jobID, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	w := h.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/cancel", rcapi.MutateJobRequest{Reason: "late"})
	if w.Code != http.StatusConflict {
		t.Fatalf("cancel of completed job: expected 409, got %d", w.Code)
	}
	w = h.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/pause", rcapi.MutateJobRequest{})
	if w.Code != http.StatusConflict {
		t.Fatalf("pause of completed job: expected 409, got %d", w.Code)
	}
	// Retry (restart) is the one mutation a terminal job accepts.
	w = h.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/retry", rcapi.MutateJobRequest{})
	if w.Code != http.StatusOK {
		t.Fatalf("retry of completed job: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestWorkerFlowOverHTTP(t *testing.T) {
	h := newHarness(t)
	jobID := submitJob(t, h)

	w := h.do(t, http.MethodPost, "/v1/workers/register", rcapi.RegisterWorkerRequest{
		WorkerID: "w-1", Host: "localhost", Port: 9090, Capacity: 2, Capabilities: []string{"analysis"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("register: expected 200, got %d", w.Code)
	}

	if err := h.sched.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	w = h.do(t, http.MethodGet, "/v1/workers/w-1/assignments?max=4", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("poll: expected 200, got %d", w.Code)
	}
	var poll rcapi.PollAssignmentsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &poll); err != nil {
		t.Fatalf("decode poll: %v", err)
	}
	if len(poll.Assignments) != 1 || poll.Assignments[0].JobID != jobID {
		t.Fatalf("unexpected assignments: %+v", poll.Assignments)
	}

	w = h.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/progress", rcapi.ReportProgressRequest{
		WorkerID: "w-1", Stage: "embedding", Percent: 60,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("progress: expected 200, got %d", w.Code)
	}

	w = h.do(t, http.MethodPost, "/v1/workers/results", rcapi.ReportResultRequest{
		WorkerID: "w-1", JobID: jobID, Status: state.StatusCompleted,
		ResultData: map[string]interface{}{"severity": "low"}, Stage: "report", DurationMillis: 120,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("report: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	events, err := h.jobs.Events(context.Background(), jobID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	sawProgress := false
	for _, ev := range events {
		if ev.EventType == state.EventProgress && ev.Data["stage"] == "embedding" {
			sawProgress = true
		}
	}
	if !sawProgress {
		t.Fatalf("progress event not recorded: %+v", events)
	}

	w = h.do(t, http.MethodGet, "/v1/queue/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stats: expected 200, got %d", w.Code)
	}
	var stats rcapi.QueueStatsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Running != 0 || stats.TotalWorkers != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestTenantUsageEndpoint(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodGet, "/v1/tenants/tenant-a/usage", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "professional") {
		t.Fatalf("expected plan in payload: %s", w.Body.String())
	}
}

func TestStreamEndpointReplaysTerminalJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	jobID := submitJob(t, h)
	if _, _, err := h.jobs.Claim(ctx, jobID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := h.jobs.Complete(ctx, jobID, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	w := h.do(t, http.MethodGet, "/v1/jobs/"+jobID+"/events", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stream: expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	for _, et := range []string{state.EventCreated, state.EventStarted, state.EventCompleted} {
		if !strings.Contains(body, "event: "+et) {
			t.Fatalf("missing %s frame in stream:\n%s", et, body)
		}
	}
}

func TestEnqueueWithoutBrokerReturns501(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodPost, "/v1/jobs/enqueue", rcapi.SubmitJobRequest{TenantID: "tenant-a", Type: "analysis"})
	if w.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501 without a broker, got %d", w.Code)
	}
}
