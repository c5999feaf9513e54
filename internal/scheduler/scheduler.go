// Package scheduler owns the worker registry and the load-balanced
// assignment of pending jobs. One assignment loop runs per scheduler
// instance; safety across instances comes entirely from the store's
// lock-with-skip claim, not from coordination between schedulers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/autovant/rca/internal/job"
	"github.com/autovant/rca/internal/observability"
	"github.com/autovant/rca/internal/state"
	"github.com/autovant/rca/internal/tenant"
	"github.com/autovant/rca/internal/triage"
	"github.com/autovant/rca/pkg/rcapi"
)

type Options struct {
	HeartbeatInterval time.Duration
	MissedTolerance   int
	TickInterval      time.Duration
	AssignBatch       int
}

type Scheduler struct {
	store  state.Store
	jobs   *job.Service
	guard  *tenant.Guardrails
	triage *triage.Troubleshooter
	opts   Options

	mu        sync.Mutex
	mailboxes map[string][]rcapi.Assignment // assignments awaiting worker pickup
	inflight  map[string]string             // job id -> worker that picked it up, until its result arrives
}

func New(store state.Store, jobs *job.Service, guard *tenant.Guardrails, tri *triage.Troubleshooter, opts Options) *Scheduler {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.MissedTolerance <= 0 {
		opts.MissedTolerance = 3
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 2 * time.Second
	}
	if opts.AssignBatch <= 0 {
		opts.AssignBatch = 32
	}
	return &Scheduler{
		store:     store,
		jobs:      jobs,
		guard:     guard,
		triage:    tri,
		opts:      opts,
		mailboxes: make(map[string][]rcapi.Assignment),
		inflight:  make(map[string]string),
	}
}

// Submit is the admission-gated entry point for new jobs. A denied tenant
// gets tenant.ErrAdmissionDenied before any job row is created.
func (s *Scheduler) Submit(ctx context.Context, req rcapi.SubmitJobRequest) (state.JobRecord, error) {
	ctx, span := observability.StartSpan(ctx, "scheduler.submit",
		attribute.String("tenant", req.TenantID),
		attribute.String("job.type", req.Type),
	)
	defer span.End()

	decision := s.guard.CheckQuota(req.TenantID, req.Type, req.EstimatedCost)
	if !decision.Allowed {
		observability.Default.IncCounter("scheduler_admission_denied_total", map[string]string{"tenant": req.TenantID}, 1)
		return state.JobRecord{}, fmt.Errorf("%w: %s", tenant.ErrAdmissionDenied, decision.Reason)
	}
	created, err := s.jobs.Create(ctx, job.CreateParams{
		TenantID:   req.TenantID,
		UserID:     req.UserID,
		Type:       req.Type,
		Manifest:   req.Manifest,
		Priority:   s.guard.EffectivePriority(req.TenantID, req.Priority),
		Provider:   req.Provider,
		Model:      req.Model,
		MaxRetries: req.MaxRetries,
	})
	if err != nil {
		return state.JobRecord{}, err
	}
	s.guard.AcquireSlot(req.TenantID, created.ID)
	observability.Default.IncCounter("scheduler_jobs_submitted_total", map[string]string{"tenant": req.TenantID}, 1)
	return created, nil
}

func (s *Scheduler) RegisterWorker(ctx context.Context, req rcapi.RegisterWorkerRequest) error {
	if req.WorkerID == "" {
		return errors.New("worker_id required")
	}
	capacity := req.Capacity
	if capacity <= 0 {
		capacity = 1
	}
	return s.store.UpsertWorker(ctx, state.WorkerRecord{
		ID:            req.WorkerID,
		Host:          req.Host,
		Port:          req.Port,
		Capacity:      capacity,
		Capabilities:  req.Capabilities,
		Status:        state.WorkerActive,
		LastHeartbeat: time.Now().UTC(),
	})
}

// Heartbeat renews worker liveness and refreshes its reported load. An
// inactive worker rejoins by heartbeating again.
func (s *Scheduler) Heartbeat(ctx context.Context, workerID string, req rcapi.HeartbeatRequest) error {
	w, ok, err := s.store.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("worker not registered")
	}
	w.CurrentLoad = req.CurrentLoad
	w.Status = state.WorkerActive
	w.LastHeartbeat = time.Now().UTC()
	return s.store.UpsertWorker(ctx, w)
}

// Run drives the reap/assign loop until the context ends.
func (s *Scheduler) Run(ctx context.Context) {
	t := time.NewTicker(s.opts.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.Tick(ctx); err != nil {
				log.Printf("scheduler: tick: %v", err)
			}
		}
	}
}

// Tick performs one reap + assignment pass. Exported so tests can drive the
// loop directly.
func (s *Scheduler) Tick(ctx context.Context) error {
	if err := s.reapInactive(ctx); err != nil {
		return err
	}
	return s.assignPending(ctx)
}

func (s *Scheduler) reapInactive(ctx context.Context) error {
	workers, err := s.store.ListWorkers(ctx)
	if err != nil {
		return err
	}
	deadline := time.Now().UTC().Add(-s.opts.HeartbeatInterval * time.Duration(s.opts.MissedTolerance))
	for _, w := range workers {
		if w.Status != state.WorkerActive || !w.LastHeartbeat.Before(deadline) {
			continue
		}
		w.Status = state.WorkerInactive
		if err := s.store.UpsertWorker(ctx, w); err != nil {
			return err
		}
		log.Printf("scheduler: worker %s marked inactive, last heartbeat %s", w.ID, w.LastHeartbeat.Format(time.RFC3339))
		s.requeueWorker(ctx, w.ID)
	}
	return nil
}

// requeueWorker returns an unreachable worker's jobs to the pending queue:
// both assignments it never picked up and jobs it was running when it went
// silent. A checkpoint, if one was saved, lets the next worker resume at the
// stage the dead worker reached.
func (s *Scheduler) requeueWorker(ctx context.Context, workerID string) {
	s.mu.Lock()
	jobIDs := make([]string, 0, 4)
	for _, a := range s.mailboxes[workerID] {
		jobIDs = append(jobIDs, a.JobID)
	}
	delete(s.mailboxes, workerID)
	for jobID, wid := range s.inflight {
		if wid == workerID {
			jobIDs = append(jobIDs, jobID)
			delete(s.inflight, jobID)
		}
	}
	s.mu.Unlock()
	for _, jobID := range jobIDs {
		j, err := s.jobs.Get(ctx, jobID)
		if err != nil {
			log.Printf("scheduler: requeue job %s from dead worker %s: %v", jobID, workerID, err)
			continue
		}
		// A job cancelled or finished while the worker was silent stays as
		// it is.
		if j.Status != state.StatusRunning {
			continue
		}
		if _, err := s.jobs.UpdateStatus(ctx, jobID, state.StatusPending, map[string]interface{}{"requeued_from": workerID}); err != nil {
			log.Printf("scheduler: requeue job %s from dead worker %s: %v", jobID, workerID, err)
		}
	}
}

func (s *Scheduler) assignPending(ctx context.Context) error {
	pending, err := s.store.ListJobsByStatus(ctx, state.StatusPending, s.opts.AssignBatch)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	workers, err := s.store.ListWorkers(ctx)
	if err != nil {
		return err
	}

	// Local view of load so one tick does not oversubscribe a worker.
	load := make(map[string]int, len(workers))
	for _, w := range workers {
		load[w.ID] = w.CurrentLoad
	}

	for _, j := range pending {
		if j.RetryCount >= j.MaxRetries {
			continue
		}
		target, ok := pickWorker(workers, load, j.Type)
		if !ok {
			// Backpressure: the job stays pending for the next tick.
			continue
		}
		claimed, ok, err := s.jobs.Claim(ctx, j.ID)
		if err != nil {
			return err
		}
		if !ok {
			// Another scheduler or poller got there first.
			continue
		}
		if err := s.dispatch(ctx, claimed, target); err != nil {
			return err
		}
		load[target.ID]++
	}
	return nil
}

// pickWorker filters active, capable, non-full workers and returns the one
// with the lowest load/capacity ratio; ties break on the lowest worker id so
// assignment is deterministic.
func pickWorker(workers []state.WorkerRecord, load map[string]int, jobType string) (state.WorkerRecord, bool) {
	eligible := make([]state.WorkerRecord, 0, len(workers))
	for _, w := range workers {
		if w.Status != state.WorkerActive || !w.CanRun(jobType) {
			continue
		}
		if load[w.ID] >= w.Capacity {
			continue
		}
		w.CurrentLoad = load[w.ID]
		eligible = append(eligible, w)
	}
	if len(eligible) == 0 {
		return state.WorkerRecord{}, false
	}
	sort.Slice(eligible, func(i, j int) bool {
		ri, rj := eligible[i].LoadRatio(), eligible[j].LoadRatio()
		if ri != rj {
			return ri < rj
		}
		return eligible[i].ID < eligible[j].ID
	})
	return eligible[0], true
}

func (s *Scheduler) dispatch(ctx context.Context, j state.JobRecord, w state.WorkerRecord) error {
	if _, err := s.jobs.AppendEvent(ctx, j.ID, state.EventWorkerAssigned, map[string]interface{}{
		"worker_id": w.ID,
	}); err != nil {
		return err
	}
	w.CurrentLoad++
	if err := s.store.UpsertWorker(ctx, w); err != nil {
		return err
	}
	s.mu.Lock()
	s.mailboxes[w.ID] = append(s.mailboxes[w.ID], rcapi.Assignment{
		JobID:      j.ID,
		Type:       j.Type,
		TenantID:   j.TenantID,
		Manifest:   j.Manifest,
		Provider:   j.Provider,
		Model:      j.Model,
		RetryCount: j.RetryCount,
	})
	s.mu.Unlock()
	observability.Default.IncCounter("scheduler_jobs_assigned_total", map[string]string{"worker_id": w.ID}, 1)
	return nil
}

// PollAssignments drains up to max queued assignments for the worker.
func (s *Scheduler) PollAssignments(ctx context.Context, workerID string, max int) ([]rcapi.Assignment, error) {
	_, ok, err := s.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("worker not registered")
	}
	if max <= 0 {
		max = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	queued := s.mailboxes[workerID]
	if len(queued) == 0 {
		return nil, nil
	}
	n := max
	if n > len(queued) {
		n = len(queued)
	}
	out := make([]rcapi.Assignment, n)
	copy(out, queued[:n])
	s.mailboxes[workerID] = queued[n:]
	for _, a := range out {
		s.inflight[a.JobID] = workerID
	}
	return out, nil
}

// HandleResult finalizes a finished job reported by its worker and, on
// failure, consults triage for a retry decision.
func (s *Scheduler) HandleResult(ctx context.Context, req rcapi.ReportResultRequest) error {
	ctx, span := observability.StartSpan(ctx, "scheduler.handle_result",
		attribute.String("job.id", req.JobID),
		attribute.String("worker.id", req.WorkerID),
		attribute.String("status", req.Status),
	)
	defer span.End()

	// The worker's capacity unit and the inflight entry are freed whatever
	// happens to the job row; the worker did finish the work.
	defer s.releaseWorker(ctx, req.WorkerID)
	s.mu.Lock()
	delete(s.inflight, req.JobID)
	s.mu.Unlock()

	j, err := s.jobs.Get(ctx, req.JobID)
	if err != nil {
		return err
	}

	switch req.Status {
	case state.StatusCompleted:
		if _, err := s.jobs.Complete(ctx, req.JobID, req.ResultData); err != nil {
			return err
		}
		s.settleUsage(j, req)
		return nil
	case state.StatusFailed:
		failed, err := s.jobs.Fail(ctx, req.JobID, req.Error)
		if err != nil {
			return err
		}
		if s.triage != nil {
			diag := s.triage.AnalyzeFailure(req.JobID, req.ErrorType, req.Error, map[string]interface{}{"stage": req.Stage})
			strategy := s.triage.SuggestRetryStrategy(req.JobID, req.ErrorType, failed.RetryCount)
			if strategy.ShouldRetry && failed.RetryCount < failed.MaxRetries {
				s.scheduleRetry(req.JobID, time.Duration(strategy.BackoffSeconds)*time.Second)
			} else {
				log.Printf("scheduler: job %s exhausted retries or hit non-transient %q (transient=%v)", req.JobID, req.ErrorType, diag.Transient)
				s.settleUsage(j, req)
			}
			return nil
		}
		s.settleUsage(j, req)
		return nil
	default:
		return fmt.Errorf("unexpected result status %q for job %s", req.Status, req.JobID)
	}
}

func (s *Scheduler) settleUsage(j state.JobRecord, req rcapi.ReportResultRequest) {
	cost := 0.0
	if v, ok := req.ResultData["cost"].(float64); ok {
		cost = v
	}
	s.guard.ReleaseSlot(j.ID)
	s.guard.RecordUsage(j.TenantID, j.Type, cost, time.Duration(req.DurationMillis)*time.Millisecond)
}

func (s *Scheduler) releaseWorker(ctx context.Context, workerID string) {
	if workerID == "" {
		return
	}
	w, ok, err := s.store.GetWorker(ctx, workerID)
	if err != nil || !ok {
		return
	}
	if w.CurrentLoad > 0 {
		w.CurrentLoad--
		if err := s.store.UpsertWorker(ctx, w); err != nil {
			log.Printf("scheduler: release worker %s: %v", workerID, err)
		}
	}
}

// scheduleRetry re-queues a failed job after the triage-recommended backoff.
func (s *Scheduler) scheduleRetry(jobID string, backoff time.Duration) {
	time.AfterFunc(backoff, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := s.jobs.UpdateStatus(ctx, jobID, state.StatusPending, map[string]interface{}{"retry": true}); err != nil {
			log.Printf("scheduler: retry requeue for job %s: %v", jobID, err)
		}
	})
}

func (s *Scheduler) QueueStats(ctx context.Context) (rcapi.QueueStatsResponse, error) {
	pending, err := s.store.CountJobsByStatus(ctx, state.StatusPending)
	if err != nil {
		return rcapi.QueueStatsResponse{}, err
	}
	running, err := s.store.CountJobsByStatus(ctx, state.StatusRunning)
	if err != nil {
		return rcapi.QueueStatsResponse{}, err
	}
	workers, err := s.store.ListWorkers(ctx)
	if err != nil {
		return rcapi.QueueStatsResponse{}, err
	}
	active := 0
	for _, w := range workers {
		if w.Status == state.WorkerActive {
			active++
		}
	}
	return rcapi.QueueStatsResponse{
		Pending:       pending,
		Running:       running,
		ActiveWorkers: active,
		TotalWorkers:  len(workers),
	}, nil
}

func (s *Scheduler) ListWorkers(ctx context.Context) ([]state.WorkerRecord, error) {
	return s.store.ListWorkers(ctx)
}
