// Package job implements the orchestration state machine:
//
//	pending -> running -> {completed, failed, cancelled, paused}
//	paused  -> running
//	any terminal -> pending (explicit restart only)
//
// Every operation is one store transaction. Guard violations return
// ErrInvalidTransition without mutating anything; callers surface them as
// conflicts. Lifecycle events are persisted inside the owning transaction
// and published to the bus only after it commits, so subscribers never see
// an event whose transaction might still roll back.
package job

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/autovant/rca/internal/bus"
	"github.com/autovant/rca/internal/state"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job transition")
)

const defaultMaxRetries = 3

// FileResetter detaches previously-uploaded input/output artifacts when a
// job is restarted or re-created. Optional; errors are logged, never fatal.
type FileResetter interface {
	Reset(ctx context.Context, jobID string) error
}

// SlotTracker mirrors job liveness into the tenant concurrency ledger: a
// slot is held exactly while the job is in a non-terminal state. Both
// methods must be idempotent.
type SlotTracker interface {
	AcquireSlot(tenantID, jobID string)
	ReleaseSlot(jobID string)
}

type Service struct {
	store state.Store
	bus   *bus.Bus
	files FileResetter
	slots SlotTracker
}

func NewService(store state.Store, b *bus.Bus) *Service {
	return &Service{store: store, bus: b}
}

// WithFileResetter attaches artifact cleanup to restart/re-create paths.
func (s *Service) WithFileResetter(f FileResetter) *Service {
	s.files = f
	return s
}

// WithSlotTracker attaches concurrency-slot accounting to every lifecycle
// transition.
func (s *Service) WithSlotTracker(t SlotTracker) *Service {
	s.slots = t
	return s
}

// trackSlot reflects the job's committed state into the slot ledger.
func (s *Service) trackSlot(job state.JobRecord) {
	if s.slots == nil {
		return
	}
	if job.Terminal() {
		s.slots.ReleaseSlot(job.ID)
	} else {
		s.slots.AcquireSlot(job.TenantID, job.ID)
	}
}

type CreateParams struct {
	TenantID   string
	UserID     string
	Type       string
	Manifest   map[string]interface{}
	Priority   int
	Provider   string
	Model      string
	MaxRetries int
}

// Create persists a new pending job and emits its created event. Admission
// must already have been granted; the service does not consult guardrails.
func (s *Service) Create(ctx context.Context, p CreateParams) (state.JobRecord, error) {
	if p.Type == "" {
		return state.JobRecord{}, errors.New("job type required")
	}
	if p.Priority < 0 {
		p.Priority = 0
	}
	if p.Priority > 10 {
		p.Priority = 10
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = defaultMaxRetries
	}
	now := time.Now().UTC()
	job := state.JobRecord{
		ID:         uuid.New().String(),
		Type:       p.Type,
		Status:     state.StatusPending,
		TenantID:   p.TenantID,
		UserID:     p.UserID,
		Priority:   p.Priority,
		Manifest:   p.Manifest,
		Provider:   p.Provider,
		Model:      p.Model,
		MaxRetries: p.MaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	ev := state.JobEventRecord{
		JobID:     job.ID,
		EventType: state.EventCreated,
		Data: map[string]interface{}{
			"job_type": job.Type,
			"tenant":   job.TenantID,
			"priority": job.Priority,
		},
		CreatedAt: now,
	}
	if err := s.store.CreateJob(ctx, job, ev); err != nil {
		return state.JobRecord{}, err
	}
	s.trackSlot(job)
	s.resetFiles(ctx, job.ID)
	s.bus.Publish(ctx, ev)
	return job, nil
}

func (s *Service) Get(ctx context.Context, jobID string) (state.JobRecord, error) {
	job, ok, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return state.JobRecord{}, err
	}
	if !ok {
		return state.JobRecord{}, ErrNotFound
	}
	return job, nil
}

// NextPending dequeues the highest-priority oldest eligible pending job and
// transitions it to running. The store's lock-with-skip read is the sole
// mechanism preventing two concurrent pollers from claiming the same row.
func (s *Service) NextPending(ctx context.Context) (state.JobRecord, bool, error) {
	job, ok, err := s.store.DequeuePending(ctx)
	if err != nil || !ok {
		return state.JobRecord{}, ok, err
	}
	s.publishStarted(ctx, job)
	return job, true, nil
}

// Claim is the targeted dequeue used by the scheduler once it has matched a
// specific pending job to a worker.
func (s *Service) Claim(ctx context.Context, jobID string) (state.JobRecord, bool, error) {
	job, ok, err := s.store.ClaimJob(ctx, jobID)
	if err != nil || !ok {
		return state.JobRecord{}, ok, err
	}
	s.publishStarted(ctx, job)
	return job, true, nil
}

func (s *Service) publishStarted(ctx context.Context, job state.JobRecord) {
	started := job.UpdatedAt
	s.bus.Publish(ctx, state.JobEventRecord{
		JobID:     job.ID,
		EventType: state.EventStarted,
		Data:      map[string]interface{}{"status": state.StatusRunning},
		CreatedAt: started,
	})
}

// UpdateStatus is the generic transition. Entering running from a terminal
// state re-stamps started_at and clears stale results; entering pending or
// draft clears started/completed/result/error; entering a terminal state
// stamps completed_at and, except for failed, clears the error message.
func (s *Service) UpdateStatus(ctx context.Context, jobID, status string, data map[string]interface{}) (state.JobRecord, error) {
	if !validStatus(status) {
		return state.JobRecord{}, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return state.JobRecord{}, err
	}
	prev := job.Status
	now := time.Now().UTC()

	switch status {
	case state.StatusRunning:
		if state.TerminalStatus(prev) {
			job.ResultData = nil
			job.Outputs = nil
			job.ErrorMessage = ""
			job.CompletedAt = nil
			job.StartedAt = &now
		}
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
	case state.StatusPending, state.StatusDraft:
		job.StartedAt = nil
		job.CompletedAt = nil
		job.ResultData = nil
		job.Outputs = nil
		job.ErrorMessage = ""
	case state.StatusCompleted, state.StatusFailed, state.StatusCancelled:
		job.CompletedAt = &now
		if status != state.StatusFailed {
			job.ErrorMessage = ""
		}
	}
	job.Status = status
	job.UpdatedAt = now

	evData := map[string]interface{}{"from": prev, "to": status}
	for k, v := range data {
		evData[k] = v
	}
	ev := state.JobEventRecord{JobID: jobID, EventType: "status-changed", Data: evData, CreatedAt: now}
	if err := s.store.UpdateJob(ctx, job, ev); err != nil {
		return state.JobRecord{}, err
	}
	s.trackSlot(job)
	s.bus.Publish(ctx, ev)
	return job, nil
}

// Complete finalizes a running job with its result payload.
func (s *Service) Complete(ctx context.Context, jobID string, result map[string]interface{}) (state.JobRecord, error) {
	return s.finalize(ctx, jobID, state.StatusCompleted, state.EventCompleted, func(job *state.JobRecord) map[string]interface{} {
		job.ResultData = result
		job.ErrorMessage = ""
		return map[string]interface{}{"status": state.StatusCompleted}
	})
}

// Fail finalizes a running job with an error message and consumes one retry.
func (s *Service) Fail(ctx context.Context, jobID, message string) (state.JobRecord, error) {
	return s.finalize(ctx, jobID, state.StatusFailed, state.EventFailed, func(job *state.JobRecord) map[string]interface{} {
		if job.RetryCount < job.MaxRetries {
			job.RetryCount++
		}
		job.ErrorMessage = message
		return map[string]interface{}{
			"error":       message,
			"retry_count": job.RetryCount,
			"max_retries": job.MaxRetries,
		}
	})
}

func (s *Service) finalize(ctx context.Context, jobID, status, eventType string, mutate func(*state.JobRecord) map[string]interface{}) (state.JobRecord, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return state.JobRecord{}, err
	}
	if job.Status != state.StatusRunning {
		return state.JobRecord{}, fmt.Errorf("%w: cannot finalize %s job as %s", ErrInvalidTransition, job.Status, status)
	}
	now := time.Now().UTC()
	data := mutate(&job)
	job.Status = status
	job.CompletedAt = &now
	job.UpdatedAt = now
	ev := state.JobEventRecord{JobID: jobID, EventType: eventType, Data: data, CreatedAt: now}
	if err := s.store.UpdateJob(ctx, job, ev); err != nil {
		return state.JobRecord{}, err
	}
	s.trackSlot(job)
	s.bus.Publish(ctx, ev)
	return job, nil
}

// Cancel is allowed from any non-terminal state; a pending job cancels
// without ever having run.
func (s *Service) Cancel(ctx context.Context, jobID, reason string) (state.JobRecord, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return state.JobRecord{}, err
	}
	if job.Terminal() {
		return state.JobRecord{}, fmt.Errorf("%w: job already %s", ErrInvalidTransition, job.Status)
	}
	now := time.Now().UTC()
	job.Status = state.StatusCancelled
	job.CompletedAt = &now
	job.ErrorMessage = ""
	job.UpdatedAt = now
	data := map[string]interface{}{}
	if reason != "" {
		data["reason"] = reason
	}
	ev := state.JobEventRecord{JobID: jobID, EventType: state.EventCancelled, Data: data, CreatedAt: now}
	if err := s.store.UpdateJob(ctx, job, ev); err != nil {
		return state.JobRecord{}, err
	}
	s.trackSlot(job)
	s.bus.Publish(ctx, ev)
	return job, nil
}

// Pause succeeds iff the job is exactly running.
func (s *Service) Pause(ctx context.Context, jobID, reason string) (state.JobRecord, error) {
	return s.shift(ctx, jobID, state.StatusRunning, state.StatusPaused, state.EventPaused, reason)
}

// Resume succeeds iff the job is exactly paused.
func (s *Service) Resume(ctx context.Context, jobID, note string) (state.JobRecord, error) {
	return s.shift(ctx, jobID, state.StatusPaused, state.StatusRunning, state.EventResumed, note)
}

func (s *Service) shift(ctx context.Context, jobID, from, to, eventType, note string) (state.JobRecord, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return state.JobRecord{}, err
	}
	if job.Status != from {
		return state.JobRecord{}, fmt.Errorf("%w: job is %s, not %s", ErrInvalidTransition, job.Status, from)
	}
	now := time.Now().UTC()
	job.Status = to
	job.UpdatedAt = now
	data := map[string]interface{}{}
	if note != "" {
		data["reason"] = note
	}
	ev := state.JobEventRecord{JobID: jobID, EventType: eventType, Data: data, CreatedAt: now}
	if err := s.store.UpdateJob(ctx, job, ev); err != nil {
		return state.JobRecord{}, err
	}
	s.bus.Publish(ctx, ev)
	return job, nil
}

// Restart re-queues a terminal job: result fields are cleared, uploaded file
// state is reset, and retry_count is capped below max_retries so the job is
// eligible for dequeue again.
func (s *Service) Restart(ctx context.Context, jobID string) (state.JobRecord, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return state.JobRecord{}, err
	}
	if !job.Terminal() {
		return state.JobRecord{}, fmt.Errorf("%w: job is %s, restart requires a terminal state", ErrInvalidTransition, job.Status)
	}
	now := time.Now().UTC()
	job.Status = state.StatusPending
	job.StartedAt = nil
	job.CompletedAt = nil
	job.ErrorMessage = ""
	job.ResultData = nil
	job.Outputs = nil
	if job.RetryCount >= job.MaxRetries {
		job.RetryCount = job.MaxRetries - 1
	}
	job.UpdatedAt = now
	ev := state.JobEventRecord{
		JobID:     jobID,
		EventType: state.EventRestarted,
		Data:      map[string]interface{}{"retry_count": job.RetryCount},
		CreatedAt: now,
	}
	if err := s.store.UpdateJob(ctx, job, ev); err != nil {
		return state.JobRecord{}, err
	}
	s.trackSlot(job)
	s.resetFiles(ctx, jobID)
	s.bus.Publish(ctx, ev)
	return job, nil
}

// AppendEvent persists a free-form lifecycle event and publishes it once the
// write has committed.
func (s *Service) AppendEvent(ctx context.Context, jobID, eventType string, data map[string]interface{}) (state.JobEventRecord, error) {
	if _, err := s.Get(ctx, jobID); err != nil {
		return state.JobEventRecord{}, err
	}
	ev := state.JobEventRecord{
		JobID:     jobID,
		EventType: eventType,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.AppendEvent(ctx, ev); err != nil {
		return state.JobEventRecord{}, err
	}
	s.bus.Publish(ctx, ev)
	return ev, nil
}

// Events returns the job's persisted event log in creation order.
func (s *Service) Events(ctx context.Context, jobID string) ([]state.JobEventRecord, error) {
	if _, err := s.Get(ctx, jobID); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, jobID)
}

// Delete removes the job and, by ownership, its entire event log.
func (s *Service) Delete(ctx context.Context, jobID string) error {
	if _, err := s.Get(ctx, jobID); err != nil {
		return err
	}
	if err := s.store.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	if s.slots != nil {
		s.slots.ReleaseSlot(jobID)
	}
	return nil
}

func (s *Service) resetFiles(ctx context.Context, jobID string) {
	if s.files == nil {
		return
	}
	if err := s.files.Reset(ctx, jobID); err != nil {
		log.Printf("job: reset file state for %s: %v", jobID, err)
	}
}

func validStatus(status string) bool {
	switch status {
	case state.StatusDraft, state.StatusPending, state.StatusRunning,
		state.StatusCompleted, state.StatusFailed, state.StatusCancelled, state.StatusPaused:
		return true
	default:
		return false
	}
}
