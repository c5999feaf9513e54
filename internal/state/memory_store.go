package state

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-process Store used by tests and standalone-mode
// deployments. A single mutex stands in for the database's row locking, so
// dequeue uniqueness holds across concurrent pollers within the process.
type MemoryStore struct {
	mu      sync.Mutex
	jobs    map[string]JobRecord
	events  []JobEventRecord
	workers map[string]WorkerRecord
	nextID  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]JobRecord),
		events:  make([]JobEventRecord, 0, 128),
		workers: make(map[string]WorkerRecord),
		nextID:  1,
	}
}

func (m *MemoryStore) CreateJob(_ context.Context, job JobRecord, events ...JobEventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	m.jobs[job.ID] = job
	m.appendLocked(events...)
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, jobID string) (JobRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	return job, ok, nil
}

func (m *MemoryStore) UpdateJob(_ context.Context, job JobRecord, events ...JobEventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job.UpdatedAt = time.Now().UTC()
	m.jobs[job.ID] = job
	m.appendLocked(events...)
	return nil
}

func (m *MemoryStore) DeleteJob(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, jobID)
	kept := m.events[:0]
	for _, ev := range m.events {
		if ev.JobID != jobID {
			kept = append(kept, ev)
		}
	}
	m.events = kept
	return nil
}

func (m *MemoryStore) DequeuePending(_ context.Context) (JobRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	candidates := make([]JobRecord, 0, 8)
	for _, j := range m.jobs {
		if j.Status == StatusPending && j.RetryCount < j.MaxRetries {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return JobRecord{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	return m.claimLocked(candidates[0].ID)
}

func (m *MemoryStore) ClaimJob(_ context.Context, jobID string) (JobRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok || job.Status != StatusPending || job.RetryCount >= job.MaxRetries {
		return JobRecord{}, false, nil
	}
	return m.claimLocked(jobID)
}

func (m *MemoryStore) claimLocked(jobID string) (JobRecord, bool, error) {
	job := m.jobs[jobID]
	now := time.Now().UTC()
	job.Status = StatusRunning
	job.StartedAt = &now
	job.UpdatedAt = now
	m.jobs[jobID] = job
	m.appendLocked(JobEventRecord{
		JobID:     jobID,
		EventType: EventStarted,
		Data:      map[string]interface{}{"status": StatusRunning},
		CreatedAt: now,
	})
	return job, true, nil
}

func (m *MemoryStore) ListJobsByStatus(_ context.Context, status string, limit int) ([]JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]JobRecord, 0, 8)
	for _, j := range m.jobs {
		if j.Status == status {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountJobsByStatus(_ context.Context, status string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, j := range m.jobs {
		if j.Status == status {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) CountJobsByTenantStatus(_ context.Context, tenantID, status string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, j := range m.jobs {
		if j.TenantID != tenantID {
			continue
		}
		if status != "" && j.Status != status {
			continue
		}
		count++
	}
	return count, nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, event JobEventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLocked(event)
	return nil
}

func (m *MemoryStore) appendLocked(events ...JobEventRecord) {
	now := time.Now().UTC()
	for _, ev := range events {
		ev.ID = m.nextID
		m.nextID++
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = now
		}
		m.events = append(m.events, ev)
	}
}

func (m *MemoryStore) ListEvents(_ context.Context, jobID string) ([]JobEventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]JobEventRecord, 0, 8)
	for _, ev := range m.events {
		if ev.JobID == jobID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListEventsSince(_ context.Context, jobID string, since time.Time) ([]JobEventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]JobEventRecord, 0, 8)
	for _, ev := range m.events {
		if ev.JobID == jobID && ev.CreatedAt.After(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListRecentEventsByType(_ context.Context, eventType string, cutoff time.Time) ([]JobEventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]JobEventRecord, 0, 8)
	for _, ev := range m.events {
		if ev.EventType == eventType && !ev.CreatedAt.Before(cutoff) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpsertWorker(_ context.Context, worker WorkerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[worker.ID] = worker
	return nil
}

func (m *MemoryStore) GetWorker(_ context.Context, workerID string) (WorkerRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[workerID]
	return w, ok, nil
}

func (m *MemoryStore) ListWorkers(_ context.Context) ([]WorkerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WorkerRecord, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
