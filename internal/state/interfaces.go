package state

import (
	"context"
	"time"
)

// Store is the durable home of jobs, their event log and the worker
// registry. Implementations must make each method a single transaction:
// events passed alongside a job mutation commit or roll back with it.
type Store interface {
	CreateJob(ctx context.Context, job JobRecord, events ...JobEventRecord) error
	GetJob(ctx context.Context, jobID string) (JobRecord, bool, error)
	// UpdateJob persists the job and appends the given events atomically.
	UpdateJob(ctx context.Context, job JobRecord, events ...JobEventRecord) error
	DeleteJob(ctx context.Context, jobID string) error

	// DequeuePending claims the highest-priority, oldest eligible pending
	// job, transitions it to running and appends a started event, all under
	// a row lock that skips rows locked by concurrent pollers. ok is false
	// when no eligible job exists.
	DequeuePending(ctx context.Context) (job JobRecord, ok bool, err error)
	// ClaimJob is the targeted form used by the scheduler once it has
	// matched a specific pending job to a worker. ok is false when the job
	// is gone, no longer eligible, or locked by another claimer.
	ClaimJob(ctx context.Context, jobID string) (job JobRecord, ok bool, err error)

	ListJobsByStatus(ctx context.Context, status string, limit int) ([]JobRecord, error)
	CountJobsByStatus(ctx context.Context, status string) (int, error)
	CountJobsByTenantStatus(ctx context.Context, tenantID, status string) (int, error)

	AppendEvent(ctx context.Context, event JobEventRecord) error
	// ListEvents returns the job's events in creation order.
	ListEvents(ctx context.Context, jobID string) ([]JobEventRecord, error)
	ListEventsSince(ctx context.Context, jobID string, since time.Time) ([]JobEventRecord, error)
	// ListRecentEventsByType returns events of one type across all jobs
	// newer than the cutoff, newest last. Feeds failure triage.
	ListRecentEventsByType(ctx context.Context, eventType string, cutoff time.Time) ([]JobEventRecord, error)

	UpsertWorker(ctx context.Context, worker WorkerRecord) error
	GetWorker(ctx context.Context, workerID string) (WorkerRecord, bool, error)
	ListWorkers(ctx context.Context) ([]WorkerRecord, error)
}
