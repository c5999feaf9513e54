package state

import "time"

// Job status values. pending jobs are eligible for dequeue while
// retry_count < max_retries; completed, failed and cancelled are terminal.
const (
	StatusDraft     = "draft"
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusPaused    = "paused"
)

// Common lifecycle event types. EventType on a JobEventRecord is free-form;
// these are the ones the engine itself emits.
const (
	EventCreated        = "created"
	EventStarted        = "started"
	EventProgress       = "progress"
	EventCompleted      = "completed"
	EventFailed         = "failed"
	EventCancelled      = "cancelled"
	EventPaused         = "paused"
	EventResumed        = "resumed"
	EventRestarted      = "restarted"
	EventWorkerAssigned = "worker-assigned"
)

const (
	WorkerActive   = "active"
	WorkerInactive = "inactive"
)

type JobRecord struct {
	ID           string                 `gorm:"primaryKey;type:uuid" json:"id"`
	Type         string                 `gorm:"not null;index" json:"type"`
	Status       string                 `gorm:"not null;index" json:"status"`
	TenantID     string                 `gorm:"not null;index" json:"tenant_id"`
	UserID       string                 `json:"user_id"`
	Priority     int                    `gorm:"not null;default:5" json:"priority"`
	Manifest     map[string]interface{} `gorm:"serializer:json" json:"manifest"`
	Provider     string                 `json:"provider"`
	Model        string                 `json:"model"`
	RetryCount   int                    `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries   int                    `gorm:"not null;default:3" json:"max_retries"`
	ResultData   map[string]interface{} `gorm:"serializer:json" json:"result_data"`
	Outputs      map[string]interface{} `gorm:"serializer:json" json:"outputs"`
	ErrorMessage string                 `json:"error_message"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
	StartedAt    *time.Time             `json:"started_at"`
	CompletedAt  *time.Time             `json:"completed_at"`
}

func (JobRecord) TableName() string { return "jobs" }

// Terminal reports whether no further processing happens without an explicit
// restart.
func (j JobRecord) Terminal() bool {
	return TerminalStatus(j.Status)
}

func TerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// JobEventRecord is an append-only log entry owned by its job; rows are
// removed with the job and never updated.
type JobEventRecord struct {
	ID        int64                  `gorm:"primaryKey;autoIncrement" json:"id"`
	JobID     string                 `gorm:"not null;index;type:uuid" json:"job_id"`
	EventType string                 `gorm:"not null" json:"event_type"`
	Data      map[string]interface{} `gorm:"serializer:json" json:"data"`
	CreatedAt time.Time              `json:"created_at"`
}

func (JobEventRecord) TableName() string { return "job_events" }

type WorkerRecord struct {
	ID            string    `gorm:"primaryKey" json:"worker_id"`
	Host          string    `json:"host"`
	Port          int       `json:"port"`
	Capacity      int       `gorm:"not null;default:1" json:"capacity"`
	CurrentLoad   int       `gorm:"not null;default:0" json:"current_load"`
	Capabilities  []string  `gorm:"serializer:json" json:"capabilities"`
	Status        string    `gorm:"not null" json:"status"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

func (WorkerRecord) TableName() string { return "worker_nodes" }

// CanRun reports whether the worker advertises the given job type.
func (w WorkerRecord) CanRun(jobType string) bool {
	for _, c := range w.Capabilities {
		if c == jobType {
			return true
		}
	}
	return false
}

// LoadRatio is the load-balancing key; a worker with zero capacity is
// treated as full.
func (w WorkerRecord) LoadRatio() float64 {
	if w.Capacity <= 0 {
		return 1.0
	}
	return float64(w.CurrentLoad) / float64(w.Capacity)
}
