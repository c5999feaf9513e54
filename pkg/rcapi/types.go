package rcapi

// Shared request/response types for the orchestrator HTTP API. Workers and
// external clients marshal exactly these shapes.

type SubmitJobRequest struct {
	TenantID      string                 `json:"tenant_id"`
	UserID        string                 `json:"user_id,omitempty"`
	Type          string                 `json:"type"`
	Manifest      map[string]interface{} `json:"manifest,omitempty"`
	Priority      int                    `json:"priority"`
	Provider      string                 `json:"provider,omitempty"`
	Model         string                 `json:"model,omitempty"`
	MaxRetries    int                    `json:"max_retries,omitempty"`
	EstimatedCost float64                `json:"estimated_cost,omitempty"`
}

type SubmitJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type JobStatusResponse struct {
	JobID        string                 `json:"job_id"`
	Type         string                 `json:"type"`
	TenantID     string                 `json:"tenant_id"`
	Status       string                 `json:"status"`
	Priority     int                    `json:"priority"`
	RetryCount   int                    `json:"retry_count"`
	MaxRetries   int                    `json:"max_retries"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	ResultData   map[string]interface{} `json:"result_data,omitempty"`
	Outputs      map[string]interface{} `json:"outputs,omitempty"`
	ResultURL    string                 `json:"result_url,omitempty"`
	CreatedAt    string                 `json:"created_at"`
	UpdatedAt    string                 `json:"updated_at"`
	StartedAt    string                 `json:"started_at,omitempty"`
	CompletedAt  string                 `json:"completed_at,omitempty"`
}

// MutateJobRequest carries the optional operator-supplied reason recorded on
// the resulting lifecycle event.
type MutateJobRequest struct {
	Reason string `json:"reason,omitempty"`
}

type MutateJobResponse struct {
	Accepted bool   `json:"accepted"`
	Status   string `json:"status,omitempty"`
	Error    string `json:"error,omitempty"`
}

type RegisterWorkerRequest struct {
	WorkerID     string   `json:"worker_id"`
	Host         string   `json:"host"`
	Port         int      `json:"port"`
	Capacity     int      `json:"capacity"`
	Capabilities []string `json:"capabilities"`
}

type RegisterWorkerResponse struct {
	Accepted                 bool `json:"accepted"`
	HeartbeatIntervalSeconds int  `json:"heartbeat_interval_seconds"`
}

type HeartbeatRequest struct {
	CurrentLoad   int   `json:"current_load"`
	TimestampUnix int64 `json:"timestamp_unix"`
}

type HeartbeatResponse struct {
	Accepted bool `json:"accepted"`
}

// Assignment is what a worker receives when the scheduler has matched a
// pending job to it.
type Assignment struct {
	JobID      string                 `json:"job_id"`
	Type       string                 `json:"type"`
	TenantID   string                 `json:"tenant_id"`
	Manifest   map[string]interface{} `json:"manifest,omitempty"`
	Provider   string                 `json:"provider,omitempty"`
	Model      string                 `json:"model,omitempty"`
	RetryCount int                    `json:"retry_count"`
}

type PollAssignmentsResponse struct {
	Assignments []Assignment `json:"assignments"`
}

// ReportProgressRequest records a mid-pipeline progress event against a
// running job. Workers post one at every stage boundary.
type ReportProgressRequest struct {
	WorkerID string                 `json:"worker_id"`
	Stage    string                 `json:"stage"`
	Percent  float64                `json:"percent,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

type ReportResultRequest struct {
	WorkerID       string                 `json:"worker_id"`
	JobID          string                 `json:"job_id"`
	Status         string                 `json:"status"`
	ResultData     map[string]interface{} `json:"result_data,omitempty"`
	Error          string                 `json:"error,omitempty"`
	ErrorType      string                 `json:"error_type,omitempty"`
	Stage          string                 `json:"stage,omitempty"`
	DurationMillis int64                  `json:"duration_millis"`
}

type QueueStatsResponse struct {
	Pending       int `json:"pending"`
	Running       int `json:"running"`
	ActiveWorkers int `json:"active_workers"`
	TotalWorkers  int `json:"total_workers"`
}

type WorkerStatus struct {
	WorkerID      string   `json:"worker_id"`
	Host          string   `json:"host"`
	Port          int      `json:"port"`
	Capacity      int      `json:"capacity"`
	CurrentLoad   int      `json:"current_load"`
	Capabilities  []string `json:"capabilities"`
	Status        string   `json:"status"`
	LastHeartbeat string   `json:"last_heartbeat"`
}

type WorkersResponse struct {
	Workers []WorkerStatus `json:"workers"`
}

// JobEventFrame is the wire shape of one streamed lifecycle event.
type JobEventFrame struct {
	EventType string                 `json:"event_type"`
	JobID     string                 `json:"job_id"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt string                 `json:"created_at"`
}
