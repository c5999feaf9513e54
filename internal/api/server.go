// Package api is the HTTP surface of the orchestrator: job submission and
// mutation, the per-job SSE event stream, worker registration/heartbeat/
// assignment endpoints for agents, and read-only triage, optimizer and
// metrics views.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/autovant/rca/internal/artifact"
	"github.com/autovant/rca/internal/intake"
	"github.com/autovant/rca/internal/job"
	"github.com/autovant/rca/internal/observability"
	"github.com/autovant/rca/internal/optimizer"
	"github.com/autovant/rca/internal/scheduler"
	"github.com/autovant/rca/internal/state"
	"github.com/autovant/rca/internal/stream"
	"github.com/autovant/rca/internal/tenant"
	"github.com/autovant/rca/internal/triage"
	"github.com/autovant/rca/pkg/rcapi"
)

type Server struct {
	jobs      *job.Service
	sched     *scheduler.Scheduler
	guard     *tenant.Guardrails
	triage    *triage.Troubleshooter
	optimizer *optimizer.Optimizer
	streamer  *stream.Streamer
	artifacts *artifact.Store   // optional
	publisher *intake.Publisher // optional
}

func NewServer(jobs *job.Service, sched *scheduler.Scheduler, guard *tenant.Guardrails,
	tri *triage.Troubleshooter, opt *optimizer.Optimizer, streamer *stream.Streamer) *Server {
	return &Server{
		jobs:      jobs,
		sched:     sched,
		guard:     guard,
		triage:    tri,
		optimizer: opt,
		streamer:  streamer,
	}
}

// WithArtifacts enables presigned result URLs on job reads.
func (s *Server) WithArtifacts(store *artifact.Store) *Server {
	s.artifacts = store
	return s
}

// WithIntake enables the enqueue endpoint, which defers submissions to the
// broker instead of admitting them inline.
func (s *Server) WithIntake(pub *intake.Publisher) *Server {
	s.publisher = pub
	return s
}

func (s *Server) Router(middlewares ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	v1 := r.Group("/v1")
	v1.Use(middlewares...)
	{
		v1.POST("/jobs", s.submitJob)
		v1.POST("/jobs/enqueue", s.enqueueJob)
		v1.GET("/jobs/:job_id", s.getJob)
		v1.GET("/jobs/:job_id/events", s.streamEvents)
		v1.POST("/jobs/:job_id/cancel", s.mutation(s.cancelJob))
		v1.POST("/jobs/:job_id/pause", s.mutation(s.pauseJob))
		v1.POST("/jobs/:job_id/resume", s.mutation(s.resumeJob))
		v1.POST("/jobs/:job_id/retry", s.mutation(s.retryJob))
		v1.POST("/jobs/:job_id/progress", s.reportProgress)

		v1.POST("/workers/register", s.registerWorker)
		v1.POST("/workers/:worker_id/heartbeat", s.heartbeat)
		v1.GET("/workers/:worker_id/assignments", s.pollAssignments)
		v1.POST("/workers/results", s.reportResult)
		v1.GET("/workers", s.listWorkers)

		v1.GET("/queue/stats", s.queueStats)
		v1.GET("/tenants/:tenant_id/usage", s.tenantUsage)
		v1.GET("/triage/patterns", s.errorPatterns)
		v1.GET("/triage/health", s.healthInsights)
		v1.GET("/optimizer/recommendations", s.recommendations)
		v1.GET("/metrics", s.metrics)
		v1.GET("/metrics/prometheus", s.metricsPrometheus)
	}
	return r
}

func (s *Server) submitJob(c *gin.Context) {
	var req rcapi.SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	created, err := s.sched.Submit(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, tenant.ErrAdmissionDenied) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if s.artifacts != nil && len(req.Manifest) > 0 {
		if raw, err := json.Marshal(req.Manifest); err == nil {
			if err := s.artifacts.PutManifest(c.Request.Context(), created.ID, raw); err != nil {
				log.Printf("manifest upload for %s: %v", created.ID, err)
			}
		}
	}
	c.JSON(http.StatusAccepted, rcapi.SubmitJobResponse{JobID: created.ID, Status: created.Status})
}

// enqueueJob hands the submission to rabbitmq; admission happens when the
// intake consumer replays it through the scheduler.
func (s *Server) enqueueJob(c *gin.Context) {
	if s.publisher == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "job intake is not configured"})
		return
	}
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var req rcapi.SubmitJobRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.TenantID == "" || req.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id and type are required"})
		return
	}
	if err := s.publisher.PublishWithRetry(c.Request.Context(), body); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"enqueued": true})
}

func (s *Server) getJob(c *gin.Context) {
	j, err := s.jobs.Get(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp := jobResponse(j)
	if s.artifacts != nil && j.Status == state.StatusCompleted {
		if url, err := s.artifacts.ResultURL(c.Request.Context(), j.ID, 24*time.Hour); err == nil {
			resp.ResultURL = url
		}
	}
	c.JSON(http.StatusOK, resp)
}

func jobResponse(j state.JobRecord) rcapi.JobStatusResponse {
	resp := rcapi.JobStatusResponse{
		JobID:        j.ID,
		Type:         j.Type,
		TenantID:     j.TenantID,
		Status:       j.Status,
		Priority:     j.Priority,
		RetryCount:   j.RetryCount,
		MaxRetries:   j.MaxRetries,
		ErrorMessage: j.ErrorMessage,
		ResultData:   j.ResultData,
		Outputs:      j.Outputs,
		CreatedAt:    j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    j.UpdatedAt.Format(time.RFC3339),
	}
	if j.StartedAt != nil {
		resp.StartedAt = j.StartedAt.Format(time.RFC3339)
	}
	if j.CompletedAt != nil {
		resp.CompletedAt = j.CompletedAt.Format(time.RFC3339)
	}
	return resp
}

type mutationFn func(c *gin.Context, jobID, reason string) (state.JobRecord, error)

// mutation maps state-machine guard violations to 409 and missing jobs to
// 404, per the transport contract.
func (s *Server) mutation(fn mutationFn) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req rcapi.MutateJobRequest
		_ = c.ShouldBindJSON(&req) // body is optional
		j, err := fn(c, c.Param("job_id"), req.Reason)
		if err != nil {
			switch {
			case errors.Is(err, job.ErrNotFound):
				c.JSON(http.StatusNotFound, rcapi.MutateJobResponse{Error: "job not found"})
			case errors.Is(err, job.ErrInvalidTransition):
				c.JSON(http.StatusConflict, rcapi.MutateJobResponse{Error: err.Error()})
			default:
				c.JSON(http.StatusInternalServerError, rcapi.MutateJobResponse{Error: err.Error()})
			}
			return
		}
		c.JSON(http.StatusOK, rcapi.MutateJobResponse{Accepted: true, Status: j.Status})
	}
}

func (s *Server) cancelJob(c *gin.Context, jobID, reason string) (state.JobRecord, error) {
	return s.jobs.Cancel(c.Request.Context(), jobID, reason)
}

func (s *Server) pauseJob(c *gin.Context, jobID, reason string) (state.JobRecord, error) {
	return s.jobs.Pause(c.Request.Context(), jobID, reason)
}

func (s *Server) resumeJob(c *gin.Context, jobID, reason string) (state.JobRecord, error) {
	return s.jobs.Resume(c.Request.Context(), jobID, reason)
}

func (s *Server) retryJob(c *gin.Context, jobID, _ string) (state.JobRecord, error) {
	return s.jobs.Restart(c.Request.Context(), jobID)
}

func (s *Server) registerWorker(c *gin.Context) {
	var req rcapi.RegisterWorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.sched.RegisterWorker(c.Request.Context(), req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rcapi.RegisterWorkerResponse{Accepted: true, HeartbeatIntervalSeconds: 10})
}

func (s *Server) heartbeat(c *gin.Context) {
	var req rcapi.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.sched.Heartbeat(c.Request.Context(), c.Param("worker_id"), req); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rcapi.HeartbeatResponse{Accepted: true})
}

func (s *Server) pollAssignments(c *gin.Context) {
	max := 1
	if v := c.Query("max"); v != "" {
		if n, err := parsePositive(v); err == nil {
			max = n
		}
	}
	assignments, err := s.sched.PollAssignments(c.Request.Context(), c.Param("worker_id"), max)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rcapi.PollAssignmentsResponse{Assignments: assignments})
}

func (s *Server) reportResult(c *gin.Context) {
	var req rcapi.ReportResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Stage != "" && req.DurationMillis > 0 {
		s.optimizer.RecordStageCompletion(req.Stage, float64(req.DurationMillis), req.Status == state.StatusCompleted)
	}
	if s.artifacts != nil && req.Status == state.StatusCompleted && len(req.ResultData) > 0 {
		if raw, err := json.Marshal(req.ResultData); err == nil {
			if err := s.artifacts.PutResult(c.Request.Context(), req.JobID, raw); err != nil {
				log.Printf("result upload for %s: %v", req.JobID, err)
			}
		}
	}
	if err := s.sched.HandleResult(c.Request.Context(), req); err != nil {
		switch {
		case errors.Is(err, job.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		case errors.Is(err, job.ErrInvalidTransition):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

func (s *Server) reportProgress(c *gin.Context) {
	var req rcapi.ReportProgressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	data := map[string]interface{}{"stage": req.Stage}
	if req.WorkerID != "" {
		data["worker_id"] = req.WorkerID
	}
	if req.Percent > 0 {
		data["percent"] = req.Percent
	}
	for k, v := range req.Data {
		data[k] = v
	}
	if _, err := s.jobs.AppendEvent(c.Request.Context(), c.Param("job_id"), state.EventProgress, data); err != nil {
		if errors.Is(err, job.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

func (s *Server) listWorkers(c *gin.Context) {
	workers, err := s.sched.ListWorkers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]rcapi.WorkerStatus, 0, len(workers))
	for _, w := range workers {
		out = append(out, rcapi.WorkerStatus{
			WorkerID:      w.ID,
			Host:          w.Host,
			Port:          w.Port,
			Capacity:      w.Capacity,
			CurrentLoad:   w.CurrentLoad,
			Capabilities:  w.Capabilities,
			Status:        w.Status,
			LastHeartbeat: w.LastHeartbeat.Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, rcapi.WorkersResponse{Workers: out})
}

func (s *Server) queueStats(c *gin.Context) {
	stats, err := s.sched.QueueStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) tenantUsage(c *gin.Context) {
	tenantID := c.Param("tenant_id")
	c.JSON(http.StatusOK, gin.H{
		"tenant_id": tenantID,
		"quota":     s.guard.QuotaFor(tenantID),
		"usage":     s.guard.UsageFor(tenantID),
	})
}

func (s *Server) errorPatterns(c *gin.Context) {
	hours := 24
	if v := c.Query("hours"); v != "" {
		if n, err := parsePositive(v); err == nil {
			hours = n
		}
	}
	c.JSON(http.StatusOK, gin.H{"patterns": s.triage.ErrorPatterns(hours)})
}

func (s *Server) healthInsights(c *gin.Context) {
	c.JSON(http.StatusOK, s.triage.HealthInsights())
}

func (s *Server) recommendations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"recommendations": s.optimizer.Recommendations()})
}

func (s *Server) metrics(c *gin.Context) {
	c.JSON(http.StatusOK, observability.Default.Snapshot())
}

func (s *Server) metricsPrometheus(c *gin.Context) {
	c.String(http.StatusOK, observability.Default.RenderPrometheus())
}
