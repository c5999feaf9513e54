package runtime

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/autovant/rca/pkg/rcapi"
	"github.com/autovant/rca/worker/internal/config"
	"github.com/autovant/rca/worker/internal/executor"
	"github.com/autovant/rca/worker/internal/heartbeat"
	"github.com/autovant/rca/worker/internal/telemetry"
)

type Runtime struct {
	cfg    config.Config
	client *Client
	exec   *executor.Executor
	hb     *heartbeat.Client
	tel    telemetry.Client
}

func New(cfg config.Config, client *Client, exec *executor.Executor, hb *heartbeat.Client, tel telemetry.Client) *Runtime {
	return &Runtime{cfg: cfg, client: client, exec: exec, hb: hb, tel: tel}
}

func (r *Runtime) Run(ctx context.Context) error {
	go r.hb.Start(ctx)
	t := time.NewTicker(r.cfg.PollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := r.pollAndRun(ctx); err != nil {
				log.Printf("poll failed: %v", err)
			}
		}
	}
}

func (r *Runtime) pollAndRun(ctx context.Context) error {
	assignments, err := r.client.PollAssignments(ctx, r.cfg.WorkerID, r.cfg.Capacity)
	if err != nil {
		return err
	}
	for i, a := range assignments {
		r.hb.SetLoad(len(assignments) - i)
		r.runOne(ctx, a)
	}
	r.hb.SetLoad(0)
	return nil
}

func (r *Runtime) runOne(ctx context.Context, a rcapi.Assignment) {
	started := time.Now()
	outputs, runErr := r.exec.Run(ctx, a)
	duration := time.Since(started)

	if errors.Is(runErr, executor.ErrJobCancelled) {
		// The job is already terminal on the control plane; reporting would
		// only produce a transition conflict.
		log.Printf("job %s cancelled mid-pipeline, dropping result", a.JobID)
		r.tel.Incr("worker.job.cancelled")
		return
	}

	report := rcapi.ReportResultRequest{
		WorkerID:       r.cfg.WorkerID,
		JobID:          a.JobID,
		Status:         "completed",
		ResultData:     outputs,
		DurationMillis: duration.Milliseconds(),
	}
	if runErr != nil {
		report.Status = "failed"
		report.Error = runErr.Error()
		report.ErrorType = executor.ClassifyError(runErr)
		var se *executor.StageError
		if errors.As(runErr, &se) {
			report.Stage = se.Stage
		}
		r.tel.Incr("worker.job.failed")
	} else {
		r.tel.Incr("worker.job.completed")
	}

	if err := r.client.ReportResult(ctx, report); err != nil {
		log.Printf("report failed job=%s: %v", a.JobID, err)
	}
}
