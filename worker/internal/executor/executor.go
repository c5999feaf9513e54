// Package executor runs job pipelines stage by stage. Before entering a
// stage it durably checkpoints the stage name and carried data, so a crash
// costs at most one stage of rework. Between stages it polls job status and
// honors cancel and pause requests; nothing interrupts a stage mid-flight.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/autovant/rca/internal/checkpoint"
	"github.com/autovant/rca/internal/state"
	"github.com/autovant/rca/pkg/rcapi"
)

// ErrJobCancelled is returned when the control plane reports the job as
// cancelled between stages. The runtime must not report a result for it.
var ErrJobCancelled = errors.New("job cancelled by control plane")

// StageFunc executes one pipeline stage. carry holds the merged outputs of
// all earlier stages; the returned map is merged into carry for the next.
type StageFunc func(ctx context.Context, a rcapi.Assignment, carry map[string]interface{}) (map[string]interface{}, error)

type Stage struct {
	Name string
	Run  StageFunc
}

type Pipeline struct {
	Stages []Stage
}

// Control is the slice of the orchestrator API the executor needs while a
// job is in flight.
type Control interface {
	JobStatus(ctx context.Context, jobID string) (string, error)
	ReportProgress(ctx context.Context, jobID string, req rcapi.ReportProgressRequest) error
}

// StageError carries the failing stage and an error class the control
// plane's triage understands.
type StageError struct {
	Stage string
	Type  string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed (%s): %v", e.Stage, e.Type, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ClassifyError maps an arbitrary error to a triage error class.
func ClassifyError(err error) string {
	var se *StageError
	if errors.As(err, &se) && se.Type != "" {
		return se.Type
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "internal"
	}
}

type Options struct {
	WorkerID string
	// StatusPollInterval is how often a paused job re-checks its status.
	StatusPollInterval time.Duration
}

type Executor struct {
	opts        Options
	registry    map[string]Pipeline
	checkpoints checkpoint.Store
	control     Control
}

func New(opts Options, checkpoints checkpoint.Store, control Control) *Executor {
	if opts.StatusPollInterval <= 0 {
		opts.StatusPollInterval = 2 * time.Second
	}
	return &Executor{
		opts:        opts,
		registry:    make(map[string]Pipeline),
		checkpoints: checkpoints,
		control:     control,
	}
}

// Register binds a job type to its pipeline. Later registrations for the
// same type win.
func (e *Executor) Register(jobType string, p Pipeline) {
	e.registry[jobType] = p
}

func (e *Executor) Supports(jobType string) bool {
	_, ok := e.registry[jobType]
	return ok
}

// Run executes the pipeline for the assignment and returns the merged stage
// outputs. Resumes from a prior checkpoint when one exists: stages before
// the checkpointed one are skipped, the checkpointed stage itself re-runs.
func (e *Executor) Run(ctx context.Context, a rcapi.Assignment) (map[string]interface{}, error) {
	pipeline, ok := e.registry[a.Type]
	if !ok || len(pipeline.Stages) == 0 {
		return nil, &StageError{Stage: "dispatch", Type: "validation", Err: fmt.Errorf("unsupported job type %q", a.Type)}
	}

	carry := map[string]interface{}{}
	start := 0
	if cp, ok := e.checkpoints.Load(ctx, a.JobID); ok {
		if idx := stageIndex(pipeline.Stages, cp.Stage); idx >= 0 {
			start = idx
			for k, v := range cp.Data {
				carry[k] = v
			}
			log.Printf("job %s: resuming at stage %s (skipping %d)", a.JobID, cp.Stage, idx)
		}
	}

	total := len(pipeline.Stages)
	for i := start; i < total; i++ {
		st := pipeline.Stages[i]

		if err := e.waitRunnable(ctx, a.JobID); err != nil {
			return nil, err
		}

		e.checkpoints.Save(ctx, a.JobID, st.Name, carry)

		out, err := st.Run(ctx, a, carry)
		if err != nil {
			var se *StageError
			if errors.As(err, &se) {
				if se.Stage == "" {
					se.Stage = st.Name
				}
				return nil, se
			}
			return nil, &StageError{Stage: st.Name, Type: ClassifyError(err), Err: err}
		}
		for k, v := range out {
			carry[k] = v
		}

		progress := rcapi.ReportProgressRequest{
			WorkerID: e.opts.WorkerID,
			Stage:    st.Name,
			Percent:  float64(i+1) / float64(total) * 100,
		}
		if err := e.control.ReportProgress(ctx, a.JobID, progress); err != nil {
			log.Printf("job %s: progress report for stage %s failed: %v", a.JobID, st.Name, err)
		}
	}

	e.checkpoints.Clear(ctx, a.JobID)
	return carry, nil
}

// waitRunnable blocks while the job is paused and fails fast when it has
// been cancelled. Status fetch errors are tolerated: the worker keeps going
// on the last known state rather than abandoning work over a blip.
func (e *Executor) waitRunnable(ctx context.Context, jobID string) error {
	for {
		status, err := e.control.JobStatus(ctx, jobID)
		if err != nil {
			log.Printf("job %s: status check failed: %v", jobID, err)
			return nil
		}
		switch status {
		case state.StatusCancelled:
			return ErrJobCancelled
		case state.StatusPaused:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.opts.StatusPollInterval):
			}
		default:
			return nil
		}
	}
}

func stageIndex(stages []Stage, name string) int {
	for i, s := range stages {
		if s.Name == name {
			return i
		}
	}
	return -1
}
