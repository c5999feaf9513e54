// Package triage classifies job failures, detects recurring error patterns
// over a sliding window, and recommends retry/backoff decisions consumed by
// the scheduler. It observes the event history; it never mutates jobs.
package triage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/autovant/rca/internal/state"
)

type Options struct {
	Window      time.Duration // how long failures stay relevant
	MaxAttempts int           // ShouldRetry turns false beyond this
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

type failureSample struct {
	JobID     string
	ErrorType string
	Stage     string
	Message   string
	At        time.Time
}

type Troubleshooter struct {
	mu       sync.Mutex
	failures []failureSample
	opts     Options
}

func New(opts Options) *Troubleshooter {
	if opts.Window <= 0 {
		opts.Window = 24 * time.Hour
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 2 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Minute
	}
	return &Troubleshooter{opts: opts}
}

// LoadHistory seeds the failure window from the persisted event log, so a
// restarted orchestrator keeps its pattern memory.
func (t *Troubleshooter) LoadHistory(ctx context.Context, store state.Store) error {
	cutoff := time.Now().UTC().Add(-t.opts.Window)
	events, err := store.ListRecentEventsByType(ctx, state.EventFailed, cutoff)
	if err != nil {
		return err
	}
	for _, ev := range events {
		errType, _ := ev.Data["error_type"].(string)
		stage, _ := ev.Data["stage"].(string)
		msg, _ := ev.Data["error"].(string)
		t.Observe(ev.JobID, errType, stage, msg, ev.CreatedAt)
	}
	return nil
}

// Observe records one failure in the sliding window.
func (t *Troubleshooter) Observe(jobID, errorType, stage, message string, at time.Time) {
	if errorType == "" {
		errorType = "unknown"
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = append(t.failures, failureSample{
		JobID: jobID, ErrorType: errorType, Stage: stage, Message: message, At: at,
	})
	t.pruneLocked(time.Now().UTC())
}

func (t *Troubleshooter) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.opts.Window)
	kept := t.failures[:0]
	for _, f := range t.failures {
		if !f.At.Before(cutoff) {
			kept = append(kept, f)
		}
	}
	t.failures = kept
}

// Transient reports whether the error class is worth retrying. Validation
// and auth-style failures never are; timeouts and resource exhaustion are.
func Transient(errorType string) bool {
	switch strings.ToLower(strings.TrimSpace(errorType)) {
	case "validation", "invalid_input", "authentication", "authorization",
		"not_found", "unsupported", "permanent":
		return false
	default:
		return true
	}
}

type Diagnosis struct {
	ErrorType   string         `json:"error_type"`
	Transient   bool           `json:"transient"`
	Occurrences int            `json:"occurrences"`
	StageCounts map[string]int `json:"stage_counts,omitempty"`
	Recurring   bool           `json:"recurring"`
	Suggestions []string       `json:"suggestions"`
}

// AnalyzeFailure matches a failure against the recent window and returns a
// diagnosis with ranked remediation suggestions.
func (t *Troubleshooter) AnalyzeFailure(jobID, errorType, message string, context map[string]interface{}) Diagnosis {
	stage, _ := context["stage"].(string)
	t.Observe(jobID, errorType, stage, message, time.Time{})

	t.mu.Lock()
	defer t.mu.Unlock()
	d := Diagnosis{
		ErrorType:   errorType,
		Transient:   Transient(errorType),
		StageCounts: make(map[string]int),
	}
	for _, f := range t.failures {
		if f.ErrorType != errorType {
			continue
		}
		d.Occurrences++
		if f.Stage != "" {
			d.StageCounts[f.Stage]++
		}
	}
	d.Recurring = d.Occurrences >= 3

	if !d.Transient {
		d.Suggestions = append(d.Suggestions, "error class is non-transient; fix the input or configuration before retrying")
	} else {
		d.Suggestions = append(d.Suggestions, "retry with backoff; the error class is transient")
	}
	if d.Recurring {
		d.Suggestions = append(d.Suggestions, fmt.Sprintf("%q has failed %d times in the window; check the upstream dependency", errorType, d.Occurrences))
	}
	if stage != "" && d.StageCounts[stage] >= 3 {
		d.Suggestions = append(d.Suggestions, fmt.Sprintf("failures cluster in stage %q; inspect that stage's inputs", stage))
	}
	return d
}

type Pattern struct {
	ErrorType string `json:"error_type"`
	Count     int    `json:"count"`
}

// ErrorPatterns aggregates failures in the last given hours into per-type
// buckets, largest first.
func (t *Troubleshooter) ErrorPatterns(hours int) []Pattern {
	if hours <= 0 {
		hours = 24
	}
	cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	t.mu.Lock()
	counts := make(map[string]int)
	for _, f := range t.failures {
		if !f.At.Before(cutoff) {
			counts[f.ErrorType]++
		}
	}
	t.mu.Unlock()

	out := make([]Pattern, 0, len(counts))
	for et, n := range counts {
		out = append(out, Pattern{ErrorType: et, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].ErrorType < out[j].ErrorType
	})
	return out
}

type RetryStrategy struct {
	ShouldRetry    bool  `json:"should_retry"`
	BackoffSeconds int   `json:"backoff_seconds"`
	MaxRetries     int   `json:"max_retries"`
}

// SuggestRetryStrategy returns a monotonically non-decreasing exponential
// backoff in failureCount, with ShouldRetry false once the attempt cap is
// exceeded or the error class is non-transient.
func (t *Troubleshooter) SuggestRetryStrategy(jobID, errorType string, failureCount int) RetryStrategy {
	s := RetryStrategy{MaxRetries: t.opts.MaxAttempts}
	if failureCount >= t.opts.MaxAttempts || !Transient(errorType) {
		s.BackoffSeconds = int(t.backoff(failureCount).Seconds())
		return s
	}
	s.ShouldRetry = true
	s.BackoffSeconds = int(t.backoff(failureCount).Seconds())
	return s
}

func (t *Troubleshooter) backoff(failureCount int) time.Duration {
	if failureCount < 1 {
		failureCount = 1
	}
	d := t.opts.BaseBackoff
	for i := 1; i < failureCount; i++ {
		d *= 2
		if d >= t.opts.MaxBackoff {
			return t.opts.MaxBackoff
		}
	}
	if d > t.opts.MaxBackoff {
		d = t.opts.MaxBackoff
	}
	return d
}

type Insights struct {
	TotalFailures int       `json:"total_failures"`
	TopErrors     []Pattern `json:"top_errors"`
	HealthScore   int       `json:"health_score"`
}

// HealthInsights rolls the window up into a 0-100 score for dashboards.
func (t *Troubleshooter) HealthInsights() Insights {
	t.mu.Lock()
	t.pruneLocked(time.Now().UTC())
	total := len(t.failures)
	t.mu.Unlock()

	top := t.ErrorPatterns(int(t.opts.Window.Hours()))
	if len(top) > 5 {
		top = top[:5]
	}
	score := 100 - total*2
	if score < 0 {
		score = 0
	}
	return Insights{TotalFailures: total, TopErrors: top, HealthScore: score}
}
