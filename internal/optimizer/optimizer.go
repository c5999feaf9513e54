// Package optimizer is a passive observer of per-stage pipeline timing fed
// by worker telemetry. Its findings are for operators only; nothing here
// feeds back into scheduling automatically.
package optimizer

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

type Options struct {
	LookbackMinutes    int
	AnomalyStddev      float64
	MaxSamplesPerStage int
}

type sample struct {
	DurationMS float64
	Success    bool
	At         time.Time
}

type Optimizer struct {
	mu     sync.Mutex
	stages map[string][]sample
	opts   Options
}

func New(opts Options) *Optimizer {
	if opts.LookbackMinutes <= 0 {
		opts.LookbackMinutes = 60
	}
	if opts.AnomalyStddev <= 0 {
		opts.AnomalyStddev = 3.0
	}
	if opts.MaxSamplesPerStage <= 0 {
		opts.MaxSamplesPerStage = 1000
	}
	return &Optimizer{stages: make(map[string][]sample), opts: opts}
}

// RecordStageCompletion appends one timing sample to the stage's bounded
// rolling window.
func (o *Optimizer) RecordStageCompletion(stage string, durationMS float64, success bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := append(o.stages[stage], sample{DurationMS: durationMS, Success: success, At: time.Now().UTC()})
	s = o.pruneLocked(s)
	o.stages[stage] = s
}

func (o *Optimizer) pruneLocked(s []sample) []sample {
	cutoff := time.Now().UTC().Add(-time.Duration(o.opts.LookbackMinutes) * time.Minute)
	kept := s[:0]
	for _, x := range s {
		if !x.At.Before(cutoff) {
			kept = append(kept, x)
		}
	}
	if len(kept) > o.opts.MaxSamplesPerStage {
		kept = kept[len(kept)-o.opts.MaxSamplesPerStage:]
	}
	return kept
}

type Bottleneck struct {
	Stage      string  `json:"stage"`
	MeanMS     float64 `json:"mean_ms"`
	Percentile float64 `json:"percentile"`
}

// DetectBottlenecks flags stages whose mean duration sits above the given
// percentile of all stage means.
func (o *Optimizer) DetectBottlenecks(percentile float64) []Bottleneck {
	if percentile <= 0 || percentile >= 100 {
		percentile = 90
	}
	means := o.stageMeans()
	if len(means) < 2 {
		return nil
	}
	values := make([]float64, 0, len(means))
	for _, m := range means {
		values = append(values, m)
	}
	sort.Float64s(values)
	idx := int(math.Ceil(percentile/100*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	threshold := values[idx]

	out := make([]Bottleneck, 0, 2)
	for stage, m := range means {
		if m >= threshold {
			out = append(out, Bottleneck{Stage: stage, MeanMS: m, Percentile: percentile})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MeanMS > out[j].MeanMS })
	return out
}

func (o *Optimizer) stageMeans() map[string]float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	means := make(map[string]float64, len(o.stages))
	for stage, samples := range o.stages {
		samples = o.pruneLocked(samples)
		o.stages[stage] = samples
		if len(samples) == 0 {
			continue
		}
		sum := 0.0
		for _, s := range samples {
			sum += s.DurationMS
		}
		means[stage] = sum / float64(len(samples))
	}
	return means
}

type Anomaly struct {
	Stage      string  `json:"stage"`
	DurationMS float64 `json:"duration_ms"`
	MeanMS     float64 `json:"mean_ms"`
	StddevMS   float64 `json:"stddev_ms"`
	Deviations float64 `json:"deviations"`
}

// DetectAnomalies flags individual samples further than the configured
// number of standard deviations from their stage's recent mean.
func (o *Optimizer) DetectAnomalies() []Anomaly {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Anomaly, 0, 4)
	for stage, samples := range o.stages {
		if len(samples) < 3 {
			continue
		}
		mean, stddev := meanStddev(samples)
		if stddev == 0 {
			continue
		}
		for _, s := range samples {
			dev := math.Abs(s.DurationMS-mean) / stddev
			if dev > o.opts.AnomalyStddev {
				out = append(out, Anomaly{
					Stage:      stage,
					DurationMS: s.DurationMS,
					MeanMS:     mean,
					StddevMS:   stddev,
					Deviations: dev,
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deviations > out[j].Deviations })
	return out
}

func meanStddev(samples []sample) (float64, float64) {
	sum := 0.0
	for _, s := range samples {
		sum += s.DurationMS
	}
	mean := sum / float64(len(samples))
	varSum := 0.0
	for _, s := range samples {
		d := s.DurationMS - mean
		varSum += d * d
	}
	return mean, math.Sqrt(varSum / float64(len(samples)))
}

type BatchSample struct {
	BatchSize  int     `json:"batch_size"`
	Throughput float64 `json:"throughput"`
}

type BatchRecommendation struct {
	Stage      string  `json:"stage"`
	BatchSize  int     `json:"batch_size"`
	Throughput float64 `json:"throughput"`
	Confident  bool    `json:"confident"`
}

// OptimizeBatchSize recommends the batch size with the best observed
// throughput. A single unreplicated spike yields a low-confidence result
// rather than an overfit recommendation.
func (o *Optimizer) OptimizeBatchSize(stage string, samples []BatchSample) BatchRecommendation {
	rec := BatchRecommendation{Stage: stage}
	if len(samples) == 0 {
		return rec
	}
	byBatch := make(map[int][]float64)
	for _, s := range samples {
		byBatch[s.BatchSize] = append(byBatch[s.BatchSize], s.Throughput)
	}
	bestSize, bestMean, bestN := 0, -1.0, 0
	for size, xs := range byBatch {
		sum := 0.0
		for _, x := range xs {
			sum += x
		}
		mean := sum / float64(len(xs))
		if mean > bestMean || (mean == bestMean && size < bestSize) {
			bestSize, bestMean, bestN = size, mean, len(xs)
		}
	}
	rec.BatchSize = bestSize
	rec.Throughput = bestMean
	rec.Confident = bestN >= 2
	return rec
}

type Recommendation struct {
	Kind    string `json:"kind"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// Recommendations merges bottleneck and anomaly findings into one list.
func (o *Optimizer) Recommendations() []Recommendation {
	out := make([]Recommendation, 0, 4)
	for _, b := range o.DetectBottlenecks(90) {
		out = append(out, Recommendation{
			Kind:    "bottleneck",
			Stage:   b.Stage,
			Message: fmt.Sprintf("stage %q mean %.0fms sits above the p%.0f of stage durations", b.Stage, b.MeanMS, b.Percentile),
		})
	}
	for _, a := range o.DetectAnomalies() {
		out = append(out, Recommendation{
			Kind:    "anomaly",
			Stage:   a.Stage,
			Message: fmt.Sprintf("sample of %.0fms is %.1f stddev from stage %q mean %.0fms", a.DurationMS, a.Deviations, a.Stage, a.MeanMS),
		})
	}
	return out
}
