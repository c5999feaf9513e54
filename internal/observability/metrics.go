// Package observability holds the tracing bootstrap and a small in-process
// metrics registry. The registry is deliberately modest: counters and gauges
// only, rendered as JSON for the ops endpoint and as Prometheus text for
// scrapers.
package observability

import (
	"sort"
	"strconv"
	"strings"
	"sync"
)

const (
	kindCounter = iota
	kindGauge
)

// series is one metric identified by name plus its rendered label block.
// The label block doubles as part of the map key, so label order never
// produces duplicate series.
type series struct {
	name   string
	labels map[string]string
	block  string // `{k="v",...}` or empty
	kind   int
	value  float64
}

type MetricPoint struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

type Snapshot struct {
	Counters []MetricPoint `json:"counters"`
	Gauges   []MetricPoint `json:"gauges"`
}

type Registry struct {
	mu     sync.Mutex
	series map[string]*series
}

func NewRegistry() *Registry {
	return &Registry{series: make(map[string]*series)}
}

var Default = NewRegistry()

func (r *Registry) IncCounter(name string, labels map[string]string, delta float64) {
	if delta == 0 {
		return
	}
	r.upsert(name, labels, kindCounter, func(s *series) { s.value += delta })
}

func (r *Registry) SetGauge(name string, labels map[string]string, value float64) {
	r.upsert(name, labels, kindGauge, func(s *series) { s.value = value })
}

func (r *Registry) upsert(name string, labels map[string]string, kind int, apply func(*series)) {
	block, lcopy := labelBlock(labels)
	key := strconv.Itoa(kind) + "\x00" + name + block
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.series[key]
	if !ok {
		s = &series{name: name, labels: lcopy, block: block, kind: kind}
		r.series[key] = s
	}
	apply(s)
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out Snapshot
	for _, s := range r.series {
		p := MetricPoint{Name: s.name, Labels: s.labels, Value: s.value}
		if s.kind == kindCounter {
			out.Counters = append(out.Counters, p)
		} else {
			out.Gauges = append(out.Gauges, p)
		}
	}
	sort.Slice(out.Counters, func(i, j int) bool { return out.Counters[i].Name < out.Counters[j].Name })
	sort.Slice(out.Gauges, func(i, j int) bool { return out.Gauges[i].Name < out.Gauges[j].Name })
	return out
}

func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.series = make(map[string]*series)
}

// RenderPrometheus emits one sample line per series in the text exposition
// format, sorted for stable scrapes.
func (r *Registry) RenderPrometheus() string {
	r.mu.Lock()
	lines := make([]string, 0, len(r.series))
	for _, s := range r.series {
		lines = append(lines, sanitizeName(s.name)+s.block+" "+strconv.FormatFloat(s.value, 'f', -1, 64))
	}
	r.mu.Unlock()
	sort.Strings(lines)
	return strings.Join(lines, "\n") + "\n"
}

func labelBlock(labels map[string]string) (string, map[string]string) {
	if len(labels) == 0 {
		return "", nil
	}
	keys := make([]string, 0, len(labels))
	lcopy := make(map[string]string, len(labels))
	for k, v := range labels {
		keys = append(keys, k)
		lcopy[k] = v
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(sanitizeName(k))
		b.WriteString("=")
		b.WriteString(strconv.Quote(labels[k]))
	}
	b.WriteByte('}')
	return b.String(), lcopy
}

func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "rca_metric"
	}
	out := make([]rune, 0, len(name))
	for i, r := range name {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_' || (r >= '0' && r <= '9' && i > 0)
		if ok {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}
