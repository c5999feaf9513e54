package telemetry

import "sync"

type Client interface {
	Incr(name string)
}

type nop struct{}

func NewNop() Client {
	return nop{}
}

func (nop) Incr(name string) {
	_ = name
}

// Counters is an in-process Client whose totals the runtime logs on
// shutdown.
type Counters struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewCounters() *Counters {
	return &Counters{counts: make(map[string]int64)}
}

func (c *Counters) Incr(name string) {
	c.mu.Lock()
	c.counts[name]++
	c.mu.Unlock()
}

func (c *Counters) Snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}
