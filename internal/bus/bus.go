package bus

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/autovant/rca/internal/state"
)

const subscriberBuffer = 64

// Broker is an optional network sink/source for lifecycle events, keyed by
// job id. Absence of a reachable broker must never fail a publish.
type Broker interface {
	Publish(ctx context.Context, jobID string, payload []byte) error
	Subscribe(ctx context.Context, jobID string) (<-chan []byte, func(), error)
}

type subscriber struct {
	ch chan state.JobEventRecord
}

// Bus fans lifecycle events out to current subscribers. Delivery is
// at-least-once to subscribers registered at publish time; historical replay
// is the store's job, not the bus's. Only the registration map is behind the
// mutex; delivery is per-subscriber buffered channels that drop the oldest
// entry instead of blocking the publisher.
type Bus struct {
	mu     sync.Mutex
	subs   map[string]map[int64]*subscriber
	nextID int64
	broker Broker
}

func New(broker Broker) *Bus {
	return &Bus{
		subs:   make(map[string]map[int64]*subscriber),
		broker: broker,
	}
}

// NewLocal is a bus without a broker, for tests and standalone mode.
func NewLocal() *Bus { return New(nil) }

// Publish delivers the event to the broker channel for the job when a broker
// is configured, and always to in-process subscribers. Broker failures are
// logged and swallowed.
func (b *Bus) Publish(ctx context.Context, event state.JobEventRecord) {
	if b.broker != nil {
		payload, err := json.Marshal(event)
		if err != nil {
			log.Printf("bus: marshal event for job %s: %v", event.JobID, err)
		} else if err := b.broker.Publish(ctx, event.JobID, payload); err != nil {
			log.Printf("bus: broker publish for job %s failed, local delivery only: %v", event.JobID, err)
		}
	}
	b.deliverLocal(event)
}

func (b *Bus) deliverLocal(event state.JobEventRecord) {
	b.mu.Lock()
	targets := make([]*subscriber, 0, 4)
	for _, s := range b.subs[event.JobID] {
		targets = append(targets, s)
	}
	b.mu.Unlock()
	for _, s := range targets {
		select {
		case s.ch <- event:
		default:
			// Slow consumer: shed the oldest frame rather than block.
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- event:
			default:
			}
		}
	}
}

// Subscribe registers for live events on one job. The returned cancel func
// must be called to release the subscription. When a broker is configured,
// events published by other processes are forwarded onto the same channel.
func (b *Bus) Subscribe(ctx context.Context, jobID string) (<-chan state.JobEventRecord, func()) {
	s := &subscriber{ch: make(chan state.JobEventRecord, subscriberBuffer)}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[int64]*subscriber)
	}
	b.subs[jobID][id] = s
	b.mu.Unlock()

	var stopBroker func()
	if b.broker != nil {
		raw, stop, err := b.broker.Subscribe(ctx, jobID)
		if err != nil {
			log.Printf("bus: broker subscribe for job %s failed, local fan-out only: %v", jobID, err)
		} else {
			stopBroker = stop
			go func() {
				for payload := range raw {
					var ev state.JobEventRecord
					if err := json.Unmarshal(payload, &ev); err != nil {
						log.Printf("bus: drop malformed broker frame for job %s: %v", jobID, err)
						continue
					}
					select {
					case s.ch <- ev:
					default:
					}
				}
			}()
		}
	}

	cancel := func() {
		b.mu.Lock()
		if m, ok := b.subs[jobID]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(b.subs, jobID)
			}
		}
		b.mu.Unlock()
		if stopBroker != nil {
			stopBroker()
		}
	}
	return s.ch, cancel
}

// SubscriberCount is an observability accessor.
func (b *Bus) SubscriberCount(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[jobID])
}
