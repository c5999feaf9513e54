// Package stream implements the contract the transport layer must honor for
// a job's event feed: replay the persisted log in order, then forward live
// bus events, heartbeat while idle, and close once the job is terminal with
// a final synthetic complete event if none was observed.
package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/autovant/rca/internal/bus"
	"github.com/autovant/rca/internal/job"
	"github.com/autovant/rca/internal/state"
	"github.com/autovant/rca/pkg/rcapi"
)

const DefaultHeartbeatInterval = 15 * time.Second

// Sink is one connected client. SSE, websockets and test buffers all
// implement it.
type Sink interface {
	Send(frame rcapi.JobEventFrame) error
	Heartbeat() error
}

type Streamer struct {
	jobs              *job.Service
	bus               *bus.Bus
	heartbeatInterval time.Duration
}

func NewStreamer(jobs *job.Service, b *bus.Bus, heartbeatInterval time.Duration) *Streamer {
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	return &Streamer{jobs: jobs, bus: b, heartbeatInterval: heartbeatInterval}
}

// Run streams the job's events to the sink until the job is terminal or the
// context ends. The live subscription is registered before the historical
// replay so a job that transitions while the client connects neither drops
// nor duplicates events.
func (s *Streamer) Run(ctx context.Context, jobID string, sink Sink) error {
	if _, err := s.jobs.Get(ctx, jobID); err != nil {
		return err
	}

	live, cancel := s.bus.Subscribe(ctx, jobID)
	defer cancel()

	seen := make(map[string]struct{})
	sawComplete := false
	terminalSeen := false

	history, err := s.jobs.Events(ctx, jobID)
	if err != nil {
		return err
	}
	for _, ev := range history {
		seen[eventKey(ev)] = struct{}{}
		if err := sink.Send(frame(ev)); err != nil {
			return err
		}
		noteTerminal(ev, &sawComplete, &terminalSeen)
	}

	// The job may have gone terminal between the event fetch and now; the
	// live subscription was already registered, so anything in between is
	// either in history or queued on the channel.
	if !terminalSeen {
		current, err := s.jobs.Get(ctx, jobID)
		if err != nil {
			return err
		}
		if current.Terminal() {
			terminalSeen = true
		}
	}
	if terminalSeen {
		return s.finish(ctx, jobID, sink, live, seen, sawComplete)
	}

	hb := time.NewTicker(s.heartbeatInterval)
	defer hb.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-hb.C:
			if err := sink.Heartbeat(); err != nil {
				return err
			}
		case ev, ok := <-live:
			if !ok {
				return nil
			}
			key := eventKey(ev)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			if err := sink.Send(frame(ev)); err != nil {
				return err
			}
			noteTerminal(ev, &sawComplete, &terminalSeen)
			if terminalSeen {
				return s.finish(ctx, jobID, sink, live, seen, sawComplete)
			}
			hb.Reset(s.heartbeatInterval)
		}
	}
}

// finish drains anything already queued on the live channel, then emits the
// synthetic complete frame when no terminal event was delivered.
func (s *Streamer) finish(ctx context.Context, jobID string, sink Sink, live <-chan state.JobEventRecord, seen map[string]struct{}, sawComplete bool) error {
	for {
		select {
		case ev := <-live:
			key := eventKey(ev)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			if err := sink.Send(frame(ev)); err != nil {
				return err
			}
			if isCompleteEvent(ev) {
				sawComplete = true
			}
		default:
			if !sawComplete {
				current, err := s.jobs.Get(ctx, jobID)
				if err != nil {
					return err
				}
				return sink.Send(rcapi.JobEventFrame{
					EventType: "complete",
					JobID:     jobID,
					Data:      map[string]interface{}{"status": current.Status},
					CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
				})
			}
			return nil
		}
	}
}

func noteTerminal(ev state.JobEventRecord, sawComplete, terminalSeen *bool) {
	if isCompleteEvent(ev) {
		*sawComplete = true
	}
	switch ev.EventType {
	case state.EventCompleted, state.EventFailed, state.EventCancelled:
		*terminalSeen = true
	case "status-changed":
		if to, ok := ev.Data["to"].(string); ok && state.TerminalStatus(to) {
			*terminalSeen = true
		}
	}
}

func isCompleteEvent(ev state.JobEventRecord) bool {
	return ev.EventType == "complete" || ev.EventType == state.EventCompleted
}

func frame(ev state.JobEventRecord) rcapi.JobEventFrame {
	return rcapi.JobEventFrame{
		EventType: ev.EventType,
		JobID:     ev.JobID,
		Data:      ev.Data,
		CreatedAt: ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// eventKey deliberately ignores the store-assigned row id: the same event
// arrives once from replay (with an id) and once from the live bus (without
// one), and both must collapse to a single delivery. The timestamp is
// compared at microsecond resolution because timestamptz columns round-trip
// microseconds while the live copy carries the full in-memory nanoseconds.
func eventKey(ev state.JobEventRecord) string {
	return fmt.Sprintf("%s:%d", ev.EventType, ev.CreatedAt.UnixMicro())
}
