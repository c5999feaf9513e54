package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/autovant/rca/internal/state"
)

func mkEvent(jobID, eventType string, seq int) state.JobEventRecord {
	return state.JobEventRecord{
		JobID:     jobID,
		EventType: eventType,
		Data:      map[string]interface{}{"seq": seq},
		CreatedAt: time.Now().UTC(),
	}
}

func TestFanoutToAllSubscribers(t *testing.T) {
	ctx := context.Background()
	b := NewLocal()

	ch1, cancel1 := b.Subscribe(ctx, "job-1")
	defer cancel1()
	ch2, cancel2 := b.Subscribe(ctx, "job-1")
	defer cancel2()
	other, cancelOther := b.Subscribe(ctx, "job-2")
	defer cancelOther()

	b.Publish(ctx, mkEvent("job-1", state.EventProgress, 1))

	for i, ch := range []<-chan state.JobEventRecord{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.EventType != state.EventProgress {
				t.Fatalf("subscriber %d: unexpected event %s", i, ev.EventType)
			}
		default:
			t.Fatalf("subscriber %d: event not delivered", i)
		}
	}
	select {
	case ev := <-other:
		t.Fatalf("subscriber on another job received %s", ev.EventType)
	default:
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	b := NewLocal()

	ch, cancel := b.Subscribe(ctx, "job-1")
	if n := b.SubscriberCount("job-1"); n != 1 {
		t.Fatalf("expected 1 subscriber, got %d", n)
	}
	cancel()
	if n := b.SubscriberCount("job-1"); n != 0 {
		t.Fatalf("expected 0 subscribers after cancel, got %d", n)
	}

	b.Publish(ctx, mkEvent("job-1", state.EventProgress, 1))
	select {
	case ev := <-ch:
		t.Fatalf("cancelled subscriber received %s", ev.EventType)
	default:
	}
}

func TestSlowConsumerShedsOldestFrame(t *testing.T) {
	ctx := context.Background()
	b := NewLocal()

	ch, cancel := b.Subscribe(ctx, "job-1")
	defer cancel()

	total := subscriberBuffer + 6
	for i := 0; i < total; i++ {
		b.Publish(ctx, mkEvent("job-1", state.EventProgress, i))
	}

	first := <-ch
	if seq := first.Data["seq"].(int); seq != 6 {
		t.Fatalf("expected the 6 oldest frames shed, first seq was %d", seq)
	}
	received := 1
	for {
		select {
		case <-ch:
			received++
		default:
			if received != subscriberBuffer {
				t.Fatalf("expected a full buffer of %d frames, got %d", subscriberBuffer, received)
			}
			return
		}
	}
}

type failingBroker struct{}

func (failingBroker) Publish(context.Context, string, []byte) error {
	return errors.New("broker unreachable")
}

func (failingBroker) Subscribe(context.Context, string) (<-chan []byte, func(), error) {
	return nil, nil, errors.New("broker unreachable")
}

func TestBrokerFailureFallsBackToLocalDelivery(t *testing.T) {
	ctx := context.Background()
	b := New(failingBroker{})

	ch, cancel := b.Subscribe(ctx, "job-1")
	defer cancel()

	b.Publish(ctx, mkEvent("job-1", state.EventCompleted, 1))
	select {
	case ev := <-ch:
		if ev.EventType != state.EventCompleted {
			t.Fatalf("unexpected event %s", ev.EventType)
		}
	default:
		t.Fatalf("local delivery must survive a dead broker")
	}
}
