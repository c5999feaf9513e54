package bus

import (
	"context"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "rca:events:"

// RedisBroker bridges the bus across processes over redis pub/sub, one
// channel per job id.
type RedisBroker struct {
	client *redis.Client
}

func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

func (r *RedisBroker) Publish(ctx context.Context, jobID string, payload []byte) error {
	return r.client.Publish(ctx, channelPrefix+jobID, payload).Err()
}

func (r *RedisBroker) Subscribe(ctx context.Context, jobID string) (<-chan []byte, func(), error) {
	sub := r.client.Subscribe(ctx, channelPrefix+jobID)
	// Receive forces the SUBSCRIBE round trip so an unreachable broker is
	// reported here, letting the bus degrade to local fan-out.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}
	out := make(chan []byte, subscriberBuffer)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			out <- []byte(msg.Payload)
		}
	}()
	stop := func() { _ = sub.Close() }
	return out, stop, nil
}
