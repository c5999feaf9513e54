package intake

import (
	"context"
	"encoding/json"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/autovant/rca/internal/state"
	"github.com/autovant/rca/pkg/rcapi"
)

// Submitter is the admission-gated submission path; the scheduler satisfies
// it.
type Submitter interface {
	Submit(ctx context.Context, req rcapi.SubmitJobRequest) (state.JobRecord, error)
}

type Consumer struct {
	channel     *amqp.Channel
	queue       string
	submitter   Submitter
	prefetchCnt int
}

func NewConsumer(conn *amqp.Connection, submitter Submitter) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	c := &Consumer{
		channel:     ch,
		queue:       Queue,
		submitter:   submitter,
		prefetchCnt: 1,
	}
	if _, err := ch.QueueDeclare(Queue, true, false, false, false, nil); err != nil {
		return nil, err
	}
	if err := ch.QueueBind(Queue, RoutingKey, Exchange, false, nil); err != nil {
		return nil, err
	}
	if err := ch.Qos(c.prefetchCnt, 0, false); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			c.handle(ctx, msg)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg amqp.Delivery) {
	var req rcapi.SubmitJobRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		log.Printf("intake: drop malformed submission: %v", err)
		_ = msg.Nack(false, false)
		return
	}
	if _, err := c.submitter.Submit(ctx, req); err != nil {
		// Admission denials are final for this message; queue-level redelivery
		// would just be denied again.
		log.Printf("intake: submission rejected: %v", err)
		_ = msg.Nack(false, false)
		return
	}
	_ = msg.Ack(false)
}
