// Package intake carries job submissions over rabbitmq so upstream services
// can hand work to the orchestrator without calling its HTTP API. A missing
// broker URL disables intake; it is never a hard dependency.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	Exchange   = "rca.jobs"
	RoutingKey = "rca.jobs.submitted"
	Queue      = "rca.jobs.submitted.q"
)

type Publisher struct {
	channel    *amqp.Channel
	exchange   string
	routingKey string
}

func NewPublisher(conn *amqp.Connection) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	err = ch.ExchangeDeclare(
		Exchange,
		"topic",
		true, // durable
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, err
	}
	return &Publisher{channel: ch, exchange: Exchange, routingKey: RoutingKey}, nil
}

func (p *Publisher) Publish(ctx context.Context, body json.RawMessage) error {
	return p.channel.PublishWithContext(ctx,
		p.exchange,
		p.routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
}

// PublishWithRetry backs off exponentially on a flaky broker before giving
// the error back to the caller.
func (p *Publisher) PublishWithRetry(ctx context.Context, body json.RawMessage) error {
	var (
		baseDelay   = 500 * time.Millisecond
		maxDelay    = 10 * time.Second
		maxAttempts = 5
	)
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := p.Publish(ctx, body); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt == maxAttempts {
			break
		}
		backoff := baseDelay << (attempt - 1)
		if backoff > maxDelay {
			backoff = maxDelay
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return errors.New("publish canceled by context")
		}
	}
	return lastErr
}
