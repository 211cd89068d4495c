package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"

	"github.com/shaiso/sagaflow/internal/backoff"
	"github.com/shaiso/sagaflow/internal/workflow"
)

// envelope is the wire format carried on every exchange: URN/Event/Attempt
// are plain fields a consumer can read without decoding Payload, the same
// shape as the teacher's Message but without its MessageType/Timestamp
// envelope (topics already encode type; retry timing no longer needs a
// timestamp since delay is computed at publish time).
type envelope struct {
	URN     string          `json:"urn"`
	Event   string          `json:"event"`
	Attempt int             `json:"attempt"`
	Payload json.RawMessage `json:"payload"`
}

// Publisher implements workflow.BrokerPublisher[P] against one workflow's
// Topology, publishing to its direct exchange on Emit and to its retry
// exchange (with a computed Expiration) on Retry. Every publish goes
// through a CircuitBreaker, the same sony/gobreaker-wraps-the-outbound-call
// pattern internal/store/postgres uses: a broker that is down shouldn't be
// hammered with publish attempts from every inbound Transit call.
type Publisher[P any] struct {
	conn     *Connection
	topology Topology
	retry    workflow.RetryConfig
	rng      *rand.Rand
	logger   *slog.Logger
	breaker  *gobreaker.CircuitBreaker
}

func NewPublisher[P any](conn *Connection, topology Topology, retry workflow.RetryConfig, logger *slog.Logger) *Publisher[P] {
	return &Publisher[P]{
		conn:     conn,
		topology: topology,
		retry:    retry,
		logger:   logger,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    fmt.Sprintf("rabbitmq-publisher-%s", topology.Workflow),
			Timeout: 30 * time.Second,
		}),
	}
}

func (p *Publisher[P]) Emit(ctx context.Context, evt workflow.Event[P]) error {
	return p.publish(ctx, p.topology.exchange(), evt.Topic, evt, "")
}

// Retry redelivers evt via the retry exchange with an Expiration equal to
// the backoff delay for evt.Attempt+1; once that TTL elapses, the broker
// dead-letters the message back onto the main exchange with its original
// routing key, landing it on the same queue it was first consumed from.
func (p *Publisher[P]) Retry(ctx context.Context, evt workflow.Event[P], maxAttempts int) error {
	next := evt
	next.Attempt = evt.Attempt + 1

	if maxAttempts > 0 && next.Attempt > maxAttempts {
		p.logger.Warn("retry attempts exhausted, not rescheduling",
			"workflow", p.topology.Workflow, "event", evt.Topic, "urn", evt.URN, "attempt", next.Attempt)
		return fmt.Errorf("sagaflow: max attempts (%d) exceeded for %s/%s", maxAttempts, evt.Topic, evt.URN)
	}

	delay := backoff.Delay(next.Attempt, p.retry, p.rng)
	expiration := strconv.FormatInt(delay.Milliseconds(), 10)

	return p.publish(ctx, p.topology.retryExchange(), evt.Topic, next, expiration)
}

func (p *Publisher[P]) publish(ctx context.Context, exchange, routingKey string, evt workflow.Event[P], expiration string) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	body, err := json.Marshal(envelope{URN: evt.URN, Event: evt.Topic, Attempt: evt.Attempt, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	_, err = p.breaker.Execute(func() (any, error) {
		return nil, p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
			pub := amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Body:         body,
			}
			if expiration != "" {
				pub.Expiration = expiration
			}

			return ch.PublishWithContext(ctx, exchange, routingKey, false, false, pub)
		})
	})
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
	}

	p.logger.Debug("published event",
		"exchange", exchange, "routing_key", routingKey, "urn", evt.URN, "attempt", evt.Attempt)
	return nil
}
