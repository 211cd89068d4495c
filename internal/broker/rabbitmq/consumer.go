package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/sagaflow/internal/orchestrator"
)

// Consumer implements orchestrator.Consumer[P] against one queue, reusing
// the teacher's reconnect-aware consume loop (setupConsume/processDeliveries)
// almost unchanged — only handleDelivery's shape changed, to decode the
// envelope format and hand orchestrator.Delivery[P] to the caller's handle
// func instead of dispatching to a fixed mq.Handler.
type Consumer[P any] struct {
	conn     *Connection
	logger   *slog.Logger
	queue    string
	prefetch int

	cancelFunc context.CancelFunc
}

type ConsumerConfig struct {
	Queue    string
	Prefetch int
}

func NewConsumer[P any](conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer[P] {
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	return &Consumer[P]{conn: conn, logger: logger, queue: cfg.Queue, prefetch: prefetch}
}

func (c *Consumer[P]) Start(ctx context.Context, handle func(context.Context, orchestrator.Delivery[P]) error) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel
	return c.consume(ctx, handle)
}

func (c *Consumer[P]) consume(ctx context.Context, handle func(context.Context, orchestrator.Delivery[P]) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		deliveries, err := c.setupConsume()
		if err != nil {
			c.logger.Error("failed to setup consume", "queue", c.queue, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.conn.ReconnectNotify():
				c.logger.Info("reconnected, restarting consumer", "queue", c.queue)
				continue
			}
		}

		c.logger.Info("consumer started", "queue", c.queue)

		if err := c.processDeliveries(ctx, deliveries, handle); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("deliveries channel closed, reconnecting", "queue", c.queue)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.conn.ReconnectNotify():
				continue
			}
		}
	}
}

func (c *Consumer[P]) setupConsume() (<-chan amqp.Delivery, error) {
	ch := c.conn.Channel()
	if ch == nil {
		return nil, fmt.Errorf("no channel available")
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	return deliveries, nil
}

func (c *Consumer[P]) processDeliveries(ctx context.Context, deliveries <-chan amqp.Delivery, handle func(context.Context, orchestrator.Delivery[P]) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("deliveries channel closed")
			}
			c.handleDelivery(ctx, raw, handle)
		}
	}
}

func (c *Consumer[P]) handleDelivery(ctx context.Context, raw amqp.Delivery, handle func(context.Context, orchestrator.Delivery[P]) error) {
	var env envelope
	if err := json.Unmarshal(raw.Body, &env); err != nil {
		c.logger.Error("failed to unmarshal envelope", "queue", c.queue, "error", err, "body", string(raw.Body))
		raw.Nack(false, false)
		return
	}

	delivery := orchestrator.Delivery[P]{
		URN:       env.URN,
		Event:     env.Event,
		Attempt:   env.Attempt,
		RawOrJSON: env.Payload,
		Ack:       func() error { return raw.Ack(false) },
		Nack:      func(requeue bool) error { return raw.Nack(false, requeue) },
	}

	c.logger.Debug("received event", "queue", c.queue, "urn", env.URN, "event", env.Event, "attempt", env.Attempt)

	if err := handle(ctx, delivery); err != nil {
		c.logger.Error("handler failed", "queue", c.queue, "urn", env.URN, "event", env.Event, "error", err)
	}
}

func (c *Consumer[P]) Stop() {
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
}
