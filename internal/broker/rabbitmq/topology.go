package rabbitmq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Topology generalizes the teacher's fixed runs/tasks/dlq exchange layout
// into one per workflow: a direct exchange carrying every event topic, a
// topic exchange that fans delayed-retry publications back to it via
// dead-lettering, and a topic exchange collecting everything a consumer
// ultimately nacks without requeue.
type Topology struct {
	Workflow string
	Topics   []string
}

func (t Topology) exchange() string      { return fmt.Sprintf("sagaflow.%s", t.Workflow) }
func (t Topology) retryExchange() string { return fmt.Sprintf("sagaflow.%s.retry", t.Workflow) }
func (t Topology) dlqExchange() string   { return fmt.Sprintf("sagaflow.%s.dlq", t.Workflow) }
func (t Topology) retryQueue() string    { return fmt.Sprintf("sagaflow.%s.retry", t.Workflow) }
func (t Topology) dlqQueue() string      { return fmt.Sprintf("sagaflow.%s.dlq", t.Workflow) }

// Queue returns the queue name bound to one of t.Topics.
func (t Topology) Queue(topic string) string {
	return fmt.Sprintf("sagaflow.%s.%s", t.Workflow, topic)
}

// SetupTopology declares every exchange, queue and binding a workflow
// needs, the same three-step shape as the teacher's SetupTopology.
func SetupTopology(ctx context.Context, conn *Connection, t Topology) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		if err := t.declareExchanges(ch); err != nil {
			return err
		}
		if err := t.declareQueues(ch); err != nil {
			return err
		}
		if err := t.bindQueues(ch); err != nil {
			return err
		}
		return nil
	})
}

func (t Topology) declareExchanges(ch *amqp.Channel) error {
	exchanges := []struct {
		name Name
		kind string
	}{
		{Name(t.exchange()), "direct"},
		{Name(t.retryExchange()), "topic"},
		{Name(t.dlqExchange()), "topic"},
	}

	for _, ex := range exchanges {
		err := ch.ExchangeDeclare(string(ex.name), ex.kind, true, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}
	return nil
}

// Name is an exchange or queue name; kept as a distinct type for the same
// reason the teacher's mq package distinguishes Exchange/Queue/RoutingKey.
type Name string

func (t Topology) declareQueues(ch *amqp.Channel) error {
	dlqArgs := amqp.Table{
		"x-dead-letter-exchange": string(t.dlqExchange()),
	}
	for _, topic := range t.Topics {
		_, err := ch.QueueDeclare(t.Queue(topic), true, false, false, false, dlqArgs)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", t.Queue(topic), err)
		}
	}

	// Single shared retry queue: messages carry a per-publish Expiration
	// (the computed backoff delay) and, once it elapses, dead-letter back
	// onto the main exchange with their original routing key preserved
	// (no x-dead-letter-routing-key set), landing back on the topic queue
	// that published them.
	retryArgs := amqp.Table{
		"x-dead-letter-exchange": string(t.exchange()),
	}
	if _, err := ch.QueueDeclare(t.retryQueue(), true, false, false, false, retryArgs); err != nil {
		return fmt.Errorf("declare retry queue: %w", err)
	}

	if _, err := ch.QueueDeclare(t.dlqQueue(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlq queue: %w", err)
	}
	return nil
}

func (t Topology) bindQueues(ch *amqp.Channel) error {
	for _, topic := range t.Topics {
		if err := ch.QueueBind(t.Queue(topic), topic, string(t.exchange()), false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", t.Queue(topic), t.exchange(), err)
		}
	}

	if err := ch.QueueBind(t.retryQueue(), "#", string(t.retryExchange()), false, nil); err != nil {
		return fmt.Errorf("bind retry queue: %w", err)
	}

	if err := ch.QueueBind(t.dlqQueue(), "#", string(t.dlqExchange()), false, nil); err != nil {
		return fmt.Errorf("bind dlq queue: %w", err)
	}
	return nil
}

// Info returns a human-readable description of the declared topology, for
// startup logging.
func (t Topology) Info() string {
	s := fmt.Sprintf("sagaflow topology for workflow %q:\n", t.Workflow)
	for _, topic := range t.Topics {
		s += fmt.Sprintf("  %s (direct) --[%s]--> %s\n", t.exchange(), topic, t.Queue(topic))
	}
	s += fmt.Sprintf("  %s (topic) --[#]--> %s --(TTL expiry)--> %s\n", t.retryExchange(), t.retryQueue(), t.exchange())
	s += fmt.Sprintf("  %s (topic) --[#]--> %s\n", t.dlqExchange(), t.dlqQueue())
	return s
}
