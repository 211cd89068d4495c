// Package rabbitmq implements workflow.BrokerPublisher and the
// orchestrator's daemon-mode Consumer against RabbitMQ.
//
// Files:
//   - connection.go — reconnecting AMQP connection
//   - topology.go    — per-workflow exchange/queue/DLX declaration
//   - publisher.go   — Emit/Retry, circuit-broken publish
//   - consumer.go    — reconnect-aware delivery loop feeding the orchestrator
package rabbitmq
