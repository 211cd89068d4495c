package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shaiso/sagaflow/internal/workflow"
)

// Delivery is the minimal shape a broker consumer hands to RunDaemon: a
// decoded envelope plus ack/nack callbacks. internal/broker/rabbitmq.Consumer
// implements this against amqp091-go; tests can fake it trivially.
type Delivery[P any] struct {
	URN       string
	Event     string
	Attempt   int
	RawOrJSON json.RawMessage
	Ack       func() error
	Nack      func(requeue bool) error
}

// Consumer is the subset of broker/rabbitmq.Consumer the daemon needs,
// kept as an interface so Orchestrator never imports the broker package
// directly.
type Consumer[P any] interface {
	Start(ctx context.Context, handle func(context.Context, Delivery[P]) error) error
	Stop()
}

// RunDaemon drives Transit from a long-running broker consumer instead of
// a synchronous caller, mirroring the teacher's Orchestrator.Start/Stop
// lifecycle (sync.WaitGroup-tracked goroutine, stoppedMu-guarded flag,
// context cancellation on Stop). Most deployments use the AWS Lambda batch
// adapter in internal/batch instead; RunDaemon exists for operators who
// run sagaflow as a conventional long-lived consumer.
func (o *Orchestrator[T, S, P]) RunDaemon(ctx context.Context, consumer Consumer[P]) error {
	ctx, cancel := context.WithCancel(ctx)
	o.cancelFunc = cancel

	o.logger.Info("starting orchestrator daemon", "workflow", o.def.Name)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		err := consumer.Start(ctx, func(hctx context.Context, d Delivery[P]) error {
			var payload P
			if len(d.RawOrJSON) > 0 {
				if err := json.Unmarshal(d.RawOrJSON, &payload); err != nil {
					o.logger.Error("failed to decode payload, dropping", "error", err)
					return d.Nack(false)
				}
			}

			evtCtx, cancel := context.WithTimeout(hctx, 30*time.Second)
			defer cancel()

			evt := workflow.Event[P]{Topic: d.Event, URN: d.URN, Attempt: d.Attempt, Payload: payload}
			if err := o.Transit(evtCtx, evt); err != nil {
				// Transit already makes the retry-vs-terminal call itself: a
				// retryable step failure is handled internally via
				// BrokerPublisher.Retry and returns nil. A non-nil error here
				// is always terminal (BadRequestError, DefinitionError, an
				// exhausted/unretriable saga failure), so requeuing it would
				// just spin the same failure forever instead of routing it
				// to the dead-letter queue.
				o.logger.Error("transit failed", "error", err)
				return d.Nack(false)
			}
			return d.Ack()
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Error("daemon consumer error", "error", err)
		}
	}()

	return nil
}

// Stop cancels the daemon's context and waits for the consumer goroutine
// to return.
func (o *Orchestrator[T, S, P]) Stop() {
	o.stoppedMu.Lock()
	o.stopped = true
	o.stoppedMu.Unlock()

	if o.cancelFunc != nil {
		o.cancelFunc()
	}
	o.wg.Wait()
}

// IsStopped reports whether Stop has been called.
func (o *Orchestrator[T, S, P]) IsStopped() bool {
	o.stoppedMu.RLock()
	defer o.stoppedMu.RUnlock()
	return o.stopped
}
