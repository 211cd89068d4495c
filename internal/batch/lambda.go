package batch

import (
	"context"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambdacontext"
)

// lambdaDeadline adapts a context.Context to DeadlineClock, preferring the
// Lambda runtime's invocation deadline (via lambdacontext) and falling
// back to the context's own deadline when running outside Lambda (e.g. a
// local test harness).
type lambdaDeadline struct {
	ctx context.Context
}

func (l lambdaDeadline) Deadline() (time.Time, bool) {
	if lc, ok := lambdacontext.FromContext(l.ctx); ok {
		return lc.Deadline, true
	}
	return l.ctx.Deadline()
}

// SQSHandler adapts Coordinator.Process to the events.SQSEvent /
// events.SQSEventResponse shape aws-lambda-go expects, realizing spec.md
// §6's "reference contract matches a major cloud provider's queue-trigger
// batchItemFailures convention" literally: any message id Process reports
// as unfinished or failed is returned as an ItemIdentifier so the runtime
// redelivers only that subset instead of the whole batch.
func SQSHandler(coordinator *Coordinator, dispatch Dispatcher) func(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	return func(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
		messages := make([]Message, 0, len(event.Records))
		for _, rec := range event.Records {
			messages = append(messages, Message{ID: rec.MessageId, Body: []byte(rec.Body)})
		}

		failedIDs := coordinator.Process(ctx, messages, lambdaDeadline{ctx: ctx}, dispatch)

		resp := events.SQSEventResponse{}
		for _, id := range failedIDs {
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: id})
		}
		return resp, nil
	}
}
