// sagaflow-daemon is the long-running consumer entry point: instead of a
// serverless batch trigger, it drives the registry directly off RabbitMQ
// queues via internal/broker/rabbitmq.Consumer, exposing /healthz and
// /metrics over HTTP and shutting down gracefully on SIGINT/SIGTERM —
// the teacher's cmd/automata-orchestrator shape, retargeted from
// run/task polling to workflow-event consumption.
//
// Like sagaflow-worker, this binary wires infrastructure only and
// registers zero business workflows (spec.md §1's "example workflows"
// Non-goal); registerWorkflows is the extension point an application
// overrides to wire its own workflow.Definitions and the RabbitMQ
// topologies (topic lists) they consume from.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/sagaflow/internal/broker/rabbitmq"
	"github.com/shaiso/sagaflow/internal/orchestrator"
	"github.com/shaiso/sagaflow/internal/registry"
	"github.com/shaiso/sagaflow/internal/sagareaper"
	"github.com/shaiso/sagaflow/internal/store/postgres"
	"github.com/shaiso/sagaflow/internal/telemetry"
)

// registerWorkflows is overridden by application code the same way
// sagaflow-worker's hook is; it returns the RabbitMQ topologies the
// returned registrations should consume from so the daemon can declare
// queues and start one consumer per topic. Empty here.
func registerWorkflows(b *registry.Builder) []rabbitmq.Topology {
	_ = b
	return nil
}

func main() {
	logger := telemetry.SetupLogger()
	logger.Info("starting sagaflow-daemon")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := postgres.NewPool(ctx)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	mqURL := os.Getenv("RABBITMQ_URL")
	if mqURL == "" {
		mqURL = rabbitmq.DefaultURL()
	}
	conn, err := rabbitmq.NewConnection(mqURL, logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, consumers will not start until it recovers", "error", err)
	} else {
		defer conn.Close()
		logger.Info("RabbitMQ connected")
	}

	builder := registry.NewBuilder()
	topologies := registerWorkflows(builder)
	reg := builder.Build()

	var consumers []*rabbitmq.Consumer[json.RawMessage]
	if conn != nil {
		for _, topo := range topologies {
			if err := rabbitmq.SetupTopology(ctx, conn, topo); err != nil {
				logger.Error("failed to setup topology", "workflow", topo.Workflow, "error", err)
				continue
			}
			logger.Info(topo.Info())

			for _, topic := range topo.Topics {
				c := rabbitmq.NewConsumer[json.RawMessage](conn, logger, rabbitmq.ConsumerConfig{
					Queue:    topo.Queue(topic),
					Prefetch: 10,
				})
				consumers = append(consumers, c)
				go startConsumer(ctx, c, reg, logger)
			}
		}
	}

	tableName := os.Getenv("SAGA_TABLE_NAME")
	if tableName == "" {
		tableName = "saga_contexts"
	}
	sagaHistory := postgres.NewSagaHistoryStore[any, json.RawMessage](pool, tableName)
	reaper, err := sagareaper.New(sagareaper.Config{
		Sweeper:  sagaHistory,
		Schedule: os.Getenv("SAGA_TTL_SWEEP_CRON"),
		Logger:   logger,
	})
	if err != nil {
		logger.Error("failed to build saga reaper", "error", err)
		os.Exit(1)
	}
	reaper.Start()
	defer reaper.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	addr := ":8080"
	if v := os.Getenv("DAEMON_PORT"); v != "" {
		addr = ":" + v
	}

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down sagaflow-daemon")

	for _, c := range consumers {
		c.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}

	logger.Info("sagaflow-daemon stopped")
}

// startConsumer decodes each delivery's envelope and dispatches it through
// the type-erased registry, independent of any workflow's concrete T/S/P —
// the same role registry.Route.Dispatch plays for the batch/Lambda path.
// Dispatch resolves retryable failures internally via BrokerPublisher.Retry
// (returning nil); a non-nil error here is always terminal, so it's nacked
// without requeue and lands on the workflow's dead-letter queue instead of
// looping on the same queue.
func startConsumer(ctx context.Context, c *rabbitmq.Consumer[json.RawMessage], reg *registry.Registry, logger interface {
	Error(string, ...any)
}) {
	err := c.Start(ctx, func(dctx context.Context, d orchestrator.Delivery[json.RawMessage]) error {
		if err := reg.Dispatch(dctx, d.Event, d.URN, d.Attempt, d.RawOrJSON); err != nil {
			return d.Nack(false)
		}
		return d.Ack()
	})
	if err != nil && ctx.Err() == nil {
		logger.Error("consumer exited", "error", err)
	}
}
