// sagaflow-worker is the AWS Lambda entry point: an SQS-triggered batch
// handler that wires the registry's type-erased dispatch through
// internal/batch's deadline coordinator, exactly the serverless shape
// spec.md §1 targets ("a short-lived worker process ... that must finish
// or cleanly return in-flight messages before its execution budget
// elapses").
//
// This binary wires infrastructure only — RabbitMQ connection, Postgres
// pool, the registry, the batch coordinator — and registers zero business
// workflows, matching spec.md §1's Non-goal of "example workflows."
// Applications embedding sagaflow call registry.Register with their own
// workflow.Definition before Start would hand the registry to the batch
// coordinator; see registerWorkflows below for that extension point.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/shaiso/sagaflow/internal/batch"
	"github.com/shaiso/sagaflow/internal/broker/rabbitmq"
	"github.com/shaiso/sagaflow/internal/registry"
	"github.com/shaiso/sagaflow/internal/sagareaper"
	"github.com/shaiso/sagaflow/internal/store/postgres"
	"github.com/shaiso/sagaflow/internal/telemetry"
)

// wireEnvelope mirrors the on-wire JSON object spec.md §6 specifies
// exactly: {topic, urn, attempt, payload}.
type wireEnvelope struct {
	Topic   string          `json:"topic"`
	URN     string          `json:"urn"`
	Attempt int             `json:"attempt"`
	Payload json.RawMessage `json:"payload"`
}

// registerWorkflows is the extension point application code overrides (by
// building its own main.go that imports this package's wiring helpers, or
// by vendoring this file) to call registry.Register for each of its
// workflow.Definitions. Left empty here: this repo ships the engine, not
// an application built on it.
func registerWorkflows(b *registry.Builder) {
	_ = b
}

func main() {
	logger := telemetry.SetupLogger()
	logger.Info("starting sagaflow-worker")

	ctx := context.Background()

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
		logger.Warn("RabbitMQ not available at startup, retry/emit calls will fail until it recovers", "error", err)
	} else {
		defer conn.Close()
		logger.Info("RabbitMQ connected")
	}

	tableName := os.Getenv("SAGA_TABLE_NAME")
	if tableName == "" {
		tableName = "saga_contexts"
	}

	builder := registry.NewBuilder()
	registerWorkflows(builder)
	reg := builder.Build()

	coordinator := batch.New(parseSafetyMargin(logger))

	dispatch := func(ctx context.Context, msg batch.Message) error {
		var env wireEnvelope
		if err := json.Unmarshal(msg.Body, &env); err != nil {
			logger.Error("failed to decode message body", "message_id", msg.ID, "error", err)
			return err
		}
		return reg.Dispatch(ctx, env.Topic, env.URN, env.Attempt, env.Payload)
	}

	handler := batch.SQSHandler(coordinator, dispatch)

	sweepSchedule := os.Getenv("SAGA_TTL_SWEEP_CRON")
	sagaHistory := postgres.NewSagaHistoryStore[any, json.RawMessage](pool, tableName)
	reaper, err := sagareaper.New(sagareaper.Config{
		Sweeper:  sagaHistory,
		Schedule: sweepSchedule,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("failed to build saga reaper", "error", err)
		os.Exit(1)
	}
	reaper.Start()
	defer reaper.Stop()

	lambda.Start(handler)
}

// parseSafetyMargin reads SAFETY_MARGIN_MS per spec.md §6, falling back to
// batch.DefaultSafetyMargin (5000ms) on an absent or unparsable value.
func parseSafetyMargin(logger *slog.Logger) time.Duration {
	v := os.Getenv("SAFETY_MARGIN_MS")
	if v == "" {
		return batch.DefaultSafetyMargin
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms < 0 {
		logger.Warn("invalid SAFETY_MARGIN_MS, using default", "value", v)
		return batch.DefaultSafetyMargin
	}
	return time.Duration(ms) * time.Millisecond
}
