// Package jobqueue carries ingestion job commands between the upload
// surface and the worker pool over Kafka: one CommandEnvelope in, one
// ResponseEnvelope (or a DLQ record) out, with correlation-id dedup so a
// redelivered command never runs the same ingestion twice.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"expedienterag/internal/apperr"
	"expedienterag/internal/observability"
)

// Runner executes one ingestion workflow. The orchestrator implements it;
// the handler never needs to know what a workflow does, only whether it
// succeeded. The result must be JSON-serializable.
type Runner interface {
	// Execute runs the workflow and returns its result or an error. The
	// publish function may be used to emit per-step results mid-run.
	Execute(ctx context.Context, workflow string, attrs map[string]any, publish func(ctx context.Context, stepID string, payload []byte) error) (map[string]any, error)
}

// Producer abstracts the kafka writer behavior the handler needs.
type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// CommandEnvelope is one ingestion command as it arrives on the commands
// topic. Attrs carries the IngestRequest fields (job_id, expediente_num,
// filename, object_key).
type CommandEnvelope struct {
	CorrelationID string         `json:"correlation_id"`
	Workflow      string         `json:"workflow,omitempty"`
	ReplyTopic    string         `json:"reply_topic,omitempty"`
	Attrs         map[string]any `json:"attrs,omitempty"`
}

// ResponseEnvelope is published on the reply topic (status "success",
// "cancelled", or "step_result") or its DLQ (status "error").
type ResponseEnvelope struct {
	CorrelationID string         `json:"correlation_id"`
	Status        string         `json:"status"`
	Result        map[string]any `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// HandleCommandMessage processes one Kafka message from the commands topic.
// A returned error means the failure is transient and the caller should
// redeliver (not commit the offset); a nil return means the message is
// fully handled, whether it succeeded, was a duplicate, or went to the DLQ.
func HandleCommandMessage(
	ctx context.Context,
	runner Runner,
	dedupe DedupeStore,
	producer Producer,
	msg kafka.Message,
	defaultReplyTopic string,
	dedupeTTL time.Duration,
	jobTimeout time.Duration,
) error {
	logger := *observability.LoggerWithContext(ctx)

	var cmd CommandEnvelope
	if err := json.Unmarshal(msg.Value, &cmd); err != nil {
		publishDLQ(ctx, producer, defaultReplyTopic, string(msg.Key), fmt.Sprintf("malformed command JSON: %v", err))
		return nil
	}

	corrID := cmd.CorrelationID
	replyTopic := pickReplyTopic(cmd.ReplyTopic, defaultReplyTopic)
	if corrID == "" {
		publishDLQ(ctx, producer, replyTopic, string(msg.Key), "missing correlation_id")
		return nil
	}
	logger = logger.With().Str("correlation_id", corrID).Logger()

	// Redelivery check: a correlation id already recorded means this command
	// ran to completion once; re-running it would re-ingest the file.
	if prev, err := dedupe.Get(ctx, corrID); err != nil {
		return fmt.Errorf("jobqueue: dedupe get: %w", err)
	} else if prev != "" {
		logger.Info().Msg("jobqueue: duplicate command, skipping")
		return nil
	}

	workflow := strings.TrimSpace(cmd.Workflow)
	if workflow == "" {
		publishDLQ(ctx, producer, replyTopic, corrID, "missing workflow")
		return nil
	}

	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if jobTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, jobTimeout)
	}
	defer cancel()

	publishFn := func(pctx context.Context, stepID string, payload []byte) error {
		env := ResponseEnvelope{CorrelationID: corrID, Status: "step_result", Result: map[string]any{
			"step_id": stepID, "payload": string(payload), "job_id": fmt.Sprintf("%v", cmd.Attrs["job_id"]),
		}}
		b, _ := json.Marshal(env)
		if werr := producer.WriteMessages(pctx, kafka.Message{Topic: replyTopic, Key: []byte(corrID), Value: b}); werr != nil {
			logger.Warn().Err(werr).Str("step_id", stepID).Msg("jobqueue: step result publish failed")
			return werr
		}
		return nil
	}

	result, err := runner.Execute(runCtx, workflow, cmd.Attrs, publishFn)
	switch {
	case err == nil:
		// fall through to the success publish below
	case apperr.IsTransient(err) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return fmt.Errorf("jobqueue: transient execute error: %w", err)
	case errors.Is(err, apperr.ErrJobCancelled):
		// A cancelled job is a final outcome, not a failure: respond on the
		// reply topic and record the correlation id so redelivery is a no-op.
		return finish(ctx, producer, dedupe, replyTopic, corrID, dedupeTTL,
			ResponseEnvelope{CorrelationID: corrID, Status: "cancelled", Error: err.Error()})
	default:
		publishDLQ(ctx, producer, replyTopic, corrID, err.Error())
		return nil
	}

	return finish(ctx, producer, dedupe, replyTopic, corrID, dedupeTTL,
		ResponseEnvelope{CorrelationID: corrID, Status: "success", Result: result})
}

// finish publishes env on the reply topic and records the correlation id in
// the dedupe store. Both failures are transient: the command is redelivered
// and the dedupe miss lets it run again, which is the at-least-once
// trade-off this transport accepts.
func finish(ctx context.Context, producer Producer, dedupe DedupeStore, replyTopic, corrID string, ttl time.Duration, env ResponseEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("jobqueue: response marshal: %w", err)
	}
	if werr := producer.WriteMessages(ctx, kafka.Message{Topic: replyTopic, Key: []byte(corrID), Value: payload}); werr != nil {
		return fmt.Errorf("jobqueue: response publish: %w", werr)
	}
	if err := dedupe.Set(ctx, corrID, env.Status, ttl); err != nil {
		return fmt.Errorf("jobqueue: dedupe set: %w", err)
	}
	observability.LoggerWithContext(ctx).Info().
		Str("correlation_id", corrID).Str("status", env.Status).
		Msg("jobqueue: command handled")
	return nil
}

// publishDLQ sends a permanently-failed command to the reply topic's DLQ.
// Best-effort: a publish failure is logged, never returned, because the
// command itself is already unprocessable.
func publishDLQ(ctx context.Context, producer Producer, replyTopic, corrID, reason string) {
	env := ResponseEnvelope{CorrelationID: corrID, Status: "error", Error: reason}
	payload, _ := json.Marshal(env)
	topic := dlqTopicFor(replyTopic)
	logger := observability.LoggerWithContext(ctx).With().Str("correlation_id", corrID).Str("topic", topic).Logger()
	if werr := producer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: []byte(corrID), Value: payload}); werr != nil {
		logger.Error().Err(werr).Msg("jobqueue: DLQ publish failed")
		return
	}
	logger.Warn().Str("reason", reason).Msg("jobqueue: command sent to DLQ")
}

func pickReplyTopic(cmdTopic, defaultTopic string) string {
	if t := strings.TrimSpace(cmdTopic); t != "" {
		return t
	}
	return defaultTopic
}

// dlqTopicFor appends ".dlq" unless the reply topic already targets a DLQ.
func dlqTopicFor(replyTopic string) string {
	rt := strings.TrimSpace(replyTopic)
	if rt == "" || strings.HasSuffix(rt, ".dlq") {
		return rt
	}
	return rt + ".dlq"
}
