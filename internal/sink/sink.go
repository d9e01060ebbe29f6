// Package sink holds the outcome sinks a run reports terminal branch results to.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_egress/internal/delivery"
	"github.com/austindbirch/harbor_egress/internal/logging"
	"github.com/austindbirch/harbor_egress/internal/metrics"
	"github.com/austindbirch/harbor_egress/internal/tracing"
)

// Sink matches orchestrator.OutcomeSink
type Sink interface {
	Record(ctx context.Context, task delivery.Task, outcome delivery.Outcome) error
}

// Multi fans one outcome out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Record(ctx context.Context, task delivery.Task, outcome delivery.Outcome) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, task, outcome); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Publisher is satisfied by *nsq.Producer
type Publisher interface {
	Publish(topic string, body []byte) error
}

// DeadLetter publishes a dead letter for every failed branch.
type DeadLetter struct {
	pub    Publisher
	topic  string
	logger *logging.Logger
}

func NewDeadLetter(pub Publisher, topic string, logger *logging.Logger) *DeadLetter {
	if logger == nil {
		logger = logging.Discard()
	}
	return &DeadLetter{pub: pub, topic: topic, logger: logger}
}

func (d *DeadLetter) Record(ctx context.Context, task delivery.Task, outcome delivery.Outcome) error {
	if outcome.OK() || outcome.Replayed {
		return nil
	}

	env := delivery.NewDeadLetter(task, outcome)
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := d.pub.Publish(d.topic, body); err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("publish dead letter for %s: %w", task.Endpoint.URL, err)
	}

	metrics.RecordDLQ()
	tracing.AddSpanEvent(ctx, "nsq.published_dlq",
		attribute.String("topic", d.topic),
		attribute.String("consumer", task.Endpoint.URL),
	)
	d.logger.WithContext(ctx).
		WithRun(task.RunID).
		WithConsumer(task.Endpoint.URL).
		WithField("topic", d.topic).
		Info("dlq published")
	return nil
}

// Log writes one line per branch outcome.
type Log struct {
	logger *logging.Logger
}

func NewLog(logger *logging.Logger) *Log {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Log{logger: logger}
}

func (l *Log) Record(ctx context.Context, task delivery.Task, outcome delivery.Outcome) error {
	entry := l.logger.WithContext(ctx).
		WithRun(task.RunID).
		WithConsumer(task.Endpoint.URL).
		WithAttempt(outcome.Attempts).
		WithField("status", string(outcome.Status)).
		WithField("entities", task.Batch.Len())
	if outcome.Replayed {
		entry = entry.WithField("replayed", true)
	}
	if outcome.OK() {
		entry.Info("branch delivered")
		return nil
	}
	entry.WithField("reason", outcome.Reason).Warn("branch failed")
	return nil
}
