// Package orchestrator fans one change batch out to every registered
// consumer. Each consumer gets its own branch, scheduled with retry, and the
// run waits for all branches before reporting a RunOutcome. A failed branch
// never stops its siblings.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_egress/internal/activity"
	"github.com/austindbirch/harbor_egress/internal/delivery"
	"github.com/austindbirch/harbor_egress/internal/logging"
	"github.com/austindbirch/harbor_egress/internal/metrics"
	"github.com/austindbirch/harbor_egress/internal/retry"
	"github.com/austindbirch/harbor_egress/internal/tracing"
)

// Activity is one attempt at delivering a task. A nil error means the
// consumer received every document of the batch.
type Activity func(ctx context.Context, task delivery.Task) error

// Future resolves to the terminal outcome of one branch.
type Future interface {
	Await() delivery.Outcome
}

// Scheduler runs branches. CallWithRetry starts a branch without blocking;
// WhenAll blocks until every future has resolved and returns outcomes in the
// order of futures.
type Scheduler interface {
	CallWithRetry(ctx context.Context, name string, policy retry.Policy, task delivery.Task) Future
	WhenAll(ctx context.Context, futures []Future) []delivery.Outcome
}

// OutcomeSink receives every terminal branch outcome of a run.
type OutcomeSink interface {
	Record(ctx context.Context, task delivery.Task, outcome delivery.Outcome) error
}

// SinkFunc adapts a function to OutcomeSink
type SinkFunc func(ctx context.Context, task delivery.Task, outcome delivery.Outcome) error

func (f SinkFunc) Record(ctx context.Context, task delivery.Task, outcome delivery.Outcome) error {
	return f(ctx, task, outcome)
}

// EndpointSource yields the consumers registered at the start of a run.
type EndpointSource interface {
	Endpoints(ctx context.Context) ([]delivery.Endpoint, error)
}

type Orchestrator struct {
	source    EndpointSource
	scheduler Scheduler
	policy    retry.Policy
	sink      OutcomeSink
	logger    *logging.Logger
	newRunID  func() string
}

type Option func(*Orchestrator)

func WithSink(s OutcomeSink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

func WithPolicy(p retry.Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithRunIDs overrides how run ids are generated for Run
func WithRunIDs(gen func() string) Option {
	return func(o *Orchestrator) { o.newRunID = gen }
}

func New(source EndpointSource, scheduler Scheduler, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		source:    source,
		scheduler: scheduler,
		policy:    retry.Default(),
		logger:    logging.Discard(),
		newRunID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run fans batch out to every registered consumer under a fresh run id.
func (o *Orchestrator) Run(ctx context.Context, batch delivery.ChangeBatch) (delivery.RunOutcome, error) {
	return o.RunWithID(ctx, o.newRunID(), batch)
}

// RunWithID fans batch out under runID. It returns an error only when the
// consumer list cannot be read or is empty; failed branches are reported in
// the returned RunOutcome.
func (o *Orchestrator) RunWithID(ctx context.Context, runID string, batch delivery.ChangeBatch) (delivery.RunOutcome, error) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "orchestrator.run",
		tracing.RunIDKey.String(runID),
		attribute.Int("batch.size", batch.Len()),
	)
	defer span.End()

	log := o.logger.WithContext(ctx).WithRun(runID)

	endpoints, err := o.endpoints(ctx)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		if errors.Is(err, delivery.ErrConfiguration) {
			metrics.RecordRun("config_error", time.Since(start))
		} else {
			metrics.RecordRun("error", time.Since(start))
		}
		log.WithError(err).Error("run aborted before dispatch")
		return nil, err
	}

	tasks := make([]delivery.Task, len(endpoints))
	futures := make([]Future, len(endpoints))
	traceHeaders := tracing.InjectCarrier(ctx)
	for i, ep := range endpoints {
		tasks[i] = delivery.Task{RunID: runID, Endpoint: ep, Batch: batch, TraceHeaders: traceHeaders}
		futures[i] = o.scheduler.CallWithRetry(ctx, activity.Name, o.policy, tasks[i])
	}
	span.SetAttributes(attribute.Int("run.branches", len(tasks)))
	log.WithFields(map[string]any{
		"branches": len(tasks),
		"entities": batch.Len(),
	}).Info("run started")

	outcomes := o.scheduler.WhenAll(ctx, futures)

	result := make(delivery.RunOutcome, len(tasks))
	for i, task := range tasks {
		out := delivery.Failed("branch produced no outcome", 0)
		if i < len(outcomes) {
			out = outcomes[i]
		}
		result[task.Endpoint.URL] = out
		metrics.RecordBranch(string(out.Status))

		if o.sink == nil {
			continue
		}
		if err := o.sink.Record(ctx, task, out); err != nil {
			log.WithConsumer(task.Endpoint.URL).WithError(err).Warn("outcome sink failed")
		}
	}

	delivered, failed := result.Counts()
	runResult := "complete"
	switch {
	case failed == len(result):
		runResult = "failed"
	case failed > 0:
		runResult = "partial"
	}
	metrics.RecordRun(runResult, time.Since(start))
	span.SetAttributes(
		attribute.Int("run.delivered", delivered),
		attribute.Int("run.failed", failed),
		attribute.String("run.result", runResult),
	)

	entry := o.logger.WithContext(ctx).WithRun(runID).WithFields(map[string]any{
		"delivered": delivered,
		"failed":    failed,
		"duration":  time.Since(start).String(),
	})
	if failed > 0 {
		entry.WithField("failed_consumers", result.FailedEndpoints()).Warn("run completed with failed branches")
	} else {
		entry.Info("run completed")
	}
	return result, nil
}

// endpoints reads the consumer list once and drops duplicate URLs
func (o *Orchestrator) endpoints(ctx context.Context) ([]delivery.Endpoint, error) {
	if o.source == nil {
		return nil, fmt.Errorf("%w: no consumer source", delivery.ErrConfiguration)
	}
	eps, err := o.source.Endpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("read consumers: %w", err)
	}

	seen := make(map[string]bool, len(eps))
	out := make([]delivery.Endpoint, 0, len(eps))
	for _, ep := range eps {
		if ep.URL == "" || seen[ep.URL] {
			continue
		}
		seen[ep.URL] = true
		out = append(out, ep)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no consumers registered", delivery.ErrConfiguration)
	}
	return out, nil
}
