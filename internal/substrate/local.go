// Package substrate provides the in-process scheduler that runs fan-out
// branches with bounded retry.
package substrate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_egress/internal/delivery"
	"github.com/austindbirch/harbor_egress/internal/dispatch"
	"github.com/austindbirch/harbor_egress/internal/logging"
	"github.com/austindbirch/harbor_egress/internal/metrics"
	"github.com/austindbirch/harbor_egress/internal/orchestrator"
	"github.com/austindbirch/harbor_egress/internal/retry"
	"github.com/austindbirch/harbor_egress/internal/tracing"
)

// Journal checkpoints branch progress so a replayed run skips work that
// already completed.
type Journal interface {
	Lookup(ctx context.Context, runID, consumer string) (delivery.Outcome, bool, error)
	RecordAttempt(ctx context.Context, task delivery.Task, attempt int, attemptErr error) error
	RecordOutcome(ctx context.Context, task delivery.Task, outcome delivery.Outcome) error
}

type Local struct {
	mu         sync.RWMutex
	activities map[string]orchestrator.Activity

	journal Journal
	logger  *logging.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

type Option func(*Local)

func WithJournal(j Journal) Option {
	return func(l *Local) { l.journal = j }
}

func WithLogger(logger *logging.Logger) Option {
	return func(l *Local) { l.logger = logger }
}

// WithSleep replaces the backoff wait, mainly for tests
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Local) { l.sleep = sleep }
}

func NewLocal(opts ...Option) *Local {
	l := &Local{
		activities: make(map[string]orchestrator.Activity),
		logger:     logging.Discard(),
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Register makes fn callable under name
func (l *Local) Register(name string, fn orchestrator.Activity) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.activities[name] = fn
}

type future struct {
	done    chan struct{}
	outcome delivery.Outcome
}

func (f *future) Await() delivery.Outcome {
	<-f.done
	return f.outcome
}

// CallWithRetry starts the branch on its own goroutine and returns at once.
func (l *Local) CallWithRetry(ctx context.Context, name string, policy retry.Policy, task delivery.Task) orchestrator.Future {
	f := &future{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.outcome = l.runBranch(ctx, name, policy, task)
	}()
	return f
}

// WhenAll blocks until every future has resolved
func (l *Local) WhenAll(_ context.Context, futures []orchestrator.Future) []delivery.Outcome {
	out := make([]delivery.Outcome, len(futures))
	for i, f := range futures {
		out[i] = f.Await()
	}
	return out
}

func (l *Local) runBranch(ctx context.Context, name string, policy retry.Policy, task delivery.Task) delivery.Outcome {
	ctx, span := tracing.StartBranchSpan(ctx, "substrate.branch", task, attribute.String("activity", name))
	defer span.End()

	log := l.logger.WithContext(ctx).WithRun(task.RunID).WithConsumer(task.Endpoint.URL)

	l.mu.RLock()
	fn, ok := l.activities[name]
	l.mu.RUnlock()
	if !ok {
		err := fmt.Errorf("%w: activity %q is not registered", delivery.ErrConfiguration, name)
		log.WithError(err).Error("branch cannot start")
		return delivery.Failed(err.Error(), 0)
	}
	if err := policy.Validate(); err != nil {
		log.WithError(err).Error("branch cannot start")
		return delivery.Failed(err.Error(), 0)
	}

	if l.journal != nil {
		prev, found, err := l.journal.Lookup(ctx, task.RunID, task.Endpoint.URL)
		switch {
		case err != nil:
			log.WithError(err).Warn("journal lookup failed, running branch")
		case found && prev.OK():
			prev.Replayed = true
			tracing.AddSpanEvent(ctx, "branch.replayed")
			log.WithAttempt(prev.Attempts).Info("branch already delivered, replaying outcome")
			return prev
		}
	}

	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		attempts = attempt
		err := invoke(ctx, fn, task)
		l.checkpointAttempt(ctx, task, attempt, err, log)

		if err == nil {
			metrics.RecordAttempt("success")
			out := delivery.Delivered(attempt)
			l.checkpointOutcome(ctx, task, out, log)
			return out
		}

		lastErr = err
		metrics.RecordAttempt("failure")
		log.WithAttempt(attempt).WithError(err).Warn("branch attempt failed")
		tracing.AddSpanEvent(ctx, "branch.attempt_failed",
			tracing.AttemptKey.Int(attempt),
			attribute.String("reason", Reason(err)),
		)

		if attempt == policy.MaxAttempts {
			break
		}
		delay := policy.Delay(attempt)
		metrics.RecordRetry(Reason(err))
		if serr := l.sleep(ctx, delay); serr != nil {
			lastErr = fmt.Errorf("%v; retry abandoned: %w", lastErr, serr)
			break
		}
	}

	out := delivery.Failed(lastErr.Error(), attempts)
	tracing.SetSpanError(ctx, lastErr)
	log.WithAttempt(attempts).WithError(lastErr).Error("branch exhausted retries")
	l.checkpointOutcome(ctx, task, out, log)
	return out
}

func (l *Local) checkpointAttempt(ctx context.Context, task delivery.Task, attempt int, err error, log *logging.LogEntry) {
	if l.journal == nil {
		return
	}
	if jerr := l.journal.RecordAttempt(context.WithoutCancel(ctx), task, attempt, err); jerr != nil {
		log.WithAttempt(attempt).WithError(jerr).Warn("journal attempt write failed")
	}
}

func (l *Local) checkpointOutcome(ctx context.Context, task delivery.Task, out delivery.Outcome, log *logging.LogEntry) {
	if l.journal == nil {
		return
	}
	if jerr := l.journal.RecordOutcome(context.WithoutCancel(ctx), task, out); jerr != nil {
		log.WithError(jerr).Warn("journal outcome write failed")
	}
}

// invoke runs one attempt, turning a panic into a failed attempt
func invoke(ctx context.Context, fn orchestrator.Activity, task delivery.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("activity panicked: %v", r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx, task)
}

// Reason labels a failed attempt for metrics
func Reason(err error) string {
	var derr *dispatch.DeliveryError
	switch {
	case errors.As(err, &derr):
		return derr.Reason
	case errors.Is(err, delivery.ErrNotFound):
		return "not_found"
	case errors.Is(err, delivery.ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, delivery.ErrConfiguration):
		return "configuration"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "other"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
