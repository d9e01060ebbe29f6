package trigger

import (
	"context"
	"errors"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_egress/internal/delivery"
	"github.com/austindbirch/harbor_egress/internal/logging"
	"github.com/austindbirch/harbor_egress/internal/tracing"
)

// Runner is implemented by *orchestrator.Orchestrator
type Runner interface {
	RunWithID(ctx context.Context, runID string, batch delivery.ChangeBatch) (delivery.RunOutcome, error)
}

// Handler turns each NSQ message on the changes topic into one run.
type Handler struct {
	runner       Runner
	runTimeout   time.Duration
	requeueDelay time.Duration
	logger       *logging.Logger
}

func NewHandler(runner Runner, runTimeout time.Duration, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		runner:       runner,
		runTimeout:   runTimeout,
		requeueDelay: 30 * time.Second,
		logger:       logger,
	}
}

// HandleMessage implements nsq.Handler. Malformed bodies and configuration
// errors are finished; any other run error requeues the message so the run
// replays under the same run id.
func (h *Handler) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()
	defer func() {
		if !m.HasResponded() {
			h.logger.Plain().Warn("message had no response, finishing")
			m.Finish()
		}
	}()

	msg, err := Decode(m.Body)
	if err != nil {
		h.logger.Plain().WithError(err).Error("bad batch payload")
		m.Finish()
		return nil
	}

	runID := msg.RunID
	if runID == "" {
		runID = string(m.ID[:])
	}

	ctx := tracing.ExtractCarrier(context.Background(), msg.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "trigger.nsq",
		attribute.String("run_id", runID),
		attribute.Int("entities", msg.Batch.Len()),
		attribute.Int("nsq.attempts", int(m.Attempts)),
	)
	defer span.End()

	if h.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.runTimeout)
		defer cancel()
	}

	log := h.logger.WithContext(ctx).WithRun(runID)
	_, err = h.runner.RunWithID(ctx, runID, *msg.Batch)
	switch {
	case err == nil:
		m.Finish()
	case errors.Is(err, delivery.ErrConfiguration):
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("run rejected, dropping batch")
		m.Finish()
	default:
		tracing.SetSpanError(ctx, err)
		log.WithError(err).WithField("delay", h.requeueDelay.String()).Warn("run failed, requeueing batch")
		m.Requeue(h.requeueDelay)
	}
	return nil
}
