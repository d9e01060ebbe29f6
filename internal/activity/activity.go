// Package activity implements the per-consumer delivery unit: read every
// changed entity from the store and push it to one consumer, in batch order.
package activity

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_egress/internal/delivery"
	"github.com/austindbirch/harbor_egress/internal/logging"
	"github.com/austindbirch/harbor_egress/internal/tracing"
)

// Name is the activity name branches are scheduled under
const Name = "SendToConsumer"

type Fetcher interface {
	Fetch(ctx context.Context, ref delivery.EntityRef) (delivery.Document, error)
}

type Pusher interface {
	Push(ctx context.Context, endpoint delivery.Endpoint, doc delivery.Document) error
	Close() error
}

// SessionFunc opens a push session for one attempt of task
type SessionFunc func(task delivery.Task) Pusher

type Delivery struct {
	fetcher    Fetcher
	newSession SessionFunc
	logger     *logging.Logger
}

func New(fetcher Fetcher, newSession SessionFunc, logger *logging.Logger) *Delivery {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Delivery{fetcher: fetcher, newSession: newSession, logger: logger}
}

// Deliver performs one attempt. Each ref is fetched then pushed before the
// next is touched; the first error aborts the attempt and is returned.
func (d *Delivery) Deliver(ctx context.Context, task delivery.Task) error {
	ctx, span := tracing.StartBranchSpan(ctx, "activity.deliver", task, attribute.Int("batch.size", task.Batch.Len()))
	defer span.End()

	session := d.newSession(task)
	defer session.Close()

	for i, ref := range task.Batch.ChangedEntities {
		doc, err := d.fetcher.Fetch(ctx, ref)
		if err != nil {
			err = fmt.Errorf("item %d (%s): fetch: %w", i, ref.ID, err)
			tracing.SetSpanError(ctx, err)
			return err
		}
		if err := session.Push(ctx, task.Endpoint, doc); err != nil {
			err = fmt.Errorf("item %d (%s): push: %w", i, ref.ID, err)
			tracing.SetSpanError(ctx, err)
			return err
		}
		d.logger.WithContext(ctx).
			WithRun(task.RunID).
			WithConsumer(task.Endpoint.URL).
			WithEntity(ref.ID).
			Debugf("document %d/%d pushed", i+1, task.Batch.Len())
	}

	tracing.AddSpanEvent(ctx, "activity.delivered", attribute.Int("items", task.Batch.Len()))
	return nil
}
