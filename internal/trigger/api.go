package trigger

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_egress/internal/auth"
	"github.com/austindbirch/harbor_egress/internal/logging"
	"github.com/austindbirch/harbor_egress/internal/metrics"
	"github.com/austindbirch/harbor_egress/internal/tracing"
)

const maxBatchBytes = 1 << 20

// Publisher is satisfied by *nsq.Producer
type Publisher interface {
	Publish(topic string, body []byte) error
}

// API accepts change batches over HTTP and queues them for the worker.
type API struct {
	pub    Publisher
	topic  string
	logger *logging.Logger
	newID  func() string
}

func NewAPI(pub Publisher, topic string, logger *logging.Logger) *API {
	if logger == nil {
		logger = logging.Discard()
	}
	return &API{pub: pub, topic: topic, logger: logger, newID: uuid.NewString}
}

type publishResponse struct {
	RunID    string `json:"run_id"`
	Entities int    `json:"entities"`
}

// Routes registers the API handlers on mux
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/batches", a.PublishBatch)
}

// PublishBatch validates the posted batch, assigns a run id when the caller
// did not supply one and publishes the envelope to the changes topic.
func (a *API) PublishBatch(w http.ResponseWriter, r *http.Request) {
	ctx := tracing.ExtractHTTP(r.Context(), r.Header)
	ctx, span := tracing.StartSpan(ctx, "api.publish_batch")
	defer span.End()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBatchBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "batch too large")
		return
	}

	msg, err := Decode(body)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if msg.RunID == "" {
		msg.RunID = a.newID()
	}
	msg.PublishedAt = time.Now().UTC().Format(time.RFC3339)
	msg.TraceHeaders = tracing.InjectCarrier(ctx)
	span.SetAttributes(
		attribute.String("run_id", msg.RunID),
		attribute.Int("entities", msg.Batch.Len()),
	)

	payload, err := json.Marshal(msg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode batch")
		return
	}
	tracing.AddSpanEvent(ctx, "nsq.publish", attribute.String("topic", a.topic))
	if err := a.pub.Publish(a.topic, payload); err != nil {
		tracing.SetSpanError(ctx, err)
		a.logger.WithContext(ctx).WithRun(msg.RunID).WithError(err).Error("publish batch failed")
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}

	metrics.RecordBatchPublished()
	log := a.logger.WithContext(ctx).WithRun(msg.RunID).WithField("entities", msg.Batch.Len())
	if sub, ok := auth.SubjectFromContext(r.Context()); ok {
		log = log.WithField("subject", sub)
	}
	log.Info("batch queued")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(publishResponse{RunID: msg.RunID, Entities: msg.Batch.Len()})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
