package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/harbor_egress/internal/auth"
	"github.com/austindbirch/harbor_egress/internal/delivery"
	"github.com/austindbirch/harbor_egress/internal/logging"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantRunID string
		wantLen   int
		wantErr   bool
	}{
		{name: "envelope", body: `{"run_id":"r1","batch":{"changedEntities":[{"id":"p1","partitionKey":"a"}]}}`, wantRunID: "r1", wantLen: 1},
		{name: "envelope with bare batch", body: `{"run_id":"r2","batch":[{"id":"p1","partitionKey":"a"},{"id":"p2","partitionKey":"b"}]}`, wantRunID: "r2", wantLen: 2},
		{name: "bare object batch", body: `{"changedEntities":[{"id":"p1","partitionKey":"a"}]}`, wantLen: 1},
		{name: "bare array batch", body: `[{"id":"p1","partitionKey":"a"}]`, wantLen: 1},
		{name: "empty batch", body: `[]`, wantErr: true},
		{name: "missing partition key", body: `[{"id":"p1"}]`, wantErr: true},
		{name: "not json", body: `hello`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Decode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if msg.RunID != tt.wantRunID {
				t.Errorf("RunID = %q, want %q", msg.RunID, tt.wantRunID)
			}
			if msg.Batch.Len() != tt.wantLen {
				t.Errorf("Batch.Len() = %d, want %d", msg.Batch.Len(), tt.wantLen)
			}
		})
	}
}

type fakeRunner struct {
	mu     sync.Mutex
	runIDs []string
	batch  delivery.ChangeBatch
	err    error
	ctx    context.Context
}

func (f *fakeRunner) RunWithID(ctx context.Context, runID string, batch delivery.ChangeBatch) (delivery.RunOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runIDs = append(f.runIDs, runID)
	f.batch = batch
	f.ctx = ctx
	return delivery.RunOutcome{}, f.err
}

type fakeDelegate struct {
	finished bool
	requeued bool
	delay    time.Duration
}

func (d *fakeDelegate) OnFinish(*nsq.Message) { d.finished = true }
func (d *fakeDelegate) OnRequeue(_ *nsq.Message, delay time.Duration, _ bool) {
	d.requeued = true
	d.delay = delay
}
func (d *fakeDelegate) OnTouch(*nsq.Message) {}

func newMessage(body string) (*nsq.Message, *fakeDelegate) {
	var id nsq.MessageID
	copy(id[:], "0123456789abcdef")
	m := nsq.NewMessage(id, []byte(body))
	d := &fakeDelegate{}
	m.Delegate = d
	return m, d
}

func TestHandler_HandleMessage(t *testing.T) {
	validBody := `{"run_id":"run-7","batch":[{"id":"p1","partitionKey":"a"}]}`

	tests := []struct {
		name        string
		body        string
		runErr      error
		wantRuns    int
		wantFinish  bool
		wantRequeue bool
		wantRunID   string
	}{
		{name: "successful run finishes", body: validBody, wantRuns: 1, wantFinish: true, wantRunID: "run-7"},
		{name: "bad payload finishes without running", body: `{`, wantFinish: true},
		{
			name:       "configuration error finishes",
			body:       validBody,
			runErr:     fmt.Errorf("read consumers: %w", delivery.ErrConfiguration),
			wantRuns:   1,
			wantFinish: true,
			wantRunID:  "run-7",
		},
		{
			name:        "other errors requeue",
			body:        validBody,
			runErr:      errors.New("ban list query timed out"),
			wantRuns:    1,
			wantRequeue: true,
			wantRunID:   "run-7",
		},
		{
			name:       "message id becomes the run id",
			body:       `[{"id":"p1","partitionKey":"a"}]`,
			wantRuns:   1,
			wantFinish: true,
			wantRunID:  "0123456789abcdef",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{err: tt.runErr}
			m, d := newMessage(tt.body)

			if err := NewHandler(runner, 0, nil).HandleMessage(m); err != nil {
				t.Fatalf("HandleMessage() returned %v, want nil", err)
			}

			if len(runner.runIDs) != tt.wantRuns {
				t.Fatalf("runs = %d, want %d", len(runner.runIDs), tt.wantRuns)
			}
			if tt.wantRuns > 0 && runner.runIDs[0] != tt.wantRunID {
				t.Errorf("run id = %q, want %q", runner.runIDs[0], tt.wantRunID)
			}
			if d.finished != tt.wantFinish {
				t.Errorf("finished = %v, want %v", d.finished, tt.wantFinish)
			}
			if d.requeued != tt.wantRequeue {
				t.Errorf("requeued = %v, want %v", d.requeued, tt.wantRequeue)
			}
		})
	}
}

func TestHandler_RunTimeout(t *testing.T) {
	runner := &fakeRunner{}
	m, _ := newMessage(`[{"id":"p1","partitionKey":"a"}]`)

	_ = NewHandler(runner, time.Minute, nil).HandleMessage(m)

	deadline, ok := runner.ctx.Deadline()
	if !ok {
		t.Fatal("run context has no deadline")
	}
	if until := time.Until(deadline); until > time.Minute || until < 50*time.Second {
		t.Errorf("deadline in %v, want about 1m", until)
	}
}

type fakePublisher struct {
	topic string
	body  []byte
	err   error
}

func (f *fakePublisher) Publish(topic string, body []byte) error {
	if f.err != nil {
		return f.err
	}
	f.topic = topic
	f.body = body
	return nil
}

func TestAPI_PublishBatch(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		pubErr     error
		wantStatus int
		wantRunID  string
	}{
		{name: "bare batch gets a run id", body: `[{"id":"p1","partitionKey":"a"},{"id":"p2","partitionKey":"b"}]`, wantStatus: http.StatusAccepted, wantRunID: "generated-id"},
		{name: "caller run id is kept", body: `{"run_id":"mine","batch":[{"id":"p1","partitionKey":"a"}]}`, wantStatus: http.StatusAccepted, wantRunID: "mine"},
		{name: "invalid batch", body: `{"changedEntities":[]}`, wantStatus: http.StatusBadRequest},
		{name: "queue down", body: `[{"id":"p1","partitionKey":"a"}]`, pubErr: errors.New("connection refused"), wantStatus: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &fakePublisher{err: tt.pubErr}
			api := NewAPI(pub, "changes", nil)
			api.newID = func() string { return "generated-id" }

			mux := http.NewServeMux()
			api.Routes(mux)

			req := httptest.NewRequest(http.MethodPost, "/v1/batches", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus != http.StatusAccepted {
				return
			}

			var resp publishResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp.RunID != tt.wantRunID {
				t.Errorf("response run_id = %q, want %q", resp.RunID, tt.wantRunID)
			}

			if pub.topic != "changes" {
				t.Errorf("published topic = %q, want changes", pub.topic)
			}
			msg, err := Decode(pub.body)
			if err != nil {
				t.Fatalf("published body does not decode: %v", err)
			}
			if msg.RunID != tt.wantRunID || msg.PublishedAt == "" {
				t.Errorf("published envelope = %+v", msg)
			}
			if msg.Batch.Len() != resp.Entities {
				t.Errorf("entities = %d, published %d", resp.Entities, msg.Batch.Len())
			}
		})
	}
}

func TestAPI_MethodNotAllowed(t *testing.T) {
	mux := http.NewServeMux()
	NewAPI(&fakePublisher{}, "changes", nil).Routes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/batches", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", rec.Code)
	}
}

func TestAPI_PublishBatchLogsSubject(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		want    any
	}{
		{name: "authenticated caller", subject: "change-detector", want: "change-detector"},
		{name: "no auth middleware", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			mux := http.NewServeMux()
			NewAPI(&fakePublisher{}, "changes", logging.NewWithWriter("egress-api", &buf)).Routes(mux)

			req := httptest.NewRequest(http.MethodPost, "/v1/batches", strings.NewReader(`[{"id":"p1","partitionKey":"a"}]`))
			if tt.subject != "" {
				req = req.WithContext(context.WithValue(req.Context(), auth.SubjectKey, tt.subject))
			}
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)
			if rec.Code != http.StatusAccepted {
				t.Fatalf("status = %d, want 202", rec.Code)
			}

			var line map[string]any
			if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
				t.Fatalf("log line is not JSON: %q: %v", buf.String(), err)
			}
			if line["msg"] != "batch queued" {
				t.Fatalf("msg = %v, want batch queued", line["msg"])
			}
			fields, _ := line["fields"].(map[string]any)
			if fields["subject"] != tt.want {
				t.Errorf("fields[subject] = %v, want %v", fields["subject"], tt.want)
			}
		})
	}
}
