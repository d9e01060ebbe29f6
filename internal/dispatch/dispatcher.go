// Package dispatch pushes documents to consumer endpoints over HTTP. Any
// transport error or non-2xx response is a *DeliveryError.
package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/austindbirch/harbor_egress/internal/delivery"
	"github.com/austindbirch/harbor_egress/internal/metrics"
	"github.com/austindbirch/harbor_egress/internal/tracing"
)

const (
	RunHeader     = "X-Egress-Run"
	TraceIDHeader = "X-Trace-Id"
)

type Options struct {
	Timeout   time.Duration // per push; 0 = 30s
	RateLimit float64       // pushes per second per session; 0 = unlimited
	UserAgent string
}

// Dispatcher hands out push sessions. It holds no connections itself.
type Dispatcher struct {
	opts Options
}

func New(opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "harbor-egress/1"
	}
	return &Dispatcher{opts: opts}
}

// Session is a short-lived push client owning its own connection pool.
type Session struct {
	runID     string
	transport *http.Transport
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
}

// NewSession opens a session for one delivery attempt of the given run.
func (d *Dispatcher) NewSession(runID string) *Session {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	s := &Session{
		runID:     runID,
		transport: transport,
		client:    &http.Client{Timeout: d.opts.Timeout, Transport: transport},
		userAgent: d.opts.UserAgent,
	}
	if d.opts.RateLimit > 0 {
		burst := int(d.opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(d.opts.RateLimit), burst)
	}
	return s
}

// Push POSTs doc to endpoint. Transport failures and non-2xx responses are
// returned as *DeliveryError.
func (s *Session) Push(ctx context.Context, endpoint delivery.Endpoint, doc delivery.Document) error {
	ctx, span := tracing.StartSpan(ctx, "dispatch.push",
		tracing.ConsumerKey.String(endpoint.URL),
		attribute.Int("http.request_content_length", len(doc)),
	)
	defer span.End()

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			derr := &DeliveryError{URL: endpoint.URL, Reason: "rate_limited", Err: err}
			tracing.SetSpanError(ctx, derr)
			return derr
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(doc))
	if err != nil {
		return &DeliveryError{URL: endpoint.URL, Reason: "bad_request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	if s.runID != "" {
		req.Header.Set(RunHeader, s.runID)
	}
	tracing.InjectHTTP(ctx, req.Header)
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set(TraceIDHeader, traceID)
	}

	start := time.Now()
	resp, doErr := s.client.Do(req)
	latency := time.Since(start)
	status := 0
	if doErr == nil {
		status = resp.StatusCode
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
	}

	span.SetAttributes(
		attribute.Int("http.status_code", status),
		attribute.Int64("http.latency_ms", latency.Milliseconds()),
	)
	if status > 0 {
		metrics.RecordPush(strconv.Itoa(status), latency)
	} else {
		metrics.RecordPush("error", latency)
	}

	if doErr == nil && status >= 200 && status < 300 {
		return nil
	}

	derr := &DeliveryError{
		URL:        endpoint.URL,
		StatusCode: status,
		Reason:     ClassifyReason(doErr, status),
		Err:        doErr,
	}
	tracing.SetSpanError(ctx, derr)
	return derr
}

// Close releases the session's idle connections
func (s *Session) Close() error {
	s.transport.CloseIdleConnections()
	return nil
}

// DeliveryError describes a failed push.
type DeliveryError struct {
	URL        string
	StatusCode int // 0 when no response was received
	Reason     string
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("push to %s: %s: %v", e.URL, e.Reason, e.Err)
	}
	return fmt.Sprintf("push to %s: %s (status %d)", e.URL, e.Reason, e.StatusCode)
}

func (e *DeliveryError) Unwrap() []error {
	if e.Err != nil {
		return []error{delivery.ErrDelivery, e.Err}
	}
	return []error{delivery.ErrDelivery}
}

// ClassifyReason maps a push result to a short label for metrics and logs
func ClassifyReason(doErr error, status int) string {
	if doErr != nil {
		if ne, ok := doErr.(net.Error); ok && ne.Timeout() {
			return "timeout"
		}
		errLower := strings.ToLower(doErr.Error())
		if strings.Contains(errLower, "timeout") || strings.Contains(errLower, "deadline exceeded") {
			return "timeout"
		}
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return "dns_error"
		}
		return "network"
	}
	if status >= 500 {
		return "http_5xx"
	}
	if status == 429 {
		return "http_429"
	}
	if status >= 400 {
		return "http_4xx"
	}
	return "other"
}
