package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type mockPinger struct {
	err   error
	delay time.Duration
}

func (m mockPinger) Ping(ctx context.Context) error {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.err
}

func TestHTTPHandler(t *testing.T) {
	tests := []struct {
		name               string
		checks             []Check
		expectedStatusCode int
		expectedOK         bool
		expectedMessage    string
		expectedChecks     map[string]bool
	}{
		{
			name:               "healthy with no checks",
			expectedStatusCode: http.StatusOK,
			expectedOK:         true,
			expectedMessage:    "ok",
		},
		{
			name:               "nil pinger is skipped",
			checks:             []Check{{Name: "database"}},
			expectedStatusCode: http.StatusOK,
			expectedOK:         true,
			expectedMessage:    "ok",
		},
		{
			name: "all dependencies healthy",
			checks: []Check{
				{Name: "database", Pinger: mockPinger{}},
				{Name: "docstore", Pinger: mockPinger{}},
			},
			expectedStatusCode: http.StatusOK,
			expectedOK:         true,
			expectedMessage:    "ok",
			expectedChecks:     map[string]bool{"database": true, "docstore": true},
		},
		{
			name: "document store down",
			checks: []Check{
				{Name: "database", Pinger: mockPinger{}},
				{Name: "docstore", Pinger: mockPinger{err: errors.New("server selection timeout")}},
			},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedOK:         false,
			expectedMessage:    "docstore ping failed",
			expectedChecks:     map[string]bool{"database": true, "docstore": false},
		},
		{
			name:               "slow ping times out",
			checks:             []Check{{Name: "database", Pinger: mockPinger{delay: time.Second}}},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedOK:         false,
			expectedMessage:    "database ping failed",
			expectedChecks:     map[string]bool{"database": false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := HTTPHandler(50*time.Millisecond, tt.checks...)

			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			w := httptest.NewRecorder()
			handler(w, req)

			if w.Code != tt.expectedStatusCode {
				t.Errorf("HTTPHandler() status code = %d, want %d", w.Code, tt.expectedStatusCode)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("HTTPHandler() Content-Type = %q, want application/json", ct)
			}

			var st Status
			if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
				t.Fatalf("HTTPHandler() response is not JSON: %v", err)
			}
			if st.OK != tt.expectedOK {
				t.Errorf("HTTPHandler() OK = %v, want %v", st.OK, tt.expectedOK)
			}
			if st.Message != tt.expectedMessage {
				t.Errorf("HTTPHandler() Message = %q, want %q", st.Message, tt.expectedMessage)
			}
			if len(st.Checks) != len(tt.expectedChecks) {
				t.Fatalf("HTTPHandler() Checks = %v, want %v", st.Checks, tt.expectedChecks)
			}
			for name, want := range tt.expectedChecks {
				if st.Checks[name] != want {
					t.Errorf("HTTPHandler() Checks[%q] = %v, want %v", name, st.Checks[name], want)
				}
			}
		})
	}
}

func TestHTTPHandler_DefaultTimeout(t *testing.T) {
	var deadline time.Time
	p := pingFunc(func(ctx context.Context) error {
		deadline, _ = ctx.Deadline()
		return nil
	})

	HTTPHandler(0, Check{Name: "database", Pinger: p})(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if until := time.Until(deadline); until <= 0 || until > time.Second {
		t.Errorf("ping deadline in %v, want within 1s", until)
	}
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }
