package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger is satisfied by *pgxpool.Pool and *store.Fetcher
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check is one named dependency probed on every request
type Check struct {
	Name   string
	Pinger Pinger
}

type Status struct {
	OK      bool            `json:"ok"`
	Message string          `json:"message,omitempty"`
	Checks  map[string]bool `json:"checks,omitempty"`
}

// HTTPHandler reports 200 when every check pings and 503 otherwise. Checks
// with a nil Pinger are skipped.
func HTTPHandler(timeout time.Duration, checks ...Check) http.HandlerFunc {
	if timeout <= 0 {
		timeout = time.Second
	}
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok"}

		for _, c := range checks {
			if c.Pinger == nil {
				continue
			}
			if st.Checks == nil {
				st.Checks = make(map[string]bool, len(checks))
			}
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			err := c.Pinger.Ping(ctx)
			cancel()

			st.Checks[c.Name] = err == nil
			if err != nil {
				st.OK = false
				st.Message = c.Name + " ping failed"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
