package delivery

import "time"

const DLQType = "delivery.dlq"

// DeadLetter is published when a branch exhausts its retries.
type DeadLetter struct {
	Type      string      `json:"type"`    // "delivery.dlq"
	Version   string      `json:"version"` // schema version
	At        string      `json:"at"`      // RFC3339 time the DLQ was emitted
	RunID     string      `json:"run_id"`
	Consumer  string      `json:"consumer_url"`
	Attempts  int         `json:"attempts"`
	LastError string      `json:"last_error,omitempty"`
	Batch     ChangeBatch `json:"batch"` // the refs the consumer did not fully receive
}

func NewDeadLetter(t Task, o Outcome) DeadLetter {
	return DeadLetter{
		Type:      DLQType,
		Version:   "v1",
		At:        time.Now().Format(time.RFC3339Nano),
		RunID:     t.RunID,
		Consumer:  t.Endpoint.URL,
		Attempts:  o.Attempts,
		LastError: o.Reason,
		Batch:     t.Batch,
	}
}
