package delivery

import (
	"bytes"
	"encoding/json"
)

// EntityRef identifies one changed entity inside the document store.
type EntityRef struct {
	ID           string `json:"id" validate:"required"`
	PartitionKey string `json:"partitionKey" validate:"required"`
}

// ChangeBatch is the ordered set of entities changed in one detection cycle.
type ChangeBatch struct {
	ChangedEntities []EntityRef `json:"changedEntities" validate:"required,min=1,dive"`
}

// UnmarshalJSON accepts both {"changedEntities":[...]} and a bare array of refs.
func (b *ChangeBatch) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var refs []EntityRef
		if err := json.Unmarshal(trimmed, &refs); err != nil {
			return err
		}
		b.ChangedEntities = refs
		return nil
	}

	type plain ChangeBatch
	var p plain
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return err
	}
	*b = ChangeBatch(p)
	return nil
}

// Len returns the number of changed entities in the batch
func (b ChangeBatch) Len() int {
	return len(b.ChangedEntities)
}

// Endpoint is one registered consumer
type Endpoint struct {
	URL string `json:"url"`
}

// Task is the unit of work for one consumer in one run.
type Task struct {
	RunID        string            `json:"run_id"`
	Endpoint     Endpoint          `json:"endpoint"`
	Batch        ChangeBatch       `json:"batch"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}

// Document is the JSON body of one entity as read from the store.
type Document = json.RawMessage

// BatchMessage is the queue envelope around a ChangeBatch.
type BatchMessage struct {
	RunID        string            `json:"run_id,omitempty"`
	Batch        *ChangeBatch      `json:"batch"`
	PublishedAt  string            `json:"published_at,omitempty"` // RFC3339
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}
