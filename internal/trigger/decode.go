// Package trigger starts fan-out runs from queued or posted change batches.
package trigger

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/austindbirch/harbor_egress/internal/delivery"
)

var validate = validator.New()

// Decode reads a queue message body. The body is either a BatchMessage
// envelope or a bare batch in either of its JSON forms.
func Decode(body []byte) (delivery.BatchMessage, error) {
	var msg delivery.BatchMessage
	if err := json.Unmarshal(body, &msg); err == nil && msg.Batch != nil {
		return msg, validateBatch(*msg.Batch)
	}

	var batch delivery.ChangeBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		return delivery.BatchMessage{}, fmt.Errorf("decode batch: %w", err)
	}
	return delivery.BatchMessage{Batch: &batch}, validateBatch(batch)
}

func validateBatch(b delivery.ChangeBatch) error {
	if err := validate.Struct(b); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}
	return nil
}
