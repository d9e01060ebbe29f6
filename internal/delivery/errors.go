package delivery

import "errors"

// Sentinel errors shared by every stage of a run. Callers wrap them with
// fmt.Errorf("...: %w") and match with errors.Is.
var (
	ErrConfiguration    = errors.New("configuration error")
	ErrNotFound         = errors.New("document not found")
	ErrStoreUnavailable = errors.New("document store unavailable")
	ErrDelivery         = errors.New("delivery failed")
)
