package delivery

// Status is the terminal state of one branch
type Status string

const (
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Outcome is the terminal result of one Task after the retry wrapper resolved it.
type Outcome struct {
	Status   Status `json:"status"`
	Reason   string `json:"reason,omitempty"`
	Attempts int    `json:"attempts"`
	Replayed bool   `json:"replayed,omitempty"` // restored from the checkpoint journal
}

// Delivered returns a successful outcome reached after the given number of attempts
func Delivered(attempts int) Outcome {
	return Outcome{Status: StatusDelivered, Attempts: attempts}
}

// Failed returns a terminal failure with the last error text and the attempts made
func Failed(reason string, attempts int) Outcome {
	return Outcome{Status: StatusFailed, Reason: reason, Attempts: attempts}
}

// OK reports whether the outcome is Delivered
func (o Outcome) OK() bool {
	return o.Status == StatusDelivered
}

// RunOutcome maps each consumer URL to the outcome of its branch.
type RunOutcome map[string]Outcome

// Counts returns how many branches were delivered and how many failed
func (r RunOutcome) Counts() (delivered, failed int) {
	for _, o := range r {
		if o.OK() {
			delivered++
		} else {
			failed++
		}
	}
	return delivered, failed
}

// FailedEndpoints lists the consumers whose branch failed
func (r RunOutcome) FailedEndpoints() []string {
	var out []string
	for url, o := range r {
		if !o.OK() {
			out = append(out, url)
		}
	}
	return out
}
