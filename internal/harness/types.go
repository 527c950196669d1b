package harness

// TraceEvent is one observed effect of running a scenario: either a frame
// the client sent over its socket, or a delivery the runtime made to a
// local listener.
type TraceEvent struct {
	// Type is "frame" or "delivery".
	Type string `json:"type"`

	// Frame is the decoded client frame (Type == "frame").
	Frame map[string]any `json:"frame,omitempty"`

	// Kind names the delivery (Type == "delivery"): "query-result",
	// "once-result", "once-error", "transact-confirmed", "transact-failed",
	// "presence", "broadcast".
	Kind string `json:"kind,omitempty"`

	// Data is the delivered payload (Type == "delivery").
	Data any `json:"data,omitempty"`

	// Seq is the 1-based position of this event in the trace.
	Seq int `json:"seq"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates all assertions held.
	Pass bool `json:"pass"`

	// Trace contains the observed frames and deliveries in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{Pass: true}
}

// AddError records a failure message and marks the result failed.
func (r *Result) AddError(msg string) {
	r.Pass = false
	r.Errors = append(r.Errors, msg)
}

// Frames returns just the client frames from the trace, in order.
func (r *Result) Frames() []map[string]any {
	var frames []map[string]any
	for _, ev := range r.Trace {
		if ev.Type == "frame" {
			frames = append(frames, ev.Frame)
		}
	}
	return frames
}
