package harness

// TraceEvent records one flow step and what it caused.
type TraceEvent struct {
	Seq  int               `json:"seq"`
	Step string            `json:"step"`
	Args map[string]string `json:"args,omitempty"` // credentials are never traced

	// State is the engine state after the step.
	State string `json:"state"`

	// Online is the probe outcome for steps that probe.
	Online *bool `json:"online,omitempty"`

	// Error is the classified error code, empty on success.
	Error string `json:"error,omitempty"`

	// Calls are the backend calls the step caused, as "METHOD /path status".
	Calls []string `json:"calls,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if all expect clauses and assertions match.
	Pass bool `json:"pass"`

	// Trace contains one event per flow step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Calls flattens the backend calls of every traced step.
func (r *Result) Calls() []string {
	var out []string
	for _, ev := range r.Trace {
		out = append(out, ev.Calls...)
	}
	return out
}
