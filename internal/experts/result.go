package experts

import "slices"

// Result is one expert's structured output for one turn. Failures are
// carried as data: ModuleError is set and ErrorReason says why.
type Result struct {
	FrameworkID  ID         `json:"framework_id"`
	Payload      Payload    `json:"payload,omitempty"`
	Confidence   Confidence `json:"confidence"`
	Evidence     []string   `json:"evidence,omitempty"`
	HasEvidence  bool       `json:"-"`
	PlainInsight string     `json:"plain_insight,omitempty"`
	// Uncertain marks a finding kept despite conflicting signals.
	Uncertain   bool   `json:"uncertain,omitempty"`
	ModuleError bool   `json:"module_error,omitempty"`
	ErrorReason string `json:"error_reason,omitempty"`
	Tokens      int    `json:"-"`
}

// Failed builds a module-error result.
func Failed(id ID, reason string) Result {
	return Result{FrameworkID: id, ModuleError: true, ErrorReason: reason}
}

// Clone returns a copy that can be modified without affecting r.
func (r Result) Clone() Result {
	out := r
	out.Confidence = r.Confidence.Clone()
	out.Evidence = slices.Clone(r.Evidence)
	if r.Payload != nil {
		out.Payload = r.Payload.Clone()
	}
	return out
}

// PayloadAs returns the result payload as T.
func PayloadAs[T Payload](r Result) (T, bool) {
	v, ok := r.Payload.(T)
	return v, ok
}
