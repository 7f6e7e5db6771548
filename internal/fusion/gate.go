package fusion

import (
	"sort"

	"github.com/stellarlinkco/mindmesh/internal/experts"
)

// DefaultThreshold is the minimum confidence for admission.
const DefaultThreshold = 0.5

// Threshold is the admission rule for one expert.
type Threshold struct {
	Min float64
	// RequireEvidence demands a non-empty evidence list even when the
	// reply omitted the field.
	RequireEvidence bool
}

// Thresholds overrides DefaultThreshold per expert.
//
// motivation_type under-reports confidence on ambiguous input, so it is
// admitted from 0.2 but only with quoted evidence. This is the only
// exception.
var Thresholds = map[experts.ID]Threshold{
	experts.MotivationType: {Min: 0.2, RequireEvidence: true},
}

// ThresholdFor returns the admission rule for id.
func ThresholdFor(id experts.ID) Threshold {
	if t, ok := Thresholds[id]; ok {
		return t
	}
	return Threshold{Min: DefaultThreshold}
}

// Rejection reasons.
const (
	RejectModuleError   = "module_error"
	RejectLowConfidence = "low_confidence"
	RejectNoEvidence    = "no_evidence"
)

// Admit reports whether r may enter the profile, and why not.
func Admit(r experts.Result) (bool, string) {
	if r.ModuleError {
		return false, RejectModuleError
	}
	t := ThresholdFor(r.FrameworkID)
	if t.RequireEvidence && len(r.Evidence) == 0 {
		return false, RejectNoEvidence
	}
	if r.HasEvidence && len(r.Evidence) == 0 {
		return false, RejectNoEvidence
	}
	if !r.Confidence.Declared() {
		return true, ""
	}
	if r.Confidence.Max() < t.Min {
		return false, RejectLowConfidence
	}
	return true, ""
}

// Rejection records a result the gate turned away.
type Rejection struct {
	ID     experts.ID `json:"id"`
	Reason string     `json:"reason"`
}

// Gate splits raw dispatch results into admitted results and rejections.
// Rejections are sorted by panel order.
func Gate(results map[experts.ID]experts.Result) (map[experts.ID]experts.Result, []Rejection) {
	admitted := make(map[experts.ID]experts.Result, len(results))
	var rejected []Rejection
	for id, r := range results {
		if ok, reason := Admit(r); ok {
			admitted[id] = r
		} else {
			rejected = append(rejected, Rejection{ID: id, Reason: reason})
		}
	}
	sort.Slice(rejected, func(i, j int) bool {
		return rank(rejected[i].ID) < rank(rejected[j].ID)
	})
	return admitted, rejected
}

func rank(id experts.ID) int {
	for i, o := range experts.Order {
		if o == id {
			return i
		}
	}
	return len(experts.Order)
}
