// Package fusion admits expert results through the confidence gate and
// reconciles them with a declarative table of cross-expert rules.
package fusion

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/stellarlinkco/mindmesh/internal/experts"
	"github.com/stellarlinkco/mindmesh/internal/metrics"
)

// IntegrationMeta records how a turn's results were reconciled.
type IntegrationMeta struct {
	Similarities    []string `json:"similarities,omitempty"`
	MildCases       []string `json:"mild_cases,omitempty"`
	Resolutions     []string `json:"resolutions,omitempty"`
	Inconsistencies []string `json:"inconsistencies,omitempty"`
}

// Empty reports whether no note was recorded.
func (m IntegrationMeta) Empty() bool {
	return len(m.Similarities) == 0 && len(m.MildCases) == 0 &&
		len(m.Resolutions) == 0 && len(m.Inconsistencies) == 0
}

// Clone returns a deep copy.
func (m IntegrationMeta) Clone() IntegrationMeta {
	return IntegrationMeta{
		Similarities:    cloneStrings(m.Similarities),
		MildCases:       cloneStrings(m.MildCases),
		Resolutions:     cloneStrings(m.Resolutions),
		Inconsistencies: cloneStrings(m.Inconsistencies),
	}
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

// Outcome is the fused view of one turn.
type Outcome struct {
	Results   map[experts.ID]experts.Result
	Meta      IntegrationMeta
	Conflict  bool
	Conflicts []string
	Findings  []Finding
}

// Resolver evaluates a rule table over admitted results.
type Resolver struct {
	rules   []ConflictRule
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewResolver builds a resolver. A nil rule table selects DefaultRules.
func NewResolver(rules []ConflictRule, m *metrics.Metrics, logger *zap.Logger) *Resolver {
	if rules == nil {
		rules = DefaultRules()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{rules: rules, metrics: m, logger: logger.Named("fusion")}
}

// Rules returns the rule table in evaluation order.
func (r *Resolver) Rules() []ConflictRule {
	return append([]ConflictRule(nil), r.rules...)
}

// Resolve runs every rule in order over a copy of admitted and annotates
// mild trait scores. The input map is not modified.
func (r *Resolver) Resolve(admitted map[experts.ID]experts.Result) Outcome {
	w := &Working{Results: make(map[experts.ID]experts.Result, len(admitted))}
	for id, res := range admitted {
		w.Results[id] = res.Clone()
	}

	var out Outcome
	for _, rule := range r.rules {
		f, fired := rule.Apply(w)
		if !fired {
			continue
		}
		f.Rule = rule.Name
		out.Findings = append(out.Findings, f)
		r.metrics.IncFusionRule(rule.Name, string(f.Kind))
		r.logger.Debug("rule fired", zap.String("rule", rule.Name), zap.String("kind", string(f.Kind)), zap.String("note", f.Note))

		switch f.Kind {
		case KindConflict:
			out.Conflict = true
			out.Conflicts = append(out.Conflicts, f.Note)
			out.Meta.Resolutions = append(out.Meta.Resolutions, fmt.Sprintf("%s: %s", rule.Name, f.Action))
		case KindAgreement, KindFlag:
			out.Meta.Similarities = append(out.Meta.Similarities, f.Note)
		case KindInconsistency:
			out.Meta.Inconsistencies = append(out.Meta.Inconsistencies, f.Note)
		}
	}
	out.Meta.MildCases = mildCases(w)
	out.Results = w.Results
	return out
}

var traitOrder = []string{
	experts.TraitOpenness,
	experts.TraitConscientiousness,
	experts.TraitExtraversion,
	experts.TraitAgreeableness,
	experts.TraitNeuroticism,
}

func mildCases(w *Working) []string {
	_, bf, ok := bigFive(w)
	if !ok {
		return nil
	}
	scores := bf.Traits()
	var out []string
	for _, trait := range traitOrder {
		if v := scores[trait]; v >= mildLow && v <= mildHigh {
			out = append(out, fmt.Sprintf("big_five %s %.1f: balanced/moderate", trait, v))
		}
	}
	return out
}
