package fusion

import (
	"fmt"

	"github.com/stellarlinkco/mindmesh/internal/experts"
)

// Kind classifies what a rule detected.
type Kind string

const (
	KindConflict      Kind = "conflict"
	KindAgreement     Kind = "agreement"
	KindInconsistency Kind = "inconsistency"
	KindFlag          Kind = "flag"
)

// Action is how a rule adjusts confidence.
type Action string

const (
	ActionDampenOne               Action = "dampen-one"
	ActionDampenBothFavorSpecific Action = "dampen-both-favor-specific"
	ActionTriangulate             Action = "triangulate"
	ActionBoost                   Action = "boost"
	ActionFlagOnly                Action = "flag-only"
)

// Finding is what a rule reports when it fires.
type Finding struct {
	Rule   string `json:"rule"`
	Kind   Kind   `json:"kind"`
	Action Action `json:"action"`
	Note   string `json:"note"`
}

// ConflictRule is one entry of the fusion rule table. Apply inspects and
// may adjust the working results; it reports whether it fired.
type ConflictRule struct {
	Name   string
	Kind   Kind
	Action Action
	Apply  func(w *Working) (Finding, bool)
}

// Working is the mutable copy of a turn's admitted results the rules run on.
type Working struct {
	Results map[experts.ID]experts.Result
}

func (w *Working) get(id experts.ID) (experts.Result, bool) {
	r, ok := w.Results[id]
	return r, ok
}

func (w *Working) set(r experts.Result) {
	w.Results[r.FrameworkID] = r
}

func bigFive(w *Working) (experts.Result, *experts.BigFiveScores, bool) {
	r, ok := w.get(experts.BigFive)
	if !ok {
		return r, nil, false
	}
	p, ok := experts.PayloadAs[*experts.BigFiveScores](r)
	return r, p, ok
}

func moodStress(w *Working) (experts.Result, *experts.MoodStressState, bool) {
	r, ok := w.get(experts.MoodStress)
	if !ok {
		return r, nil, false
	}
	p, ok := experts.PayloadAs[*experts.MoodStressState](r)
	return r, p, ok
}

func conf(r experts.Result, dim string) float64 {
	v, _ := r.Confidence.Of(dim)
	return v
}

// Reference calibration.
const (
	highNeuroticism       = 4.0
	lowAnxiety            = 0.3
	strongConfidence      = 0.7
	highAgreeableness     = 4.0
	highDarkTrait         = 0.7
	highExtraversion      = 3.5
	lowExtraversion       = 2.5
	lowSelfWorth          = 0.35
	corroboratingNeurotic = 3.5
	corroboratingDistress = 0.4
	veryConscientious     = 4.5
	veryStressed          = 0.75
	mildLow               = 2.5
	mildHigh              = 3.5
)

// DefaultRules returns the rule table in evaluation order.
func DefaultRules() []ConflictRule {
	return []ConflictRule{
		{Name: "trait_vs_mood_anxiety", Kind: KindConflict, Action: ActionDampenOne, Apply: traitVsMoodAnxiety},
		{Name: "agreeableness_vs_dark_traits", Kind: KindConflict, Action: ActionDampenBothFavorSpecific, Apply: agreeablenessVsDarkTraits},
		{Name: "extraversion_triangulation", Kind: KindAgreement, Action: ActionTriangulate, Apply: extraversionTriangulation},
		{Name: "self_worth_consistency", Kind: KindAgreement, Action: ActionBoost, Apply: selfWorthConsistency},
		{Name: "perfectionism_tension", Kind: KindFlag, Action: ActionFlagOnly, Apply: perfectionismTension},
	}
}

// High trait neuroticism with low measured anxiety, both confidently
// reported. The more confident side is damped harder.
func traitVsMoodAnxiety(w *Working) (Finding, bool) {
	bfRes, bf, ok := bigFive(w)
	if !ok {
		return Finding{}, false
	}
	msRes, ms, ok := moodStress(w)
	if !ok {
		return Finding{}, false
	}
	nConf, aConf := conf(bfRes, experts.TraitNeuroticism), conf(msRes, "anxiety")
	if bf.Neuroticism < highNeuroticism || ms.Anxiety > lowAnxiety || nConf < strongConfidence || aConf < strongConfidence {
		return Finding{}, false
	}

	bfFactor, msFactor := 0.70, 0.75
	if aConf > nConf {
		bfFactor, msFactor = 0.75, 0.70
	}
	bfRes.Confidence.Scale(experts.TraitNeuroticism, bfFactor)
	msRes.Confidence.Scale("anxiety", msFactor)
	w.set(bfRes)
	w.set(msRes)

	return Finding{
		Kind:   KindConflict,
		Action: ActionDampenOne,
		Note: fmt.Sprintf("big_five neuroticism %.1f conflicts with mood_stress anxiety %.2f; trait and state confidence damped",
			bf.Neuroticism, ms.Anxiety),
	}, true
}

// High agreeableness next to a high dark-trait sub-score. The dark-trait
// reading is the more specific one and is damped less in relative terms.
func agreeablenessVsDarkTraits(w *Working) (Finding, bool) {
	bfRes, bf, ok := bigFive(w)
	if !ok {
		return Finding{}, false
	}
	dtRes, ok := w.get(experts.DarkTraits)
	if !ok {
		return Finding{}, false
	}
	dt, ok := experts.PayloadAs[*experts.DarkTraitScores](dtRes)
	if !ok {
		return Finding{}, false
	}
	trait, score := dt.Highest()
	if bf.Agreeableness < highAgreeableness || score < highDarkTrait {
		return Finding{}, false
	}

	dtRes.Confidence.Scale("", 0.75)
	bfRes.Confidence.Scale(experts.TraitAgreeableness, 0.80)
	w.set(dtRes)
	w.set(bfRes)

	return Finding{
		Kind:   KindConflict,
		Action: ActionDampenBothFavorSpecific,
		Note: fmt.Sprintf("big_five agreeableness %.1f conflicts with dark_traits %s %.2f; favoring the specific dark-trait signal",
			bf.Agreeableness, trait, score),
	}, true
}

type direction struct {
	source experts.ID
	high   bool
	conf   float64
}

var (
	outgoingTypes  = map[int]bool{2: true, 3: true, 7: true, 8: true}
	withdrawnTypes = map[int]bool{4: true, 5: true, 9: true}
)

func extraversionSignals(w *Working) []direction {
	var out []direction
	if r, bf, ok := bigFive(w); ok {
		switch {
		case bf.Extraversion >= highExtraversion:
			out = append(out, direction{experts.BigFive, true, conf(r, experts.TraitExtraversion)})
		case bf.Extraversion <= lowExtraversion:
			out = append(out, direction{experts.BigFive, false, conf(r, experts.TraitExtraversion)})
		}
	}
	if r, ok := w.get(experts.CognitivePreference); ok {
		if cp, ok := experts.PayloadAs[*experts.CognitivePreferenceState](r); ok {
			switch cp.Orientation() {
			case 'E':
				out = append(out, direction{experts.CognitivePreference, true, r.Confidence.Max()})
			case 'I':
				out = append(out, direction{experts.CognitivePreference, false, r.Confidence.Max()})
			}
		}
	}
	if r, ok := w.get(experts.MotivationType); ok {
		if mt, ok := experts.PayloadAs[*experts.MotivationTypeState](r); ok {
			switch {
			case outgoingTypes[mt.Type]:
				out = append(out, direction{experts.MotivationType, true, r.Confidence.Max()})
			case withdrawnTypes[mt.Type]:
				out = append(out, direction{experts.MotivationType, false, r.Confidence.Max()})
			}
		}
	}
	return out
}

// Directional extraversion readings from up to three experts. Mixed
// readings are a conflict resolved in favor of the most confident one;
// agreeing readings reward the trait model.
func extraversionTriangulation(w *Working) (Finding, bool) {
	signals := extraversionSignals(w)
	if len(signals) < 2 {
		return Finding{}, false
	}

	highs := 0
	best := signals[0]
	for _, s := range signals {
		if s.high {
			highs++
		}
		if s.conf > best.conf {
			best = s
		}
	}
	label := func(high bool) string {
		if high {
			return "high"
		}
		return "low"
	}

	if highs != 0 && highs != len(signals) {
		r, _ := w.get(best.source)
		r.Uncertain = true
		w.set(r)
		return Finding{
			Kind:   KindConflict,
			Action: ActionTriangulate,
			Note: fmt.Sprintf("extraversion signals disagree across %d experts; trusting %s (%s) and marking it uncertain",
				len(signals), best.source, label(best.high)),
		}, true
	}

	note := fmt.Sprintf("%d experts agree on %s extraversion", len(signals), label(signals[0].high))
	if r, _, ok := bigFive(w); ok {
		r.Confidence.Scale(experts.TraitExtraversion, 1.20)
		w.set(r)
		note += "; big_five extraversion confidence raised"
	}
	return Finding{Kind: KindAgreement, Action: ActionTriangulate, Note: note}, true
}

// Low self-worth is reinforced by high neuroticism or mood distress and
// only noted when nothing corroborates it.
func selfWorthConsistency(w *Working) (Finding, bool) {
	swRes, ok := w.get(experts.SelfWorth)
	if !ok {
		return Finding{}, false
	}
	sw, ok := experts.PayloadAs[*experts.SelfWorthState](swRes)
	if !ok || sw.Level > lowSelfWorth {
		return Finding{}, false
	}

	var support []string
	if _, bf, ok := bigFive(w); ok && bf.Neuroticism >= corroboratingNeurotic {
		support = append(support, fmt.Sprintf("neuroticism %.1f", bf.Neuroticism))
	}
	if _, ms, ok := moodStress(w); ok && ms.Distress() >= corroboratingDistress {
		support = append(support, fmt.Sprintf("mood distress %.2f", ms.Distress()))
	}

	if len(support) == 0 {
		return Finding{
			Kind:   KindInconsistency,
			Action: ActionFlagOnly,
			Note:   fmt.Sprintf("low self_worth %.2f has no corroborating signal this turn; left unadjusted", sw.Level),
		}, true
	}

	swRes.Confidence.Scale("", 1.15)
	w.set(swRes)
	note := fmt.Sprintf("low self_worth %.2f corroborated by %s", sw.Level, support[0])
	if len(support) > 1 {
		note += " and " + support[1]
	}
	return Finding{Kind: KindAgreement, Action: ActionBoost, Note: note}, true
}

// Very high conscientiousness with very high stress reads as one
// explanation, not a contradiction.
func perfectionismTension(w *Working) (Finding, bool) {
	bfRes, bf, ok := bigFive(w)
	if !ok {
		return Finding{}, false
	}
	msRes, ms, ok := moodStress(w)
	if !ok {
		return Finding{}, false
	}
	if bf.Conscientiousness < veryConscientious || ms.Stress < veryStressed ||
		conf(bfRes, experts.TraitConscientiousness) < strongConfidence || conf(msRes, "stress") < strongConfidence {
		return Finding{}, false
	}
	return Finding{
		Kind:   KindFlag,
		Action: ActionFlagOnly,
		Note: fmt.Sprintf("conscientiousness %.1f with stress %.2f suggests perfectionism-driven pressure",
			bf.Conscientiousness, ms.Stress),
	}, true
}
