package router

import (
	"regexp"

	"github.com/stellarlinkco/mindmesh/internal/experts"
	"github.com/stellarlinkco/mindmesh/internal/safety"
)

// Confidence is the router's confidence band.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Urgency orders how quickly a reply should address the message.
type Urgency string

const (
	UrgencyCritical Urgency = "critical"
	UrgencyHigh     Urgency = "high"
	UrgencyMedium   Urgency = "medium"
	UrgencyLow      Urgency = "low"
)

// Stage records which path produced a Classification.
type Stage string

const (
	StagePattern  Stage = "pattern"
	StageSemantic Stage = "semantic"
	StageFallback Stage = "fallback"
)

// Classification is the routing decision for one message.
type Classification struct {
	Selected   []experts.ID `json:"selected"`
	SignalType string       `json:"signal_type,omitempty"`
	Confidence Confidence   `json:"confidence"`
	Urgency    Urgency      `json:"urgency"`
	HasSignal  bool         `json:"has_signal"`
	Rationale  string       `json:"rationale,omitempty"`
	Stage      Stage        `json:"stage"`
}

// Clone returns a copy with its own selection slice.
func (c Classification) Clone() Classification {
	c.Selected = append([]experts.ID(nil), c.Selected...)
	return c
}

// Escalate forces urgency to critical when the safety scan fired.
func (c Classification) Escalate(s safety.Result) Classification {
	if s.Risky() {
		c.Urgency = UrgencyCritical
	}
	return c
}

var (
	crisisVocab   = regexp.MustCompile(`(?i)suicid|self[-\s]?harm|crisis|kill|\bdie\b|dying|overdos|emergency|end (it|my life)`)
	distressVocab = regexp.MustCompile(`(?i)distress|panic|urgent|despair|hopeless|overwhelm|abuse|trauma|grief|breakdown|breaking down|acute`)
)

// DeriveUrgency maps a classification to its urgency level.
func DeriveUrgency(signalType string, conf Confidence, selected []experts.ID) Urgency {
	if crisisVocab.MatchString(signalType) {
		return UrgencyCritical
	}
	if distressVocab.MatchString(signalType) {
		return UrgencyHigh
	}
	for _, id := range selected {
		if id == experts.DarkTraits {
			return UrgencyHigh
		}
	}
	if conf == ConfidenceHigh && len(selected) > 0 {
		return UrgencyMedium
	}
	return UrgencyLow
}

func parseConfidence(raw string) Confidence {
	switch Confidence(raw) {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
		return Confidence(raw)
	default:
		return ConfidenceLow
	}
}
