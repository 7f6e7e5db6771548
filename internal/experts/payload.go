package experts

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Payload is the framework-specific part of a Result. Each expert decodes
// its reply into its own concrete type.
type Payload interface {
	Framework() ID
	Validate() error
	// Clone returns a deep copy.
	Clone() Payload
}

var errMissingField = errors.New("missing required field")

func checkRange(name string, v, lo, hi float64) error {
	if v < lo || v > hi {
		return fmt.Errorf("%s=%v outside [%v,%v]", name, v, lo, hi)
	}
	return nil
}

func checkOneOf(name, v string, allowed ...string) error {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return fmt.Errorf("%s: %w", name, errMissingField)
	}
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("%s=%q not one of %s", name, v, strings.Join(allowed, "|"))
}

// BigFiveScores holds trait scores on a 1-5 scale.
type BigFiveScores struct {
	Openness          float64 `json:"openness"`
	Conscientiousness float64 `json:"conscientiousness"`
	Extraversion      float64 `json:"extraversion"`
	Agreeableness     float64 `json:"agreeableness"`
	Neuroticism       float64 `json:"neuroticism"`
}

// Trait names, also used as confidence dimensions.
const (
	TraitOpenness          = "openness"
	TraitConscientiousness = "conscientiousness"
	TraitExtraversion      = "extraversion"
	TraitAgreeableness     = "agreeableness"
	TraitNeuroticism       = "neuroticism"
)

func (s BigFiveScores) Framework() ID { return BigFive }

func (s *BigFiveScores) Clone() Payload {
	c := *s
	return &c
}

// Traits returns the scores keyed by trait name.
func (s BigFiveScores) Traits() map[string]float64 {
	return map[string]float64{
		TraitOpenness:          s.Openness,
		TraitConscientiousness: s.Conscientiousness,
		TraitExtraversion:      s.Extraversion,
		TraitAgreeableness:     s.Agreeableness,
		TraitNeuroticism:       s.Neuroticism,
	}
}

func (s BigFiveScores) Validate() error {
	for name, v := range s.Traits() {
		if err := checkRange(name, v, 1, 5); err != nil {
			return err
		}
	}
	return nil
}

// MoodStressState holds current-state distress levels on a 0-1 scale.
type MoodStressState struct {
	Depression float64 `json:"depression"`
	Anxiety    float64 `json:"anxiety"`
	Stress     float64 `json:"stress"`
	Mood       string  `json:"mood,omitempty"`
}

func (s MoodStressState) Framework() ID { return MoodStress }

func (s *MoodStressState) Clone() Payload {
	c := *s
	return &c
}

// Distress is the maximum of depression, anxiety and stress.
func (s MoodStressState) Distress() float64 {
	return max(s.Depression, s.Anxiety, s.Stress)
}

func (s MoodStressState) Validate() error {
	for name, v := range map[string]float64{"depression": s.Depression, "anxiety": s.Anxiety, "stress": s.Stress} {
		if err := checkRange(name, v, 0, 1); err != nil {
			return err
		}
	}
	return nil
}

// SelfWorthState describes self-evaluation; Level 0 is very low, 1 very secure.
type SelfWorthState struct {
	Level         float64  `json:"level"`
	Contingencies []string `json:"contingencies,omitempty"`
	InnerCritic   bool     `json:"inner_critic,omitempty"`
}

func (s SelfWorthState) Framework() ID { return SelfWorth }

func (s *SelfWorthState) Clone() Payload {
	c := *s
	c.Contingencies = slices.Clone(s.Contingencies)
	return &c
}

func (s SelfWorthState) Validate() error {
	return checkRange("level", s.Level, 0, 1)
}

// DarkTraitScores holds dark-triad sub-scores on a 0-1 scale.
type DarkTraitScores struct {
	Narcissism       float64 `json:"narcissism"`
	Machiavellianism float64 `json:"machiavellianism"`
	Psychopathy      float64 `json:"psychopathy"`
}

func (s DarkTraitScores) Framework() ID { return DarkTraits }

func (s *DarkTraitScores) Clone() Payload {
	c := *s
	return &c
}

// Highest returns the strongest sub-score and its name.
func (s DarkTraitScores) Highest() (string, float64) {
	name, v := "narcissism", s.Narcissism
	if s.Machiavellianism > v {
		name, v = "machiavellianism", s.Machiavellianism
	}
	if s.Psychopathy > v {
		name, v = "psychopathy", s.Psychopathy
	}
	return name, v
}

func (s DarkTraitScores) Validate() error {
	for name, v := range map[string]float64{"narcissism": s.Narcissism, "machiavellianism": s.Machiavellianism, "psychopathy": s.Psychopathy} {
		if err := checkRange(name, v, 0, 1); err != nil {
			return err
		}
	}
	return nil
}

// DecisionStyleState names the dominant decision-making style.
type DecisionStyleState struct {
	Style     string `json:"style"`
	Secondary string `json:"secondary,omitempty"`
}

func (s DecisionStyleState) Framework() ID { return DecisionStyle }

func (s *DecisionStyleState) Clone() Payload {
	c := *s
	return &c
}

var decisionStyles = []string{"rational", "intuitive", "dependent", "avoidant", "spontaneous"}

func (s DecisionStyleState) Validate() error {
	if err := checkOneOf("style", s.Style, decisionStyles...); err != nil {
		return err
	}
	if s.Secondary != "" {
		return checkOneOf("secondary", s.Secondary, decisionStyles...)
	}
	return nil
}

// AttachmentState describes relational attachment.
type AttachmentState struct {
	Style     string  `json:"style"`
	Anxiety   float64 `json:"anxiety"`
	Avoidance float64 `json:"avoidance"`
}

func (s AttachmentState) Framework() ID { return Attachment }

func (s *AttachmentState) Clone() Payload {
	c := *s
	return &c
}

func (s AttachmentState) Validate() error {
	if err := checkOneOf("style", s.Style, "secure", "anxious", "avoidant", "disorganized"); err != nil {
		return err
	}
	if err := checkRange("anxiety", s.Anxiety, 0, 1); err != nil {
		return err
	}
	return checkRange("avoidance", s.Avoidance, 0, 1)
}

// MotivationTypeState is a nine-type motivational profile.
type MotivationTypeState struct {
	Type       int    `json:"type"`
	Wing       int    `json:"wing,omitempty"`
	CoreFear   string `json:"core_fear,omitempty"`
	CoreDesire string `json:"core_desire,omitempty"`
}

func (s MotivationTypeState) Framework() ID { return MotivationType }

func (s *MotivationTypeState) Clone() Payload {
	c := *s
	return &c
}

func (s MotivationTypeState) Validate() error {
	if s.Type < 1 || s.Type > 9 {
		return fmt.Errorf("type=%d outside 1-9", s.Type)
	}
	if s.Wing != 0 && (s.Wing < 1 || s.Wing > 9) {
		return fmt.Errorf("wing=%d outside 1-9", s.Wing)
	}
	return nil
}

// CognitivePreferenceState is a four-letter preference code such as "INTJ".
type CognitivePreferenceState struct {
	Code string `json:"type"`
}

func (s CognitivePreferenceState) Framework() ID { return CognitivePreference }

func (s *CognitivePreferenceState) Clone() Payload {
	c := *s
	return &c
}

// Orientation returns 'E' or 'I'.
func (s CognitivePreferenceState) Orientation() byte {
	code := strings.ToUpper(strings.TrimSpace(s.Code))
	if code == "" {
		return 0
	}
	return code[0]
}

func (s CognitivePreferenceState) Validate() error {
	code := strings.ToUpper(strings.TrimSpace(s.Code))
	if len(code) != 4 {
		return fmt.Errorf("type=%q must have four letters", s.Code)
	}
	pairs := []string{"EI", "SN", "TF", "JP"}
	for i, pair := range pairs {
		if !strings.ContainsRune(pair, rune(code[i])) {
			return fmt.Errorf("type=%q: letter %d must be one of %s", s.Code, i+1, pair)
		}
	}
	return nil
}

// LifeStageState places the person in a developmental stage.
type LifeStageState struct {
	Stage      string   `json:"stage"`
	Challenges []string `json:"challenges,omitempty"`
}

func (s LifeStageState) Framework() ID { return LifeStage }

func (s *LifeStageState) Clone() Payload {
	c := *s
	c.Challenges = slices.Clone(s.Challenges)
	return &c
}

func (s LifeStageState) Validate() error {
	if strings.TrimSpace(s.Stage) == "" {
		return fmt.Errorf("stage: %w", errMissingField)
	}
	return nil
}

// AwarenessState rates self-awareness on a 0-1 scale.
type AwarenessState struct {
	Level      float64  `json:"level"`
	BlindSpots []string `json:"blind_spots,omitempty"`
}

func (s AwarenessState) Framework() ID { return Awareness }

func (s *AwarenessState) Clone() Payload {
	c := *s
	c.BlindSpots = slices.Clone(s.BlindSpots)
	return &c
}

func (s AwarenessState) Validate() error {
	return checkRange("level", s.Level, 0, 1)
}

// BioEnvironmentState lists bodily and environmental factors mentioned.
type BioEnvironmentState struct {
	Sleep     string   `json:"sleep,omitempty"`
	Energy    string   `json:"energy,omitempty"`
	Stressors []string `json:"stressors,omitempty"`
}

func (s BioEnvironmentState) Framework() ID { return BioEnvironment }

func (s *BioEnvironmentState) Clone() Payload {
	c := *s
	c.Stressors = slices.Clone(s.Stressors)
	return &c
}

func (s BioEnvironmentState) Validate() error {
	if s.Sleep == "" && s.Energy == "" && len(s.Stressors) == 0 {
		return errors.New("no factor reported")
	}
	return nil
}

// newPayload returns a decode target for id.
func newPayload(id ID) (Payload, error) {
	switch id {
	case BigFive:
		return &BigFiveScores{}, nil
	case MoodStress:
		return &MoodStressState{}, nil
	case SelfWorth:
		return &SelfWorthState{}, nil
	case DarkTraits:
		return &DarkTraitScores{}, nil
	case DecisionStyle:
		return &DecisionStyleState{}, nil
	case Attachment:
		return &AttachmentState{}, nil
	case MotivationType:
		return &MotivationTypeState{}, nil
	case CognitivePreference:
		return &CognitivePreferenceState{}, nil
	case LifeStage:
		return &LifeStageState{}, nil
	case Awareness:
		return &AwarenessState{}, nil
	case BioEnvironment:
		return &BioEnvironmentState{}, nil
	default:
		return nil, fmt.Errorf("unknown expert %q", id)
	}
}
