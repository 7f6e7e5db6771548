package experts

// ID identifies one expert of the panel. It doubles as the framework id
// carried on every Result.
type ID string

const (
	BigFive             ID = "big_five"
	MoodStress          ID = "mood_stress"
	SelfWorth           ID = "self_worth"
	DarkTraits          ID = "dark_traits"
	DecisionStyle       ID = "decision_style"
	Attachment          ID = "attachment"
	MotivationType      ID = "motivation_type"
	CognitivePreference ID = "cognitive_preference"
	LifeStage           ID = "life_stage"
	Awareness           ID = "awareness"
	BioEnvironment      ID = "bio_environment"
)

// Order is the canonical panel order. Router selections and dispatch
// results are reported in this order.
var Order = []ID{
	BigFive,
	MoodStress,
	SelfWorth,
	DarkTraits,
	DecisionStyle,
	Attachment,
	MotivationType,
	CognitivePreference,
	LifeStage,
	Awareness,
	BioEnvironment,
}

var known = func() map[ID]int {
	m := make(map[ID]int, len(Order))
	for i, id := range Order {
		m[id] = i
	}
	return m
}()

// Known reports whether id names a panel expert.
func Known(id ID) bool {
	_, ok := known[id]
	return ok
}

// Normalize keeps known ids only, drops duplicates and sorts them into panel order.
func Normalize(ids []ID) []ID {
	seen := make(map[ID]bool, len(ids))
	for _, id := range ids {
		if Known(id) {
			seen[id] = true
		}
	}
	out := make([]ID, 0, len(seen))
	for _, id := range Order {
		if seen[id] {
			out = append(out, id)
		}
	}
	return out
}
