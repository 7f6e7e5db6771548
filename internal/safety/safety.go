// Package safety implements the deterministic acute-risk trip-wire that runs
// on every message before any expert is consulted.
package safety

import (
	"regexp"
	"strings"
)

// Flag reports whether a scan found risk language.
type Flag string

const (
	FlagNone Flag = "none"
	FlagRisk Flag = "risk"
)

// Category names a risk pattern set.
type Category string

const (
	CategorySelfHarm         Category = "self_harm"
	CategoryHarmToOthers     Category = "harm_to_others"
	CategoryAbuse            Category = "abuse"
	CategoryMedicalEmergency Category = "medical_emergency"
)

// Result is the outcome of Scan. Category and Match are empty when Flag is none.
type Result struct {
	Flag     Flag     `json:"flag"`
	Category Category `json:"category,omitempty"`
	Match    string   `json:"match,omitempty"`
}

// Risky reports whether the result carries a risk flag.
func (r Result) Risky() bool {
	return r.Flag == FlagRisk
}

type patternSet struct {
	category Category
	patterns []*regexp.Regexp
}

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		out = append(out, regexp.MustCompile(`(?i)`+expr))
	}
	return out
}

// sets are checked in priority order; the first match wins.
var sets = []patternSet{
	{
		category: CategorySelfHarm,
		patterns: compile(
			`\b(kill|hurt|harm|cut|end)\s+(myself|my\s+life)\b`,
			`\bsuicid(e|al)\b`,
			`\b(want|going|plan(ning)?)\s+to\s+die\b`,
			`\bdon'?t\s+want\s+to\s+(live|be\s+alive|exist)\b`,
			`\bno\s+reason\s+to\s+live\b`,
			`\bbetter\s+off\s+dead\b`,
			`\bself[-\s]?harm(ing)?\b`,
			`\boverdos(e|ing)\s+on\s+purpose\b`,
		),
	},
	{
		category: CategoryHarmToOthers,
		patterns: compile(
			`\b(kill|hurt|shoot|stab|murder)\s+(him|her|them|someone|somebody|everyone|my\s+\w+)\b`,
			`\bmake\s+(him|her|them)\s+pay\b`,
			`\bget\s+a\s+gun\b`,
		),
	},
	{
		category: CategoryAbuse,
		patterns: compile(
			`\b(he|she|they)\s+(hits?|beats?|chokes?|hurts?)\s+me\b`,
			`\b(being|was|am)\s+(abused|molested|assaulted|raped)\b`,
			`\b(sexual|physical|domestic)\s+abuse\b`,
			`\bafraid\s+to\s+go\s+home\b`,
		),
	},
	{
		category: CategoryMedicalEmergency,
		patterns: compile(
			`\b(took|swallowed)\s+(a\s+lot\s+of|too\s+many|all\s+(my|the))\s+(pills|tablets|meds)\b`,
			`\bcan'?t\s+breathe\b`,
			`\bchest\s+pain\b`,
			`\b(having|had)\s+a\s+(seizure|stroke|heart\s+attack)\b`,
			`\bbleeding\s+(badly|a\s+lot|heavily)\b`,
		),
	},
}

// Scan matches text against the four risk pattern sets.
func Scan(text string) Result {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{Flag: FlagNone}
	}
	for _, set := range sets {
		for _, re := range set.patterns {
			if m := re.FindString(text); m != "" {
				return Result{Flag: FlagRisk, Category: set.category, Match: m}
			}
		}
	}
	return Result{Flag: FlagNone}
}

// Categories lists the pattern sets in priority order.
func Categories() []Category {
	out := make([]Category, 0, len(sets))
	for _, set := range sets {
		out = append(out, set.category)
	}
	return out
}
