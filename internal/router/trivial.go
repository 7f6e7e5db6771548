package router

import (
	"regexp"
	"strings"
)

// trivialTokens are greetings, acknowledgments and farewells. A message made
// only of these, separated by spaces or commas, carries no signal.
var trivialTokens = []string{
	// greetings
	`hi|hello|hey|heya|hiya|yo|sup|howdy`, `hey there|hi there|hello there`,
	`good (?:morning|afternoon|evening|day)`,
	// acknowledgments
	`ok|okay|k|kk|sure|yes|yep|yeah|no|nope|cool|nice|great|got it|i see|alright|all right|lol|haha|hmm+|noted`,
	`thanks|thank you|thx|ty|thanks a lot|thank you so much|cheers|much appreciated`,
	// farewells
	`bye|goodbye|bye bye|see you|see ya|later|good night|gn|take care|ttyl`,
}

// trivialQuestions are context-free factual questions, matched whole.
var trivialQuestions = []string{
	`what time is it`,
	`what(?:'s| is) the (?:date|time|weather)(?: today)?`,
	`what(?:'s| is) the capital of [a-z ]+`,
	`how many [a-z ]+ (?:are )?in an? [a-z ]+`,
	`what(?:'s| is) \d+ ?[-+*/x] ?\d+`,
}

var trivialPatterns = func() []*regexp.Regexp {
	tok := `(?:` + strings.Join(trivialTokens, `|`) + `)`
	out := []*regexp.Regexp{regexp.MustCompile(`^` + tok + `(?:[\s,]+` + tok + `)*$`)}
	for _, expr := range trivialQuestions {
		out = append(out, regexp.MustCompile(`^(?:`+expr+`)$`))
	}
	return out
}()

var trailingNoise = regexp.MustCompile(`[\s!?.,~:;)(\p{So}\p{Sk}]+$`)

// Trivial reports whether text is a bare greeting, acknowledgment,
// farewell or context-free factual question.
func Trivial(text string) bool {
	norm := strings.ToLower(strings.TrimSpace(text))
	norm = trailingNoise.ReplaceAllString(norm, "")
	norm = strings.Join(strings.Fields(norm), " ")
	if norm == "" {
		return true
	}
	for _, re := range trivialPatterns {
		if re.MatchString(norm) {
			return true
		}
	}
	return false
}
