// Package synth turns the plain-language insights of one turn's experts
// into a single structured summary.
package synth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stellarlinkco/mindmesh/internal/experts"
	"github.com/stellarlinkco/mindmesh/internal/llm"
	"github.com/stellarlinkco/mindmesh/internal/safety"
)

// ErrInvalidSummary is returned when the generator reply lacks a summary.
var ErrInvalidSummary = errors.New("invalid turn summary")

// ResolutionRule names the contradiction policy step that was applied.
type ResolutionRule string

const (
	RuleSpecificity      ResolutionRule = "specificity"
	RuleContext          ResolutionRule = "context"
	RuleExplanation      ResolutionRule = "explanation"
	RuleEvidenceStrength ResolutionRule = "evidence_strength"
	RuleNone             ResolutionRule = "none"
)

func parseRule(raw string) ResolutionRule {
	switch r := ResolutionRule(strings.ToLower(strings.TrimSpace(raw))); r {
	case RuleSpecificity, RuleContext, RuleExplanation, RuleEvidenceStrength:
		return r
	default:
		return RuleNone
	}
}

// TurnSummary is the per-turn synthesis. A new one replaces the previous
// summary every turn in which at least one expert fired.
type TurnSummary struct {
	TurnID             string         `json:"turn_id"`
	Summary            string         `json:"summary"`
	KeySignals         []string       `json:"key_signals"`
	Conflicts          []string       `json:"conflicts"`
	ConflictResolution string         `json:"conflict_resolution"`
	ResolutionRule     ResolutionRule `json:"resolution_rule"`
	Risks              []string       `json:"risks"`
	Strengths          []string       `json:"strengths"`
	FocusForReply      string         `json:"focus_for_reply"`
	EvidenceRefs       []string       `json:"evidence_refs"`
	Confidence         float64        `json:"confidence"`
}

// Clone returns a deep copy; nil stays nil.
func (s *TurnSummary) Clone() *TurnSummary {
	if s == nil {
		return nil
	}
	out := *s
	out.KeySignals = cloneStrings(s.KeySignals)
	out.Conflicts = cloneStrings(s.Conflicts)
	out.Risks = cloneStrings(s.Risks)
	out.Strengths = cloneStrings(s.Strengths)
	out.EvidenceRefs = cloneStrings(s.EvidenceRefs)
	return &out
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

// Input is the turn context handed to Synthesize besides the results.
type Input struct {
	Text      string
	SessionID string
	// Conflicts are the fusion notes of this turn.
	Conflicts []string
	Safety    safety.Result
}

const systemPrompt = `You merge findings from a panel of psychological signal experts into one summary of the current message.
When findings contradict each other, resolve them in this order and say which rule you applied:
1. specificity: prefer the more specific finding.
2. context: consider whether both can be true in different contexts.
3. explanation: consider whether one finding explains the other rather than contradicting it.
4. evidence_strength: as a last resort, prefer the finding with the more strongly worded evidence.
Use "none" when nothing needed resolving.

Reply with one JSON object:
{"summary": "...", "key_signals": ["..."], "conflicts": ["..."], "conflict_resolution": "...",
"resolution_rule": "specificity|context|explanation|evidence_strength|none", "risks": ["..."], "strengths": ["..."],
"focus_for_reply": "...", "evidence_refs": ["..."], "confidence": 0-1}`

// Synthesizer produces TurnSummaries.
type Synthesizer struct {
	gen    llm.Generator
	logger *zap.Logger
}

func New(gen llm.Generator, logger *zap.Logger) *Synthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesizer{gen: gen, logger: logger.Named("synth")}
}

// Synthesize summarizes this turn's gated results. It returns nil, nil
// when no result carries an insight.
func (s *Synthesizer) Synthesize(ctx context.Context, in Input, results map[experts.ID]experts.Result) (*TurnSummary, error) {
	var findings strings.Builder
	n := 0
	for _, id := range experts.Order {
		r, ok := results[id]
		if !ok || r.ModuleError || strings.TrimSpace(r.PlainInsight) == "" {
			continue
		}
		n++
		fmt.Fprintf(&findings, "- %s: %s", id, strings.TrimSpace(r.PlainInsight))
		if r.Uncertain {
			findings.WriteString(" (uncertain)")
		}
		if len(r.Evidence) > 0 {
			fmt.Fprintf(&findings, " [evidence: %s]", strings.Join(r.Evidence, "; "))
		}
		findings.WriteString("\n")
	}
	if n == 0 {
		return nil, nil
	}

	var prompt strings.Builder
	prompt.WriteString("Message:\n")
	prompt.WriteString(strings.TrimSpace(in.Text))
	prompt.WriteString("\n\nExpert findings:\n")
	prompt.WriteString(findings.String())
	if len(in.Conflicts) > 0 {
		prompt.WriteString("\nDetected conflicts:\n")
		for _, c := range in.Conflicts {
			prompt.WriteString("- " + c + "\n")
		}
	}
	if in.Safety.Risky() {
		fmt.Fprintf(&prompt, "\nSafety flag: %s (%q). List it under risks.\n", in.Safety.Category, in.Safety.Match)
	}

	comp, err := s.gen.Generate(ctx, prompt.String(), llm.Options{
		System:    systemPrompt,
		JSON:      true,
		SessionID: in.SessionID,
		Purpose:   "synth",
	})
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	if comp == nil {
		return nil, fmt.Errorf("synthesize: %w", llm.ErrEmptyCompletion)
	}

	var summary TurnSummary
	if err := llm.DecodeJSON(comp.Content, &summary); err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	summary.Summary = strings.TrimSpace(summary.Summary)
	if summary.Summary == "" {
		return nil, ErrInvalidSummary
	}
	if summary.Confidence < 0 || summary.Confidence > 1 {
		return nil, fmt.Errorf("%w: confidence %v", ErrInvalidSummary, summary.Confidence)
	}
	summary.ResolutionRule = parseRule(string(summary.ResolutionRule))
	if in.Safety.Risky() && len(summary.Risks) == 0 {
		summary.Risks = []string{"safety flag: " + string(in.Safety.Category)}
	}
	summary.TurnID = uuid.NewString()

	s.logger.Debug("turn synthesized",
		zap.String("turn_id", summary.TurnID),
		zap.Int("findings", n),
		zap.String("rule", string(summary.ResolutionRule)),
	)
	return &summary, nil
}
