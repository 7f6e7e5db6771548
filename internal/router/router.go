// Package router decides whether a message carries signal and which experts
// should look at it: a cheap pattern pre-filter first, then one semantic
// classification call.
package router

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/stellarlinkco/mindmesh/internal/experts"
	"github.com/stellarlinkco/mindmesh/internal/llm"
)

// DefaultContextTurns is how many recent turns the classifier sees.
const DefaultContextTurns = 3

const systemPrompt = `You route chat messages to a panel of psychological signal experts.
Decide whether the message reveals anything about the sender's psychological state, traits or relational patterns, and if so which experts should analyse it.

Experts and when they apply:
%s

Reply with one JSON object:
{"has_signal": true|false, "confidence": "high|medium|low", "experts": ["expert_id", ...], "signal_type": "short label", "rationale": "one sentence"}
Select only experts whose description clearly applies. Use an empty list when there is no signal.`

// Router classifies messages.
type Router struct {
	gen          llm.Generator
	taxonomy     string
	contextTurns int
	logger       *zap.Logger
}

// New builds a router describing the experts of panel to the classifier.
// contextTurns <= 0 selects DefaultContextTurns.
func New(gen llm.Generator, panel *experts.Panel, contextTurns int, logger *zap.Logger) *Router {
	if contextTurns <= 0 {
		contextTurns = DefaultContextTurns
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		gen:          gen,
		taxonomy:     panel.RouterTaxonomy(),
		contextTurns: contextTurns,
		logger:       logger.Named("router"),
	}
}

// Classify routes text. It never fails: classifier errors and unreadable
// replies fall back to the mood/stress expert with low confidence.
func (r *Router) Classify(ctx context.Context, text string, recent []llm.Turn, sessionID string) Classification {
	if Trivial(text) {
		return Classification{
			Selected:   []experts.ID{},
			Confidence: ConfidenceHigh,
			Urgency:    UrgencyLow,
			Stage:      StagePattern,
			Rationale:  "trivial message",
		}
	}

	comp, err := r.gen.Generate(ctx, r.prompt(text, recent), llm.Options{
		System:      fmt.Sprintf(systemPrompt, r.taxonomy),
		JSON:        true,
		Temperature: llm.Float(0),
		SessionID:   sessionID,
		Purpose:     "router",
	})
	if err != nil {
		r.logger.Warn("classification call failed", zap.Error(err))
		return fallback("classifier unavailable: " + err.Error())
	}
	if comp == nil {
		return fallback("classifier unavailable: " + llm.ErrEmptyCompletion.Error())
	}

	var reply struct {
		HasSignal  bool     `json:"has_signal"`
		Confidence string   `json:"confidence"`
		Experts    []string `json:"experts"`
		SignalType string   `json:"signal_type"`
		Rationale  string   `json:"rationale"`
	}
	if err := llm.DecodeJSON(comp.Content, &reply); err != nil {
		r.logger.Warn("classification reply unreadable", zap.Error(err))
		return fallback("unreadable classification: " + err.Error())
	}

	c := Classification{
		Selected:   []experts.ID{},
		SignalType: strings.TrimSpace(reply.SignalType),
		Confidence: parseConfidence(strings.ToLower(strings.TrimSpace(reply.Confidence))),
		HasSignal:  reply.HasSignal,
		Rationale:  strings.TrimSpace(reply.Rationale),
		Stage:      StageSemantic,
	}
	if reply.HasSignal {
		ids := make([]experts.ID, 0, len(reply.Experts))
		for _, raw := range reply.Experts {
			ids = append(ids, experts.ID(strings.ToLower(strings.TrimSpace(raw))))
		}
		c.Selected = experts.Normalize(ids)
	}
	c.Urgency = DeriveUrgency(c.SignalType, c.Confidence, c.Selected)

	r.logger.Debug("classified",
		zap.Strings("experts", idStrings(c.Selected)),
		zap.String("confidence", string(c.Confidence)),
		zap.String("urgency", string(c.Urgency)),
	)
	return c
}

func (r *Router) prompt(text string, recent []llm.Turn) string {
	var sb strings.Builder
	if ctxText := llm.FormatTurns(recent, r.contextTurns); ctxText != "" {
		sb.WriteString("Recent conversation:\n")
		sb.WriteString(ctxText)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Message to classify:\n")
	sb.WriteString(strings.TrimSpace(text))
	return sb.String()
}

func fallback(reason string) Classification {
	selected := []experts.ID{experts.MoodStress}
	return Classification{
		Selected:   selected,
		SignalType: "unclassified",
		Confidence: ConfidenceLow,
		Urgency:    DeriveUrgency("", ConfidenceLow, selected),
		HasSignal:  true,
		Rationale:  reason,
		Stage:      StageFallback,
	}
}

func idStrings(ids []experts.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
