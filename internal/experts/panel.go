// Package experts holds the fixed panel of analytical experts, the typed
// result each one produces and the taxonomy that describes them.
package experts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/stellarlinkco/mindmesh/internal/llm"
)

// Input is what every expert sees: the message and a short rolling context.
type Input struct {
	Text      string
	Context   []llm.Turn
	SessionID string
}

// Panel runs experts against the text generator.
type Panel struct {
	gen      llm.Generator
	taxonomy Taxonomy
	logger   *zap.Logger
}

// NewPanel builds a panel. A nil taxonomy selects the embedded default.
func NewPanel(gen llm.Generator, taxonomy Taxonomy, logger *zap.Logger) *Panel {
	if taxonomy == nil {
		taxonomy = DefaultTaxonomy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Panel{gen: gen, taxonomy: taxonomy, logger: logger.Named("experts")}
}

// IDs returns the panel members in canonical order.
func (p *Panel) IDs() []ID {
	return append([]ID(nil), Order...)
}

// Describe returns the descriptor of id.
func (p *Panel) Describe(id ID) (Descriptor, bool) {
	d, ok := p.taxonomy[id]
	return d, ok
}

// RouterTaxonomy renders one "id: when it applies" line per expert.
func (p *Panel) RouterTaxonomy() string {
	var sb strings.Builder
	for _, id := range Order {
		fmt.Fprintf(&sb, "- %s: %s\n", id, strings.TrimSpace(p.taxonomy[id].When))
	}
	return strings.TrimSpace(sb.String())
}

// Analyze runs one expert. It never returns an error: every failure comes
// back as a module-error Result.
func (p *Panel) Analyze(ctx context.Context, id ID, in Input) Result {
	if !Known(id) {
		return Failed(id, "unknown expert")
	}
	desc := p.taxonomy[id]

	comp, err := p.gen.Generate(ctx, buildPrompt(in), llm.Options{
		System:    buildSystem(id, desc),
		JSON:      true,
		SessionID: in.SessionID,
		Purpose:   "expert:" + string(id),
	})
	if err != nil {
		reason := "generate: " + err.Error()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = "timeout"
		}
		p.logger.Warn("expert call failed", zap.String("expert", string(id)), zap.Error(err))
		return Failed(id, reason)
	}

	if comp == nil {
		return Failed(id, llm.ErrEmptyCompletion.Error())
	}

	res, err := Decode(id, comp.Content)
	if err != nil {
		p.logger.Warn("expert reply rejected", zap.String("expert", string(id)), zap.Error(err))
	}
	res.Tokens = comp.UsageTokens
	return res
}

func buildSystem(id ID, desc Descriptor) string {
	name := desc.Name
	if name == "" {
		name = string(id)
	}
	return fmt.Sprintf(`You are the %s analyst on a panel of psychological signal experts.
%s
Base every judgment on the message itself. Evidence items are short quotes or paraphrases from it.
Reply with one JSON object of this shape:
%s`, name, strings.TrimSpace(desc.Instructions), strings.TrimSpace(desc.Schema))
}

func buildPrompt(in Input) string {
	var sb strings.Builder
	if ctxText := llm.FormatTurns(in.Context, 0); ctxText != "" {
		sb.WriteString("Recent conversation:\n")
		sb.WriteString(ctxText)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Message:\n")
	sb.WriteString(strings.TrimSpace(in.Text))
	return sb.String()
}

type envelope struct {
	Confidence   Confidence `json:"confidence"`
	Evidence     *[]string  `json:"evidence"`
	PlainInsight string     `json:"plain_insight"`
}

// Decode parses an expert reply into a validated Result. On error the
// returned Result is already marked as a module error.
func Decode(id ID, content string) (Result, error) {
	fail := func(err error) (Result, error) {
		return Failed(id, err.Error()), err
	}

	payload, err := newPayload(id)
	if err != nil {
		return fail(err)
	}
	raw, err := llm.NormalizeJSON(content)
	if err != nil {
		return fail(fmt.Errorf("parse reply: %w", err))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fail(fmt.Errorf("parse envelope: %w", err))
	}
	if err := json.Unmarshal(raw, payload); err != nil {
		return fail(fmt.Errorf("parse payload: %w", err))
	}
	if err := env.Confidence.Validate(); err != nil {
		return fail(fmt.Errorf("invalid reply: %w", err))
	}
	if err := payload.Validate(); err != nil {
		return fail(fmt.Errorf("invalid reply: %w", err))
	}

	res := Result{
		FrameworkID:  id,
		Payload:      payload,
		Confidence:   env.Confidence,
		PlainInsight: strings.TrimSpace(env.PlainInsight),
	}
	if env.Evidence != nil {
		res.HasEvidence = true
		for _, e := range *env.Evidence {
			if e = strings.TrimSpace(e); e != "" {
				res.Evidence = append(res.Evidence, e)
			}
		}
	}
	return res, nil
}
