// Package profile keeps the latest-wins accumulation of gated expert
// findings per session.
package profile

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/stellarlinkco/mindmesh/internal/experts"
	"github.com/stellarlinkco/mindmesh/internal/fusion"
	"github.com/stellarlinkco/mindmesh/internal/router"
	"github.com/stellarlinkco/mindmesh/internal/safety"
	"github.com/stellarlinkco/mindmesh/internal/synth"
)

// Profile is the accumulated state of one session. Values handed out by a
// Store are copies; mutating them does not affect the store.
type Profile struct {
	SessionID      string                        `json:"session_id"`
	Frameworks     map[experts.ID]experts.Result `json:"frameworks"`
	Safety         safety.Result                 `json:"safety"`
	Classification router.Classification         `json:"classification"`
	Meta           fusion.IntegrationMeta        `json:"integration_meta"`
	Conflict       bool                          `json:"conflict"`
	Conflicts      []string                      `json:"conflicts,omitempty"`
	Summary        *synth.TurnSummary            `json:"summary,omitempty"`
	Turns          int                           `json:"turns"`
	UpdatedAt      time.Time                     `json:"updated_at"`
}

// Clone returns a deep copy; nil stays nil.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	out := *p
	out.Frameworks = make(map[experts.ID]experts.Result, len(p.Frameworks))
	for id, r := range p.Frameworks {
		out.Frameworks[id] = r.Clone()
	}
	out.Classification = p.Classification.Clone()
	out.Meta = p.Meta.Clone()
	if p.Conflicts != nil {
		out.Conflicts = append([]string(nil), p.Conflicts...)
	}
	out.Summary = p.Summary.Clone()
	return &out
}

// Update is one turn's contribution to a profile. Nil or empty fields
// leave the cached value untouched.
type Update struct {
	Frameworks     map[experts.ID]experts.Result
	Safety         *safety.Result
	Classification *router.Classification
	// Fused marks a turn that ran experts. Meta, the conflict fields and
	// Summary are replaced only then, so a missing summary clears the
	// previous one.
	Fused     bool
	Meta      fusion.IntegrationMeta
	Conflict  bool
	Conflicts []string
	Summary   *synth.TurnSummary
}

// Empty reports whether u would change nothing.
func (u Update) Empty() bool {
	return len(u.Frameworks) == 0 && u.Safety == nil && u.Classification == nil && !u.Fused
}

// apply overlays u onto p in place.
func (p *Profile) apply(u Update, now time.Time) {
	if p.Frameworks == nil {
		p.Frameworks = make(map[experts.ID]experts.Result, len(u.Frameworks))
	}
	for id, r := range u.Frameworks {
		p.Frameworks[id] = r.Clone()
	}
	if u.Safety != nil {
		p.Safety = *u.Safety
	}
	if u.Classification != nil {
		p.Classification = u.Classification.Clone()
	}
	if u.Fused {
		p.Meta = u.Meta.Clone()
		p.Conflict = u.Conflict
		p.Conflicts = nil
		if len(u.Conflicts) > 0 {
			p.Conflicts = append([]string(nil), u.Conflicts...)
		}
		p.Summary = u.Summary.Clone()
	}
	p.Turns++
	p.UpdatedAt = now
}

// Render formats p as a plain-text report.
func (p *Profile) Render() string {
	if p == nil {
		return "no profile"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Session %s (turns: %d)\n", p.SessionID, p.Turns)
	if p.Safety.Risky() {
		fmt.Fprintf(&sb, "SAFETY: %s (%q)\n", p.Safety.Category, p.Safety.Match)
	}
	c := p.Classification
	fmt.Fprintf(&sb, "Urgency: %s  Confidence: %s  Stage: %s\n", c.Urgency, c.Confidence, c.Stage)
	if c.SignalType != "" {
		fmt.Fprintf(&sb, "Signal: %s\n", c.SignalType)
	}

	if len(p.Frameworks) > 0 {
		sb.WriteString("\nFrameworks:\n")
		for _, id := range experts.Normalize(slices.Collect(maps.Keys(p.Frameworks))) {
			r := p.Frameworks[id]
			line := fmt.Sprintf("  %-21s", id)
			if r.Confidence.Declared() {
				line += fmt.Sprintf(" conf %.2f", r.Confidence.Max())
			}
			if r.Uncertain {
				line += " (uncertain)"
			}
			if r.PlainInsight != "" {
				line += "  " + r.PlainInsight
			}
			sb.WriteString(line + "\n")
		}
	}

	if p.Conflict {
		sb.WriteString("\nConflicts:\n")
		for _, c := range p.Conflicts {
			sb.WriteString("  - " + c + "\n")
		}
	}
	writeList(&sb, "Similarities", p.Meta.Similarities)
	writeList(&sb, "Mild cases", p.Meta.MildCases)
	writeList(&sb, "Inconsistencies", p.Meta.Inconsistencies)

	if s := p.Summary; s != nil {
		sb.WriteString("\nSummary: " + s.Summary + "\n")
		writeList(&sb, "Risks", s.Risks)
		writeList(&sb, "Strengths", s.Strengths)
		if s.FocusForReply != "" {
			sb.WriteString("Focus: " + s.FocusForReply + "\n")
		}
		if s.ResolutionRule != "" && s.ResolutionRule != synth.RuleNone {
			sb.WriteString("Resolution: " + string(s.ResolutionRule) + " - " + s.ConflictResolution + "\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func writeList(sb *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	sb.WriteString(title + ":\n")
	for _, item := range items {
		sb.WriteString("  - " + item + "\n")
	}
}
