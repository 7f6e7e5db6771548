// Package llm holds the text-generation capability the analysis core depends
// on, together with the provider adapters and the tolerant JSON decoder used
// on every model reply.
package llm

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrEmptyCompletion is returned when a provider answers without content.
	ErrEmptyCompletion = errors.New("empty completion")
	// ErrNoJSON is returned by DecodeJSON when the reply carries no JSON object.
	ErrNoJSON = errors.New("no json object in reply")
)

// Turn is one entry of a rolling conversation context.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options tunes a single Generate call.
type Options struct {
	System      string
	MaxTokens   int
	Temperature *float64
	// JSON asks the provider for a JSON object reply where it supports it.
	JSON      bool
	SessionID string
	// Purpose labels the call ("router", "expert:big_five", "synth") for
	// logging and metrics.
	Purpose string
}

// Completion is a provider reply.
type Completion struct {
	Content     string
	UsageTokens int
}

// Generator is the external reasoning capability.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts Options) (*Completion, error)
}

// GeneratorFunc adapts a plain function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string, opts Options) (*Completion, error)

func (fn GeneratorFunc) Generate(ctx context.Context, prompt string, opts Options) (*Completion, error) {
	if fn == nil {
		return nil, errors.New("generator function is nil")
	}
	return fn(ctx, prompt, opts)
}

// FormatTurns renders the last n turns as "[role]: content" lines.
func FormatTurns(turns []Turn, n int) string {
	if n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	var sb strings.Builder
	for _, t := range turns {
		content := strings.TrimSpace(t.Content)
		if content == "" {
			continue
		}
		role := strings.TrimSpace(t.Role)
		if role == "" {
			role = "user"
		}
		sb.WriteString("[" + role + "]: " + content + "\n")
	}
	return strings.TrimSpace(sb.String())
}

// Float returns a pointer to v, for Options.Temperature.
func Float(v float64) *float64 {
	return &v
}
