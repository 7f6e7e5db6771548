// Package llmtest provides a scripted llm.Generator for tests.
package llmtest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/stellarlinkco/mindmesh/internal/llm"
)

// ErrUnscripted is returned for calls whose purpose has no script.
var ErrUnscripted = errors.New("llmtest: no script for purpose")

// Step is the scripted behaviour for one purpose.
type Step struct {
	Content string
	Err     error
	Delay   time.Duration
	Panic   bool
	Tokens  int
	// Fn, when set, computes the reply from the prompt.
	Fn func(prompt string) (string, error)
}

// Call records one Generate invocation.
type Call struct {
	Purpose string
	Prompt  string
	Options llm.Options
}

// Scripted answers Generate calls by Options.Purpose. Purposes may be given
// exactly ("expert:big_five") or by prefix with a trailing '*' ("expert:*").
type Scripted struct {
	mu    sync.Mutex
	steps map[string]Step
	calls []Call
}

func New() *Scripted {
	return &Scripted{steps: make(map[string]Step)}
}

// On registers the reply for a purpose and returns s for chaining.
func (s *Scripted) On(purpose string, step Step) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[purpose] = step
	return s
}

// Reply is On with a plain content reply.
func (s *Scripted) Reply(purpose, content string) *Scripted {
	return s.On(purpose, Step{Content: content})
}

// Fail is On with an error reply.
func (s *Scripted) Fail(purpose string, err error) *Scripted {
	return s.On(purpose, Step{Err: err})
}

func (s *Scripted) Generate(ctx context.Context, prompt string, opts llm.Options) (*llm.Completion, error) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Purpose: opts.Purpose, Prompt: prompt, Options: opts})
	step, ok := s.lookup(opts.Purpose)
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnscripted, opts.Purpose)
	}
	if step.Delay > 0 {
		timer := time.NewTimer(step.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if step.Panic {
		panic("llmtest: scripted panic for " + opts.Purpose)
	}
	if step.Err != nil {
		return nil, step.Err
	}
	content := step.Content
	if step.Fn != nil {
		out, err := step.Fn(prompt)
		if err != nil {
			return nil, err
		}
		content = out
	}
	return &llm.Completion{Content: content, UsageTokens: step.Tokens}, nil
}

func (s *Scripted) lookup(purpose string) (Step, bool) {
	if step, ok := s.steps[purpose]; ok {
		return step, true
	}
	best, bestLen := "", -1
	for key := range s.steps {
		prefix, ok := strings.CutSuffix(key, "*")
		if ok && strings.HasPrefix(purpose, prefix) && len(prefix) > bestLen {
			best, bestLen = key, len(prefix)
		}
	}
	if bestLen < 0 {
		return Step{}, false
	}
	return s.steps[best], true
}

// Calls returns a copy of the recorded calls.
func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallsFor counts calls whose purpose starts with prefix.
func (s *Scripted) CallsFor(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if strings.HasPrefix(c.Purpose, prefix) {
			n++
		}
	}
	return n
}

// Matching returns the calls whose purpose starts with prefix.
func (s *Scripted) Matching(prefix string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if strings.HasPrefix(c.Purpose, prefix) {
			out = append(out, c)
		}
	}
	return out
}
