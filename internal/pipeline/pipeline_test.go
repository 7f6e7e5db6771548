package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/stellarlinkco/mindmesh/internal/config"
	"github.com/stellarlinkco/mindmesh/internal/experts"
	"github.com/stellarlinkco/mindmesh/internal/llm"
	"github.com/stellarlinkco/mindmesh/internal/llm/llmtest"
	"github.com/stellarlinkco/mindmesh/internal/metrics"
	"github.com/stellarlinkco/mindmesh/internal/router"
	"github.com/stellarlinkco/mindmesh/internal/safety"
	"github.com/stellarlinkco/mindmesh/internal/tracing"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	failureText = "I feel like such a failure, I can't do anything right"

	routerMoodSelf = `{"has_signal":true,"confidence":"high","experts":["mood_stress","self_worth"],"signal_type":"self-criticism","rationale":"harsh self-judgment"}`
	moodReply      = `{"depression":0.7,"anxiety":0.4,"stress":0.6,"mood":"low","confidence":{"depression":0.8,"anxiety":0.6,"stress":0.6},"evidence":["I can't do anything right"],"plain_insight":"Low mood with a sense of helplessness."}`
	selfWorthReply = `{"level":0.2,"contingencies":["performance"],"inner_critic":true,"confidence":0.8,"evidence":["such a failure"],"plain_insight":"Self-worth hinges on getting things right."}`
	synthReply     = `{"summary":"Harsh self-criticism with low mood.","key_signals":["self-criticism","low mood"],"conflicts":[],"conflict_resolution":"","resolution_rule":"none","risks":["withdrawal and rumination"],"strengths":["able to name the feeling"],"focus_for_reply":"validate before reframing","evidence_refs":["such a failure"],"confidence":0.8}`
)

func newPipeline(t *testing.T, gen llm.Generator, opts Options) *Pipeline {
	t.Helper()
	if opts.Metrics == nil {
		opts.Metrics = metrics.MustNewMetrics(prometheus.NewRegistry())
	}
	p, err := New(gen, opts, zap.NewNop())
	require.NoError(t, err)
	return p
}

func failureScript() *llmtest.Scripted {
	return llmtest.New().
		Reply("router", routerMoodSelf).
		Reply("expert:mood_stress", moodReply).
		Reply("expert:self_worth", selfWorthReply).
		Reply("synth", synthReply)
}

func history(n int) []llm.Turn {
	out := make([]llm.Turn, 0, n)
	for i := 0; i < n; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		out = append(out, llm.Turn{Role: role, Content: fmt.Sprintf("earlier turn %d", i+1)})
	}
	return out
}

func TestAnalyze_GreetingWithoutHistoryReturnsNil(t *testing.T) {
	gen := llmtest.New()
	p := newPipeline(t, gen, Options{})

	got := p.Analyze(context.Background(), Message{Text: "hey", Position: 1}, nil, "s1")
	assert.Nil(t, got)
	assert.Empty(t, gen.Calls(), "no generator call for a trivial message")
}

func TestAnalyze_FailureSentence(t *testing.T) {
	gen := failureScript()
	p := newPipeline(t, gen, Options{})

	got := p.Analyze(context.Background(), Message{Text: failureText, Position: 1}, nil, "s1")
	require.NotNil(t, got)

	assert.Subset(t, got.Classification.Selected, []experts.ID{experts.MoodStress, experts.SelfWorth})
	assert.Contains(t, got.Frameworks, experts.MoodStress)
	assert.Contains(t, got.Frameworks, experts.SelfWorth)
	assert.False(t, got.Conflict)
	assert.Empty(t, got.Conflicts)
	require.NotNil(t, got.Summary)
	assert.NotEmpty(t, got.Summary.Risks)
	assert.NotEmpty(t, got.Summary.TurnID)
	assert.Equal(t, safety.FlagNone, got.Safety.Flag)
	assert.Equal(t, 1, got.Turns)

	// corroborated low self-worth is boosted, not flagged
	assert.InDelta(t, 0.92, got.Frameworks[experts.SelfWorth].Confidence.Max(), 1e-9)
	assert.NotEmpty(t, got.Meta.Similarities)
}

func TestAnalyze_SelfHarmForcesCritical(t *testing.T) {
	gen := llmtest.New().
		Reply("router", `{"has_signal":true,"confidence":"low","experts":["mood_stress"],"signal_type":"tiredness","rationale":"fatigue"}`).
		Reply("expert:mood_stress", moodReply).
		Reply("synth", `{"summary":"Expressed wish to die.","risks":[],"confidence":0.9}`)
	p := newPipeline(t, gen, Options{})

	got := p.Analyze(context.Background(), Message{Text: "I'm so tired, honestly I want to kill myself"}, nil, "s1")
	require.NotNil(t, got)
	assert.Equal(t, safety.FlagRisk, got.Safety.Flag)
	assert.Equal(t, safety.CategorySelfHarm, got.Safety.Category)
	assert.Equal(t, router.UrgencyCritical, got.Classification.Urgency)
	require.NotNil(t, got.Summary)
	assert.Equal(t, []string{"safety flag: self_harm"}, got.Summary.Risks)
}

func TestAnalyze_SafetyFlagWithoutExperts(t *testing.T) {
	gen := llmtest.New().Reply("router", `{"has_signal":false,"confidence":"high","experts":[]}`)
	p := newPipeline(t, gen, Options{})

	got := p.Analyze(context.Background(), Message{Text: "he hits me when he's angry"}, nil, "s1")
	require.NotNil(t, got, "a safety flag is attached even when no expert fires")
	assert.Equal(t, safety.CategoryAbuse, got.Safety.Category)
	assert.Equal(t, router.UrgencyCritical, got.Classification.Urgency)
	assert.Empty(t, got.Frameworks)
	assert.Nil(t, got.Summary)
}

func TestAnalyze_IsolationClearsStaleProfile(t *testing.T) {
	gen := failureScript()
	p := newPipeline(t, gen, Options{})
	ctx := context.Background()

	first := p.Analyze(ctx, Message{Text: failureText}, nil, "s1")
	require.NotNil(t, first)

	// same session id, but the caller says this is a fresh conversation
	got := p.Analyze(ctx, Message{Text: "hey"}, nil, "s1")
	assert.Nil(t, got)
	_, ok := p.Store().Get("s1")
	assert.False(t, ok)

	again := p.Analyze(ctx, Message{Text: failureText}, nil, "s1")
	require.NotNil(t, again)
	assert.Equal(t, 1, again.Turns, "fresh conversation starts a fresh profile")
}

func TestAnalyze_ShortCircuitReturnsCachedProfile(t *testing.T) {
	gen := failureScript()
	p := newPipeline(t, gen, Options{})
	ctx := context.Background()

	first := p.Analyze(ctx, Message{Text: failureText}, nil, "s1")
	require.NotNil(t, first)
	calls := len(gen.Calls())

	got := p.Analyze(ctx, Message{Text: "ok thanks"}, history(2), "s1")
	require.NotNil(t, got)
	assert.Equal(t, first.Turns, got.Turns)
	assert.Equal(t, first.Summary.TurnID, got.Summary.TurnID)
	assert.Len(t, gen.Calls(), calls)
}

func TestAnalyze_LatestWinsAcrossTurns(t *testing.T) {
	gen := failureScript()
	p := newPipeline(t, gen, Options{})
	ctx := context.Background()

	p.Analyze(ctx, Message{Text: failureText}, nil, "s1")

	gen.Reply("router", `{"has_signal":true,"confidence":"medium","experts":["attachment"],"signal_type":"relationship worry"}`).
		Reply("expert:attachment", `{"style":"anxious","anxiety":0.8,"avoidance":0.2,"confidence":0.7,"evidence":["she never texts back"],"plain_insight":"Fears being left."}`)

	got := p.Analyze(ctx, Message{Text: "she never texts back and I panic"}, history(2), "s1")
	require.NotNil(t, got)
	assert.Equal(t, 2, got.Turns)
	assert.Contains(t, got.Frameworks, experts.Attachment)
	assert.Contains(t, got.Frameworks, experts.MoodStress, "untriggered frameworks keep their last value")
	assert.Contains(t, got.Frameworks, experts.SelfWorth)
}

func TestAnalyze_PartialFailure(t *testing.T) {
	gen := llmtest.New().
		Reply("router", `{"has_signal":true,"confidence":"high","experts":["big_five","mood_stress","self_worth","attachment","awareness"],"signal_type":"mixed"}`).
		Reply("expert:mood_stress", moodReply).
		Reply("expert:self_worth", selfWorthReply).
		Fail("expert:big_five", errors.New("upstream 500")).
		Reply("expert:attachment", "I can't determine that.").
		On("expert:awareness", llmtest.Step{Delay: 5 * time.Second}).
		Reply("synth", synthReply)
	p := newPipeline(t, gen, Options{ExpertTimeout: 50 * time.Millisecond})

	got := p.Analyze(context.Background(), Message{Text: failureText}, nil, "s1")
	require.NotNil(t, got)
	assert.Len(t, got.Frameworks, 2)
	assert.Contains(t, got.Frameworks, experts.MoodStress)
	assert.Contains(t, got.Frameworks, experts.SelfWorth)
}

func TestAnalyze_ConflictDamping(t *testing.T) {
	gen := llmtest.New().
		Reply("router", `{"has_signal":true,"confidence":"high","experts":["big_five","mood_stress"],"signal_type":"worry"}`).
		Reply("expert:big_five", `{"openness":4,"conscientiousness":4,"extraversion":2,"agreeableness":4,"neuroticism":4.5,"confidence":{"neuroticism":0.8,"extraversion":0.6},"evidence":["I always worry"],"plain_insight":"Prone to worry."}`).
		Reply("expert:mood_stress", `{"depression":0.1,"anxiety":0.1,"stress":0.2,"confidence":{"anxiety":0.8},"evidence":["feeling calm today"],"plain_insight":"Calm right now."}`).
		Reply("synth", synthReply)
	p := newPipeline(t, gen, Options{})

	got := p.Analyze(context.Background(), Message{Text: "I always worry about everything but I'm feeling calm today"}, nil, "s1")
	require.NotNil(t, got)
	assert.True(t, got.Conflict)
	require.NotEmpty(t, got.Conflicts)

	n, _ := got.Frameworks[experts.BigFive].Confidence.Of("neuroticism")
	a, _ := got.Frameworks[experts.MoodStress].Confidence.Of("anxiety")
	assert.Less(t, n, 0.8)
	assert.Less(t, a, 0.8)
}

func TestAnalyze_SynthesisFailureKeepsProfile(t *testing.T) {
	gen := failureScript().Fail("synth", errors.New("overloaded"))
	p := newPipeline(t, gen, Options{})

	got := p.Analyze(context.Background(), Message{Text: failureText}, nil, "s1")
	require.NotNil(t, got)
	assert.Nil(t, got.Summary)
	assert.Len(t, got.Frameworks, 2)
}

func TestAnalyze_SynthesisDisabled(t *testing.T) {
	gen := failureScript()
	p := newPipeline(t, gen, Options{DisableSynthesis: true})

	got := p.Analyze(context.Background(), Message{Text: failureText}, nil, "s1")
	require.NotNil(t, got)
	assert.Nil(t, got.Summary)
	assert.Empty(t, gen.Matching("synth"))
}

func TestAnalyze_PanicReturnsLastGoodProfile(t *testing.T) {
	gen := failureScript()
	p := newPipeline(t, gen, Options{})
	ctx := context.Background()

	first := p.Analyze(ctx, Message{Text: failureText}, nil, "s1")
	require.NotNil(t, first)

	gen.On("router", llmtest.Step{Panic: true})
	got := p.Analyze(ctx, Message{Text: "something else entirely"}, history(2), "s1")
	require.NotNil(t, got)
	assert.Equal(t, first.Turns, got.Turns)

	p.scan = func(string) safety.Result { panic("scanner bug") }
	assert.Nil(t, p.Analyze(ctx, Message{Text: failureText}, history(2), "other"))
}

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = provider.Shutdown(context.Background())
	})
	return recorder
}

func analyzeSpans(recorder *tracetest.SpanRecorder) []sdktrace.ReadOnlySpan {
	var out []sdktrace.ReadOnlySpan
	for _, s := range recorder.Ended() {
		if s.Name() == tracing.SpanAnalyze {
			out = append(out, s)
		}
	}
	return out
}

func TestAnalyze_SpanRecordsRecoveredError(t *testing.T) {
	recorder := recordSpans(t)
	gen := failureScript()
	p := newPipeline(t, gen, Options{})
	ctx := context.Background()

	require.NotNil(t, p.Analyze(ctx, Message{Text: failureText}, nil, "s1"))
	gen.On("router", llmtest.Step{Panic: true})
	require.NotNil(t, p.Analyze(ctx, Message{Text: "something else entirely"}, history(2), "s1"))

	p.scan = func(string) safety.Result { panic("scanner bug") }
	p.Analyze(ctx, Message{Text: failureText}, history(2), "s1")

	spans := analyzeSpans(recorder)
	require.Len(t, spans, 3)
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code, "router panic")
	assert.Equal(t, codes.Error, spans[2].Status().Code, "safety panic")
}

func TestAnalyze_SpanCarriesSafetyCategory(t *testing.T) {
	recorder := recordSpans(t)
	gen := llmtest.New().
		Reply("router", `{"has_signal":false,"confidence":"high","experts":[]}`)
	p := newPipeline(t, gen, Options{})
	ctx := context.Background()

	p.Analyze(ctx, Message{Text: "he hits me when he's angry"}, nil, "s1")
	p.Analyze(ctx, Message{Text: "she never texts back"}, nil, "s2")

	spans := analyzeSpans(recorder)
	require.Len(t, spans, 2)
	assert.Contains(t, spans[0].Attributes(), attribute.String(tracing.AttrSafety, string(safety.CategoryAbuse)))
	for _, kv := range spans[1].Attributes() {
		assert.NotEqual(t, attribute.Key(tracing.AttrSafety), kv.Key, "no category without a flag")
	}
}

func TestAnalyze_RouterSeesRecentHistory(t *testing.T) {
	gen := failureScript()
	p := newPipeline(t, gen, Options{RouterContextTurns: 2})

	p.Analyze(context.Background(), Message{Text: failureText}, history(5), "s1")
	calls := gen.Matching("router")
	require.Len(t, calls, 1)
	assert.NotContains(t, calls[0].Prompt, "earlier turn 3")
	assert.Contains(t, calls[0].Prompt, "earlier turn 4")
	assert.Contains(t, calls[0].Prompt, "earlier turn 5")
}

func TestAnalyze_SameSessionIsSerialized(t *testing.T) {
	gen := failureScript()
	p := newPipeline(t, gen, Options{})

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got := p.Analyze(context.Background(), Message{Text: failureText}, history(2), "shared")
			assert.NotNil(t, got)
		}()
	}
	wg.Wait()

	got, ok := p.Store().Get("shared")
	require.True(t, ok)
	assert.Equal(t, n, got.Turns)
	assert.Zero(t, p.locks.len())
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Analysis.Synthesis = false
	p, err := NewFromConfig(cfg, failureScript(), nil, nil, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, p.synth)

	cfg.Taxonomy.Path = "/does/not/exist.yaml"
	_, err = NewFromConfig(cfg, failureScript(), nil, nil, zap.NewNop())
	assert.Error(t, err)

	_, err = New(nil, Options{}, nil)
	assert.Error(t, err)
}
