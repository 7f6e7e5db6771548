package profile

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/mindmesh/internal/experts"
	"github.com/stellarlinkco/mindmesh/internal/fusion"
	"github.com/stellarlinkco/mindmesh/internal/metrics"
	"github.com/stellarlinkco/mindmesh/internal/router"
	"github.com/stellarlinkco/mindmesh/internal/safety"
	"github.com/stellarlinkco/mindmesh/internal/synth"
)

var profileCmp = []cmp.Option{
	cmp.Comparer(func(a, b experts.Confidence) bool {
		return a.Max() == b.Max() && a.Declared() == b.Declared()
	}),
	cmpopts.IgnoreInterfaces(struct{ experts.Payload }{}),
	cmpopts.EquateEmpty(),
}

func newStore(t *testing.T) *MemoryStore {
	t.Helper()
	s, err := NewMemoryStore(0, metrics.MustNewMetrics(prometheus.NewRegistry()))
	require.NoError(t, err)
	return s
}

func result(id experts.ID, c float64, insight string) experts.Result {
	return experts.Result{FrameworkID: id, Confidence: experts.ScalarConfidence(c), PlainInsight: insight}
}

func fullUpdate() Update {
	s := safety.Result{Flag: safety.FlagNone}
	c := router.Classification{Selected: []experts.ID{experts.MoodStress}, Urgency: router.UrgencyMedium, Stage: router.StageSemantic}
	return Update{
		Frameworks:     map[experts.ID]experts.Result{experts.MoodStress: result(experts.MoodStress, 0.8, "low mood")},
		Safety:         &s,
		Classification: &c,
		Fused:          true,
		Meta:           fusion.IntegrationMeta{Similarities: []string{"x"}},
		Summary:        &synth.TurnSummary{Summary: "first", Risks: []string{"r"}},
	}
}

func TestMerge_CreatesAndOverlays(t *testing.T) {
	s := newStore(t)
	p := s.Merge("s1", fullUpdate())
	require.NotNil(t, p)
	assert.Equal(t, "s1", p.SessionID)
	assert.Equal(t, 1, p.Turns)
	assert.Contains(t, p.Frameworks, experts.MoodStress)

	sw := safety.Scan("I want to kill myself")
	second := s.Merge("s1", Update{
		Frameworks: map[experts.ID]experts.Result{
			experts.SelfWorth:  result(experts.SelfWorth, 0.9, "harsh critic"),
			experts.MoodStress: result(experts.MoodStress, 0.6, "newer mood"),
		},
		Safety: &sw,
		Fused:  true,
	})

	assert.Equal(t, 2, second.Turns)
	assert.Equal(t, "newer mood", second.Frameworks[experts.MoodStress].PlainInsight, "latest wins per framework")
	assert.Contains(t, second.Frameworks, experts.SelfWorth)
	assert.Equal(t, safety.CategorySelfHarm, second.Safety.Category)
	assert.Equal(t, router.UrgencyMedium, second.Classification.Urgency, "absent classification keeps cached value")
	assert.Nil(t, second.Summary, "a fused turn without summary drops the previous one")
	assert.True(t, second.Meta.Empty())
}

func TestMerge_RetainsUntriggeredFrameworks(t *testing.T) {
	s := newStore(t)
	s.Merge("s1", fullUpdate())
	p := s.Merge("s1", Update{
		Frameworks: map[experts.ID]experts.Result{experts.Attachment: result(experts.Attachment, 0.7, "anxious")},
		Fused:      true,
	})
	assert.Len(t, p.Frameworks, 2)
	assert.Equal(t, "low mood", p.Frameworks[experts.MoodStress].PlainInsight)
}

func TestMerge_EmptyUpdateIsNoop(t *testing.T) {
	s := newStore(t)
	assert.Nil(t, s.Merge("missing", Update{}))
	_, ok := s.Get("missing")
	assert.False(t, ok)

	before := s.Merge("s1", fullUpdate())
	after := s.Merge("s1", Update{})
	if diff := cmp.Diff(before, after, profileCmp...); diff != "" {
		t.Fatalf("empty merge changed the profile (-before +after):\n%s", diff)
	}
	got, _ := s.Get("s1")
	if diff := cmp.Diff(before, got, profileCmp...); diff != "" {
		t.Fatalf("stored profile changed (-before +after):\n%s", diff)
	}
}

func TestStore_ReturnsCopies(t *testing.T) {
	s := newStore(t)
	p := s.Merge("s1", fullUpdate())
	p.Frameworks[experts.Awareness] = result(experts.Awareness, 1, "injected")
	p.Summary.Risks[0] = "mutated"
	p.Classification.Selected[0] = experts.DarkTraits

	got, ok := s.Get("s1")
	require.True(t, ok)
	assert.NotContains(t, got.Frameworks, experts.Awareness)
	assert.Equal(t, "r", got.Summary.Risks[0])
	assert.Equal(t, experts.MoodStress, got.Classification.Selected[0])
}

func TestStore_PayloadsAreCopied(t *testing.T) {
	s := newStore(t)
	r := result(experts.SelfWorth, 0.8, "hinges on approval")
	r.Payload = &experts.SelfWorthState{Level: 0.3, Contingencies: []string{"approval"}}
	p := s.Merge("s1", Update{Frameworks: map[experts.ID]experts.Result{experts.SelfWorth: r}, Fused: true})

	state, ok := experts.PayloadAs[*experts.SelfWorthState](p.Frameworks[experts.SelfWorth])
	require.True(t, ok)
	state.Level = 0.9
	state.Contingencies[0] = "mutated"

	got, _ := s.Get("s1")
	stored, ok := experts.PayloadAs[*experts.SelfWorthState](got.Frameworks[experts.SelfWorth])
	require.True(t, ok)
	assert.Equal(t, 0.3, stored.Level)
	assert.Equal(t, []string{"approval"}, stored.Contingencies)
}

func TestStore_Clear(t *testing.T) {
	s := newStore(t)
	s.Merge("s1", fullUpdate())
	s.Merge("s2", fullUpdate())
	s.Clear("s1")

	_, ok := s.Get("s1")
	assert.False(t, ok)
	_, ok = s.Get("s2")
	assert.True(t, ok)
	assert.Equal(t, 1, s.Len())
}

func TestStore_CapacityEvictsLeastRecent(t *testing.T) {
	s, err := NewMemoryStore(2, nil)
	require.NoError(t, err)
	s.Merge("a", fullUpdate())
	s.Merge("b", fullUpdate())
	s.Get("a")
	s.Merge("c", fullUpdate())

	_, ok := s.Get("b")
	assert.False(t, ok)
	_, ok = s.Get("a")
	assert.True(t, ok)
}

func TestStore_Sweep(t *testing.T) {
	s := newStore(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	s.Merge("old", fullUpdate())

	now = now.Add(2 * time.Hour)
	s.Merge("fresh", fullUpdate())

	assert.Equal(t, 1, s.Sweep(time.Hour))
	_, ok := s.Get("old")
	assert.False(t, ok)
	_, ok = s.Get("fresh")
	assert.True(t, ok)
}

func TestStore_ConcurrentMergesAreComplete(t *testing.T) {
	s := newStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Merge("shared", fullUpdate())
			if p, ok := s.Get("shared"); ok {
				assert.NotNil(t, p.Summary)
				assert.Contains(t, p.Frameworks, experts.MoodStress)
			}
		}()
	}
	wg.Wait()
	p, _ := s.Get("shared")
	assert.Equal(t, 50, p.Turns)
}

func TestProfile_Render(t *testing.T) {
	var nilProfile *Profile
	assert.Equal(t, "no profile", nilProfile.Render())

	s := newStore(t)
	sw := safety.Scan("I want to kill myself")
	s.Merge("s1", fullUpdate())
	p := s.Merge("s1", Update{Safety: &sw, Fused: true, Conflict: true, Conflicts: []string{"trait vs mood"},
		Summary: &synth.TurnSummary{Summary: "hurting", Risks: []string{"self-harm"}, ResolutionRule: synth.RuleSpecificity, ConflictResolution: "specific wins"}})

	out := p.Render()
	assert.Contains(t, out, "Session s1 (turns: 2)")
	assert.Contains(t, out, "SAFETY: self_harm")
	assert.Contains(t, out, "mood_stress")
	assert.Contains(t, out, "trait vs mood")
	assert.Contains(t, out, "Summary: hurting")
	assert.Contains(t, out, "Resolution: specificity - specific wins")
}
