// Package pipeline wires the safety gate, router, expert dispatch, fusion,
// synthesis and the profile store into a single Analyze call.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stellarlinkco/mindmesh/internal/config"
	"github.com/stellarlinkco/mindmesh/internal/dispatch"
	"github.com/stellarlinkco/mindmesh/internal/experts"
	"github.com/stellarlinkco/mindmesh/internal/fusion"
	"github.com/stellarlinkco/mindmesh/internal/llm"
	"github.com/stellarlinkco/mindmesh/internal/metrics"
	"github.com/stellarlinkco/mindmesh/internal/profile"
	"github.com/stellarlinkco/mindmesh/internal/router"
	"github.com/stellarlinkco/mindmesh/internal/safety"
	"github.com/stellarlinkco/mindmesh/internal/synth"
	"github.com/stellarlinkco/mindmesh/internal/tracing"
)

var errPanic = errors.New("panic")

// Message is one incoming message.
type Message struct {
	Text      string
	SessionID string
	// Position is the 1-based position of the message in its conversation.
	Position int
	// Context is a short rolling window of recent turns. When empty the
	// tail of the history passed to Analyze is used.
	Context []llm.Turn
}

// Options configures a Pipeline.
type Options struct {
	ExpertTimeout      time.Duration
	MaxConcurrency     int
	RouterContextTurns int
	DisableSynthesis   bool
	// Taxonomy nil selects the embedded default.
	Taxonomy experts.Taxonomy
	// Store nil selects a MemoryStore with default capacity.
	Store   profile.Store
	Rules   []fusion.ConflictRule
	Metrics *metrics.Metrics
}

// Pipeline analyzes messages and keeps per-session profiles.
type Pipeline struct {
	panel        *experts.Panel
	router       *router.Router
	harness      *dispatch.Harness
	resolver     *fusion.Resolver
	synth        *synth.Synthesizer
	store        profile.Store
	contextTurns int
	scan         func(string) safety.Result
	locks        *sessionLocks
	metrics      *metrics.Metrics
	logger       *zap.Logger
}

// New builds a pipeline on gen.
func New(gen llm.Generator, opts Options, logger *zap.Logger) (*Pipeline, error) {
	if gen == nil {
		return nil, errors.New("pipeline: generator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	store := opts.Store
	if store == nil {
		mem, err := profile.NewMemoryStore(0, opts.Metrics)
		if err != nil {
			return nil, err
		}
		store = mem
	}
	contextTurns := opts.RouterContextTurns
	if contextTurns <= 0 {
		contextTurns = router.DefaultContextTurns
	}

	panel := experts.NewPanel(gen, opts.Taxonomy, logger)
	p := &Pipeline{
		panel:  panel,
		router: router.New(gen, panel, contextTurns, logger),
		harness: dispatch.New(panel, dispatch.Options{
			Timeout:        opts.ExpertTimeout,
			MaxConcurrency: opts.MaxConcurrency,
			Metrics:        opts.Metrics,
		}, logger),
		resolver:     fusion.NewResolver(opts.Rules, opts.Metrics, logger),
		store:        store,
		contextTurns: contextTurns,
		scan:         safety.Scan,
		locks:        newSessionLocks(),
		metrics:      opts.Metrics,
		logger:       logger.Named("pipeline"),
	}
	if !opts.DisableSynthesis {
		p.synth = synth.New(gen, logger)
	}
	return p, nil
}

// NewFromConfig builds a pipeline from the analysis, profile and taxonomy
// sections of cfg.
func NewFromConfig(cfg *config.Config, gen llm.Generator, store profile.Store, m *metrics.Metrics, logger *zap.Logger) (*Pipeline, error) {
	taxonomy, err := experts.LoadTaxonomy(cfg.Taxonomy.Path)
	if err != nil {
		return nil, err
	}
	return New(gen, Options{
		ExpertTimeout:      cfg.ExpertTimeoutDuration(),
		MaxConcurrency:     cfg.Analysis.MaxConcurrency,
		RouterContextTurns: cfg.Analysis.RouterContextTurns,
		DisableSynthesis:   !cfg.Analysis.Synthesis,
		Taxonomy:           taxonomy,
		Store:              store,
		Metrics:            m,
	}, logger)
}

// Panel returns the expert panel.
func (p *Pipeline) Panel() *experts.Panel {
	return p.panel
}

// Store returns the profile store.
func (p *Pipeline) Store() profile.Store {
	return p.store
}

// Analyze runs one turn and returns a copy of the merged session profile.
// It returns nil only when nothing is cached for the session and the
// message carried neither signal nor a safety flag. Analyze never fails:
// an unexpected panic yields the last cached profile.
func (p *Pipeline) Analyze(ctx context.Context, msg Message, history []llm.Turn, sessionID string) (out *profile.Profile) {
	if sessionID == "" {
		sessionID = msg.SessionID
	}
	start := time.Now()
	outcome := "analyzed"
	var turnErr error

	ctx, span := tracing.Start(ctx, tracing.SpanAnalyze, tracing.SessionID(sessionID))
	unlock := p.locks.lock(sessionID)
	defer unlock()
	defer func() {
		if r := recover(); r != nil {
			turnErr = fmt.Errorf("%w: %v", errPanic, r)
			out = p.lastGood(sessionID, turnErr, debug.Stack())
			outcome = "recovered"
		}
		p.metrics.ObserveTurn(outcome, time.Since(start))
		tracing.End(span, turnErr)
	}()

	// A first turn never inherits a cached profile.
	if len(history)+1 <= 1 {
		if _, ok := p.store.Get(sessionID); ok {
			p.logger.Info("clearing stale profile for fresh conversation", zap.String("session", sessionID))
			p.store.Clear(sessionID)
		}
	}

	recent := msg.Context
	if len(recent) == 0 {
		recent = tail(history, p.contextTurns)
	}

	scan, cls, err := p.route(ctx, msg.Text, recent, sessionID)
	if err != nil {
		turnErr = err
		outcome = "recovered"
		return p.lastGood(sessionID, err, nil)
	}
	if scan.Risky() {
		span.SetAttributes(attribute.String(tracing.AttrSafety, string(scan.Category)))
	}
	span.SetAttributes(
		attribute.String(tracing.AttrUrgency, string(cls.Urgency)),
		attribute.String(tracing.AttrStage, string(cls.Stage)),
		attribute.Int(tracing.AttrSelected, len(cls.Selected)),
	)

	if len(cls.Selected) == 0 && !scan.Risky() {
		outcome = "short_circuit"
		cached, _ := p.store.Get(sessionID)
		return cached
	}

	update := profile.Update{Safety: &scan, Classification: &cls}
	if len(cls.Selected) > 0 {
		results := p.harness.Run(ctx, cls.Selected, experts.Input{
			Text:      msg.Text,
			Context:   recent,
			SessionID: sessionID,
		})
		p.fuse(ctx, msg, sessionID, scan, results, &update)
	}

	return p.store.Merge(sessionID, update)
}

// route runs the safety scan and the router concurrently.
func (p *Pipeline) route(ctx context.Context, text string, recent []llm.Turn, sessionID string) (safety.Result, router.Classification, error) {
	var (
		scan safety.Result
		cls  router.Classification
		g    errgroup.Group
	)
	g.Go(guard("safety", func() {
		scan = p.scan(text)
	}))
	g.Go(guard("router", func() {
		cctx, span := tracing.Start(ctx, tracing.SpanClassify)
		defer span.End()
		cls = p.router.Classify(cctx, text, recent, sessionID)
	}))
	if err := g.Wait(); err != nil {
		return scan, cls, err
	}

	if scan.Risky() {
		p.metrics.IncSafetyFlag(string(scan.Category))
		p.logger.Warn("safety flag", zap.String("session", sessionID), zap.String("category", string(scan.Category)))
	}
	cls = cls.Escalate(scan)
	p.metrics.IncRouterStage(string(cls.Stage), string(cls.Urgency))
	return scan, cls, nil
}

// fuse gates and reconciles the dispatch results and synthesizes the turn
// summary into u.
func (p *Pipeline) fuse(ctx context.Context, msg Message, sessionID string, scan safety.Result, results map[experts.ID]experts.Result, u *profile.Update) {
	admitted, rejected := fusion.Gate(results)
	for _, r := range rejected {
		p.metrics.IncGateRejection(string(r.ID), r.Reason)
	}

	fctx, span := tracing.Start(ctx, tracing.SpanFuse)
	outcome := p.resolver.Resolve(admitted)
	span.SetAttributes(
		attribute.Int(tracing.AttrAdmitted, len(outcome.Results)),
		attribute.Bool(tracing.AttrConflict, outcome.Conflict),
	)
	span.End()

	p.logger.Debug("turn fused",
		zap.String("session", sessionID),
		zap.Int("dispatched", len(results)),
		zap.Int("admitted", len(outcome.Results)),
		zap.Bool("conflict", outcome.Conflict),
	)
	if len(outcome.Results) == 0 {
		return
	}

	u.Frameworks = outcome.Results
	u.Fused = true
	u.Meta = outcome.Meta
	u.Conflict = outcome.Conflict
	u.Conflicts = outcome.Conflicts

	if p.synth == nil {
		return
	}
	sctx, sspan := tracing.Start(fctx, tracing.SpanSynthesize)
	summary, err := p.synth.Synthesize(sctx, synth.Input{
		Text:      msg.Text,
		SessionID: sessionID,
		Conflicts: outcome.Conflicts,
		Safety:    scan,
	}, outcome.Results)
	tracing.End(sspan, err)
	if err != nil {
		p.metrics.IncSynthFailure()
		p.logger.Warn("synthesis failed", zap.String("session", sessionID), zap.Error(err))
		return
	}
	u.Summary = summary
}

func (p *Pipeline) lastGood(sessionID string, cause error, stack []byte) *profile.Profile {
	fields := []zap.Field{zap.String("session", sessionID), zap.Error(cause)}
	if stack != nil {
		fields = append(fields, zap.ByteString("stack", stack))
	}
	p.logger.Error("turn aborted, returning cached profile", fields...)
	cached, _ := p.store.Get(sessionID)
	return cached
}

// guard converts a panic in fn into an error for errgroup.
func guard(name string, fn func()) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w in %s: %v", errPanic, name, r)
			}
		}()
		fn()
		return nil
	}
}

func tail(turns []llm.Turn, n int) []llm.Turn {
	if n > 0 && len(turns) > n {
		return turns[len(turns)-n:]
	}
	return turns
}
