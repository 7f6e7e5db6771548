// Package dispatch fans a message out to the selected experts and collects
// every result, failed ones included.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stellarlinkco/mindmesh/internal/experts"
	"github.com/stellarlinkco/mindmesh/internal/metrics"
	"github.com/stellarlinkco/mindmesh/internal/tracing"
)

// DefaultTimeout bounds a single expert run.
const DefaultTimeout = 45 * time.Second

// Analyzer runs one expert. *experts.Panel implements it.
type Analyzer interface {
	Analyze(ctx context.Context, id experts.ID, in experts.Input) experts.Result
}

// Options tunes a Harness.
type Options struct {
	// Timeout bounds each expert run; expiry becomes a module error.
	Timeout time.Duration
	// MaxConcurrency caps parallel expert runs. Zero means the panel size.
	MaxConcurrency int
	Metrics        *metrics.Metrics
}

// Harness runs experts concurrently with per-expert isolation.
type Harness struct {
	analyzer Analyzer
	timeout  time.Duration
	limit    int
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func New(analyzer Analyzer, opts Options, logger *zap.Logger) *Harness {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = len(experts.Order)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Harness{
		analyzer: analyzer,
		timeout:  opts.Timeout,
		limit:    opts.MaxConcurrency,
		metrics:  opts.Metrics,
		logger:   logger.Named("dispatch"),
	}
}

// Run executes every id and waits for all of them. The returned map holds
// one entry per distinct id; failures are module-error results. Run never
// cancels siblings and never retries.
func (h *Harness) Run(ctx context.Context, ids []experts.ID, in experts.Input) map[experts.ID]experts.Result {
	out := make(map[experts.ID]experts.Result, len(ids))
	if len(ids) == 0 {
		return out
	}

	ctx, span := tracing.Start(ctx, tracing.SpanDispatch, tracing.SessionID(in.SessionID),
		attribute.Int("mindmesh.dispatch.tasks", len(ids)))
	defer span.End()

	unique := make([]experts.ID, 0, len(ids))
	seen := make(map[experts.ID]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}

	results := make([]experts.Result, len(unique))
	var g errgroup.Group
	g.SetLimit(h.limit)
	for i, id := range unique {
		g.Go(func() error {
			results[i] = h.runOne(ctx, id, in)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, res := range results {
		out[res.FrameworkID] = res
		if res.ModuleError {
			failed++
		}
	}
	span.SetAttributes(attribute.Int("mindmesh.dispatch.failed", failed))
	return out
}

func (h *Harness) runOne(parent context.Context, id experts.ID, in experts.Input) experts.Result {
	start := time.Now()
	if !experts.Known(id) {
		h.metrics.ObserveExpert(string(id), "unknown", 0, 0)
		return experts.Failed(id, "unknown expert")
	}

	ctx, span := tracing.Start(parent, tracing.SpanExpert, attribute.String(tracing.AttrExpert, string(id)))
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	done := make(chan experts.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("expert panicked",
					zap.String("expert", string(id)),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
				done <- experts.Failed(id, fmt.Sprintf("panic: %v", r))
			}
		}()
		done <- h.analyzer.Analyze(ctx, id, in)
	}()

	var res experts.Result
	select {
	case res = <-done:
	case <-ctx.Done():
		reason := "timeout"
		if parent.Err() != nil {
			reason = "cancelled: " + parent.Err().Error()
		}
		res = experts.Failed(id, reason)
	}
	res.FrameworkID = id

	status := "ok"
	switch {
	case res.ModuleError && res.ErrorReason == "timeout":
		status = "timeout"
	case res.ModuleError:
		status = "error"
	}
	h.metrics.ObserveExpert(string(id), status, time.Since(start), res.Tokens)
	span.SetAttributes(attribute.Bool(tracing.AttrModuleError, res.ModuleError))
	if res.ModuleError {
		h.logger.Warn("expert failed", zap.String("expert", string(id)), zap.String("reason", res.ErrorReason))
		tracing.End(span, fmt.Errorf("%s: %s", id, res.ErrorReason))
	} else {
		tracing.End(span, nil)
	}
	return res
}
