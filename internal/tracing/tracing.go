// Package tracing wraps the OpenTelemetry API for pipeline spans. Spans go
// to whatever TracerProvider the host installed globally; with none
// installed they are no-ops.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/stellarlinkco/mindmesh"

// Span names.
const (
	SpanAnalyze    = "mindmesh.pipeline.analyze"
	SpanClassify   = "mindmesh.router.classify"
	SpanDispatch   = "mindmesh.dispatch.run"
	SpanExpert     = "mindmesh.expert.analyze"
	SpanFuse       = "mindmesh.fusion.resolve"
	SpanSynthesize = "mindmesh.synth.summarize"
)

// Attribute keys.
const (
	AttrSessionID   = "mindmesh.session_id"
	AttrExpert      = "mindmesh.expert"
	AttrSelected    = "mindmesh.router.selected"
	AttrUrgency     = "mindmesh.router.urgency"
	AttrStage       = "mindmesh.router.stage"
	AttrSafety      = "mindmesh.safety.category"
	AttrModuleError = "mindmesh.expert.module_error"
	AttrAdmitted    = "mindmesh.fusion.admitted"
	AttrConflict    = "mindmesh.fusion.conflict"
)

// Start opens a span on the global tracer provider.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// SessionID is the session attribute.
func SessionID(id string) attribute.KeyValue {
	return attribute.String(AttrSessionID, id)
}
