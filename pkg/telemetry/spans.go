package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const engineTracer = "admission/engine"

const (
	attrCategory = attribute.Key("admission.category")
	attrAllowed  = attribute.Key("admission.allowed")
	attrKind     = attribute.Key("admission.kind")
	attrStage    = attribute.Key("admission.stage")
	attrReason   = attribute.Key("admission.reason")
	attrDegraded = attribute.Key("admission.degraded")
	attrTrust    = attribute.Key("admission.trust.level")
	attrCached   = attribute.Key("admission.trust.cached")
)

// Tracer is the engine tracer on the global provider installed by Init.
func Tracer() trace.Tracer {
	return otel.Tracer(engineTracer)
}

// StartStage opens the child span for one pipeline stage.
func StartStage(ctx context.Context, tr trace.Tracer, stage string) (context.Context, trace.Span) {
	return tr.Start(ctx, "admission."+stage, trace.WithAttributes(attrStage.String(stage)))
}

// EndStage closes a stage span. A stage that stopped the pass with a denial
// carries its reason; a store outage marks the span as an error.
func EndStage(span trace.Span, denied bool, reason string, degraded bool) {
	if denied {
		span.SetAttributes(attrAllowed.Bool(false), attrReason.String(reason))
	}
	if degraded {
		span.SetAttributes(attrDegraded.Bool(true))
		span.SetStatus(codes.Error, "store unavailable")
	}
	span.End()
}

// AnnotateDecision labels the request span with the final verdict.
func AnnotateDecision(span trace.Span, category string, allowed bool, kind, stage string) {
	span.SetAttributes(
		attrCategory.String(category),
		attrAllowed.Bool(allowed),
		attrKind.String(kind),
		attrStage.String(stage),
	)
}

// AnnotateTrust records the trust level on the current stage span and whether
// it was served from the cache.
func AnnotateTrust(ctx context.Context, level string, cached bool) {
	trace.SpanFromContext(ctx).SetAttributes(attrTrust.String(level), attrCached.Bool(cached))
}
