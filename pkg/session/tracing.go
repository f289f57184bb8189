package session

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/dotsetgreg/dotmemory/pkg/session"

func startTurnSpan(ctx context.Context, sessionID string, turn int, turnID string) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "turn")
	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.Int("turn.number", turn),
		attribute.String("turn.id", turnID),
	)
	return ctx, span
}

func startPhaseSpan(ctx context.Context, phase Phase) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "turn."+strings.ToLower(string(phase)))
	span.SetAttributes(attribute.String("turn.phase", string(phase)))
	return ctx, span
}

func endSpan(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
