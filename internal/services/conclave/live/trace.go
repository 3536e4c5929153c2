package live

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/conclave/internal/platform/errors"
)

func (s *Service) startSpan(ctx context.Context, name, sessionID, actorID string) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("conclave.session_id", sessionID),
		attribute.String("conclave.actor_id", actorID),
	))
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("conclave.error_code", string(apperrors.CodeOf(err))))
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
