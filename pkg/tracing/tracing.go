// Package tracing wraps OpenTelemetry span creation for the two places the
// design calls out explicitly: the claim critical path and the webhook
// dispatcher. Callers that never wire a TracerProvider get otel's no-op
// implementation for free; this package adds no SDK or exporter of its own.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/coldtrail/taskboard"

// Tracer returns the package's named tracer, resolved against whatever
// TracerProvider the process has registered via otel.SetTracerProvider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartClaimSpan opens a span around one claim transaction attempt.
func StartClaimSpan(ctx context.Context, fileID string, ref int64, author string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "appendlog.claim",
		trace.WithAttributes(
			attribute.String("taskboard.file_id", fileID),
			attribute.Int64("taskboard.ref", ref),
			attribute.String("taskboard.author", author),
		),
	)
}

// StartWebhookDeliverySpan opens a span around one webhook delivery attempt.
func StartWebhookDeliverySpan(ctx context.Context, subscriptionID, url string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "webhook.deliver",
		trace.WithAttributes(
			attribute.String("taskboard.subscription_id", subscriptionID),
			attribute.String("taskboard.webhook_url", url),
		),
	)
}

// End closes span, marking it as an error span if err is non-nil.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
