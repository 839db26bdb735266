package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelExporter turns telemetry events into OpenTelemetry spans, one span
// per event named after its EventKind. Grounded on
// dshills-langgraph-go's graph/emit OTelEmitter: a span per point-in-time
// event, ended immediately, with event fields mapped to attributes under
// a package-specific namespace.
type OTelExporter struct {
	tracer trace.Tracer
}

// NewOTelExporter builds an OTelExporter from an OpenTelemetry tracer,
// typically obtained via otel.Tracer("elspeth").
func NewOTelExporter(tracer trace.Tracer) *OTelExporter {
	return &OTelExporter{tracer: tracer}
}

// Name implements Exporter.
func (o *OTelExporter) Name() string { return "otel" }

// Export implements Exporter: creates and immediately ends a span
// representing event.
func (o *OTelExporter) Export(ctx context.Context, event Event) error {
	_, span := o.tracer.Start(ctx, string(event.Kind))
	defer span.End()

	span.SetAttributes(
		attribute.String("elspeth.run_id", event.RunID),
		attribute.String("elspeth.node_id", event.NodeID),
		attribute.String("elspeth.token_id", event.TokenID),
	)

	for key, value := range event.Meta {
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String("elspeth."+key, v))
		case int:
			span.SetAttributes(attribute.Int("elspeth."+key, v))
		case int64:
			span.SetAttributes(attribute.Int64("elspeth."+key, v))
		case float64:
			span.SetAttributes(attribute.Float64("elspeth."+key, v))
		case bool:
			span.SetAttributes(attribute.Bool("elspeth."+key, v))
		default:
			span.SetAttributes(attribute.String("elspeth."+key, fmt.Sprintf("%v", v)))
		}
	}

	if errVal, ok := event.Meta["error"].(string); ok && errVal != "" {
		span.SetStatus(codes.Error, errVal)
	}

	return nil
}

// Close implements Exporter. The tracer provider's lifecycle belongs to
// whoever constructed it (via otel.SetTracerProvider), not the
// exporter, so Close is a no-op here.
func (o *OTelExporter) Close(_ context.Context) error {
	return nil
}
