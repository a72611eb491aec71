package cadence

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry is reported through the global OpenTelemetry providers; a process
// that configures none gets the no-op implementations and pays nothing.
const instrumentationName = "github.com/cadence-works/go-cadence"

var (
	tracer = otel.Tracer(instrumentationName)
	meter  = otel.Meter(instrumentationName)
)

var (
	importedRows      metric.Int64Counter
	detectedChanges   metric.Int64Counter
	detectedConflicts metric.Int64Counter
	settledConflicts  metric.Int64Counter
	importDuration    metric.Float64Histogram
)

func init() {
	var err error
	importedRows, err = meter.Int64Counter("cadence.import.rows",
		metric.WithDescription("Rows ingested by the import pipeline."),
		metric.WithUnit("{row}"))
	if err != nil {
		panic(err)
	}
	detectedChanges, err = meter.Int64Counter("cadence.changes.detected",
		metric.WithDescription("Change records written because a source revised its own assertions."),
		metric.WithUnit("{change}"))
	if err != nil {
		panic(err)
	}
	detectedConflicts, err = meter.Int64Counter("cadence.conflicts.detected",
		metric.WithDescription("Conflicts newly detected or reopened between sources."),
		metric.WithUnit("{conflict}"))
	if err != nil {
		panic(err)
	}
	settledConflicts, err = meter.Int64Counter("cadence.conflicts.settled",
		metric.WithDescription("Conflicts settled because the sources came back into agreement."),
		metric.WithUnit("{conflict}"))
	if err != nil {
		panic(err)
	}
	importDuration, err = meter.Float64Histogram("cadence.import.duration",
		metric.WithDescription("Wall-clock duration of whole import batches."),
		metric.WithUnit("s"))
	if err != nil {
		panic(err)
	}
}

// measureImport records the metrics of one finished import batch.
func measureImport(ctx context.Context, source Item, stats ImportStats, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("cadence.source.type", source.Type),
	)
	importedRows.Add(ctx, int64(stats.RowsImported), attrs)
	detectedChanges.Add(ctx, int64(stats.ChangesDetected), attrs)
	detectedConflicts.Add(ctx, int64(stats.ConflictsDetected), attrs)
	settledConflicts.Add(ctx, int64(stats.ConflictsSettled), attrs)
	importDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// startSpan opens a client span named after the engine operation.
func startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal))
}
