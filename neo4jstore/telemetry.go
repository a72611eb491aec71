package neo4jstore

import "go.opentelemetry.io/otel"

// Spans are reported through the global tracer provider; processes that
// configure none get the no-op tracer.
var tracer = otel.Tracer("github.com/cadence-works/go-cadence/neo4jstore")
