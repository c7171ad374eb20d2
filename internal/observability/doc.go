// Package observability carries the atlas gateway's structured logging,
// Prometheus metrics and OpenTelemetry tracing.
//
// # Logging
//
// NewLogger builds a *slog.Logger whose handler redacts API keys, bearer
// tokens and other secrets from messages and attributes, and adds the
// session key and tool call id found in the context:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	logger.InfoContext(ctx, "turn finished", "thread_id", threadID)
//
// # Metrics
//
// Metrics registers its collectors on the given registry. All recording
// methods are safe on a nil *Metrics so components can run without metrics.
//
// # Tracing
//
// NewTracer exports spans over OTLP gRPC when an endpoint is configured and
// falls back to a no-op tracer otherwise. A nil *Tracer is also a no-op.
package observability
