// Package telemetry provides logging, tracing and metrics for instanced.
//
// Logging is built on zerolog. Components receive a zerolog.Logger obtained
// from Logger.Zerolog and derive component child loggers from it:
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	logger := tel.Logger.Component("provisioner").Zerolog()
//
// Tracing uses OpenTelemetry. NewTracer installs the global provider so
// packages can call StartSpan/EndSpan without holding a Tracer:
//
//	ctx, span := telemetry.StartSpan(ctx, "provider.create",
//	    telemetry.AttrInstanceID.String(id))
//	defer func() { telemetry.EndSpan(span, err) }()
//
// Metrics are Prometheus collectors registered on a private registry. Every
// Record method is safe on a nil or disabled *Metrics, so tests can pass nil.
package telemetry
