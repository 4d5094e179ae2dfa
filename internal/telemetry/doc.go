// Package telemetry provides OpenTelemetry instrumentation for remedyd.
//
// # Overview
//
// This package implements distributed tracing and metrics collection using the
// OpenTelemetry Go SDK. It exports telemetry data to an OTEL Collector, which
// forwards to the metrics backend.
//
// # Usage
//
// Create telemetry instance:
//
//	cfg := telemetry.NewDefaultConfig()
//	tel, err := telemetry.New(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(ctx)
//
// Use tracer and meter:
//
//	tracer := tel.Tracer("remedyd.orchestrator")
//	ctx, span := tracer.Start(ctx, "orchestrator.ProcessHypothesis")
//	defer span.End()
//
//	meter := tel.Meter("remedyd.orchestrator")
//	counter, _ := meter.Int64Counter("remedyd.orchestrator.phases")
//	counter.Add(ctx, 1)
//
// # Configuration
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  service_name: "remedyd"
//	  sampling:
//	    rate: 1.0  # 100% in dev, lower in prod
//	    always_on_errors: true
//	  metrics:
//	    enabled: true
//	    export_interval: "15s"
//
// # Error Handling
//
// Telemetry failures do not crash the daemon. If a provider cannot be
// initialized, the instance degrades to no-op providers and Health()
// reports the reason.
package telemetry
