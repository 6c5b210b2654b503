// Package telemetry sets up OpenTelemetry tracing and metrics for testvis.
//
// # Usage
//
//	cfg, err := telemetry.FromUserConfig(userCfg.Telemetry, userCfg.Service)
//	tel, err := telemetry.New(ctx, cfg)
//	defer tel.Shutdown(ctx)
//
//	orch := orchestrator.New(orchestrator.WithTracerProvider(tel.TracerProvider()))
//
// # Error Handling
//
// Exporter failures never stop a test run. If a provider cannot be built the
// instance is marked degraded and hands out the global no-op providers.
//
// # Testing
//
//	tt := telemetry.NewTestTelemetry()
//	// exercise code with tt.TracerProvider()
//	tt.AssertSpanExists(t, "orchestrator.configure")
package telemetry
