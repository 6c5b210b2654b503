// Package logging provides structured logging for testvis.
//
// Logger wraps Zap with:
//   - a Trace level (-2, below Debug)
//   - console output on stderr and optional OpenTelemetry output
//   - correlation fields pulled from the context (trace, session, test)
//   - redaction of secret-looking fields
//   - level-aware sampling (errors are never sampled)
//
// Output goes to stderr because the CLI forwards the wrapped test command's
// stdout untouched.
//
// Usage:
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithSessionID(ctx, session.ID().String())
//	logger.Info(ctx, "session started", zap.String("service", svc))
//
// Background goroutines that have no request context log with
// context.Background(); NewNop is the default for components constructed
// without a logger.
package logging
