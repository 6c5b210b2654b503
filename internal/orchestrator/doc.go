// Package orchestrator applies library settings to independent subsystems in
// parallel at session start.
//
// # Overview
//
// Each subsystem (retries, coverage, test skipping) needs the settings and
// the session and may block on the network while configuring itself. The
// Orchestrator runs every subsystem on its own async.Task and waits for all
// of them within one overall deadline:
//
//	orch := orchestrator.New(orchestrator.WithLogger(logger))
//	res := orch.Configure(ctx, settings, session, 2*time.Second, retries, coverage)
//	for _, name := range res.Pending {
//	    // still running; that subsystem keeps its defaults for now
//	}
//
// # Failure Handling
//
// A subsystem that returns an error or panics is logged and counted. It
// never aborts its siblings and is reported as completed. A subsystem still
// running at the deadline is reported as pending and left to finish on its
// own.
//
// # Observability
//
// Every Configure call produces an "orchestrator.configure" span with the
// completed and pending counts, and updates:
//   - testvis_orchestrator_subsystem_outcomes_total{subsystem,outcome}
//   - testvis_orchestrator_configure_duration_seconds
package orchestrator
