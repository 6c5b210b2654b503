// Package activation tracks which session, module, suite and test is
// currently active while a test run executes.
//
// # Overview
//
// Every piece of state in this package is built on [Slot], a named holder
// of at most one value. Activating an occupied slot fails loudly instead of
// overwriting or stacking, so "session started twice" bugs in adapters
// surface immediately.
//
// Two trackers sit on top of slots:
//
//   - [Global] holds the process-wide session and module, plus a table of
//     active suites keyed by name. [Global.FetchOrActivateSuite] is the one
//     path designed for contention: N goroutines racing on the same suite
//     name run the constructor exactly once and all observe the same suite.
//   - [Local] holds the single active test of each execution [Unit]. A unit
//     is an explicit identifier for a goroutine, worker or fiber; it is
//     carried in a context.Context rather than derived from the runtime.
//
// # Concurrency
//
// Locks are per slot and per table. Operations on unrelated suites or
// unrelated units never contend on a shared lock beyond a short map access.
//
// # Fork handling
//
// Both trackers expose Reset and accept a procid.Tracker. [Local] checks it
// on activation and [Global] on every read or activation; each drops all of
// its state when the process identity changes.
package activation
