// Package supervisor spawns and supervises one worker process per job.
//
// Submit creates the job in the registry, spawns the launcher with key=value
// positional arguments, and wires both output streams through the job's
// relay and discovery scan. Each job gets an independent supervision unit:
// two stream readers, an idle watchdog and an absolute watchdog. Units
// coordinate only through the registry's Patch; there is no cross-job
// locking.
//
// Data flow:
//
//	Submit                unit{job}                    launcher process
//	  |                      |                               |
//	  | create job --------->| Start() --------------------->| stdout/stderr
//	  |                      | pump stdout  <----------------| lines
//	  |                      | pump stderr  <----------------|
//	  |                      |   -> relay.Ingest
//	  |                      |   -> discovery.Feed -> registry.Patch
//	  |                      |   -> idle watchdog reset
//	  |                      | Wait() returns (exit/signal/kill)
//	  |                      | reconcile -> registry.Patch (terminal)
//
// Invariants:
//   - At most one live process per job; the handle never leaves this package.
//   - Watchdog expiry and process exit are mutually exclusive under the
//     unit's lock, so a timer can never fire "after" a clean exit.
//   - Exactly one terminal reconciliation per job.
//   - A clean exit without a discovered identifier falls back to scanning
//     the output root before being declared a failure.
package supervisor
