// Package engine implements flow-state reconciliation for a fleet of switches.
//
// # Overview
//
// The engine keeps table 0 of every managed device consistent with the intent
// held in a FlowStore. Intent and device state are kept apart: the store says
// what should exist, a SwitchGateway dump says what does exist, and the
// engine repairs the difference.
//
//  1. Intent - FlowManager validates a request and stores it as pending
//  2. Observe - the device's tables are dumped through the gateway
//  3. Diff - Diff partitions flows into adds, removes and unchanged
//  4. Apply - Executor sends deletes then adds in one batch, with retry
//  5. Record - each record moves to installed or error
//  6. Sweep - Sweep repeats the cycle on connect, on removal and on a timer
//
// # Components
//
//   - Diff: pure comparison of desired records and observed flows
//   - Executor: batched device I/O with ack timeout and exponential backoff
//   - Reconciler: one serialised diff/repair cycle per device
//   - Provisioner: reserved discovery and coloring flows
//   - Sweep: event and timer driven reconciliation with trigger coalescing
//   - FlowManager: the intent API (install, delete, list, tags)
//
// # Reserved flows
//
// Reserved flows carry cookies in the 0xab (discovery) and 0xac (coloring)
// ranges. They are installed by the Provisioner, never stored, never part of
// a diff, and immune to bulk delete.
//
// # Error Classification
//
// Errors are classified for retry and reporting:
//
//   - Validation: malformed intent, rejected before anything is stored
//   - Transport: unreachable or silent device, retried then recorded as error
//   - Conflict: concurrent intent on one identity, absorbed by upsert
//   - Partial: a bulk request that failed on some devices only
//   - Permanent: a device rejection or a store failure
//
// Use the helper functions to inspect errors:
//
//	if IsRetryable(err) {
//	    // Retry the exchange
//	}
//
// # Thread Safety
//
// All exported types are safe for concurrent use. Reconciliations of one
// device never overlap; different devices run in parallel.
package engine
