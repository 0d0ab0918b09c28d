// Package flows defines the flow-entry domain model shared by the store, the
// reconciliation engine and the switch gateways.
//
// A Flow is the device-facing definition of a rule (table, priority, match,
// ordered actions, timeouts, cookie). A Record is the persisted intent for a
// Flow on one device, carrying its lifecycle State. Observed is a Flow as
// reported by a live dump of a device, including its counters.
//
// # Identity
//
// Two flows on the same device are the same entry when their Key is equal:
// the cookie when one is set, otherwise table, priority and the canonical
// match. Re-submitting a flow with an existing key updates that entry.
//
// # Reserved flows
//
// Cookies whose top byte is 0xab (discovery) or 0xac (topology coloring)
// belong to the basic-flow provisioner. Validate rejects them, so reserved
// flows can never be created, listed or deleted through user intent.
//
// # Validation
//
// Validate checks a flow against an embedded CUE schema (field types and
// ranges) and then against engine rules: only table 0 is managed, and every
// action carries the arguments its type needs.
package flows
