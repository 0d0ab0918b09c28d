// Package stores provides the persistence layer for flowkeeper.
// It includes a SQLite-based store with WAL mode and embedded migrations
// holding flow intent records, per-device tags and the reconcile event log.
//
// Every write touches a single row: upserts resolve on the live identity
// index and state changes are guarded by the allowed source states, so
// concurrent writers of distinct entries never overwrite each other.
package stores
