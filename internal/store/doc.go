// ABOUTME: Package store persists the gateway's diagnostic ledger in SQLite
// ABOUTME: Covers bridge diagnostics and "record metric" samples for later inspection

// Package store provides persistent storage for operational records using SQLite.
//
// # Architecture
//
// Store is the storage interface with two implementations:
//
//   - SQLiteStore: modernc.org/sqlite backed, WAL mode, schema created on open
//   - MockStore: in-memory, for tests
//
// Ledger sits in front of a Store and is what the rest of the gateway talks to.
// It implements bridge.DiagnosticRecorder and the metrics sink, queues records
// on a buffered channel and writes them from one goroutine, so the realtime path
// never waits on disk. When the buffer is full records are dropped and counted.
//
// # Data Models
//
//   - Diagnostic: failover, health and setup facts emitted by bridge sessions,
//     queryable per session and kind
//   - MetricSample: one row per recorded measurement with its tags
//
// # Timestamps
//
// Timestamps are stored as fixed-width UTC RFC3339 strings so range filters can
// compare them as text.
package store
