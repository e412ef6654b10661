// ABOUTME: Package metrics exposes gateway counters to prometheus and defines the metric sink.
// ABOUTME: Other packages record through Sink so they never import prometheus directly.

// Package metrics collects gateway measurements.
//
// Components record through the Sink interface by name. Metrics maps the known
// names onto prometheus collectors in a private registry, counts bridge
// diagnostics by kind, and can produce a JSON-friendly snapshot for the operator
// API. Fanout lets the same measurement reach the diagnostic ledger as well.
package metrics
