// Package sinks implements concrete progress consumers: Prometheus metrics,
// per-spider counters kept in a state.Store, and structured logging.
package sinks
