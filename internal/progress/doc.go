// Package progress provides the event primitives, non-blocking hub, and emitter
// interface that the fetcher and spider manager use to report lifecycle
// transitions and fetch completions. Events are batched on a background
// goroutine and fanned out to pluggable sinks such as Prometheus metrics or
// structured logs.
package progress
