// Package progress provides pipeline lifecycle events, a non-blocking hub
// that batches them on a background goroutine, and the emitter interface the
// coordinator reports through. Batches fan out to pluggable sinks such as
// structured logs, Prometheus metrics or run history storage.
package progress
