// Package sinks implements concrete progress consumers: structured logging,
// Prometheus metrics and run history storage. Each sink satisfies the
// progress.Sink interface and is safe for repeated Consume/Close cycles.
package sinks
