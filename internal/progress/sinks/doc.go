// Package sinks implements concrete progress consumers: Prometheus collectors
// for run and item outcomes and a structured log stream. Each sink satisfies
// the progress.Sink interface and is safe for repeated Consume/Close cycles.
package sinks
