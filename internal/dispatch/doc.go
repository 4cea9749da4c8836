// Package dispatch runs stage executions on a bounded worker pool. It applies
// the per-stage deadline, retries transient failures up to the configured
// budget, and reports outcomes back through the bound Completer.
package dispatch
