// Package daemon runs the background transcription service: the job store,
// the dispatch pool with its stage workers, the pipeline coordinator, and the
// HTTP API, behind a single-instance lock.
package daemon
