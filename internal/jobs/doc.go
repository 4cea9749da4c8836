// Package jobs persists transcription job records in SQLite. All state
// transitions are guarded compare-and-swap updates so redelivered stage
// completions cannot move a job twice or resurrect a terminal record.
package jobs
