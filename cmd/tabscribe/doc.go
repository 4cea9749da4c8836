// Command tabscribe is the CLI entry point: it runs the transcription daemon
// and provides job submission, inspection, and configuration commands.
package main
