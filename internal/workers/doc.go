// Package workers adapts the external stage collaborators into dispatchable
// units. Preprocessing shells out to ffmpeg/ffprobe directly; the remaining
// stages run configured commands that read their input schema as JSON on
// stdin and write their output schema to stdout.
package workers
