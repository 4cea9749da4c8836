// Package pipeline sequences transcription jobs through the ordered stages.
// The coordinator reacts to completion callbacks from the dispatch layer,
// persists stage outputs write-once, and branches into independent child jobs
// when stem separation produces multiple usable stems.
package pipeline
