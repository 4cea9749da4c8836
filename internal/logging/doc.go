// Package logging centralizes slog logger construction and the structured
// field vocabulary used across the daemon and pipeline.
package logging
