// Package services provides shared error classification and context
// annotation helpers used across pipeline components.
package services
