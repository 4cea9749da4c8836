// Package stage defines the ordered pipeline stage contract: stage names,
// progress checkpoints, the separation skip predicate, and the typed
// input/output schemas validated at stage boundaries.
package stage
