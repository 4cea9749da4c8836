package stage

import (
	"strings"
	"unicode"
)

// Stage identifies one transformation step in the pipeline.
type Stage string

const (
	Preprocessing     Stage = "preprocessing"
	StemSeparation    Stage = "stem_separation"
	FeatureExtraction Stage = "feature_extraction"
	NoteMapping       Stage = "note_mapping"
	OutputFormatting  Stage = "output_formatting"
)

var pipelineOrder = []Stage{
	Preprocessing,
	StemSeparation,
	FeatureExtraction,
	NoteMapping,
	OutputFormatting,
}

// checkpoints maps each stage's completion to a fixed progress percentage.
var checkpoints = map[Stage]int{
	Preprocessing:     20,
	StemSeparation:    40,
	FeatureExtraction: 60,
	NoteMapping:       80,
	OutputFormatting:  100,
}

var stageSet = func() map[Stage]struct{} {
	set := make(map[Stage]struct{}, len(pipelineOrder))
	for _, s := range pipelineOrder {
		set[s] = struct{}{}
	}
	return set
}()

// Order returns the ordered list of pipeline stages.
func Order() []Stage {
	cp := make([]Stage, len(pipelineOrder))
	copy(cp, pipelineOrder)
	return cp
}

// First returns the entry stage for a top-level job.
func First() Stage {
	return Preprocessing
}

// ChildEntry returns the entry stage for fan-out children. Children never
// re-enter stem separation.
func ChildEntry() Stage {
	return FeatureExtraction
}

// Parse converts a string into a known Stage.
func Parse(value string) (Stage, bool) {
	normalized := Stage(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := stageSet[normalized]
	return normalized, ok
}

// Next returns the stage that follows s in pipeline order, or false when s is
// the final stage.
func Next(s Stage) (Stage, bool) {
	for i, candidate := range pipelineOrder {
		if candidate == s {
			if i+1 < len(pipelineOrder) {
				return pipelineOrder[i+1], true
			}
			return "", false
		}
	}
	return "", false
}

// Checkpoint returns the progress percentage assigned to completing s.
func Checkpoint(s Stage) int {
	return checkpoints[s]
}

// Index returns the position of s in pipeline order, or -1 when unknown.
func Index(s Stage) int {
	for i, candidate := range pipelineOrder {
		if candidate == s {
			return i
		}
	}
	return -1
}

// SkipSeparation reports whether the stem separation stage forwards its input
// unchanged: the job opted out of separation, or the job is itself a fan-out
// child working on an already-isolated stem.
func SkipSeparation(separateStems, isChild bool) bool {
	return !separateStems || isChild
}

// Label renders a stage name for human-facing output.
func Label(s Stage) string {
	if s == "" {
		return ""
	}
	parts := strings.Fields(strings.ReplaceAll(string(s), "_", " "))
	for i, part := range parts {
		runes := []rune(strings.ToLower(part))
		runes[0] = unicode.ToUpper(runes[0])
		parts[i] = string(runes)
	}
	return strings.Join(parts, " ")
}
