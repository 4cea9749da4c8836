package jobs

import (
	"encoding/json"
	"strings"
	"time"
)

// Status represents the lifecycle of a transcription job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

var allStatuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusCompleted,
	StatusError,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsTerminal reports whether a status admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// StageError records which stage failed and why. Immutable once set.
type StageError struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// Job represents a transcription job persisted in SQLite.
type Job struct {
	ID             string
	ParentID       string
	Status         Status
	CurrentStage   string
	Progress       int
	SourceAudioRef string
	Instrument     string
	Tuning         string
	SeparateStems  bool
	StemName       string
	// SampleRate is set on fan-out children so stems keep the parent's
	// normalized rate. Zero means unknown.
	SampleRate   int
	Error        *StageError
	StageResults map[string]json.RawMessage
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// IsChild reports whether the job was created by fan-out.
func (j *Job) IsChild() bool {
	return j.ParentID != ""
}

// IsTerminal reports whether the job reached a terminal status.
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// HasStageResult reports whether a result has been recorded for the stage.
func (j *Job) HasStageResult(stage string) bool {
	_, ok := j.StageResults[stage]
	return ok
}

// HealthSummary describes aggregated job counts per lifecycle state.
type HealthSummary struct {
	Total      int
	Pending    int
	Processing int
	Completed  int
	Errored    int
}
