package api

import (
	"encoding/json"

	"tabscribe/internal/jobs"
	"tabscribe/internal/stage"
)

// FromJob converts a persisted job record to its API representation.
func FromJob(job *jobs.Job) JobView {
	if job == nil {
		return JobView{}
	}

	view := JobView{
		JobID:          job.ID,
		Status:         string(job.Status),
		CurrentStage:   job.CurrentStage,
		Progress:       job.Progress,
		ParentJobID:    job.ParentID,
		StemName:       job.StemName,
		SourceAudioRef: job.SourceAudioRef,
		Instrument:     job.Instrument,
		Tuning:         job.Tuning,
	}
	if job.Error != nil {
		view.Error = &JobError{Stage: job.Error.Stage, Message: job.Error.Message}
	}
	if raw, ok := job.StageResults[string(stage.StemSeparation)]; ok {
		var record stage.FanOutRecord
		if err := json.Unmarshal(raw, &record); err == nil && record.Status == stage.FannedOut {
			view.ChildJobIDs = record.ChildJobIDs
		}
	}
	if raw, ok := job.StageResults[string(stage.OutputFormatting)]; ok {
		var artifacts stage.OutputFormattingResult
		if err := json.Unmarshal(raw, &artifacts); err == nil {
			view.ArtifactPaths = artifacts.ArtifactPaths
		}
	}
	if !job.CreatedAt.IsZero() {
		view.CreatedAt = job.CreatedAt.UTC().Format(dateTimeFormat)
	}
	if !job.UpdatedAt.IsZero() {
		view.UpdatedAt = job.UpdatedAt.UTC().Format(dateTimeFormat)
	}
	if job.CompletedAt != nil && !job.CompletedAt.IsZero() {
		view.CompletedAt = job.CompletedAt.UTC().Format(dateTimeFormat)
	}
	return view
}

// FromJobs converts a slice of job records.
func FromJobs(records []*jobs.Job) []JobView {
	if len(records) == 0 {
		return nil
	}
	views := make([]JobView, 0, len(records))
	for _, job := range records {
		views = append(views, FromJob(job))
	}
	return views
}

// MergeStats normalizes status counts, ensuring every known status appears.
func MergeStats(stats map[jobs.Status]int) map[string]int {
	merged := make(map[string]int, len(jobs.AllStatuses()))
	for _, status := range jobs.AllStatuses() {
		merged[string(status)] = stats[status]
	}
	return merged
}
