package api

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"tabscribe/internal/config"
	"tabscribe/internal/jobs"
	"tabscribe/internal/services"
)

// JobReader abstracts the job store interactions needed for API queries.
type JobReader interface {
	GetByID(ctx context.Context, id string) (*jobs.Job, error)
	List(ctx context.Context, statuses ...jobs.Status) ([]*jobs.Job, error)
	Children(ctx context.Context, parentID string) ([]*jobs.Job, error)
	Stats(ctx context.Context) (map[jobs.Status]int, error)
	Create(ctx context.Context, job *jobs.Job) error
}

// Starter kicks a submitted job into the pipeline. The coordinator
// implements it.
type Starter interface {
	Start(ctx context.Context, jobID string) error
}

// SubmitRequest carries the parameters of a new transcription job.
type SubmitRequest struct {
	SourceAudioRef string `json:"source_audio_ref"`
	Instrument     string `json:"instrument,omitempty"`
	Tuning         string `json:"tuning,omitempty"`
	SeparateStems  *bool  `json:"separate_stems,omitempty"`
}

// JobService exposes job submission and read operations returning API DTOs.
type JobService struct {
	cfg     *config.Config
	store   JobReader
	starter Starter
}

// NewJobService constructs a JobService. The starter may be nil for read-only
// consumers.
func NewJobService(cfg *config.Config, store JobReader, starter Starter) *JobService {
	if store == nil {
		return nil
	}
	return &JobService{cfg: cfg, store: store, starter: starter}
}

// Submit creates a new pending job with configuration defaults applied and
// starts it when a starter is wired.
func (s *JobService) Submit(ctx context.Context, req SubmitRequest) (JobView, error) {
	if s == nil || s.store == nil {
		return JobView{}, services.Wrap(services.ErrConfiguration, "", "submit", "job service not configured", nil)
	}

	source := strings.TrimSpace(req.SourceAudioRef)
	if source == "" {
		return JobView{}, services.Wrap(services.ErrValidation, "", "submit", "source_audio_ref is required", nil)
	}

	instrument := strings.ToLower(strings.TrimSpace(req.Instrument))
	if instrument == "" {
		instrument = s.cfg.Instrument.DefaultType
	}
	tuning := strings.ToUpper(strings.TrimSpace(req.Tuning))
	if tuning == "" {
		tuning = s.cfg.Instrument.DefaultTuning
	}
	separate := s.cfg.Separation.Enabled
	if req.SeparateStems != nil {
		separate = *req.SeparateStems
	}

	job := &jobs.Job{
		ID:             uuid.NewString(),
		SourceAudioRef: source,
		Instrument:     instrument,
		Tuning:         tuning,
		SeparateStems:  separate,
	}
	if err := s.store.Create(ctx, job); err != nil {
		return JobView{}, err
	}

	if s.starter != nil {
		if err := s.starter.Start(ctx, job.ID); err != nil {
			return FromJob(job), err
		}
	}

	created, err := s.store.GetByID(ctx, job.ID)
	if err != nil {
		return FromJob(job), nil
	}
	return FromJob(created), nil
}

// Describe fetches a single job.
func (s *JobService) Describe(ctx context.Context, id string) (JobView, error) {
	if s == nil || s.store == nil {
		return JobView{}, services.Wrap(services.ErrConfiguration, "", "describe", "job service not configured", nil)
	}
	job, err := s.store.GetByID(ctx, id)
	if err != nil {
		return JobView{}, err
	}
	return FromJob(job), nil
}

// List returns jobs filtered by status.
func (s *JobService) List(ctx context.Context, statuses ...jobs.Status) ([]JobView, error) {
	if s == nil || s.store == nil {
		return nil, nil
	}
	records, err := s.store.List(ctx, statuses...)
	if err != nil {
		return nil, err
	}
	return FromJobs(records), nil
}

// Children returns the fan-out children of a parent job.
func (s *JobService) Children(ctx context.Context, parentID string) ([]JobView, error) {
	if s == nil || s.store == nil {
		return nil, nil
	}
	records, err := s.store.Children(ctx, parentID)
	if err != nil {
		return nil, err
	}
	return FromJobs(records), nil
}

// Stats returns job summary counts keyed by status string.
func (s *JobService) Stats(ctx context.Context) (map[string]int, error) {
	if s == nil || s.store == nil {
		return nil, nil
	}
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return MergeStats(stats), nil
}
