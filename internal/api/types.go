package api

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// JobView is the polling contract exposed to clients.
type JobView struct {
	JobID          string            `json:"job_id"`
	Status         string            `json:"status"`
	CurrentStage   string            `json:"current_stage,omitempty"`
	Progress       int               `json:"progress"`
	Error          *JobError         `json:"error,omitempty"`
	ParentJobID    string            `json:"parent_job_id,omitempty"`
	ChildJobIDs    []string          `json:"child_job_ids,omitempty"`
	StemName       string            `json:"stem_name,omitempty"`
	SourceAudioRef string            `json:"source_audio_ref,omitempty"`
	Instrument     string            `json:"instrument,omitempty"`
	Tuning         string            `json:"tuning,omitempty"`
	ArtifactPaths  map[string]string `json:"artifact_paths,omitempty"`
	CreatedAt      string            `json:"created_at,omitempty"`
	UpdatedAt      string            `json:"updated_at,omitempty"`
	CompletedAt    string            `json:"completed_at,omitempty"`
}

// JobError mirrors the persisted {stage, message} failure record.
type JobError struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// JobListResponse wraps a collection of jobs for API responses.
type JobListResponse struct {
	Jobs []JobView `json:"jobs"`
}

// JobResponse wraps a single job.
type JobResponse struct {
	Job JobView `json:"job"`
}

// StatsResponse provides normalized job counts keyed by status.
type StatsResponse struct {
	Counts map[string]int `json:"counts"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running      bool           `json:"running"`
	PID          int            `json:"pid"`
	DatabasePath string         `json:"database_path"`
	LockFilePath string         `json:"lock_file_path"`
	Counts       map[string]int `json:"counts"`
	WorkersReady bool           `json:"workers_ready"`
	WorkerDetail string         `json:"worker_detail,omitempty"`
}
