package logging

// Standardized structured logging keys shared across components.
const (
	// FieldComponent names the emitting component.
	FieldComponent = "component"
	// FieldJobID carries the pipeline job identifier.
	FieldJobID = "job_id"
	// FieldParentJobID carries the parent identifier on fan-out children.
	FieldParentJobID = "parent_job_id"
	// FieldStage carries the pipeline stage name.
	FieldStage = "stage"
	// FieldStemName carries the separated stem name on fan-out children.
	FieldStemName = "stem_name"
	// FieldEventType tags log records for machine filtering.
	FieldEventType = "event_type"
	// FieldErrorKind carries the classified error kind.
	FieldErrorKind = "error_kind"
	// FieldErrorHint suggests the next diagnostic step for a failure.
	FieldErrorHint = "error_hint"
	// FieldRequestID carries the correlation identifier for one dispatch.
	FieldRequestID = "request_id"
)
