package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// StartProcessing moves a pending job into processing at the given stage.
// It reports false without error when the job already left pending, so
// redelivered start requests are no-ops.
func (s *Store) StartProcessing(ctx context.Context, id, firstStage string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
            SET status = ?, current_stage = ?, updated_at = ?
          WHERE job_id = ? AND status = ?`,
		StatusProcessing, firstStage, now, id, StatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("start processing: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// AppendStageResult records a stage output exactly once. Redelivered results
// for a stage that already has a payload report false and leave the first
// payload in place.
func (s *Store) AppendStageResult(ctx context.Context, id, stageName string, payload json.RawMessage) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO job_stage_results (job_id, stage, payload, created_at)
         VALUES (?, ?, ?, ?)`,
		id, stageName, string(payload), now,
	)
	if err != nil {
		return false, fmt.Errorf("append stage result: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// AdvanceStage moves a processing job from one stage to the next and raises
// its progress. The update only applies while the job still sits at fromStage,
// which makes out-of-order completions no-ops.
func (s *Store) AdvanceStage(ctx context.Context, id, fromStage, toStage string, progress int) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
            SET current_stage = ?, progress = MAX(progress, ?), updated_at = ?
          WHERE job_id = ? AND current_stage = ? AND status = ?`,
		toStage, progress, now, id, fromStage, StatusProcessing,
	)
	if err != nil {
		return false, fmt.Errorf("advance stage: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Complete marks a processing job finished after its final stage. The guard on
// current_stage keeps duplicate completions from touching the record twice.
func (s *Store) Complete(ctx context.Context, id, fromStage string, progress int) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
            SET status = ?, progress = MAX(progress, ?), updated_at = ?, completed_at = ?
          WHERE job_id = ? AND current_stage = ? AND status = ?`,
		StatusCompleted, progress, now, now, id, fromStage, StatusProcessing,
	)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// MarkFailed records a terminal error with the stage that raised it. Jobs that
// already reached a terminal status stay untouched.
func (s *Store) MarkFailed(ctx context.Context, id, stageName, message string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
            SET status = ?, error_stage = ?, error_message = ?, updated_at = ?, completed_at = ?
          WHERE job_id = ? AND status NOT IN (?, ?)`,
		StatusError, stageName, message, now, now, id, StatusCompleted, StatusError,
	)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}
