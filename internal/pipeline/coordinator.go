package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"tabscribe/internal/config"
	"tabscribe/internal/jobs"
	"tabscribe/internal/logging"
	"tabscribe/internal/services"
	"tabscribe/internal/stage"
)

// Dispatcher hands a stage execution to the external worker layer. The
// dispatch layer owns deadlines and retries; the coordinator only learns the
// outcome through Advance or Fail.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *jobs.Job, s stage.Stage) error
}

// Coordinator drives jobs through the stage order. It is the only writer of
// job state transitions and tolerates at-least-once delivery of completion
// callbacks.
type Coordinator struct {
	cfg        *config.Config
	store      *jobs.Store
	dispatcher Dispatcher
	fanOut     *FanOut
	logger     *slog.Logger
}

// NewCoordinator constructs a coordinator on top of the job store.
func NewCoordinator(cfg *config.Config, store *jobs.Store, dispatcher Dispatcher, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Coordinator{
		cfg:        cfg,
		store:      store,
		dispatcher: dispatcher,
		fanOut:     NewFanOut(cfg, store, logger),
		logger:     logging.NewComponentLogger(logger, "coordinator"),
	}
}

// Start moves a pending job into processing at the first stage and dispatches
// it. Starting a job that already left pending is a no-op.
func (c *Coordinator) Start(ctx context.Context, jobID string) error {
	ctx = services.WithJobID(ctx, jobID)
	log := logging.WithContext(ctx, c.logger)

	job, err := c.store.GetByID(ctx, jobID)
	if err != nil {
		return err
	}

	first := stage.First()
	if job.IsChild() {
		first = stage.ChildEntry()
	}

	moved, err := c.store.StartProcessing(ctx, jobID, string(first))
	if err != nil {
		return err
	}
	if !moved {
		log.Debug("start ignored", logging.String(logging.FieldEventType, "start_duplicate"))
		return nil
	}

	job, err = c.store.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	log.Info("job started",
		logging.String(logging.FieldStage, string(first)),
		logging.String(logging.FieldEventType, "job_started"))
	return c.dispatch(ctx, job, first)
}

// Advance records a stage completion and moves the job forward. Stale or
// duplicate deliveries return nil without mutating anything.
func (c *Coordinator) Advance(ctx context.Context, jobID string, completed stage.Stage, result stage.Result) error {
	ctx = services.WithJobID(ctx, jobID)
	ctx = services.WithStage(ctx, string(completed))
	log := logging.WithContext(ctx, c.logger)

	job, err := c.store.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			return services.Wrap(services.ErrNotFound, string(completed), "advance", fmt.Sprintf("job %s not found", jobID), err)
		}
		return err
	}
	if job.IsTerminal() {
		log.Debug("completion for terminal job ignored",
			logging.String(logging.FieldEventType, "advance_terminal"))
		return nil
	}
	if job.CurrentStage != string(completed) {
		log.Debug("out-of-order completion ignored",
			logging.String(logging.FieldEventType, "advance_out_of_order"),
			logging.String("current_stage", job.CurrentStage))
		return nil
	}

	if completed == stage.StemSeparation {
		separation, ok := result.(stage.StemSeparationResult)
		if !ok {
			return c.failInvalid(ctx, job, completed, "result type does not match stage")
		}
		return c.completeSeparation(ctx, job, separation)
	}

	payload, err := stage.EncodeResult(result)
	if err != nil {
		return c.failInvalid(ctx, job, completed, services.Details(err).Message)
	}
	if result.Stage() != completed {
		return c.failInvalid(ctx, job, completed, "result type does not match stage")
	}

	inserted, err := c.store.AppendStageResult(ctx, jobID, string(completed), payload)
	if err != nil {
		return err
	}
	if !inserted {
		// A prior delivery recorded the payload but may have died before
		// advancing. The stage guard above already filtered fully-applied
		// duplicates, so keep going and let AdvanceStage commit the move.
		log.Debug("completion already recorded, resuming advance",
			logging.String(logging.FieldEventType, "advance_duplicate"))
	}

	if completed == stage.OutputFormatting {
		done, err := c.store.Complete(ctx, jobID, string(completed), stage.Checkpoint(completed))
		if err != nil {
			return err
		}
		if done {
			log.Info("job completed",
				logging.String(logging.FieldEventType, "job_completed"))
		}
		return nil
	}

	next, ok := stage.Next(completed)
	if !ok {
		return services.Wrap(services.ErrValidation, string(completed), "advance", "no next stage", nil)
	}
	moved, err := c.store.AdvanceStage(ctx, jobID, string(completed), string(next), stage.Checkpoint(completed))
	if err != nil {
		return err
	}
	if !moved {
		log.Debug("concurrent advance lost, ignoring",
			logging.String(logging.FieldEventType, "advance_raced"))
		return nil
	}

	job, err = c.store.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	log.Info("stage completed",
		logging.String(logging.FieldEventType, "stage_completed"),
		logging.String("next_stage", string(next)),
		logging.Int("progress", job.Progress))

	if next == stage.StemSeparation && stage.SkipSeparation(job.SeparateStems, job.IsChild()) {
		// Forward the normalized audio unchanged instead of invoking the
		// separation worker. Children carry isolated stems already.
		return c.completeSeparation(ctx, job, stage.StemSeparationResult{IsStem: job.IsChild()})
	}
	return c.dispatch(ctx, job, next)
}

// Fail records a terminal stage failure. Failing a job that already reached a
// terminal status is a no-op.
func (c *Coordinator) Fail(ctx context.Context, jobID string, failed stage.Stage, message string) error {
	ctx = services.WithJobID(ctx, jobID)
	ctx = services.WithStage(ctx, string(failed))
	log := logging.WithContext(ctx, c.logger)

	job, err := c.store.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			return services.Wrap(services.ErrNotFound, string(failed), "fail", fmt.Sprintf("job %s not found", jobID), err)
		}
		return err
	}
	if job.IsTerminal() {
		log.Debug("failure for terminal job ignored",
			logging.String(logging.FieldEventType, "fail_terminal"))
		return nil
	}

	applied, err := c.store.MarkFailed(ctx, jobID, string(failed), message)
	if err != nil {
		return err
	}
	if applied {
		log.Error("job failed",
			logging.String(logging.FieldEventType, "job_failed"),
			logging.String("error_message", message))
	}
	return nil
}

// completeSeparation handles the three outcomes of stem separation: fan-out
// for two or more usable stems, direct continuation on the single stem, and
// pass-through of the normalized audio when nothing usable was produced.
func (c *Coordinator) completeSeparation(ctx context.Context, job *jobs.Job, result stage.StemSeparationResult) error {
	log := logging.WithContext(ctx, c.logger)

	if err := result.Validate(); err != nil {
		return c.failInvalid(ctx, job, stage.StemSeparation, services.Details(err).Message)
	}

	usable := c.fanOut.UsableStems(result.Stems)
	if len(usable) >= 2 {
		childIDs, inserted, err := c.fanOut.Execute(ctx, job, usable)
		if err != nil {
			return err
		}
		if inserted {
			log.Info("job fanned out",
				logging.String(logging.FieldEventType, "job_fanned_out"),
				logging.Int("children", len(childIDs)))
		} else {
			log.Debug("fan-out already recorded, re-dispatching children",
				logging.String(logging.FieldEventType, "fan_out_duplicate"))
		}
		// Dispatch on redelivery too. A crash between the record and this
		// loop would otherwise strand already-created children.
		for _, childID := range childIDs {
			child, err := c.store.GetByID(ctx, childID)
			if err != nil {
				return err
			}
			if err := c.dispatch(ctx, child, stage.ChildEntry()); err != nil {
				return err
			}
		}
		return nil
	}

	if len(usable) == 1 {
		result = stage.StemSeparationResult{Stems: usable, IsStem: true}
	} else {
		result = stage.StemSeparationResult{IsStem: result.IsStem}
	}

	payload, err := stage.EncodeResult(result)
	if err != nil {
		return c.failInvalid(ctx, job, stage.StemSeparation, services.Details(err).Message)
	}
	inserted, err := c.store.AppendStageResult(ctx, job.ID, string(stage.StemSeparation), payload)
	if err != nil {
		return err
	}
	if !inserted {
		// Same redelivery window as in Advance. Fall through so a result
		// recorded by a delivery that died mid-commit still moves the job.
		log.Debug("completion already recorded, resuming advance",
			logging.String(logging.FieldEventType, "advance_duplicate"))
	}

	next := stage.FeatureExtraction
	moved, err := c.store.AdvanceStage(ctx, job.ID, string(stage.StemSeparation), string(next), stage.Checkpoint(stage.StemSeparation))
	if err != nil {
		return err
	}
	if !moved {
		log.Debug("concurrent advance lost, ignoring",
			logging.String(logging.FieldEventType, "advance_raced"))
		return nil
	}

	job, err = c.store.GetByID(ctx, job.ID)
	if err != nil {
		return err
	}
	log.Info("stage completed",
		logging.String(logging.FieldStage, string(stage.StemSeparation)),
		logging.String(logging.FieldEventType, "stage_completed"),
		logging.String("next_stage", string(next)),
		logging.Int("progress", job.Progress))
	return c.dispatch(ctx, job, next)
}

func (c *Coordinator) failInvalid(ctx context.Context, job *jobs.Job, s stage.Stage, message string) error {
	if err := c.Fail(ctx, job.ID, s, message); err != nil {
		return err
	}
	return services.Wrap(services.ErrValidation, string(s), "advance", message, nil)
}

func (c *Coordinator) dispatch(ctx context.Context, job *jobs.Job, s stage.Stage) error {
	if c.dispatcher == nil {
		return services.Wrap(services.ErrConfiguration, string(s), "dispatch", "no dispatcher configured", nil)
	}
	if err := c.dispatcher.Dispatch(ctx, job, s); err != nil {
		return services.Wrap(services.ErrTransient, string(s), "dispatch", fmt.Sprintf("dispatch %s for job %s", s, job.ID), err)
	}
	return nil
}
