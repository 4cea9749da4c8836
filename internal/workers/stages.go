package workers

import (
	"context"
	"log/slog"

	"tabscribe/internal/config"
	"tabscribe/internal/dispatch"
	"tabscribe/internal/jobs"
	"tabscribe/internal/logging"
	"tabscribe/internal/stage"
)

// commandWorker runs one configured stage command, feeding it the stage input
// schema on stdin and decoding the stage output schema from stdout. The
// output is validated at the boundary before it reaches the coordinator.
type commandWorker[T stage.Result] struct {
	stage      stage.Stage
	command    func() string
	buildInput func(job *jobs.Job) (any, error)
	logger     *slog.Logger
}

func (w *commandWorker[T]) Stage() stage.Stage { return w.stage }

func (w *commandWorker[T]) HealthCheck(_ context.Context) error {
	return checkCommand(string(w.stage), w.command())
}

func (w *commandWorker[T]) Execute(ctx context.Context, job *jobs.Job) (stage.Result, error) {
	input, err := w.buildInput(job)
	if err != nil {
		return nil, err
	}
	var out T
	if err := runJSONCommand(ctx, string(w.stage), w.command(), input, &out); err != nil {
		return nil, err
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	logging.WithContext(ctx, w.logger).Debug("stage command finished",
		logging.String(logging.FieldStage, string(w.stage)))
	return out, nil
}

// NewStemSeparationWorker runs the configured separation command.
func NewStemSeparationWorker(cfg *config.Config, logger *slog.Logger) dispatch.Worker {
	return &commandWorker[stage.StemSeparationResult]{
		stage:   stage.StemSeparation,
		command: func() string { return cfg.Tools.StemSeparationCommand },
		buildInput: func(job *jobs.Job) (any, error) {
			return separationInput(cfg, job)
		},
		logger: logging.NewComponentLogger(logger, "stem-separation"),
	}
}

// NewFeatureExtractionWorker runs the configured feature extraction command.
func NewFeatureExtractionWorker(cfg *config.Config, logger *slog.Logger) dispatch.Worker {
	return &commandWorker[stage.FeatureExtractionResult]{
		stage:   stage.FeatureExtraction,
		command: func() string { return cfg.Tools.FeatureExtractionCommand },
		buildInput: func(job *jobs.Job) (any, error) {
			return featureInput(job)
		},
		logger: logging.NewComponentLogger(logger, "feature-extraction"),
	}
}

// NewNoteMappingWorker runs the configured note mapping command.
func NewNoteMappingWorker(cfg *config.Config, logger *slog.Logger) dispatch.Worker {
	return &commandWorker[stage.NoteMappingResult]{
		stage:   stage.NoteMapping,
		command: func() string { return cfg.Tools.NoteMappingCommand },
		buildInput: func(job *jobs.Job) (any, error) {
			return noteInput(cfg, job)
		},
		logger: logging.NewComponentLogger(logger, "note-mapping"),
	}
}

// NewOutputFormattingWorker runs the configured output formatting command.
func NewOutputFormattingWorker(cfg *config.Config, logger *slog.Logger) dispatch.Worker {
	return &commandWorker[stage.OutputFormattingResult]{
		stage:   stage.OutputFormatting,
		command: func() string { return cfg.Tools.OutputFormattingCommand },
		buildInput: func(job *jobs.Job) (any, error) {
			return outputInput(cfg, job)
		},
		logger: logging.NewComponentLogger(logger, "output-formatting"),
	}
}

// All constructs the full worker set for the daemon.
func All(cfg *config.Config, logger *slog.Logger) []dispatch.Worker {
	return []dispatch.Worker{
		NewPreprocessingWorker(cfg, logger),
		NewStemSeparationWorker(cfg, logger),
		NewFeatureExtractionWorker(cfg, logger),
		NewNoteMappingWorker(cfg, logger),
		NewOutputFormattingWorker(cfg, logger),
	}
}
