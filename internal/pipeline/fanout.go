package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"tabscribe/internal/config"
	"tabscribe/internal/jobs"
	"tabscribe/internal/logging"
	"tabscribe/internal/stage"
)

// vocalsStem is excluded from fan-out unless the configuration asks for it.
const vocalsStem = "vocals"

// FanOut turns a multi-stem separation result into independent child jobs.
type FanOut struct {
	cfg    *config.Config
	store  *jobs.Store
	logger *slog.Logger
}

// NewFanOut constructs the fan-out controller.
func NewFanOut(cfg *config.Config, store *jobs.Store, logger *slog.Logger) *FanOut {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &FanOut{
		cfg:    cfg,
		store:  store,
		logger: logging.NewComponentLogger(logger, "fanout"),
	}
}

// ChildID derives the deterministic child job id for a stem. Top-level ids are
// UUIDs and contain no underscore, so a derived id can never collide with one.
func ChildID(parentID, stemName string) string {
	return parentID + "_" + stemName
}

// UsableStems filters the separation output down to the stems that get their
// own child job.
func (f *FanOut) UsableStems(stems []stage.StemRef) []stage.StemRef {
	usable := make([]stage.StemRef, 0, len(stems))
	for _, stem := range stems {
		if stem.StemName == vocalsStem && !f.cfg.Separation.IncludeVocals {
			continue
		}
		usable = append(usable, stem)
	}
	return usable
}

// Execute creates one child job per stem and records the fan-out on the
// parent. The parent keeps its processing status but stops advancing; clients
// follow the children from the recorded bookkeeping entry. The returned flag
// reports whether this call performed the fan-out or found it already done.
func (f *FanOut) Execute(ctx context.Context, parent *jobs.Job, stems []stage.StemRef) ([]string, bool, error) {
	log := logging.WithContext(ctx, f.logger)

	sampleRate := parentSampleRate(parent)
	childIDs := make([]string, 0, len(stems))
	for _, stem := range stems {
		childID := ChildID(parent.ID, stem.StemName)
		childIDs = append(childIDs, childID)

		child := &jobs.Job{
			ID:             childID,
			ParentID:       parent.ID,
			Status:         jobs.StatusProcessing,
			CurrentStage:   string(stage.ChildEntry()),
			Progress:       stage.Checkpoint(stage.StemSeparation),
			SourceAudioRef: stem.StemAudioRef,
			Instrument:     parent.Instrument,
			Tuning:         parent.Tuning,
			StemName:       stem.StemName,
			SampleRate:     sampleRate,
		}
		if err := f.store.Create(ctx, child); err != nil {
			if errors.Is(err, jobs.ErrAlreadyExists) {
				// Redelivered fan-out; the child from the first delivery stands.
				continue
			}
			return nil, false, err
		}
		log.Info("child job created",
			logging.String(logging.FieldParentJobID, parent.ID),
			logging.String(logging.FieldJobID, childID),
			logging.String(logging.FieldStemName, stem.StemName),
			logging.String(logging.FieldEventType, "child_created"))
	}

	record := stage.FanOutRecord{Status: stage.FannedOut, ChildJobIDs: childIDs}
	payload, err := json.Marshal(record)
	if err != nil {
		return nil, false, err
	}
	inserted, err := f.store.AppendStageResult(ctx, parent.ID, string(stage.StemSeparation), json.RawMessage(payload))
	if err != nil {
		return nil, false, err
	}

	// The parent holds at stem separation with its checkpoint reached. Runs
	// on redelivery too; a crash can separate it from the record above.
	if _, err := f.store.AdvanceStage(ctx, parent.ID, string(stage.StemSeparation), string(stage.StemSeparation), stage.Checkpoint(stage.StemSeparation)); err != nil {
		return nil, false, err
	}
	return childIDs, inserted, nil
}

// parentSampleRate reads the normalized rate out of the parent's recorded
// preprocessing result. Stems keep that rate, so children carry it forward.
func parentSampleRate(parent *jobs.Job) int {
	raw, ok := parent.StageResults[string(stage.Preprocessing)]
	if !ok {
		return 0
	}
	decoded, err := stage.DecodeResult(stage.Preprocessing, raw)
	if err != nil {
		return 0
	}
	pre, ok := decoded.(stage.PreprocessingResult)
	if !ok {
		return 0
	}
	return pre.SampleRate
}
