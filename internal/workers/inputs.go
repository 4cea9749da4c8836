package workers

import (
	"fmt"
	"path/filepath"

	"tabscribe/internal/config"
	"tabscribe/internal/jobs"
	"tabscribe/internal/services"
	"tabscribe/internal/stage"
)

// defaultSampleRate is the fallback when a job record carries no rate, which
// only happens for children created before the rate column was populated.
const defaultSampleRate = 44100

func decodedResult(job *jobs.Job, s stage.Stage) (stage.Result, error) {
	raw, ok := job.StageResults[string(s)]
	if !ok {
		return nil, services.Wrap(services.ErrValidation, string(s), "build input", fmt.Sprintf("job %s has no %s result", job.ID, s), nil)
	}
	return stage.DecodeResult(s, raw)
}

func preprocessingOutput(job *jobs.Job) (stage.PreprocessingResult, error) {
	decoded, err := decodedResult(job, stage.Preprocessing)
	if err != nil {
		return stage.PreprocessingResult{}, err
	}
	return decoded.(stage.PreprocessingResult), nil
}

func separationOutput(job *jobs.Job) (stage.StemSeparationResult, error) {
	decoded, err := decodedResult(job, stage.StemSeparation)
	if err != nil {
		return stage.StemSeparationResult{}, err
	}
	return decoded.(stage.StemSeparationResult), nil
}

func featureOutput(job *jobs.Job) (stage.FeatureExtractionResult, error) {
	decoded, err := decodedResult(job, stage.FeatureExtraction)
	if err != nil {
		return stage.FeatureExtractionResult{}, err
	}
	return decoded.(stage.FeatureExtractionResult), nil
}

func noteOutput(job *jobs.Job) (stage.NoteMappingResult, error) {
	decoded, err := decodedResult(job, stage.NoteMapping)
	if err != nil {
		return stage.NoteMappingResult{}, err
	}
	return decoded.(stage.NoteMappingResult), nil
}

// separationInput builds the stem separation input from the preprocessing
// output.
func separationInput(cfg *config.Config, job *jobs.Job) (stage.StemSeparationInput, error) {
	pre, err := preprocessingOutput(job)
	if err != nil {
		return stage.StemSeparationInput{}, err
	}
	return stage.StemSeparationInput{
		NormalizedAudioRef: pre.NormalizedAudioRef,
		SampleRate:         pre.SampleRate,
		Model:              cfg.Separation.Model,
	}, nil
}

// featureInput selects the audio a job transcribes: the stem for fan-out
// children, the single usable stem when separation produced one, and the
// normalized upload otherwise.
func featureInput(job *jobs.Job) (stage.FeatureExtractionInput, error) {
	if job.IsChild() {
		rate := job.SampleRate
		if rate == 0 {
			rate = defaultSampleRate
		}
		return stage.FeatureExtractionInput{
			AudioRef:   job.SourceAudioRef,
			SampleRate: rate,
		}, nil
	}

	pre, err := preprocessingOutput(job)
	if err != nil {
		return stage.FeatureExtractionInput{}, err
	}
	sep, err := separationOutput(job)
	if err != nil {
		return stage.FeatureExtractionInput{}, err
	}

	audioRef := pre.NormalizedAudioRef
	if len(sep.Stems) == 1 {
		audioRef = sep.Stems[0].StemAudioRef
	}
	return stage.FeatureExtractionInput{
		AudioRef:   audioRef,
		SampleRate: pre.SampleRate,
	}, nil
}

func noteInput(cfg *config.Config, job *jobs.Job) (stage.NoteMappingInput, error) {
	features, err := featureOutput(job)
	if err != nil {
		return stage.NoteMappingInput{}, err
	}
	instrument := job.Instrument
	if instrument == "" {
		instrument = cfg.Instrument.DefaultType
	}
	tuning := job.Tuning
	if tuning == "" {
		tuning = cfg.Instrument.DefaultTuning
	}
	return stage.NoteMappingInput{
		Features:       features,
		InstrumentType: instrument,
		Tuning:         tuning,
	}, nil
}

func outputInput(cfg *config.Config, job *jobs.Job) (stage.OutputFormattingInput, error) {
	notes, err := noteOutput(job)
	if err != nil {
		return stage.OutputFormattingInput{}, err
	}
	features, err := featureOutput(job)
	if err != nil {
		return stage.OutputFormattingInput{}, err
	}
	instrument := job.Instrument
	if instrument == "" {
		instrument = cfg.Instrument.DefaultType
	}
	return stage.OutputFormattingInput{
		Notes:          notes.Notes,
		Tempo:          features.Tempo,
		Key:            features.Key,
		InstrumentType: instrument,
		ArtifactDir:    filepath.Join(cfg.Paths.ArtifactDir, job.ID),
		BaseName:       job.ID,
	}, nil
}
