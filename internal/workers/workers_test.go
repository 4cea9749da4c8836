package workers

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"tabscribe/internal/jobs"
	"tabscribe/internal/logging"
	"tabscribe/internal/services"
	"tabscribe/internal/stage"
	"tabscribe/internal/testsupport"
)

func mustRaw(t *testing.T, result stage.Result) json.RawMessage {
	t.Helper()
	raw, err := stage.EncodeResult(result)
	if err != nil {
		t.Fatalf("encode result: %v", err)
	}
	return raw
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestFeatureInputSelectsSingleStem(t *testing.T) {
	job := &jobs.Job{
		ID: "job-1",
		StageResults: map[string]json.RawMessage{
			string(stage.Preprocessing): mustRaw(t, stage.PreprocessingResult{
				NormalizedAudioRef: "/tmp/normalized.wav",
				SampleRate:         48000,
				Duration:           3,
			}),
			string(stage.StemSeparation): mustRaw(t, stage.StemSeparationResult{
				Stems:  []stage.StemRef{{StemName: "bass", StemAudioRef: "/tmp/bass.wav"}},
				IsStem: true,
			}),
		},
	}

	input, err := featureInput(job)
	if err != nil {
		t.Fatalf("featureInput failed: %v", err)
	}
	if input.AudioRef != "/tmp/bass.wav" {
		t.Fatalf("expected stem audio, got %s", input.AudioRef)
	}
	if input.SampleRate != 48000 {
		t.Fatalf("expected probed sample rate, got %d", input.SampleRate)
	}
}

func TestFeatureInputPassThrough(t *testing.T) {
	job := &jobs.Job{
		ID: "job-2",
		StageResults: map[string]json.RawMessage{
			string(stage.Preprocessing): mustRaw(t, stage.PreprocessingResult{
				NormalizedAudioRef: "/tmp/normalized.wav",
				SampleRate:         44100,
				Duration:           3,
			}),
			string(stage.StemSeparation): mustRaw(t, stage.StemSeparationResult{}),
		},
	}

	input, err := featureInput(job)
	if err != nil {
		t.Fatalf("featureInput failed: %v", err)
	}
	if input.AudioRef != "/tmp/normalized.wav" {
		t.Fatalf("expected normalized audio, got %s", input.AudioRef)
	}
}

func TestFeatureInputForChild(t *testing.T) {
	job := &jobs.Job{
		ID:             "parent_drums",
		ParentID:       "parent",
		StemName:       "drums",
		SourceAudioRef: "/tmp/stems/drums.wav",
		SampleRate:     48000,
	}

	input, err := featureInput(job)
	if err != nil {
		t.Fatalf("featureInput failed: %v", err)
	}
	if input.AudioRef != "/tmp/stems/drums.wav" {
		t.Fatalf("expected stem source, got %s", input.AudioRef)
	}
	if input.SampleRate != 48000 {
		t.Fatalf("expected inherited sample rate, got %d", input.SampleRate)
	}

	job.SampleRate = 0
	input, err = featureInput(job)
	if err != nil {
		t.Fatalf("featureInput failed: %v", err)
	}
	if input.SampleRate != defaultSampleRate {
		t.Fatalf("expected fallback sample rate, got %d", input.SampleRate)
	}
}

func TestFeatureInputMissingResults(t *testing.T) {
	job := &jobs.Job{ID: "job-3"}
	if _, err := featureInput(job); services.Classify(err) != services.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestNoteInputAppliesInstrumentDefaults(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	job := &jobs.Job{
		ID: "job-4",
		StageResults: map[string]json.RawMessage{
			string(stage.FeatureExtraction): mustRaw(t, stage.FeatureExtractionResult{Tempo: 120, Key: "E minor"}),
		},
	}

	input, err := noteInput(cfg, job)
	if err != nil {
		t.Fatalf("noteInput failed: %v", err)
	}
	if input.InstrumentType != cfg.Instrument.DefaultType {
		t.Fatalf("expected default instrument, got %s", input.InstrumentType)
	}
	if input.Tuning != cfg.Instrument.DefaultTuning {
		t.Fatalf("expected default tuning, got %s", input.Tuning)
	}
	if input.Features.Tempo != 120 {
		t.Fatalf("expected features to carry over, got %#v", input.Features)
	}
}

func TestCommandWorkerRoundTrip(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	script := writeScript(t, `cat >/dev/null
echo '{"onsets":[0.0,0.5],"pitch_track":{"time":[],"freq":[],"confidence":[]},"tempo":120,"key":"E minor","is_polyphonic":false}'`)
	cfg.Tools.FeatureExtractionCommand = script

	job := &jobs.Job{
		ID: "job-cmd",
		StageResults: map[string]json.RawMessage{
			string(stage.Preprocessing): mustRaw(t, stage.PreprocessingResult{
				NormalizedAudioRef: "/tmp/normalized.wav",
				SampleRate:         44100,
				Duration:           3,
			}),
			string(stage.StemSeparation): mustRaw(t, stage.StemSeparationResult{}),
		},
	}

	worker := NewFeatureExtractionWorker(cfg, logging.NewNop())
	result, err := worker.Execute(context.Background(), job)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	features, ok := result.(stage.FeatureExtractionResult)
	if !ok {
		t.Fatalf("unexpected result type %T", result)
	}
	if features.Tempo != 120 || len(features.Onsets) != 2 {
		t.Fatalf("unexpected result: %#v", features)
	}
}

func TestCommandWorkerReportsStderr(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	script := writeScript(t, `cat >/dev/null
echo "model unavailable" >&2
exit 1`)
	cfg.Tools.StemSeparationCommand = script

	job := &jobs.Job{
		ID: "job-err",
		StageResults: map[string]json.RawMessage{
			string(stage.Preprocessing): mustRaw(t, stage.PreprocessingResult{
				NormalizedAudioRef: "/tmp/normalized.wav",
				SampleRate:         44100,
				Duration:           3,
			}),
		},
	}

	worker := NewStemSeparationWorker(cfg, logging.NewNop())
	_, err := worker.Execute(context.Background(), job)
	if services.Classify(err) != services.KindStageExecution {
		t.Fatalf("expected stage execution error, got %v", err)
	}
	if !services.IsFatal(err) {
		t.Fatal("expected command failure to be fatal")
	}
}

func TestCommandWorkerRequiresCommand(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Tools.NoteMappingCommand = ""

	job := &jobs.Job{
		ID: "job-nocmd",
		StageResults: map[string]json.RawMessage{
			string(stage.FeatureExtraction): mustRaw(t, stage.FeatureExtractionResult{Tempo: 100}),
		},
	}

	worker := NewNoteMappingWorker(cfg, logging.NewNop())
	_, err := worker.Execute(context.Background(), job)
	if services.Classify(err) != services.KindConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
