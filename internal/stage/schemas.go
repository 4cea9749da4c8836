package stage

import (
	"bytes"
	"encoding/json"
	"fmt"

	"tabscribe/internal/services"
)

// Result is the typed output one stage hands to the coordinator.
type Result interface {
	Stage() Stage
	Validate() error
}

// StemRef points at one isolated instrument track.
type StemRef struct {
	StemName     string `json:"stem_name"`
	StemAudioRef string `json:"stem_audio_ref"`
}

// PreprocessingResult is the output of the preprocessing stage.
type PreprocessingResult struct {
	NormalizedAudioRef string  `json:"normalized_audio_ref"`
	SampleRate         int     `json:"sample_rate"`
	Duration           float64 `json:"duration"`
}

func (PreprocessingResult) Stage() Stage { return Preprocessing }

func (r PreprocessingResult) Validate() error {
	if r.NormalizedAudioRef == "" {
		return invalid(Preprocessing, "normalized_audio_ref is required")
	}
	if r.SampleRate <= 0 {
		return invalid(Preprocessing, "sample_rate must be positive")
	}
	if r.Duration <= 0 {
		return invalid(Preprocessing, "duration must be positive")
	}
	return nil
}

// StemSeparationResult is the output of the stem separation stage. A skipped
// separation forwards the normalized audio as a single pseudo-stem with
// IsStem=false.
type StemSeparationResult struct {
	Stems  []StemRef `json:"stems"`
	IsStem bool      `json:"is_stem"`
}

func (StemSeparationResult) Stage() Stage { return StemSeparation }

func (r StemSeparationResult) Validate() error {
	for _, stem := range r.Stems {
		if stem.StemName == "" {
			return invalid(StemSeparation, "stem_name is required on every stem")
		}
		if stem.StemAudioRef == "" {
			return invalid(StemSeparation, fmt.Sprintf("stem %q has no audio ref", stem.StemName))
		}
	}
	return nil
}

// FanOutRecord is the bookkeeping payload recorded on a parent job once its
// stems have been split into child jobs. The parent stops advancing after it
// is written.
type FanOutRecord struct {
	Status      string   `json:"status"`
	ChildJobIDs []string `json:"child_job_ids"`
}

// FannedOut is the status value recorded in a FanOutRecord.
const FannedOut = "fanned_out"

// PitchTrack carries the framewise pitch estimate.
type PitchTrack struct {
	Time       []float64 `json:"time"`
	Freq       []float64 `json:"freq"`
	Confidence []float64 `json:"confidence"`
}

// FeatureExtractionResult is the output of the feature extraction stage.
type FeatureExtractionResult struct {
	Onsets       []float64  `json:"onsets"`
	PitchTrack   PitchTrack `json:"pitch_track"`
	Tempo        float64    `json:"tempo"`
	Key          string     `json:"key"`
	IsPolyphonic bool       `json:"is_polyphonic"`
}

func (FeatureExtractionResult) Stage() Stage { return FeatureExtraction }

func (r FeatureExtractionResult) Validate() error {
	if r.Tempo < 0 {
		return invalid(FeatureExtraction, "tempo must not be negative")
	}
	n := len(r.PitchTrack.Time)
	if len(r.PitchTrack.Freq) != n || len(r.PitchTrack.Confidence) != n {
		return invalid(FeatureExtraction, "pitch track arrays must have equal length")
	}
	return nil
}

// Note is one mapped note, with string/fret positions for fretted instruments.
type Note struct {
	Onset    float64 `json:"onset"`
	Duration float64 `json:"duration"`
	Pitch    string  `json:"pitch"`
	MIDI     int     `json:"midi"`
	String   *int    `json:"string,omitempty"`
	Fret     *int    `json:"fret,omitempty"`
}

// NoteMappingResult is the output of the note mapping stage.
type NoteMappingResult struct {
	Notes []Note `json:"notes"`
}

func (NoteMappingResult) Stage() Stage { return NoteMapping }

func (r NoteMappingResult) Validate() error {
	for i, note := range r.Notes {
		if note.Onset < 0 {
			return invalid(NoteMapping, fmt.Sprintf("note %d has negative onset", i))
		}
		if note.MIDI < 0 || note.MIDI > 127 {
			return invalid(NoteMapping, fmt.Sprintf("note %d midi value %d out of range", i, note.MIDI))
		}
	}
	return nil
}

// OutputFormattingResult is the output of the final stage: rendered artifact
// references keyed by format (musicxml, midi, pdf, tablature).
type OutputFormattingResult struct {
	ArtifactPaths map[string]string `json:"artifact_paths"`
}

func (OutputFormattingResult) Stage() Stage { return OutputFormatting }

func (r OutputFormattingResult) Validate() error {
	if len(r.ArtifactPaths) == 0 {
		return invalid(OutputFormatting, "artifact_paths must not be empty")
	}
	for format, ref := range r.ArtifactPaths {
		if ref == "" {
			return invalid(OutputFormatting, fmt.Sprintf("artifact %q has no path", format))
		}
	}
	return nil
}

// EncodeResult validates a stage result and serializes it for persistence.
func EncodeResult(result Result) (json.RawMessage, error) {
	if result == nil {
		return nil, services.Wrap(services.ErrValidation, "", "encode result", "result is nil", nil)
	}
	if err := result.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, string(result.Stage()), "encode result", "marshal failed", err)
	}
	return raw, nil
}

// DecodeResult parses a persisted payload back into the stage's typed result
// and validates it at the boundary.
func DecodeResult(s Stage, raw json.RawMessage) (Result, error) {
	var result Result
	switch s {
	case Preprocessing:
		result = &PreprocessingResult{}
	case StemSeparation:
		result = &StemSeparationResult{}
	case FeatureExtraction:
		result = &FeatureExtractionResult{}
	case NoteMapping:
		result = &NoteMappingResult{}
	case OutputFormatting:
		result = &OutputFormattingResult{}
	default:
		return nil, services.Wrap(services.ErrValidation, string(s), "decode result", "unknown stage", nil)
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	if err := decoder.Decode(result); err != nil {
		return nil, services.Wrap(services.ErrValidation, string(s), "decode result", "malformed payload", err)
	}
	deref := dereference(result)
	if err := deref.Validate(); err != nil {
		return nil, err
	}
	return deref, nil
}

func dereference(result Result) Result {
	switch v := result.(type) {
	case *PreprocessingResult:
		return *v
	case *StemSeparationResult:
		return *v
	case *FeatureExtractionResult:
		return *v
	case *NoteMappingResult:
		return *v
	case *OutputFormattingResult:
		return *v
	default:
		return result
	}
}

func invalid(s Stage, message string) error {
	return services.Wrap(services.ErrValidation, string(s), "validate output", message, nil)
}
