package stage

// Typed inputs for the external stage workers. Each mirrors the required
// input fields of its stage; workers receive them serialized as JSON.

// PreprocessingInput references the uploaded recording.
type PreprocessingInput struct {
	SourceAudioRef string `json:"source_audio_ref"`
}

// StemSeparationInput carries the normalized audio into separation.
type StemSeparationInput struct {
	NormalizedAudioRef string `json:"normalized_audio_ref"`
	SampleRate         int    `json:"sample_rate"`
	Model              string `json:"model,omitempty"`
}

// FeatureExtractionInput carries the audio a job is transcribing, which is
// either the normalized upload or one separated stem.
type FeatureExtractionInput struct {
	AudioRef   string `json:"audio_ref"`
	SampleRate int    `json:"sample_rate"`
}

// NoteMappingInput combines extracted features with instrument parameters.
type NoteMappingInput struct {
	Features       FeatureExtractionResult `json:"features"`
	InstrumentType string                  `json:"instrument_type"`
	Tuning         string                  `json:"tuning"`
}

// OutputFormattingInput carries mapped notes into artifact rendering.
type OutputFormattingInput struct {
	Notes          []Note  `json:"notes"`
	Tempo          float64 `json:"tempo"`
	Key            string  `json:"key"`
	InstrumentType string  `json:"instrument_type"`
	ArtifactDir    string  `json:"artifact_dir"`
	BaseName       string  `json:"base_name"`
}
