package config

const (
	defaultUploadDir           = "~/.local/share/tabscribe/uploads"
	defaultArtifactDir         = "~/.local/share/tabscribe/artifacts"
	defaultLogDir              = "~/.local/share/tabscribe/logs"
	defaultAPIBind             = "127.0.0.1:7519"
	defaultSeparationModel     = "4stems"
	defaultInstrumentType      = "bass"
	defaultInstrumentTuning    = "EADG"
	defaultWorkerCount         = 4
	defaultStageTimeoutSeconds = 600
	defaultDispatchRetries     = 2
	defaultRetryBackoffSeconds = 5
	defaultLogFormat           = "console"
	defaultLogLevel            = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			UploadDir:   defaultUploadDir,
			ArtifactDir: defaultArtifactDir,
			LogDir:      defaultLogDir,
			APIBind:     defaultAPIBind,
		},
		Separation: Separation{
			Enabled: true,
			Model:   defaultSeparationModel,
		},
		Instrument: Instrument{
			DefaultType:   defaultInstrumentType,
			DefaultTuning: defaultInstrumentTuning,
		},
		Workflow: Workflow{
			WorkerCount:         defaultWorkerCount,
			StageTimeoutSeconds: defaultStageTimeoutSeconds,
			DispatchRetries:     defaultDispatchRetries,
			RetryBackoffSeconds: defaultRetryBackoffSeconds,
		},
		Tools: Tools{
			FFmpeg:  "ffmpeg",
			FFprobe: "ffprobe",
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
