package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	UploadDir   string `toml:"upload_dir"`
	ArtifactDir string `toml:"artifact_dir"`
	LogDir      string `toml:"log_dir"`
	APIBind     string `toml:"api_bind"`
}

// Separation contains configuration for the stem separation stage.
type Separation struct {
	// Enabled controls whether uploads run stem separation by default.
	// Individual jobs may still opt out at submission time.
	Enabled bool `toml:"enabled"`
	// Model is the separation model identifier passed to the separation worker.
	Model string `toml:"model"`
	// IncludeVocals lifts the default exclusion of vocal stems during fan-out.
	IncludeVocals bool `toml:"include_vocals"`
}

// Instrument contains defaults applied when a submission omits them.
type Instrument struct {
	DefaultType   string `toml:"default_type"`
	DefaultTuning string `toml:"default_tuning"`
}

// Workflow contains dispatch pool sizing and retry/deadline settings.
type Workflow struct {
	// WorkerCount bounds concurrent stage executions.
	WorkerCount int `toml:"worker_count"`
	// StageTimeoutSeconds is the deadline applied to one stage execution.
	StageTimeoutSeconds int `toml:"stage_timeout_seconds"`
	// DispatchRetries is the retry budget for transient stage failures.
	// It is exhausted before a job is marked failed.
	DispatchRetries int `toml:"dispatch_retries"`
	// RetryBackoffSeconds is the pause between dispatch retries.
	RetryBackoffSeconds int `toml:"retry_backoff_seconds"`
}

// Tools contains the external worker commands for each pipeline stage.
type Tools struct {
	FFmpeg  string `toml:"ffmpeg"`
	FFprobe string `toml:"ffprobe"`
	// Stage worker commands speak JSON on stdin/stdout (stage input in,
	// stage output out).
	StemSeparationCommand    string `toml:"stem_separation_command"`
	FeatureExtractionCommand string `toml:"feature_extraction_command"`
	NoteMappingCommand       string `toml:"note_mapping_command"`
	OutputFormattingCommand  string `toml:"output_formatting_command"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for tabscribe.
//
// Configuration sections by subsystem:
//   - Paths: upload/artifact/log directories and API bind address
//   - Separation: stem separation defaults and fan-out policy
//   - Instrument: instrument/tuning defaults for submissions
//   - Workflow: dispatch pool sizing, deadlines, retry budget
//   - Tools: external stage worker commands
//   - Logging: log format and level
type Config struct {
	Paths      Paths      `toml:"paths"`
	Separation Separation `toml:"separation"`
	Instrument Instrument `toml:"instrument"`
	Workflow   Workflow   `toml:"workflow"`
	Tools      Tools      `toml:"tools"`
	Logging    Logging    `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/tabscribe/config.toml")
}

// SampleConfig returns the embedded annotated sample configuration.
func SampleConfig() string {
	return sampleConfig
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	return defaultPath, false, nil
}

// EnsureDirectories creates the directories the daemon writes into.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.UploadDir, c.Paths.ArtifactDir, c.Paths.LogDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the location of the job database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.LogDir, "jobs.db")
}

// LogFilePath returns the daemon log file location.
func (c *Config) LogFilePath() string {
	return filepath.Join(c.Paths.LogDir, "tabscribe.log")
}

// LockFilePath returns the daemon single-instance lock location.
func (c *Config) LockFilePath() string {
	return filepath.Join(c.Paths.LogDir, "tabscribed.lock")
}
