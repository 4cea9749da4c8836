package config

import (
	"errors"
	"fmt"
)

var knownLogFormats = map[string]struct{}{
	"console": {},
	"json":    {},
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateInstrument(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.UploadDir == "" {
		return errors.New("paths.upload_dir must be set")
	}
	if c.Paths.ArtifactDir == "" {
		return errors.New("paths.artifact_dir must be set")
	}
	if c.Paths.LogDir == "" {
		return errors.New("paths.log_dir must be set")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if c.Workflow.WorkerCount <= 0 {
		return errors.New("workflow.worker_count must be positive")
	}
	if c.Workflow.StageTimeoutSeconds <= 0 {
		return errors.New("workflow.stage_timeout_seconds must be positive")
	}
	if c.Workflow.DispatchRetries < 0 {
		return errors.New("workflow.dispatch_retries must not be negative")
	}
	if c.Workflow.RetryBackoffSeconds < 0 {
		return errors.New("workflow.retry_backoff_seconds must not be negative")
	}
	return nil
}

func (c *Config) validateInstrument() error {
	if c.Instrument.DefaultType == "" {
		return errors.New("instrument.default_type must be set (e.g. bass, guitar)")
	}
	return nil
}

func (c *Config) validateLogging() error {
	if _, ok := knownLogFormats[c.Logging.Format]; !ok {
		return fmt.Errorf("logging.format must be one of console, json (got %q)", c.Logging.Format)
	}
	return nil
}
