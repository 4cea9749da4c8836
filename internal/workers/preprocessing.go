package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"tabscribe/internal/config"
	"tabscribe/internal/jobs"
	"tabscribe/internal/logging"
	"tabscribe/internal/services"
	"tabscribe/internal/stage"
)

// PreprocessingWorker decodes and loudness-normalizes the uploaded recording
// with ffmpeg, probing the result with ffprobe.
type PreprocessingWorker struct {
	cfg    *config.Config
	logger *slog.Logger
}

// NewPreprocessingWorker constructs the preprocessing worker.
func NewPreprocessingWorker(cfg *config.Config, logger *slog.Logger) *PreprocessingWorker {
	return &PreprocessingWorker{
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "preprocessing"),
	}
}

func (w *PreprocessingWorker) Stage() stage.Stage { return stage.Preprocessing }

// HealthCheck verifies ffmpeg and ffprobe are resolvable.
func (w *PreprocessingWorker) HealthCheck(_ context.Context) error {
	for _, binary := range []string{w.cfg.Tools.FFmpeg, w.cfg.Tools.FFprobe} {
		if strings.TrimSpace(binary) == "" {
			return services.Wrap(services.ErrConfiguration, string(stage.Preprocessing), "health check", "ffmpeg/ffprobe not configured", nil)
		}
		if _, err := exec.LookPath(binary); err != nil {
			return services.Wrap(services.ErrConfiguration, string(stage.Preprocessing), "health check", fmt.Sprintf("%s not found", binary), err)
		}
	}
	return nil
}

// Execute writes the normalized audio next to the job's artifacts and reports
// its probed sample rate and duration.
func (w *PreprocessingWorker) Execute(ctx context.Context, job *jobs.Job) (stage.Result, error) {
	log := logging.WithContext(ctx, w.logger)

	source := strings.TrimSpace(job.SourceAudioRef)
	if source == "" {
		return nil, services.Wrap(services.ErrValidation, string(stage.Preprocessing), "execute", "job has no source audio", nil)
	}
	if _, err := os.Stat(source); err != nil {
		return nil, services.Wrap(services.ErrValidation, string(stage.Preprocessing), "execute", fmt.Sprintf("source audio unreadable: %s", source), err)
	}

	outDir := filepath.Join(w.cfg.Paths.ArtifactDir, job.ID)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, services.Wrap(services.ErrStageExecution, string(stage.Preprocessing), "execute", "create artifact dir", err)
	}
	target := filepath.Join(outDir, "normalized.wav")

	args := []string{
		"-y", "-v", "error", "-hide_banner",
		"-i", source,
		"-af", "loudnorm",
		"-ar", strconv.Itoa(defaultSampleRate),
		target,
	}
	cmd := exec.CommandContext(ctx, w.cfg.Tools.FFmpeg, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, services.Wrap(services.ErrTimeout, string(stage.Preprocessing), "execute", "ffmpeg deadline exceeded", ctx.Err())
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return nil, services.Wrap(services.ErrStageExecution, string(stage.Preprocessing), "execute", detail, err)
	}

	probed, err := probeAudio(ctx, w.cfg.Tools.FFprobe, target)
	if err != nil {
		return nil, err
	}
	log.Info("audio normalized",
		logging.String("normalized_audio_ref", target),
		logging.Int("sample_rate", probed.SampleRate),
		logging.Float64("duration", probed.Duration))

	return stage.PreprocessingResult{
		NormalizedAudioRef: target,
		SampleRate:         probed.SampleRate,
		Duration:           probed.Duration,
	}, nil
}

type probedAudio struct {
	SampleRate int
	Duration   float64
}

type probeOutput struct {
	Streams []struct {
		CodecType  string `json:"codec_type"`
		SampleRate string `json:"sample_rate"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// probeAudio extracts sample rate and duration via ffprobe's JSON output.
func probeAudio(ctx context.Context, binary, path string) (probedAudio, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffprobe"
	}

	cmd := exec.CommandContext(ctx, binary, "-v", "error", "-hide_banner", "-show_format", "-show_streams", "-of", "json", "--", path)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return probedAudio{}, services.Wrap(services.ErrStageExecution, string(stage.Preprocessing), "probe", strings.TrimSpace(string(output)), err)
	}

	var parsed probeOutput
	if err := json.Unmarshal(output, &parsed); err != nil {
		return probedAudio{}, services.Wrap(services.ErrStageExecution, string(stage.Preprocessing), "probe", "malformed ffprobe output", err)
	}

	probed := probedAudio{}
	for _, stream := range parsed.Streams {
		if !strings.EqualFold(stream.CodecType, "audio") {
			continue
		}
		if rate, err := strconv.Atoi(strings.TrimSpace(stream.SampleRate)); err == nil {
			probed.SampleRate = rate
		}
		break
	}
	if duration, err := strconv.ParseFloat(strings.TrimSpace(parsed.Format.Duration), 64); err == nil {
		probed.Duration = duration
	}
	if probed.SampleRate == 0 {
		probed.SampleRate = defaultSampleRate
	}
	return probed, nil
}
