package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/gofrs/flock"

	"tabscribe/internal/api"
	"tabscribe/internal/config"
	"tabscribe/internal/dispatch"
	"tabscribe/internal/jobs"
	"tabscribe/internal/logging"
	"tabscribe/internal/pipeline"
	"tabscribe/internal/stage"
	"tabscribe/internal/workers"
)

// Daemon wires the job store, dispatch pool, and coordinator together and
// enforces single-instance execution through a lock file.
type Daemon struct {
	cfg         *config.Config
	logger      *slog.Logger
	store       *jobs.Store
	pool        *dispatch.Pool
	coordinator *pipeline.Coordinator
	jobSvc      *api.JobService
	apiSrv      *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, store *jobs.Store, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || store == nil {
		return nil, errors.New("daemon requires config and store")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	pool := dispatch.NewPool(cfg, logger, workers.All(cfg, logger)...)
	coordinator := pipeline.NewCoordinator(cfg, store, pool, logger)
	pool.Bind(coordinator)

	lockPath := cfg.LockFilePath()
	d := &Daemon{
		cfg:         cfg,
		logger:      logging.NewComponentLogger(logger, "daemon"),
		store:       store,
		pool:        pool,
		coordinator: coordinator,
		jobSvc:      api.NewJobService(cfg, store, coordinator),
		lockPath:    lockPath,
		lock:        flock.New(lockPath),
	}

	srv, err := newAPIServer(cfg, d, logger)
	if err != nil {
		return nil, err
	}
	d.apiSrv = srv
	return d, nil
}

// JobService returns the submission and query surface.
func (d *Daemon) JobService() *api.JobService {
	return d.jobSvc
}

// Start acquires the daemon lock and launches the dispatch pool, resuming
// jobs that were pending when the previous process exited.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another tabscribe daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.pool.Start(runCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return fmt.Errorf("start dispatch pool: %w", err)
	}
	d.cancel = cancel

	if d.apiSrv != nil {
		if err := d.apiSrv.start(runCtx); err != nil {
			d.pool.Stop()
			cancel()
			_ = d.lock.Unlock()
			return err
		}
	}

	d.running.Store(true)
	d.logger.Info("daemon started", logging.String("lock", d.lockPath))

	if err := d.resumeJobs(runCtx); err != nil {
		d.logger.Warn("resume jobs", logging.Error(err))
	}
	return nil
}

// Stop stops background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.apiSrv != nil {
		d.apiSrv.stop()
	}
	d.pool.Stop()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Status reports daemon runtime information.
func (d *Daemon) Status(ctx context.Context) api.DaemonStatus {
	status := api.DaemonStatus{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		DatabasePath: d.store.Path(),
		LockFilePath: d.lockPath,
		WorkersReady: true,
	}
	if counts, err := d.jobSvc.Stats(ctx); err == nil {
		status.Counts = counts
	}
	if err := d.pool.HealthCheck(ctx); err != nil {
		status.WorkersReady = false
		status.WorkerDetail = err.Error()
	}
	return status
}

// APIAddr returns the bound API address, empty until started.
func (d *Daemon) APIAddr() string {
	if d.apiSrv == nil {
		return ""
	}
	return d.apiSrv.addr()
}

// resumeJobs picks up work left over from an unclean shutdown: pending jobs
// that never started, and processing jobs whose in-flight stage died with the
// process.
func (d *Daemon) resumeJobs(ctx context.Context) error {
	resumable, err := d.store.List(ctx, jobs.StatusPending, jobs.StatusProcessing)
	if err != nil {
		return err
	}
	resumed := 0
	for _, job := range resumable {
		if err := d.resumeJob(ctx, job); err != nil {
			d.logger.Warn("resume job",
				logging.String(logging.FieldJobID, job.ID),
				logging.Error(err))
			continue
		}
		resumed++
	}
	if resumed > 0 {
		d.logger.Info("resumed jobs", logging.Int("count", resumed))
	}
	return nil
}

func (d *Daemon) resumeJob(ctx context.Context, job *jobs.Job) error {
	if job.Status == jobs.StatusPending {
		return d.coordinator.Start(ctx, job.ID)
	}

	current, ok := stage.Parse(job.CurrentStage)
	if !ok {
		return fmt.Errorf("job %s has unknown stage %q", job.ID, job.CurrentStage)
	}
	if isFannedOutParent(job) {
		// The parent holds here while its children, processing rows of their
		// own, get resumed individually.
		return nil
	}
	if raw, ok := job.StageResults[job.CurrentStage]; ok {
		// The stage finished but its advance never committed. Replay the
		// recorded completion rather than re-running the worker.
		result, err := stage.DecodeResult(current, raw)
		if err != nil {
			return err
		}
		return d.coordinator.Advance(ctx, job.ID, current, result)
	}
	return d.pool.Dispatch(ctx, job, current)
}

func isFannedOutParent(job *jobs.Job) bool {
	raw, ok := job.StageResults[string(stage.StemSeparation)]
	if !ok {
		return false
	}
	var record stage.FanOutRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return false
	}
	return record.Status == stage.FannedOut
}
