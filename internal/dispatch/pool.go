package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tabscribe/internal/config"
	"tabscribe/internal/jobs"
	"tabscribe/internal/logging"
	"tabscribe/internal/services"
	"tabscribe/internal/stage"
)

// Worker executes one stage for one job and returns its typed output.
type Worker interface {
	Stage() stage.Stage
	Execute(ctx context.Context, job *jobs.Job) (stage.Result, error)
}

// HealthChecker is implemented by workers that can probe their external tool.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Completer receives stage outcomes. The coordinator implements it; the pool
// only ever reports through Advance or Fail, never by mutating jobs itself.
type Completer interface {
	Advance(ctx context.Context, jobID string, completed stage.Stage, result stage.Result) error
	Fail(ctx context.Context, jobID string, failed stage.Stage, message string) error
}

type task struct {
	job   *jobs.Job
	stage stage.Stage
}

// Pool runs stage executions on a bounded set of goroutines. It owns the
// per-execution deadline and the retry budget for transient failures; a job is
// only failed once that budget is spent or the error is fatal.
type Pool struct {
	cfg     *config.Config
	logger  *slog.Logger
	workers map[stage.Stage]Worker

	mu        sync.Mutex
	completer Completer
	tasks     chan task
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
}

// NewPool constructs a pool with the given stage workers.
func NewPool(cfg *config.Config, logger *slog.Logger, workers ...Worker) *Pool {
	if logger == nil {
		logger = logging.NewNop()
	}
	registry := make(map[stage.Stage]Worker, len(workers))
	for _, worker := range workers {
		registry[worker.Stage()] = worker
	}
	return &Pool{
		cfg:     cfg,
		logger:  logging.NewComponentLogger(logger, "dispatch"),
		workers: registry,
	}
}

// Bind attaches the completion sink. Must be called before Start; the
// coordinator and pool reference each other, so wiring happens in two steps.
func (p *Pool) Bind(completer Completer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completer = completer
}

// Start launches the worker goroutines.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	if p.completer == nil {
		return services.Wrap(services.ErrConfiguration, "", "start pool", "no completer bound", nil)
	}

	count := p.cfg.Workflow.WorkerCount
	if count < 1 {
		count = 1
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.tasks = make(chan task, count*taskQueueFactor)
	p.running = true

	for i := 0; i < count; i++ {
		p.wg.Add(1)
		go p.workerLoop(runCtx)
	}
	p.logger.Info("dispatch pool started", logging.Int("workers", count))
	return nil
}

const taskQueueFactor = 8

// Stop drains in-flight executions and shuts the pool down.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	tasks := p.tasks
	p.mu.Unlock()

	cancel()
	close(tasks)
	p.wg.Wait()
	p.logger.Info("dispatch pool stopped")
}

// Dispatch enqueues a stage execution. It fails fast when no worker is
// registered for the stage, since waiting would leave the job stuck forever.
func (p *Pool) Dispatch(ctx context.Context, job *jobs.Job, s stage.Stage) error {
	p.mu.Lock()
	running := p.running
	tasks := p.tasks
	worker := p.workers[s]
	p.mu.Unlock()

	if worker == nil {
		return services.Wrap(services.ErrConfiguration, string(s), "dispatch", fmt.Sprintf("no worker registered for stage %s", s), nil)
	}
	if !running {
		return services.Wrap(services.ErrTransient, string(s), "dispatch", "pool not running", nil)
	}

	select {
	case tasks <- task{job: job, stage: s}:
		return nil
	case <-ctx.Done():
		return services.Wrap(services.ErrTransient, string(s), "dispatch", "enqueue canceled", ctx.Err())
	}
}

// HealthCheck probes every worker that exposes one.
func (p *Pool) HealthCheck(ctx context.Context) error {
	for s, worker := range p.workers {
		checker, ok := worker.(HealthChecker)
		if !ok {
			continue
		}
		if err := checker.HealthCheck(ctx); err != nil {
			return fmt.Errorf("worker %s: %w", s, err)
		}
	}
	return nil
}

func (p *Pool) workerLoop(ctx context.Context) {
	defer p.wg.Done()
	for t := range p.tasks {
		p.run(ctx, t)
	}
}

func (p *Pool) run(ctx context.Context, t task) {
	ctx = services.WithJobID(ctx, t.job.ID)
	ctx = services.WithStage(ctx, string(t.stage))
	log := logging.WithContext(ctx, p.logger)

	p.mu.Lock()
	worker := p.workers[t.stage]
	completer := p.completer
	p.mu.Unlock()

	deadline := time.Duration(p.cfg.Workflow.StageTimeoutSeconds) * time.Second
	backoff := time.Duration(p.cfg.Workflow.RetryBackoffSeconds) * time.Second
	attempts := p.cfg.Workflow.DispatchRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := p.execute(ctx, worker, t.job, deadline)
		if err == nil {
			p.complete(ctx, completer, t, result, attempts, backoff)
			return
		}
		lastErr = err

		if services.IsFatal(err) {
			break
		}
		log.Warn("stage attempt failed",
			logging.Int("attempt", attempt),
			logging.String(logging.FieldErrorKind, string(services.Classify(err))),
			logging.Error(err))
		if attempt < attempts && backoff > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			break
		}
	}

	message := services.Details(lastErr).Message
	if message == "" {
		message = lastErr.Error()
	}
	if err := completer.Fail(ctx, t.job.ID, t.stage, message); err != nil {
		log.Error("failure callback failed", logging.Error(err))
	}
}

// complete reports a stage result back with the same retry budget as stage
// execution. A dropped callback leaves the job waiting on a restart replay.
func (p *Pool) complete(ctx context.Context, completer Completer, t task, result stage.Result, attempts int, backoff time.Duration) {
	log := logging.WithContext(ctx, p.logger)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = completer.Advance(ctx, t.job.ID, t.stage, result)
		if lastErr == nil {
			return
		}
		if services.IsFatal(lastErr) {
			break
		}
		log.Warn("completion callback attempt failed",
			logging.Int("attempt", attempt),
			logging.Error(lastErr))
		if attempt < attempts && backoff > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			break
		}
	}
	log.Error("completion callback failed", logging.Error(lastErr))
}

func (p *Pool) execute(ctx context.Context, worker Worker, job *jobs.Job, deadline time.Duration) (stage.Result, error) {
	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}
	result, err := worker.Execute(ctx, job)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, services.Wrap(services.ErrTimeout, string(worker.Stage()), "execute", "stage deadline exceeded", err)
		}
		return nil, err
	}
	return result, nil
}
