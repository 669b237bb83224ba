package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/govflow/internal/executor"
	"github.com/kiranshivaraju/govflow/internal/jobs"
	"github.com/kiranshivaraju/govflow/internal/redact"
	"github.com/kiranshivaraju/govflow/pkg/models"
)

// Suspender parks a job that is waiting for the requester.
type Suspender interface {
	Suspend(ctx context.Context, id uuid.UUID, worker string, req jobs.InputRequest) (*models.Job, error)
}

// Toucher refreshes the queue's in-flight marker for a claimed job.
type Toucher interface {
	Touch(ctx context.Context, id uuid.UUID) error
}

// ProcessorConfig holds the attempt settings.
type ProcessorConfig struct {
	WorkerID       string
	LeaseTTL       time.Duration
	ReporterBuffer int
}

// Processor runs one attempt of a claimed job and records its outcome.
type Processor struct {
	jobs      *jobs.Service
	registry  *executor.Registry
	suspender Suspender
	toucher   Toucher
	cfg       ProcessorConfig
	logger    *slog.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(svc *jobs.Service, registry *executor.Registry, suspender Suspender, toucher Toucher, cfg ProcessorConfig, logger *slog.Logger) *Processor {
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		jobs:      svc,
		registry:  registry,
		suspender: suspender,
		toucher:   toucher,
		cfg:       cfg,
		logger:    logger,
	}
}

// Process runs one attempt of job id. A job that is not runnable (finished,
// suspended or not yet due) is skipped without error. A job leased by another
// worker returns an error wrapping jobs.ErrLeased.
func (p *Processor) Process(ctx context.Context, id uuid.UUID) error {
	job, err := p.jobs.BeginAttempt(ctx, id, p.cfg.WorkerID, p.cfg.LeaseTTL)
	if err != nil {
		if errors.Is(err, jobs.ErrLeased) {
			p.logger.Debug("job leased by another worker", "job_id", id)
			return err
		}
		if errors.Is(err, jobs.ErrNotRunnable) || errors.Is(err, jobs.ErrNotFound) {
			p.logger.Debug("skipping job", "job_id", id, "reason", err)
			return nil
		}
		return fmt.Errorf("begin attempt: %w", err)
	}
	logger := p.logger.With("job_id", id, "job_type", job.Type, "attempt", job.RetryCount+1)
	fctx := context.WithoutCancel(ctx)

	exec, ok := p.registry.Lookup(job.Type)
	if !ok {
		_, err := p.jobs.Fail(fctx, id, p.cfg.WorkerID,
			jobs.NewJobError(jobs.CodeUnsupportedJobType, "no executor for "+string(job.Type), false))
		return err
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	rep := newReporter(attemptCtx, func(ctx context.Context, step, message string, pct int) error {
		_, err := p.jobs.AppendProgress(ctx, id, p.cfg.WorkerID, step, message, pct)
		return err
	}, id, p.cfg.ReporterBuffer, logger)
	rt := newRuntime(job, func(ctx context.Context, step string, data map[string]string) (*models.Job, error) {
		return p.jobs.Checkpoint(ctx, id, p.cfg.WorkerID, step, data)
	}, rep)

	hbDone := p.heartbeat(attemptCtx, cancel, id, rt, logger)
	logger.Info("attempt started")
	start := time.Now()
	result, execErr := p.execute(attemptCtx, exec, job.Clone(), rt)
	cancel()
	<-hbDone
	rep.Close()

	if rt.leaseLost.Load() {
		logger.Warn("lease lost, abandoning attempt outcome", "error", execErr)
		return nil
	}
	logger = logger.With("duration_ms", time.Since(start).Milliseconds())
	return p.finish(ctx, fctx, id, rt, result, execErr, logger)
}

func (p *Processor) finish(ctx, fctx context.Context, id uuid.UUID, rt *attemptRuntime, result *models.JobResult, execErr error, logger *slog.Logger) error {
	var susp *executor.Suspension
	var err error
	switch {
	case execErr == nil:
		_, err = p.jobs.Complete(fctx, id, p.cfg.WorkerID, result)
	case errors.As(execErr, &susp):
		if stale := rt.staleInput(); stale != nil {
			logger.Info("supplied input answered an earlier challenge, asking again", "input_kind", stale.Kind)
		}
		_, err = p.suspender.Suspend(fctx, id, p.cfg.WorkerID, jobs.InputRequest{
			Kind:      susp.Kind,
			Challenge: susp.Challenge,
			Prompt:    susp.Prompt,
			Aux:       susp.Aux,
		})
		logger.Info("attempt suspended for input", "input_kind", susp.Kind)
	case errors.Is(execErr, executor.ErrCancelled) || rt.Cancelled():
		_, err = p.jobs.AbortCancelled(fctx, id, p.cfg.WorkerID)
		logger.Info("attempt cancelled")
	case ctx.Err() != nil:
		_, err = p.jobs.Release(fctx, id, p.cfg.WorkerID)
		logger.Info("attempt interrupted by shutdown")
	case !executor.IsRecoverable(execErr):
		code := jobs.CodeExecutionFailed
		var ee *executor.ExecutionError
		if errors.As(execErr, &ee) && ee.Code != "" {
			code = ee.Code
		}
		_, err = p.jobs.Fail(fctx, id, p.cfg.WorkerID, jobs.NewJobError(code, execErr.Error(), false))
	default:
		var delay time.Duration
		_, delay, err = p.jobs.RetryOrFail(fctx, id, p.cfg.WorkerID, execErr.Error())
		logger.Warn("attempt failed", "error", redact.String(execErr.Error()), "retry_in", delay,
			"fingerprint", redact.Fingerprint(execErr.Error()))
	}
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

func (p *Processor) execute(ctx context.Context, exec executor.Executor, job *models.Job, rt executor.Runtime) (result *models.JobResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("executor panic", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			result, err = nil, fmt.Errorf("executor panic: %v", r)
		}
	}()
	return exec.Execute(ctx, job, rt)
}

// heartbeat extends the lease until ctx ends. Losing the lease cancels the
// attempt; a cancel request is handed to the runtime.
func (p *Processor) heartbeat(ctx context.Context, cancel context.CancelFunc, id uuid.UUID, rt *attemptRuntime, logger *slog.Logger) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.cfg.LeaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			job, err := p.jobs.ExtendLease(ctx, id, p.cfg.WorkerID, p.cfg.LeaseTTL)
			if errors.Is(err, jobs.ErrLeaseLost) {
				rt.leaseLost.Store(true)
				cancel()
				return
			}
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("extend lease", "error", err)
				}
				continue
			}
			if job.CancelRequested {
				rt.cancelled.Store(true)
			}
			if p.toucher != nil {
				if err := p.toucher.Touch(ctx, id); err != nil {
					logger.Warn("touch queue entry", "error", err)
				}
			}
		}
	}()
	return done
}
