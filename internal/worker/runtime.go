package worker

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/kiranshivaraju/govflow/internal/executor"
	"github.com/kiranshivaraju/govflow/pkg/models"
)

// checkpointFunc persists a checkpoint and returns the updated record.
type checkpointFunc func(ctx context.Context, step string, data map[string]string) (*models.Job, error)

// attemptRuntime is the executor.Runtime for one execution attempt.
type attemptRuntime struct {
	mu          sync.Mutex
	resume      *models.SuppliedInput
	discarded   *models.SuppliedInput
	checkpoints map[string]map[string]string
	persist     checkpointFunc
	reporter    *reporter
	cancelled   atomic.Bool
	leaseLost   atomic.Bool
}

func newRuntime(job *models.Job, persist checkpointFunc, rep *reporter) *attemptRuntime {
	rt := &attemptRuntime{
		checkpoints: map[string]map[string]string{},
		persist:     persist,
		reporter:    rep,
	}
	if job.ResumeInput != nil {
		in := *job.ResumeInput
		rt.resume = &in
	}
	for k, v := range job.Checkpoints {
		rt.checkpoints[k] = maps.Clone(v)
	}
	rt.cancelled.Store(job.CancelRequested)
	return rt
}

func (r *attemptRuntime) Progress(step, message string, percentage int) {
	r.reporter.Report(step, message, percentage)
}

func (r *attemptRuntime) AwaitInput(_ context.Context, kind, challenge, prompt string, aux map[string]string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if in := r.resume; in != nil && in.Kind == kind {
		r.resume = nil
		if in.Challenge == challenge {
			return in.Value, nil
		}
		r.discarded = in
	}
	return "", &executor.Suspension{Kind: kind, Challenge: challenge, Prompt: prompt, Aux: maps.Clone(aux)}
}

// staleInput returns the supplied value that was dropped because it answered
// an earlier challenge.
func (r *attemptRuntime) staleInput() *models.SuppliedInput {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.discarded
}

func (r *attemptRuntime) Checkpoint(ctx context.Context, step string, data map[string]string) error {
	if r.cancelled.Load() {
		return executor.ErrCancelled
	}
	job, err := r.persist(ctx, step, data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.checkpoints[step] = maps.Clone(data)
	r.mu.Unlock()
	if job.CancelRequested {
		r.cancelled.Store(true)
		return executor.ErrCancelled
	}
	return nil
}

func (r *attemptRuntime) Completed(step string) (map[string]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp, ok := r.checkpoints[step]
	return maps.Clone(cp), ok
}

func (r *attemptRuntime) Cancelled() bool {
	return r.cancelled.Load()
}

var _ executor.Runtime = (*attemptRuntime)(nil)
