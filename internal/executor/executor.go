// Package executor defines the contract between the worker pool and the
// per-job-type automations, and the registry that dispatches between them.
package executor

import (
	"context"

	"github.com/kiranshivaraju/govflow/pkg/models"
)

// Input kinds an executor may ask the requester for.
const (
	InputOTP     = "otp"
	InputCaptcha = "captcha"
)

// Runtime is what an executor may do to the job it runs. It is only valid for
// the duration of one Execute call.
type Runtime interface {
	// Progress reports a step. It never blocks; reports may be dropped under
	// backpressure.
	Progress(step, message string, percentage int)
	// AwaitInput returns the value the requester supplied when the job was
	// resumed with input of this kind for this challenge. Otherwise it
	// returns a *Suspension, which Execute must return unchanged. A value
	// supplied for a different challenge is discarded.
	AwaitInput(ctx context.Context, kind, challenge, prompt string, aux map[string]string) (string, error)
	// Checkpoint durably records that step finished, with optional state.
	// It returns ErrCancelled once cancellation has been requested.
	Checkpoint(ctx context.Context, step string, data map[string]string) error
	// Completed returns the state recorded by an earlier Checkpoint of step,
	// so a retried or resumed attempt can skip finished work.
	Completed(step string) (map[string]string, bool)
	// Cancelled reports whether cancellation has been requested.
	Cancelled() bool
}

// Executor automates one job type.
type Executor interface {
	Type() models.JobType
	Execute(ctx context.Context, job *models.Job, rt Runtime) (*models.JobResult, error)
}
