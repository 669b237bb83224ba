// Package executortest provides an in-memory executor.Runtime for tests.
package executortest

import (
	"context"
	"maps"
	"sync"

	"github.com/kiranshivaraju/govflow/internal/executor"
)

// Step is one recorded progress report.
type Step struct {
	Name       string
	Message    string
	Percentage int
}

// Runtime records what an executor does. Set Inputs to answer AwaitInput as
// if the job had been resumed, and Cancel to request cancellation.
type Runtime struct {
	mu          sync.Mutex
	Inputs      map[string]string
	Checkpoints map[string]map[string]string
	Steps       []Step
	Cancel      bool
	Suspended   *executor.Suspension
}

// New returns an empty Runtime.
func New() *Runtime {
	return &Runtime{
		Inputs:      map[string]string{},
		Checkpoints: map[string]map[string]string{},
	}
}

// Supply answers the next AwaitInput of kind.
func (r *Runtime) Supply(kind, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Inputs[kind] = value
	r.Suspended = nil
}

// StepNames returns the recorded progress step names in order.
func (r *Runtime) StepNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.Steps))
	for i, s := range r.Steps {
		out[i] = s.Name
	}
	return out
}

func (r *Runtime) Progress(step, message string, percentage int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Steps = append(r.Steps, Step{Name: step, Message: message, Percentage: percentage})
}

func (r *Runtime) AwaitInput(_ context.Context, kind, challenge, prompt string, aux map[string]string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.Inputs[kind]; ok {
		delete(r.Inputs, kind)
		return v, nil
	}
	r.Suspended = &executor.Suspension{Kind: kind, Challenge: challenge, Prompt: prompt, Aux: maps.Clone(aux)}
	return "", r.Suspended
}

func (r *Runtime) Checkpoint(_ context.Context, step string, data map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Cancel {
		return executor.ErrCancelled
	}
	r.Checkpoints[step] = maps.Clone(data)
	return nil
}

func (r *Runtime) Completed(step string) (map[string]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp, ok := r.Checkpoints[step]
	return maps.Clone(cp), ok
}

func (r *Runtime) Cancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Cancel
}

var _ executor.Runtime = (*Runtime)(nil)
