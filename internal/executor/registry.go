package executor

import (
	"fmt"

	"github.com/kiranshivaraju/govflow/pkg/models"
)

// Registry maps job types to executors. It is built once and never changes.
type Registry struct {
	executors map[models.JobType]Executor
}

// NewRegistry builds a Registry. Every executor must serve a catalogued job
// type, and each type may be served only once.
func NewRegistry(executors ...Executor) (*Registry, error) {
	r := &Registry{executors: make(map[models.JobType]Executor, len(executors))}
	for _, e := range executors {
		t := e.Type()
		if !models.IsKnownJobType(t) {
			return nil, fmt.Errorf("executor for unknown job type %q", t)
		}
		if _, dup := r.executors[t]; dup {
			return nil, fmt.Errorf("duplicate executor for job type %q", t)
		}
		r.executors[t] = e
	}
	return r, nil
}

// Lookup returns the executor for t.
func (r *Registry) Lookup(t models.JobType) (Executor, bool) {
	e, ok := r.executors[t]
	return e, ok
}

// Types lists the registered job types in catalog order.
func (r *Registry) Types() []models.JobType {
	var out []models.JobType
	for _, spec := range models.JobTypes() {
		if _, ok := r.executors[spec.Type]; ok {
			out = append(out, spec.Type)
		}
	}
	return out
}
