package worker

import (
	"context"
	"sort"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/weppcloud/weppcloud/internal/models"
)

// Execution is what a task receives for one job.
type Execution struct {
	Job    *models.Job
	WD     string
	Log    *RunLog // <wd>/rq.log, nil when the run has no working directory yet
	Logger arbor.ILogger
}

// TaskFunc executes one job. Returning an error fails the job.
type TaskFunc func(ctx context.Context, exec *Execution) error

// Registry maps job function names to their implementations.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]TaskFunc
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]TaskFunc)}
}

// Register adds fn under name, replacing any previous registration.
func (r *Registry) Register(name string, fn TaskFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Lookup returns the task registered under name.
func (r *Registry) Lookup(name string) (TaskFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names lists the registered functions in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
