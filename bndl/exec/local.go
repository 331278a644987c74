package exec

import (
	"context"
	"sync"

	"github.com/towr/bndl/bndl/bndlerr"
	"github.com/towr/bndl/bndl/sliceio"
)

// LocalExecutor runs registered task bodies in-process, bypassing rmi
// entirely -- the single-process analogue of the teacher's exec.Local
// option (slice_test.go: `"Local": exec.Local` alongside
// `"Bigmachine.Test": exec.Bigmachine(...)`). RMIExecutor (worker.go) is
// the real multi-worker counterpart.
type LocalExecutor struct {
	registry *Registry

	mu      sync.Mutex
	results map[string][]interface{}
}

func NewLocalExecutor(registry *Registry) *LocalExecutor {
	return &LocalExecutor{registry: registry, results: make(map[string][]interface{})}
}

func (e *LocalExecutor) Run(ctx context.Context, worker string, task *Task) {
	fn, ok := e.registry.lookup(task.Method)
	if !ok {
		task.setErr(bndlerr.ConfigError("exec: no task body registered for method %q", task.Method))
		return
	}
	records, err := fn(ctx, task.Args)
	if err != nil {
		if ctx.Err() != nil {
			task.setErr(bndlerr.Cancelled("task %v cancelled: %v", task, err))
		} else {
			task.setErr(err)
		}
		return
	}
	e.mu.Lock()
	e.results[task.ID] = records
	e.mu.Unlock()
	task.setOk()
}

func (e *LocalExecutor) CancelTask(ctx context.Context, worker string, task *Task) {}

func (e *LocalExecutor) Reader(ctx context.Context, task *Task) sliceio.Reader {
	e.mu.Lock()
	defer e.mu.Unlock()
	return sliceio.SliceReader(e.results[task.ID])
}
