package exec

import (
	"context"
	"sync"

	"github.com/grailbio/base/log"
	"github.com/towr/bndl/bndl/bndlerr"
	"github.com/towr/bndl/bndl/sliceio"
)

// Executor dispatches tasks to workers and reads their output, the same
// seam the teacher's exec.Executor interface provides between the
// scheduler and its transport (eval.go). LocalExecutor (local.go) backs
// a single-embedded-worker Context; RMIExecutor (worker.go) is the real
// multi-worker RPC-backed implementation.
type Executor interface {
	// Run dispatches task to worker and blocks until the task has
	// finished there, recording the outcome on task (Ok, Err or Lost);
	// the scheduler then observes that state through waitDone.
	Run(ctx context.Context, worker string, task *Task)
	// CancelTask best-effort cancels a running task on its current
	// worker.
	CancelTask(ctx context.Context, worker string, task *Task)
	// Reader returns a Reader over task's materialized output.
	Reader(ctx context.Context, task *Task) sliceio.Reader
}

// availability is the worker-availability queue from spec §4.8: each
// worker contributes `concurrency` slots; Pop favors the least-loaded
// worker among those currently idle, matching the "balance load" locality
// tiebreaker the spec calls out for preferred-worker ties.
type availability struct {
	mu     sync.Mutex
	cond   *sync.Cond
	idle   []string // worker names currently holding a free slot
	served map[string]int
	closed bool
	gen    int // bumped on every push, so a matchless pop can block for "a new completion event" (spec §4.8)
}

func newAvailability(workers []string, concurrency int) *availability {
	a := &availability{served: make(map[string]int)}
	a.cond = sync.NewCond(&a.mu)
	for _, w := range workers {
		for i := 0; i < concurrency; i++ {
			a.idle = append(a.idle, w)
		}
	}
	return a
}

func (a *availability) pop() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for len(a.idle) == 0 && !a.closed {
		a.cond.Wait()
	}
	if len(a.idle) == 0 {
		return "", false
	}
	best := 0
	for i := 1; i < len(a.idle); i++ {
		if a.served[a.idle[i]] < a.served[a.idle[best]] {
			best = i
		}
	}
	w := a.idle[best]
	a.idle = append(a.idle[:best], a.idle[best+1:]...)
	return w, true
}

func (a *availability) push(worker string) {
	a.mu.Lock()
	a.idle = append(a.idle, worker)
	a.gen++
	a.cond.Broadcast()
	a.mu.Unlock()
}

// generation returns the current push counter, used by a matchless pop to
// wait for "a new completion event" (spec §4.8) rather than busy-spin.
func (a *availability) generation() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gen
}

// waitGeneration blocks until generation() advances past since, the queue
// closes, or ctx is done.
func (a *availability) waitGeneration(ctx context.Context, since int) {
	done := make(chan struct{})
	go func() {
		a.mu.Lock()
		for a.gen == since && !a.closed {
			a.cond.Wait()
		}
		a.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (a *availability) markServed(worker string) {
	a.mu.Lock()
	a.served[worker]++
	a.mu.Unlock()
}

func (a *availability) close() {
	a.mu.Lock()
	a.closed = true
	a.cond.Broadcast()
	a.mu.Unlock()
}

// RunStage executes every task in stage to completion (or first
// unrecoverable error), implementing the worker-availability execution
// loop of spec §4.8: pop an idle worker, scan pending tasks for the first
// one matching its preferred set, else allowed set, else the first task
// with no constraints (see matchTask); dispatch, and on completion push
// the worker back.
func RunStage(ctx context.Context, executor Executor, stage *Stage, workers []string, concurrency int) error {
	return runStage(ctx, executor, stage, workers, concurrency, nil)
}

func runStage(ctx context.Context, executor Executor, stage *Stage, workers []string, concurrency int, record func(Event)) error {
	if record == nil {
		record = func(Event) {}
	}
	if len(stage.Tasks) == 0 {
		return nil
	}
	for _, t := range stage.Tasks {
		record(Event{Stage: stage.ID, TaskID: t.ID, Kind: EventScheduled})
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := newAvailability(workers, concurrency)
	defer queue.close()

	var mu sync.Mutex
	pending := append([]*Task(nil), stage.Tasks...)
	doneCount := 0
	total := len(stage.Tasks)

	errc := make(chan error, 1)
	var reportErr sync.Once
	fail := func(err error) {
		reportErr.Do(func() {
			errc <- err
			cancel()
			for _, t := range stage.Tasks {
				t.Cancel()
			}
		})
	}

	var wg sync.WaitGroup
	for {
		mu.Lock()
		finished := doneCount >= total
		mu.Unlock()
		if finished {
			break
		}
		select {
		case err := <-errc:
			wg.Wait()
			return err
		default:
		}

		worker, ok := queue.pop()
		if !ok {
			// Queue closed without finishing; only happens on ctx
			// cancellation mid-run.
			wg.Wait()
			select {
			case err := <-errc:
				return err
			default:
				return ctx.Err()
			}
		}

		mu.Lock()
		idx := matchTask(pending, worker)
		var task *Task
		if idx >= 0 {
			task = pending[idx]
			pending = append(pending[:idx], pending[idx+1:]...)
		}
		mu.Unlock()

		if task == nil {
			// No pending task currently matches this worker: return its
			// slot and block until a completion event changes the
			// picture, per spec §4.8, instead of busy-scanning.
			queue.push(worker)
			queue.waitGeneration(ctx, queue.generation())
			continue
		}

		queue.markServed(worker)
		task.setRunning(worker)
		record(Event{Stage: stage.ID, TaskID: task.ID, Worker: worker, Kind: EventStarted})
		wg.Add(1)
		go func(task *Task, worker string) {
			defer wg.Done()
			executor.Run(ctx, worker, task)
			if err := task.waitDone(ctx); err != nil {
				fail(err)
				return
			}
			handleCompletion(ctx, executor, task, queue, worker, &mu, &pending, &doneCount, fail, record, stage.ID)
		}(task, worker)
	}
	wg.Wait()
	select {
	case err := <-errc:
		return err
	default:
		return nil
	}
}

func handleCompletion(ctx context.Context, executor Executor, task *Task, queue *availability, worker string, mu *sync.Mutex, pending *[]*Task, doneCount *int, fail func(error), record func(Event), stageID int) {
	queue.push(worker)
	switch task.State() {
	case TaskOk:
		record(Event{Stage: stageID, TaskID: task.ID, Worker: worker, Kind: EventCompleted})
		mu.Lock()
		*doneCount++
		mu.Unlock()
	case TaskLost:
		record(Event{Stage: stageID, TaskID: task.ID, Worker: worker, Kind: EventLost})
		mu.Lock()
		*pending = append(*pending, task)
		mu.Unlock()
	case TaskErr:
		record(Event{Stage: stageID, TaskID: task.ID, Worker: worker, Kind: EventFailed, Err: task.Err()})
		if task.exhaustedAttempts() {
			fail(task.Err())
			return
		}
		log.Printf("exec: task %v failed on %s (attempt %d): %v; retrying", task, worker, len(task.ExecutedOn()), task.Err())
		mu.Lock()
		*pending = append(*pending, task)
		mu.Unlock()
	}
}

// matchTask implements spec §4.8's task-selection rule for a given idle
// worker: prefer a task naming it in Preferred, else one allowing it in
// Allowed, else the first pending task with neither constraint.
func matchTask(pending []*Task, worker string) int {
	for i, t := range pending {
		if contains(t.Preferred, worker) {
			return i
		}
	}
	for i, t := range pending {
		if len(t.Preferred) == 0 && contains(t.Allowed, worker) {
			return i
		}
	}
	for i, t := range pending {
		if len(t.Preferred) == 0 && len(t.Allowed) == 0 {
			return i
		}
	}
	return -1
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// RunJob runs every stage of job in order; each stage completes fully
// before the next one starts, whatever its Eager flag, and no results
// are yielded while a stage runs. Cleanups always run, success or failure.
func RunJob(ctx context.Context, executor Executor, job *Job, workers []string, concurrency int) error {
	defer job.RunCleanups(context.Background())
	for _, stage := range job.Stages {
		if job.Cancelled() {
			return bndlerr.Cancelled("job cancelled before stage %d started", stage.ID)
		}
		if err := runStage(ctx, executor, stage, workers, concurrency, job.recordEvent); err != nil {
			job.Cancel()
			return err
		}
	}
	return nil
}
