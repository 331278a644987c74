// Package exec implements the job/stage/task scheduler (spec §4.8): given
// a Job of Stages of Tasks -- compiled from a dataset's lineage by the
// root bndl package's job_compile.go, which walks the lineage backward
// and inserts a stage boundary at every requires_sync shuffle write --
// it dispatches tasks to workers through a worker-availability queue and
// streams results back to the driver. The task bookkeeping (state
// machine, waiting/pending sets, retry/lost handling) is adapted from the
// teacher's exec/eval.go state type; the worker-availability execution
// loop and locality rules are new, grounded directly in spec §4.8 since
// the teacher schedules by dependency count across an unbounded DAG
// rather than by a single stage's worker queue.
package exec

import (
	"context"
	"fmt"
	"sync"
)

// TaskState is a task's position in its lifecycle.
type TaskState int

const (
	TaskInit TaskState = iota
	TaskWaiting
	TaskRunning
	TaskOk
	TaskErr
	TaskLost
)

func (s TaskState) String() string {
	switch s {
	case TaskInit:
		return "init"
	case TaskWaiting:
		return "waiting"
	case TaskRunning:
		return "running"
	case TaskOk:
		return "ok"
	case TaskErr:
		return "err"
	case TaskLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Task is one partition's worth of work within a Stage (spec §3.3).
type Task struct {
	ID        string
	Stage     *Stage
	Partition int

	// Method and Args describe the work: Method names the registered task
	// body the worker should invoke (see Body/Register in worker.go), Args
	// carries its arguments including the serialized source partition.
	Method string
	Args   []interface{}

	// Preferred and Allowed are locality hints/constraints (spec §4.8):
	// Preferred is tried first, Allowed is the hard constraint when no
	// preference matches, and "no preference, no allow-list" means any
	// worker may run the task.
	Preferred []string
	Allowed   []string

	// MaxAttempts bounds how many times the task may be dispatched (to any
	// worker, the same one included) before a failed attempt fails the
	// stage; values <= 0 count as 1 (configured per job, spec §6's
	// bndl.execute.attempts).
	MaxAttempts int

	mu         sync.Mutex
	state      TaskState
	err        error
	executedOn []string
	cancelled  bool
	notify     chan struct{}
}

func newTask(id string, stage *Stage, partition int) *Task {
	return &Task{ID: id, Stage: stage, Partition: partition, notify: make(chan struct{}, 1)}
}

// State returns the task's current state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ExecutedOn returns the ordered list of workers this task has been
// dispatched to so far.
func (t *Task) ExecutedOn() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.executedOn...)
}

// Err returns the task's terminal error, if any.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Task) setRunning(worker string) {
	t.mu.Lock()
	t.state = TaskRunning
	t.executedOn = append(t.executedOn, worker)
	t.mu.Unlock()
}

func (t *Task) setOk() {
	t.mu.Lock()
	t.state = TaskOk
	t.mu.Unlock()
	t.signal()
}

func (t *Task) setErr(err error) {
	t.mu.Lock()
	t.state = TaskErr
	t.err = err
	t.mu.Unlock()
	t.signal()
}

// setLost marks the task for resubmission (e.g. its worker died or its
// cached source was evicted); a lost attempt never fails the stage by
// itself, but it stays in ExecutedOn and so counts toward MaxAttempts
// when a later attempt fails.
func (t *Task) setLost() {
	t.mu.Lock()
	t.state = TaskLost
	t.mu.Unlock()
	t.signal()
}

func (t *Task) signal() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// Cancel marks the task cancelled and wakes a waiter; it is idempotent.
// It sends no cancel RPC to the worker, and matchTask does not skip
// cancelled tasks: RunStage stops dispatching on the first unrecoverable
// failure instead, and Executor.CancelTask is the call that asks a worker
// to stop a running task.
func (t *Task) Cancel() {
	t.mu.Lock()
	already := t.cancelled
	t.cancelled = true
	t.mu.Unlock()
	if !already {
		t.signal()
	}
}

func (t *Task) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

func (t *Task) exhaustedAttempts() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	max := t.MaxAttempts
	if max <= 0 {
		max = 1
	}
	return len(t.executedOn) >= max
}

func (t *Task) String() string {
	return fmt.Sprintf("%s[%d]", t.ID, t.Partition)
}

// waitDone blocks until the task leaves TaskRunning, or ctx is done.
func (t *Task) waitDone(ctx context.Context) error {
	for {
		switch t.State() {
		case TaskOk, TaskErr, TaskLost:
			return nil
		}
		select {
		case <-t.notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
