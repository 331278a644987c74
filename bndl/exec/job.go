package exec

import (
	"context"
	"sync"

	"github.com/grailbio/base/log"
)

// Stage is a list of Tasks, one per partition, sharing a position in
// execution order (spec §3.3). A stage whose output must be fully
// materialized before its consumer starts (a shuffle write) is a sync
// barrier; RequiresSync marks that.
type Stage struct {
	ID           int
	Tasks        []*Task
	RequiresSync bool
	// Eager records whether the stage should run to completion before the
	// next stage begins. RunJob does not read it: it runs every stage to
	// completion in turn, and the job compiler sets it true for every
	// stage, the last included.
	Eager bool
}

// NewStage creates an empty stage; tasks are appended with AddTask.
func NewStage(id int) *Stage { return &Stage{ID: id} }

// AddTask creates and appends a new task for partition idx.
func (s *Stage) AddTask(id string, partition int) *Task {
	t := newTask(id, s, partition)
	s.Tasks = append(s.Tasks, t)
	return t
}

// EventKind is the scheduler state transition an Event records (the
// dash tracer's vocabulary: scheduled, started, completed, failed).
type EventKind int

const (
	EventScheduled EventKind = iota
	EventStarted
	EventCompleted
	EventFailed
	EventLost
)

func (k EventKind) String() string {
	switch k {
	case EventScheduled:
		return "scheduled"
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	case EventLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Event is one entry in a Job's append-only scheduler event log,
// supplemented from the original implementation's dash tracer
// (execute/dash/__init__.py): a lightweight in-memory record of task
// scheduling, start, completion and failure, kept for diagnostics rather
// than feeding a web dashboard (out of scope).
type Event struct {
	Stage  int
	TaskID string
	Worker string
	Kind   EventKind
	Err    error
}

// Job is an ordered sequence of Stages produced by the scheduler's
// backward lineage walk (spec §4.8). Cleanup closures registered by
// shuffle-writing datasets run when the job ends, regardless of outcome.
type Job struct {
	Stages []*Stage

	mu        sync.Mutex
	cleanups  []func(context.Context)
	cancelled bool
	events    []Event
}

// NewJob creates an empty job.
func NewJob() *Job { return &Job{} }

// AddStage appends stage to the job, renumbering it to its execution
// order position (spec §3.3: "stages are numbered in execution order
// after the lineage walk").
func (j *Job) AddStage(requiresSync, eager bool) *Stage {
	s := NewStage(len(j.Stages))
	s.RequiresSync = requiresSync
	s.Eager = eager
	j.Stages = append(j.Stages, s)
	return s
}

// OnCleanup registers fn to run once when the job terminates, success or
// failure. Cleanup closures must swallow their own errors (spec §4.7,
// §7); fn is expected to do so itself, but RunCleanups also recovers a
// panic defensively so one bad cleanup cannot skip the rest.
func (j *Job) OnCleanup(fn func(context.Context)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cleanups = append(j.cleanups, fn)
}

// RunCleanups invokes every registered cleanup closure, logging (never
// propagating) anything a closure panics with.
func (j *Job) RunCleanups(ctx context.Context) {
	j.mu.Lock()
	cleanups := j.cleanups
	j.mu.Unlock()
	for _, fn := range cleanups {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error.Printf("exec: cleanup closure panicked: %v", r)
				}
			}()
			fn(ctx)
		}()
	}
}

// Cancel cascades cancellation to every task in every stage (spec §4.8).
// It is idempotent; stages already completed are left alone since their
// tasks are already terminal and Cancel on a terminal task is a no-op.
func (j *Job) Cancel() {
	j.mu.Lock()
	if j.cancelled {
		j.mu.Unlock()
		return
	}
	j.cancelled = true
	j.mu.Unlock()
	for _, stage := range j.Stages {
		for _, task := range stage.Tasks {
			task.Cancel()
		}
	}
}

func (j *Job) Cancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

// recordEvent appends e to the job's event log.
func (j *Job) recordEvent(e Event) {
	j.mu.Lock()
	j.events = append(j.events, e)
	j.mu.Unlock()
}

// Events returns a copy of every scheduler event recorded for this job so
// far, in the order they occurred.
func (j *Job) Events() []Event {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Event(nil), j.events...)
}
