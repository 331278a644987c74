package exec

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/towr/bndl/bndl/sliceio"
)

// fakeExecutor runs tasks in-process, bypassing rmi/worker entirely; it
// lets the scheduling loop in scheduler.go be tested independent of
// transport, the same separation the teacher's eval.go tests draw between
// scheduling logic and a fakeExecutor.
type fakeExecutor struct {
	mu      sync.Mutex
	ran     map[string]int
	fail    map[string]int // task ID -> number of times to fail before succeeding
	lost    map[string]int // task ID -> number of times to report lost before succeeding
	results map[string][]interface{}
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		ran:     make(map[string]int),
		fail:    make(map[string]int),
		lost:    make(map[string]int),
		results: make(map[string][]interface{}),
	}
}

func (f *fakeExecutor) Run(ctx context.Context, worker string, task *Task) {
	f.mu.Lock()
	f.ran[task.ID]++
	if f.lost[task.ID] > 0 {
		f.lost[task.ID]--
		f.mu.Unlock()
		task.setLost()
		return
	}
	if f.fail[task.ID] > 0 {
		f.fail[task.ID]--
		f.mu.Unlock()
		task.setErr(context.DeadlineExceeded)
		return
	}
	f.mu.Unlock()
	task.setOk()
}

func (f *fakeExecutor) CancelTask(ctx context.Context, worker string, task *Task) {}

func (f *fakeExecutor) Reader(ctx context.Context, task *Task) sliceio.Reader {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sliceio.SliceReader(f.results[task.ID])
}

func TestRunStageRunsEveryTask(t *testing.T) {
	stage := NewStage(0)
	for i := 0; i < 6; i++ {
		stage.AddTask("t", i)
	}
	exec := newFakeExecutor()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, RunStage(ctx, exec, stage, []string{"w1", "w2", "w3"}, 2))
	for _, task := range stage.Tasks {
		require.Equal(t, TaskOk, task.State())
	}
}

func TestRunStageRetriesFailedTask(t *testing.T) {
	stage := NewStage(0)
	task := stage.AddTask("flaky", 0)
	task.MaxAttempts = 3
	exec := newFakeExecutor()
	exec.fail["flaky"] = 2

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, RunStage(ctx, exec, stage, []string{"w1"}, 1))
	require.Equal(t, TaskOk, task.State())
	require.Equal(t, 3, exec.ran["flaky"])
}

func TestRunStageFailsAfterExhaustingAttempts(t *testing.T) {
	stage := NewStage(0)
	task := stage.AddTask("broken", 0)
	task.MaxAttempts = 2
	exec := newFakeExecutor()
	exec.fail["broken"] = 5

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := RunStage(ctx, exec, stage, []string{"w1"}, 1)
	require.Error(t, err)
	require.Equal(t, TaskErr, task.State())
}

func TestRunStageResubmitsLostTask(t *testing.T) {
	stage := NewStage(0)
	task := stage.AddTask("evicted", 0)
	exec := newFakeExecutor()
	exec.lost["evicted"] = 1

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, RunStage(ctx, exec, stage, []string{"w1", "w2"}, 1))
	require.Equal(t, TaskOk, task.State())
	require.GreaterOrEqual(t, exec.ran["evicted"], 2)
}

func TestMatchTaskPrefersPreferredThenAllowedThenAny(t *testing.T) {
	preferred := &Task{ID: "pref", Preferred: []string{"w2"}}
	allowed := &Task{ID: "allow", Allowed: []string{"w1", "w3"}}
	any := &Task{ID: "any"}

	pending := []*Task{any, allowed, preferred}
	require.Equal(t, 2, matchTask(pending, "w2")) // preferred wins regardless of position

	pending = []*Task{any, allowed}
	require.Equal(t, 1, matchTask(pending, "w1")) // allowed, no preference present

	pending = []*Task{any}
	require.Equal(t, 0, matchTask(pending, "wN")) // falls through to unconstrained task
}

func TestRunJobRunsStagesInOrderAndCleansUp(t *testing.T) {
	job := NewJob()
	s0 := job.AddStage(false, true)
	s0.AddTask("a", 0)
	s1 := job.AddStage(false, true)
	s1.AddTask("b", 0)

	var cleaned bool
	job.OnCleanup(func(context.Context) { cleaned = true })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, RunJob(ctx, newFakeExecutor(), job, []string{"w1"}, 1))
	require.True(t, cleaned)
}

func TestRunJobCancelsRemainingStagesOnFailure(t *testing.T) {
	job := NewJob()
	s0 := job.AddStage(false, true)
	bad := s0.AddTask("bad", 0)
	bad.MaxAttempts = 1
	s1 := job.AddStage(false, true)
	s1.AddTask("never", 0)

	exec := newFakeExecutor()
	exec.fail["bad"] = 1

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := RunJob(ctx, exec, job, []string{"w1"}, 1)
	require.Error(t, err)
	require.True(t, job.Cancelled())
}

func TestRunJobRecordsEvents(t *testing.T) {
	job := NewJob()
	s0 := job.AddStage(false, true)
	s0.AddTask("a", 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, RunJob(ctx, newFakeExecutor(), job, []string{"w1"}, 1))

	events := job.Events()
	require.NotEmpty(t, events)
	kinds := make([]EventKind, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	require.Contains(t, kinds, EventScheduled)
	require.Contains(t, kinds, EventStarted)
	require.Contains(t, kinds, EventCompleted)
}
