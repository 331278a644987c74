package exec

import (
	"context"
	"sync"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/towr/bndl/bndl/bndlerr"
	bnet "github.com/towr/bndl/bndl/net"
	"github.com/towr/bndl/bndl/rmi"
	"github.com/towr/bndl/bndl/sliceio"
)

// TaskFunc is a registered task body: it materializes a partition given
// its arguments and returns the resulting records. Bodies run
// synchronously on a dedicated goroutine per task (spec §5: "user task
// bodies run on dedicated OS threads... so that blocking user code does
// not starve I/O").
type TaskFunc func(ctx context.Context, args []interface{}) ([]interface{}, error)

// Registry maps task method names to their bodies, shared by every
// Worker in a cluster (datasets register their transformation's method
// under a stable name when compiled into tasks).
type Registry struct {
	mu    sync.Mutex
	funcs map[string]TaskFunc
}

func NewRegistry() *Registry { return &Registry{funcs: make(map[string]TaskFunc)} }

func (r *Registry) Register(method string, fn TaskFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[method] = fn
}

func (r *Registry) lookup(method string) (TaskFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn, ok := r.funcs[method]
	return fn, ok
}

var retryPolicy = retry.Backoff(time.Second, 5*time.Second, 1.5)

type runState struct {
	done    chan struct{}
	records []interface{}
	err     error
	cancel  context.CancelFunc
}

// Worker is the server-side half of task execution: it runs registered
// task bodies on request and serves their materialized output to the
// driver, grounded in the teacher's worker struct (exec/bigmachine.go)
// generalized from bigmachine's RPC to BNDL's own rmi package.
type Worker struct {
	self     string
	node     *rmi.Node
	registry *Registry

	mu    sync.Mutex
	tasks map[string]*runState
}

// NewWorker creates a Worker bound to node, registering the "exec" RMI
// service the scheduler dispatches tasks and cancellations through.
func NewWorker(self string, node *rmi.Node, registry *Registry) *Worker {
	w := &Worker{self: self, node: node, registry: registry, tasks: make(map[string]*runState)}
	node.Register("exec", rmi.Service{
		"run":    w.serveRun,
		"cancel": w.serveCancel,
		"read":   w.serveRead,
	})
	return w
}

func (w *Worker) serveRun(ctx context.Context, src *bnet.Peer, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	taskID := args[0].(string)
	method := args[1].(string)
	taskArgs, _ := args[2].([]interface{})

	fn, ok := w.registry.lookup(method)
	if !ok {
		return nil, bndlerr.ConfigError("exec: no task body registered for method %q", method)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rs := &runState{done: make(chan struct{}), cancel: cancel}
	w.mu.Lock()
	w.tasks[taskID] = rs
	w.mu.Unlock()

	go func() {
		defer close(rs.done)
		defer cancel()
		records, err := fn(runCtx, taskArgs)
		if runCtx.Err() != nil && err == nil {
			err = bndlerr.Cancelled("task %s cancelled on %s", taskID, w.self)
		}
		rs.records, rs.err = records, err
	}()
	return nil, nil
}

func (w *Worker) serveCancel(ctx context.Context, src *bnet.Peer, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	taskID := args[0].(string)
	w.mu.Lock()
	rs, ok := w.tasks[taskID]
	w.mu.Unlock()
	if ok {
		rs.cancel()
	}
	return nil, nil
}

func (w *Worker) serveRead(ctx context.Context, src *bnet.Peer, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	taskID := args[0].(string)
	w.mu.Lock()
	rs, ok := w.tasks[taskID]
	w.mu.Unlock()
	if !ok {
		return nil, bndlerr.CacheMiss("exec: no output recorded for task %s on %s", taskID, w.self)
	}
	select {
	case <-rs.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if rs.err != nil {
		return nil, rs.err
	}
	return sliceio.EncodeBatch(rs.records)
}

// RMIExecutor is the cluster-wide Executor: it drives Worker.serveRun to
// start tasks and then blocks on a read of the task's output, which
// returns once the task has finished, mirroring the teacher's
// bigmachineExecutor.Run loop
// (exec/bigmachine.go) adapted to BNDL's rmi transport.
type RMIExecutor struct {
	node  *rmi.Node
	peers *bnet.Table
}

func NewRMIExecutor(node *rmi.Node, peers *bnet.Table) *RMIExecutor {
	return &RMIExecutor{node: node, peers: peers}
}

func (e *RMIExecutor) Run(ctx context.Context, worker string, task *Task) {
	peer, ok := e.peers.Get(worker)
	if !ok {
		task.setErr(bndlerr.NotConnected("exec: unknown worker %s", worker))
		return
	}
	args := []interface{}{task.ID, task.Method, task.Args}
	if _, err := e.node.Service(peer, "exec").Method("run").Call(ctx, args, nil); err != nil {
		if bndlerr.IsNotConnected(err) {
			task.setLost()
		} else {
			task.setErr(err)
		}
		return
	}
	// Poll for completion by attempting a (blocking, on the worker side)
	// read; this doubles as both "has it finished" and "fetch its
	// output", since BNDL tasks are materialize-then-fetch rather than
	// streamed.
	if _, err := e.fetch(ctx, peer, task); err != nil {
		if bndlerr.IsNotConnected(err) {
			task.setLost()
		} else if bndlerr.IsCancelled(err) {
			task.setErr(err)
		} else {
			task.setErr(err)
		}
		return
	}
	task.setOk()
}

func (e *RMIExecutor) CancelTask(ctx context.Context, worker string, task *Task) {
	peer, ok := e.peers.Get(worker)
	if !ok {
		return
	}
	if _, err := e.node.Service(peer, "exec").Method("cancel").Call(ctx, []interface{}{task.ID}, nil); err != nil {
		log.Printf("exec: cancel of %v on %s failed: %v", task, worker, err)
	}
}

func (e *RMIExecutor) fetch(ctx context.Context, peer *bnet.Peer, task *Task) ([]interface{}, error) {
	result, err := e.node.Service(peer, "exec").Method("read").Call(ctx, []interface{}{task.ID}, nil)
	if err != nil {
		return nil, err
	}
	encoded, ok := result.([]byte)
	if !ok {
		return nil, bndlerr.ProtocolError("exec: unexpected read reply type %T", result)
	}
	return sliceio.DecodeBatch(encoded)
}

// Reader returns a Reader that retries transient transport errors while
// re-fetching task's output, adapted from the teacher's retryReader
// (exec/bigmachine.go): each retry re-issues the RMI read from the start,
// since task output here is fetched whole rather than as a byte stream
// with a resumable offset.
func (e *RMIExecutor) Reader(ctx context.Context, task *Task) sliceio.Reader {
	worker := lastExecutedOn(task)
	peer, ok := e.peers.Get(worker)
	if !ok {
		return sliceio.ErrReader(bndlerr.NotConnected("exec: unknown worker %s for task %v", worker, task))
	}
	return &retryingTaskReader{executor: e, peer: peer, task: task}
}

func lastExecutedOn(task *Task) string {
	hist := task.ExecutedOn()
	if len(hist) == 0 {
		return ""
	}
	return hist[len(hist)-1]
}

type retryingTaskReader struct {
	executor *RMIExecutor
	peer     *bnet.Peer
	task     *Task

	fetched bool
	inner   sliceio.Reader
	retries int
}

func (r *retryingTaskReader) Read(ctx context.Context, buf []interface{}) (int, error) {
	for {
		if !r.fetched {
			records, err := r.executor.fetch(ctx, r.peer, r.task)
			if err != nil {
				if !bndlerr.IsNotConnected(err) {
					return 0, err
				}
				log.Error.Printf("exec: reader for %v: retry %d after error: %v", r.task, r.retries, err)
				r.retries++
				if werr := retry.Wait(ctx, retryPolicy, r.retries); werr != nil {
					return 0, werr
				}
				continue
			}
			r.inner = sliceio.SliceReader(records)
			r.fetched = true
		}
		return r.inner.Read(ctx, buf)
	}
}
