package exec

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	bnet "github.com/towr/bndl/bndl/net"
	"github.com/towr/bndl/bndl/rmi"
	"github.com/towr/bndl/bndl/sliceio"
)

func dialExecWorker(t *testing.T) (driverExec *RMIExecutor, workerName string) {
	t.Helper()
	ln, err := bnet.Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	peer := &bnet.Peer{Name: "worker", Addr: ln.Addr()}
	driverNode := rmi.NewNode("driver", bnet.NewTable("driver"), 4)
	workerNode := rmi.NewNode("worker", bnet.NewTable("worker"), 4)

	acceptc := make(chan *bnet.Conn, 1)
	go ln.Serve(func(c *bnet.Conn) { acceptc <- c })

	conn, err := peer.Conn()
	require.NoError(t, err)
	go driverNode.Serve(peer, conn)
	serverConn := <-acceptc
	go workerNode.Serve(&bnet.Peer{Name: "driver"}, serverConn)

	registry := NewRegistry()
	registry.Register("double", func(ctx context.Context, args []interface{}) ([]interface{}, error) {
		in := args[0].([]interface{})
		out := make([]interface{}, len(in))
		for i, v := range in {
			out[i] = v.(int) * 2
		}
		return out, nil
	})
	registry.Register("explode", func(ctx context.Context, args []interface{}) ([]interface{}, error) {
		return nil, errors.New("task body error")
	})
	registry.Register("block", func(ctx context.Context, args []interface{}) ([]interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	NewWorker("worker", workerNode, registry)

	peers := bnet.NewTable("driver")
	peers.Add(peer)
	return NewRMIExecutor(driverNode, peers), "worker"
}

func drainReader(t *testing.T, r sliceio.Reader) []interface{} {
	t.Helper()
	var out []interface{}
	buf := make([]interface{}, 4)
	for {
		n, err := r.Read(context.Background(), buf)
		out = append(out, buf[:n]...)
		if err == sliceio.EOF {
			break
		}
		require.NoError(t, err)
	}
	return out
}

func TestRMIExecutorRunAndRead(t *testing.T) {
	executor, worker := dialExecWorker(t)
	task := newTask("t0", NewStage(0), 0)
	task.Method = "double"
	task.Args = []interface{}{[]interface{}{1, 2, 3}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	executor.Run(ctx, worker, task)
	require.Equal(t, TaskOk, task.State())

	got := drainReader(t, executor.Reader(ctx, task))
	require.Equal(t, []interface{}{2, 4, 6}, got)
}

func TestRMIExecutorRunSurfacesTaskError(t *testing.T) {
	executor, worker := dialExecWorker(t)
	task := newTask("t1", NewStage(0), 0)
	task.Method = "explode"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	executor.Run(ctx, worker, task)
	require.Equal(t, TaskErr, task.State())
	require.Error(t, task.Err())
}

func TestRMIExecutorCancelTask(t *testing.T) {
	executor, worker := dialExecWorker(t)
	task := newTask("t2", NewStage(0), 0)
	task.Method = "block"

	ctx := context.Background()
	runDone := make(chan struct{})
	go func() {
		executor.Run(ctx, worker, task)
		close(runDone)
	}()

	// Give the worker a moment to register the run before cancelling.
	time.Sleep(50 * time.Millisecond)
	executor.CancelTask(ctx, worker, task)

	select {
	case <-runDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	require.Equal(t, TaskErr, task.State())
}
