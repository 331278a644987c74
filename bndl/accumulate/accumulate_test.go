package accumulate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	bnet "github.com/towr/bndl/bndl/net"
	"github.com/towr/bndl/bndl/rmi"
)

func dialServices(t *testing.T) (driver *Service, worker *Service, driverPeers *bnet.Table) {
	t.Helper()
	ln, err := bnet.Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	driverPeer := &bnet.Peer{Name: "driver", Addr: ln.Addr()}
	driverNode := rmi.NewNode("driver", bnet.NewTable("driver"), 4)
	workerNode := rmi.NewNode("worker", bnet.NewTable("worker"), 4)

	acceptc := make(chan *bnet.Conn, 1)
	go ln.Serve(func(c *bnet.Conn) { acceptc <- c })

	conn, err := driverPeer.Conn()
	require.NoError(t, err)
	go workerNode.Serve(driverPeer, conn)
	serverConn := <-acceptc
	go driverNode.Serve(&bnet.Peer{Name: "worker"}, serverConn)

	driver = NewService("driver", driverNode)
	worker = NewService("worker", workerNode)

	driverPeers = bnet.NewTable("worker")
	driverPeers.Add(driverPeer)
	return driver, worker, driverPeers
}

func TestProxyAddUpdatesDriverValue(t *testing.T) {
	driver, worker, driverPeers := dialServices(t)

	acc := driver.New(0)
	proxy, err := worker.Proxy(acc, driverPeers)
	require.NoError(t, err)

	require.NoError(t, proxy.Add(context.Background(), 5))
	require.NoError(t, proxy.Add(context.Background(), 3))
	require.Equal(t, 8, acc.read())
}

func TestProxyMulAndDiv(t *testing.T) {
	driver, worker, driverPeers := dialServices(t)

	acc := driver.New(2.0)
	proxy, err := worker.Proxy(acc, driverPeers)
	require.NoError(t, err)

	require.NoError(t, proxy.Mul(context.Background(), 3.0))
	require.Equal(t, 6.0, acc.read())

	require.NoError(t, proxy.Div(context.Background(), 2.0))
	require.Equal(t, 3.0, acc.read())
}

func TestUpdateOnDroppedAccumulatorIsIgnoredNotError(t *testing.T) {
	driver, worker, driverPeers := dialServices(t)

	acc := driver.New(0)
	proxy, err := worker.Proxy(acc, driverPeers)
	require.NoError(t, err)

	driver.Drop(acc)
	// Per spec, an update for an unknown/dropped accumulator is logged and
	// swallowed on the host, not surfaced as an RMI error.
	require.NoError(t, proxy.Add(context.Background(), 1))
}
