package rmi

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	bnet "github.com/towr/bndl/bndl/net"
)

func dialNodes(t *testing.T) (clientNode *Node, serverNode *Node, clientPeer *bnet.Peer) {
	t.Helper()
	ln, err := bnet.Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	serverPeer := &bnet.Peer{Name: "server", Addr: ln.Addr()}
	serverNode = NewNode("server", bnet.NewTable("server"), 4)
	clientNode = NewNode("client", bnet.NewTable("client"), 4)

	acceptc := make(chan *bnet.Conn, 1)
	go ln.Serve(func(c *bnet.Conn) { acceptc <- c })

	conn, err := serverPeer.Conn()
	require.NoError(t, err)
	go clientNode.Serve(serverPeer, conn)

	select {
	case serverConn := <-acceptc:
		go serverNode.Serve(&bnet.Peer{Name: "client"}, serverConn)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept")
	}
	return clientNode, serverNode, serverPeer
}

func TestCallRoundTrip(t *testing.T) {
	client, server, peer := dialNodes(t)
	server.Register("math", Service{
		"add": func(ctx context.Context, src *bnet.Peer, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
			return args[0].(int) + args[1].(int), nil
		},
	})

	result, err := client.Service(peer, "math").Method("add").Call(context.Background(), []interface{}{1, 2}, nil)
	require.NoError(t, err)
	require.Equal(t, 3, result)
}

func TestCallUnknownMethodReturnsInvocationException(t *testing.T) {
	client, _, peer := dialNodes(t)

	_, err := client.Service(peer, "nope").Method("nope").Call(context.Background(), nil, nil)
	require.Error(t, err)
}

func TestCallTimeout(t *testing.T) {
	client, server, peer := dialNodes(t)
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	server.Register("slow", Service{
		"wait": func(ctx context.Context, src *bnet.Peer, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
			<-block
			return nil, nil
		},
	})

	_, err := client.Service(peer, "slow").Method("wait").WithTimeout(50 * time.Millisecond).Call(context.Background(), nil, nil)
	require.Error(t, err)
}
