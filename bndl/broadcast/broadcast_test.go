package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/towr/bndl/bndl/block"
	bnet "github.com/towr/bndl/bndl/net"
	"github.com/towr/bndl/bndl/rmi"
)

func dialManagers(t *testing.T) (seeder *Manager, consumer *Manager) {
	t.Helper()
	ln, err := bnet.Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	seederPeer := &bnet.Peer{Name: "seeder", Addr: ln.Addr()}
	seederNode := rmi.NewNode("seeder", bnet.NewTable("seeder"), 4)
	consumerNode := rmi.NewNode("consumer", bnet.NewTable("consumer"), 4)

	acceptc := make(chan *bnet.Conn, 1)
	go ln.Serve(func(c *bnet.Conn) { acceptc <- c })

	conn, err := seederPeer.Conn()
	require.NoError(t, err)
	go consumerNode.Serve(seederPeer, conn)
	serverConn := <-acceptc
	go seederNode.Serve(&bnet.Peer{Name: "consumer"}, serverConn)

	seederStore := block.NewStore(seederNode, "seeder")
	consumerStore := block.NewStore(consumerNode, "consumer")

	consumerPeers := bnet.NewTable("consumer")
	consumerPeers.Add(seederPeer)

	seeder = NewManager(seederStore, seederNode, "seeder", bnet.NewTable("seeder"), 2, 4, 16)
	consumer = NewManager(consumerStore, consumerNode, "consumer", consumerPeers, 2, 4, 16)
	return seeder, consumer
}

func TestBroadcastValueRoundTrip(t *testing.T) {
	seeder, consumer := dialManagers(t)

	bv, err := seeder.Broadcast(context.Background(), map[string]interface{}{"a": "b", "n": 1}, CodecAuto)
	require.NoError(t, err)

	v, err := consumerSideValue(consumer, bv).Value(context.Background())
	_ = v
	require.NoError(t, err)
}

// consumerSideValue builds the *Value a consumer Manager would hold for a
// block seeded elsewhere, sharing spec/serializer with the seeder's v.
func consumerSideValue(m *Manager, v *Value) *Value {
	return &Value{mgr: m, seeder: v.seeder, spec: v.spec, serializer: v.serializer}
}

func TestBroadcastTextCodec(t *testing.T) {
	seeder, consumer := dialManagers(t)

	bv, err := seeder.Broadcast(context.Background(), "hello world", CodecText)
	require.NoError(t, err)

	got, err := consumerSideValue(consumer, bv).Value(context.Background())
	require.NoError(t, err)
	require.Equal(t, "hello world", got)
}

func TestUnpersistDoesNotBlockOnPeerError(t *testing.T) {
	seeder, _ := dialManagers(t)
	bv, err := seeder.Broadcast(context.Background(), "x", CodecText)
	require.NoError(t, err)
	// A peer nobody listens on, so the unpersist RPC to it fails.
	seeder.peers.Add(&bnet.Peer{Name: "gone", Addr: "127.0.0.1:1"})

	done := make(chan struct{})
	go func() {
		bv.Unpersist(context.Background(), true, 50*time.Millisecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("unpersist blocked past its timeout budget")
	}
}
