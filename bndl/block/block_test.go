package block

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	bnet "github.com/towr/bndl/bndl/net"
	"github.com/towr/bndl/bndl/rmi"
)

func dialStores(t *testing.T) (seeder *Store, consumer *Store, peers *bnet.Table) {
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

	seeder = NewStore(seederNode, "seeder")
	consumer = NewStore(consumerNode, "consumer")

	peers = bnet.NewTable("consumer")
	peers.Add(seederPeer)
	return seeder, consumer, peers
}

func TestServeAndGetRoundTrip(t *testing.T) {
	seeder, consumer, peers := dialStores(t)

	data := make([]byte, 10000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	spec := seeder.ServeData("blk1", data, Clamp(4, 1024, 4096))
	require.True(t, spec.chunkCount() > 1)

	got, err := consumer.Get(context.Background(), spec, peers)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestGetIsCoordinatedAcrossConcurrentCallers(t *testing.T) {
	seeder, consumer, peers := dialStores(t)
	data := []byte("hello block store")
	spec := seeder.ServeData("blk2", data, Clamp(1, 4, 16))

	results := make(chan []byte, 5)
	for i := 0; i < 5; i++ {
		go func() {
			got, err := consumer.Get(context.Background(), spec, peers)
			require.NoError(t, err)
			results <- got
		}()
	}
	for i := 0; i < 5; i++ {
		require.Equal(t, data, <-results)
	}
}

func TestClampBounds(t *testing.T) {
	policy := Clamp(2, 100, 200)
	require.Equal(t, 100, policy(10000))

	policy = Clamp(1000, 100, 200)
	require.Equal(t, 200, policy(10000))
}
