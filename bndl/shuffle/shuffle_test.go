package shuffle

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	bnet "github.com/towr/bndl/bndl/net"
	"github.com/towr/bndl/bndl/rmi"
	"github.com/towr/bndl/bndl/sliceio"
)

func dialWorkers(t *testing.T) (w1 *Registry, w2 *Registry, peers *bnet.Table) {
	t.Helper()
	ln, err := bnet.Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	peer1 := &bnet.Peer{Name: "w1", Addr: ln.Addr()}
	node1 := rmi.NewNode("w1", bnet.NewTable("w1"), 4)
	node2 := rmi.NewNode("w2", bnet.NewTable("w2"), 4)

	acceptc := make(chan *bnet.Conn, 1)
	go ln.Serve(func(c *bnet.Conn) { acceptc <- c })

	conn, err := peer1.Conn()
	require.NoError(t, err)
	go node2.Serve(peer1, conn)
	serverConn := <-acceptc
	go node1.Serve(&bnet.Peer{Name: "w2"}, serverConn)

	w1 = NewRegistry("w1", node1)
	w2 = NewRegistry("w2", node2)

	peers = bnet.NewTable("w2")
	peers.Add(peer1)
	return w1, w2, peers
}

func drain(t *testing.T, r sliceio.Reader) []interface{} {
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

func TestWritePartitionAndLocalMaterialize(t *testing.T) {
	w1, _, _ := dialWorkers(t)
	spec := WriteSpec{
		DatasetID:   1,
		PCount:      4,
		Partitioner: PortableHashPartitioner{},
		BucketType:  BucketList,
		Key:         func(r interface{}) interface{} { return r.(int) % 4 },
	}
	require.NoError(t, w1.WritePartition(context.Background(), spec, []interface{}{0, 1, 2, 3, 4, 5, 6, 7}))

	total := 0
	for i := 0; i < 4; i++ {
		recs, err := w1.Materialize(1, i)
		require.NoError(t, err)
		total += len(recs)
	}
	require.Equal(t, 8, total)
}

func TestReadFetchesLocalAndRemoteBuckets(t *testing.T) {
	w1, w2, peers := dialWorkers(t)
	spec := WriteSpec{DatasetID: 2, PCount: 2, Partitioner: PortableHashPartitioner{}, BucketType: BucketList}

	require.NoError(t, w1.WritePartition(context.Background(), spec, []interface{}{"a", "b"}))
	require.NoError(t, w2.WritePartition(context.Background(), spec, []interface{}{"c", "d"}))

	r := w2.Read(context.Background(), 2, 0, peers)
	got := drain(t, r)
	// Every element lands in bucket 0 or 1 depending on hash; across both
	// buckets the full 4-element multiset must be recovered.
	r1 := w2.Read(context.Background(), 2, 1, peers)
	got = append(got, drain(t, r1)...)

	sort.Slice(got, func(i, j int) bool { return got[i].(string) < got[j].(string) })
	require.Equal(t, []interface{}{"a", "b", "c", "d"}, got)
}

func TestCounterBucket(t *testing.T) {
	w1, _, _ := dialWorkers(t)
	spec := WriteSpec{DatasetID: 3, PCount: 1, Partitioner: PortableHashPartitioner{}, BucketType: BucketCounter}
	require.NoError(t, w1.WritePartition(context.Background(), spec, []interface{}{"x", "x", "y"}))

	recs, err := w1.Materialize(3, 0)
	require.NoError(t, err)
	counts := map[interface{}]int{}
	for _, r := range recs {
		cp := r.(CountPair)
		counts[cp.Value] = cp.Count
	}
	require.Equal(t, 2, counts["x"])
	require.Equal(t, 1, counts["y"])
}

func TestClearEverywhere(t *testing.T) {
	w1, w2, peers := dialWorkers(t)
	spec := WriteSpec{DatasetID: 4, PCount: 1, Partitioner: PortableHashPartitioner{}, BucketType: BucketList}
	require.NoError(t, w1.WritePartition(context.Background(), spec, []interface{}{1}))

	// w2 already holds an outbound connection to w1 (established dialing
	// it in dialWorkers); fan the clear out from that side.
	w2.ClearEverywhere(context.Background(), 4, peers)

	_, err := w1.Materialize(4, 0)
	require.Error(t, err)
}
