// Package shuffle implements the producer-buckets/consumer-fetch exchange
// between stages (spec §4.7). A shuffle is always two back-to-back
// datasets: a writer (requires_sync) and a reader; this package provides
// the runtime each worker uses to hold and serve buckets, grounded in the
// teacher's chunked-fetch pattern (exec/bigmachine.go's machineReader) and
// generalized from per-task output to per-destination-partition buckets.
package shuffle

import (
	"context"
	"sync"

	"github.com/grailbio/base/log"
	"github.com/towr/bndl/bndl/bndlerr"
	bnet "github.com/towr/bndl/bndl/net"
	"github.com/towr/bndl/bndl/rmi"
	"github.com/towr/bndl/bndl/sliceio"
)

// WriteSpec configures how a shuffle writer partitions and accumulates
// records, combining spec §4.7's pcount/partitioner/bucket/comb
// parameters.
type WriteSpec struct {
	DatasetID   uint64
	PCount      int
	Partitioner Partitioner
	BucketType  BucketType
	Key         func(record interface{}) interface{}
	Comb        CombinerFunc
	Less        func(a, b interface{}) bool // only meaningful with BucketSortedList
}

type bucketSet struct {
	mu      sync.Mutex // explicit lock on the bucket-map, per spec §9's open question
	buckets []bucket
	spec    WriteSpec
}

// Registry is a worker's local shuffle runtime: it owns the bucket sets
// for every writer dataset this worker has materialized partitions of,
// and serves bucket reads to peers over RMI.
type Registry struct {
	self string
	node *rmi.Node

	mu   sync.Mutex
	sets map[uint64]*bucketSet
}

// NewRegistry creates a Registry bound to node, registering the "shuffle"
// RMI service peers fetch buckets and request cleanup through.
func NewRegistry(self string, node *rmi.Node) *Registry {
	r := &Registry{self: self, node: node, sets: make(map[uint64]*bucketSet)}
	node.Register("shuffle", rmi.Service{
		"fetch": r.serveFetch,
		"clear": r.serveClear,
	})
	return r
}

func (r *Registry) setFor(spec WriteSpec) *bucketSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	bs, ok := r.sets[spec.DatasetID]
	if !ok {
		pcount := spec.PCount
		if pcount < 1 {
			pcount = 1
		}
		buckets := make([]bucket, pcount)
		for i := range buckets {
			buckets[i] = newBucket(spec.BucketType)
		}
		bs = &bucketSet{buckets: buckets, spec: spec}
		r.sets[spec.DatasetID] = bs
	}
	return bs
}

// WritePartition ingests one source partition's records into this
// worker's bucket set for spec.DatasetID, creating the bucket set on
// first use. Multiple partitions (even across tasks) accumulate into the
// same per-worker bucket set, so Add is always called under the set's
// lock.
func (r *Registry) WritePartition(ctx context.Context, spec WriteSpec, records []interface{}) error {
	bs := r.setFor(spec)
	bs.mu.Lock()
	defer bs.mu.Unlock()

	pcount := len(bs.buckets)
	for _, rec := range records {
		var key interface{} = rec
		if spec.Key != nil {
			key = spec.Key(rec)
		}
		dest := 0
		if pcount > 1 {
			dest = spec.Partitioner.Partition(key, pcount)
			if dest < 0 || dest >= pcount {
				dest = dest % pcount
				if dest < 0 {
					dest += pcount
				}
			}
		}
		bs.buckets[dest].Add(rec)
	}
	return nil
}

// Materialize finalizes and returns the records destined for partition
// idx of datasetID's bucket set, applying the configured combiner/sort.
func (r *Registry) Materialize(datasetID uint64, idx int) ([]interface{}, error) {
	r.mu.Lock()
	bs, ok := r.sets[datasetID]
	r.mu.Unlock()
	if !ok {
		return nil, bndlerr.CacheMiss("shuffle: no bucket set for dataset %d on %s", datasetID, r.self)
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if idx < 0 || idx >= len(bs.buckets) {
		return nil, bndlerr.CacheMiss("shuffle: bucket %d out of range for dataset %d", idx, datasetID)
	}
	return bs.buckets[idx].Finalize(bs.spec.Comb, bs.spec.Less), nil
}

// Clear drops datasetID's bucket set from this worker.
func (r *Registry) Clear(datasetID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sets, datasetID)
}

// ClearEverywhere fans a cleanup RPC for datasetID out to every worker,
// including the local one. Per spec §4.7, errors are logged, never
// raised: cleanup closures must swallow their own failures.
func (r *Registry) ClearEverywhere(ctx context.Context, datasetID uint64, workers *bnet.Table) {
	r.Clear(datasetID)
	for _, w := range workers.All() {
		if w.Name == r.self {
			continue
		}
		if _, err := r.node.Service(w, "shuffle").Method("clear").Call(ctx, []interface{}{datasetID}, nil); err != nil {
			log.Printf("shuffle: cleanup of dataset %d on %s failed: %v", datasetID, w.Name, err)
		}
	}
}

func (r *Registry) serveFetch(ctx context.Context, src *bnet.Peer, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	datasetID := args[0].(uint64)
	idx := args[1].(int)
	records, err := r.Materialize(datasetID, idx)
	if err != nil {
		return nil, err
	}
	return encodeRecords(records)
}

func (r *Registry) serveClear(ctx context.Context, src *bnet.Peer, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	r.Clear(args[0].(uint64))
	return nil, nil
}

// Read returns a reader over every record destined for partition idx of
// datasetID, fetching the local worker's bucket first (if this worker
// participated) and every remote worker's bucket in parallel, concatenated
// in arrival order (spec §4.7: shuffle read order is unspecified).
func (r *Registry) Read(ctx context.Context, datasetID uint64, idx int, workers *bnet.Table) sliceio.Reader {
	var readers []sliceio.Reader
	if local, err := r.Materialize(datasetID, idx); err == nil {
		readers = append(readers, sliceio.SliceReader(local))
	}
	for _, w := range workers.All() {
		if w.Name == r.self {
			continue
		}
		readers = append(readers, &remoteBucketReader{ctx: ctx, node: r.node, peer: w, datasetID: datasetID, idx: idx})
	}
	return sliceio.NewUnorderedMultiReader(readers...)
}

// remoteBucketReader fetches a remote worker's whole bucket on its first
// Read call (the bucket is the unit of RMI transfer) and serves it out of
// memory thereafter, so a caller whose buf is smaller than the bucket
// still sees every record across repeated Read calls.
type remoteBucketReader struct {
	ctx       context.Context
	node      *rmi.Node
	peer      *bnet.Peer
	datasetID uint64
	idx       int

	fetched bool
	inner   sliceio.Reader
}

func (r *remoteBucketReader) Read(ctx context.Context, buf []interface{}) (int, error) {
	if !r.fetched {
		records, err := r.fetch(ctx)
		if err != nil {
			return 0, err
		}
		r.inner = sliceio.SliceReader(records)
		r.fetched = true
	}
	return r.inner.Read(ctx, buf)
}

func (r *remoteBucketReader) fetch(ctx context.Context) ([]interface{}, error) {
	result, err := r.node.Service(r.peer, "shuffle").Method("fetch").Call(ctx, []interface{}{r.datasetID, r.idx}, nil)
	if err != nil {
		return nil, err
	}
	encoded, ok := result.([]byte)
	if !ok {
		return nil, bndlerr.ProtocolError("shuffle: unexpected fetch reply type %T from %s", result, r.peer.Name)
	}
	return decodeRecords(encoded)
}

func encodeRecords(records []interface{}) ([]byte, error) {
	return sliceio.EncodeBatch(records)
}

func decodeRecords(data []byte) ([]interface{}, error) {
	return sliceio.DecodeBatch(data)
}
