package bndl

import (
	"context"
	"fmt"

	"github.com/towr/bndl/bndl/accumulate"
	"github.com/towr/bndl/bndl/block"
	"github.com/towr/bndl/bndl/bndlerr"
	"github.com/towr/bndl/bndl/broadcast"
	"github.com/towr/bndl/bndl/cache"
	"github.com/towr/bndl/bndl/conf"
	"github.com/towr/bndl/bndl/coordinate"
	"github.com/towr/bndl/bndl/exec"
	bnet "github.com/towr/bndl/bndl/net"
	"github.com/towr/bndl/bndl/rmi"
	"github.com/towr/bndl/bndl/shuffle"
)

// Context is the driver entrypoint (spec §3, §4.8): it owns the runtime
// every dataset transformation needs access to through a Context method
// (shuffle, cache) and drives terminal actions by compiling a Dataset
// into a Job and running it through registry/executor (job_compile.go,
// Context.Run). This implementation runs a single embedded local worker
// in the driver process -- the same degenerate single-machine case the
// teacher's `exec.Local` option exercises alongside its real
// `exec.Bigmachine` multi-worker executor (bndl/exec's
// RMIExecutor/Worker, already wired for that case). NewContext always
// builds a loopback-only peer table and a *exec.LocalExecutor; it takes
// no peers and no other Executor, so Context does not run tasks on
// remote workers.
type Context struct {
	self  string
	conf  *conf.Config
	peers *bnet.Table
	node  *rmi.Node

	Cache      *cache.Provider
	Accumulate *accumulate.Service
	Broadcast  *broadcast.Manager

	shuffle   *shuffle.Registry
	writeOnce *coordinate.Coordinator
	registry  *exec.Registry
	executor  *exec.LocalExecutor
}

// NewContext builds a single-worker local Context using cfg for its
// tunables (broadcast block sizes, execute attempts/concurrency); pass
// conf.New() for spec.md §6 defaults with environment overrides.
func NewContext(cfg *conf.Config) *Context {
	self := "local"
	peers := bnet.NewTable(self)
	node := rmi.NewNode(self, peers, 8)

	store := block.NewStore(node, self)
	c := &Context{
		self:       self,
		conf:       cfg,
		peers:      peers,
		node:       node,
		Cache:      cache.New(),
		Accumulate: accumulate.NewService(self, node),
		Broadcast: broadcast.NewManager(store, node, self, peers,
			1, cfg.BroadcastMinBlockSizeBytes(), cfg.BroadcastMaxBlockSizeBytes()),
		shuffle:   shuffle.NewRegistry(self, node),
		writeOnce: coordinate.New(),
		registry:  exec.NewRegistry(),
	}
	c.executor = exec.NewLocalExecutor(c.registry)
	return c
}

// Workers returns the worker names this Context's scheduler may place
// tasks on; a single-process Context always reports just its own name.
func (c *Context) Workers() []string { return []string{c.self} }

// shuffleWrite ensures every partition of every source has been written
// into spec's bucket set exactly once, single-flighted across concurrent
// readers of different destination partitions via writeOnce. This backs
// shuffleReadDataset.Materialize's direct-call path (used when a dataset
// is materialized outside Context.Run, e.g. by a nested Materialize call
// the job compiler's get couldn't resolve to a staged task); Context.Run
// itself compiles the writer and reader into two separate stages
// (job_compile.go's buildShuffle) so the stage-boundary synchronization
// spec §4.7/§8 describes is enforced by RunJob's stage sequencing rather
// than by this single-flight.
func (c *Context) shuffleWrite(ctx context.Context, spec shuffle.WriteSpec, sources ...Dataset) error {
	key := fmt.Sprintf("shuffle-write-%d", spec.DatasetID)
	_, err := c.writeOnce.Do(key, func() (interface{}, error) {
		for _, src := range sources {
			for i := 0; i < src.NumPartitions(); i++ {
				records, err := src.Materialize(ctx, i)
				if err != nil {
					return nil, err
				}
				if err := c.shuffle.WritePartition(ctx, spec, records); err != nil {
					return nil, err
				}
			}
		}
		return nil, nil
	})
	return err
}

// shuffleReadDataset is the generic reader half of every shuffle-backed
// transformation (distinct, count_by_value, group_by_key, combine_by_key,
// join, sort): Materialize(idx) triggers the one-time write of every
// source, fetches destination bucket idx, and applies post (run-length
// grouping, cartesian product, final sort) to the finalized records.
type shuffleReadDataset struct {
	id      uint64
	c       *Context
	spec    shuffle.WriteSpec
	sources []Dataset
	post    func(ctx context.Context, idx int, records []interface{}) ([]interface{}, error)
}

func (d *shuffleReadDataset) ID() uint64         { return d.id }
func (d *shuffleReadDataset) NumPartitions() int { return d.spec.PCount }
func (d *shuffleReadDataset) Materialize(ctx context.Context, idx int) ([]interface{}, error) {
	if err := d.c.shuffleWrite(ctx, d.spec, d.sources...); err != nil {
		return nil, err
	}
	reader := d.c.shuffle.Read(ctx, d.spec.DatasetID, idx, d.c.peers)
	records, err := drainAll(ctx, reader)
	if err != nil {
		return nil, err
	}
	if d.post != nil {
		return d.post(ctx, idx, records)
	}
	return records, nil
}
func (d *shuffleReadDataset) WorkerFilter(idx int, all []string) []string       { return nil }
func (d *shuffleReadDataset) WorkerPreference(idx int, allowed []string) []string { return nil }
func (d *shuffleReadDataset) datasetSources() []Dataset                        { return d.sources }

func newShuffleRead(c *Context, spec shuffle.WriteSpec, post func(context.Context, int, []interface{}) ([]interface{}, error), sources ...Dataset) Dataset {
	return &shuffleReadDataset{id: newDatasetID(), c: c, spec: spec, sources: sources, post: post}
}

// Cache attaches a cache provider to src (spec §4.6's `.cache(location,
// serialization, compression)`): the first Materialize of each partition
// writes through to c.Cache under src's dataset id; subsequent calls
// (including from a different logical consumer task) are served from the
// cache instead of recomputing.
func (c *Context) Cache(src Dataset, spec cache.Spec) Dataset {
	return &cachedDataset{id: src.ID(), src: src, c: c, spec: spec}
}

type cachedDataset struct {
	id   uint64
	src  Dataset
	c    *Context
	spec cache.Spec
}

func (d *cachedDataset) ID() uint64         { return d.id }
func (d *cachedDataset) NumPartitions() int { return d.src.NumPartitions() }
func (d *cachedDataset) Materialize(ctx context.Context, idx int) ([]interface{}, error) {
	return cacheReadThrough(ctx, d.c, d.id, idx, d.spec, func() ([]interface{}, error) {
		return d.src.Materialize(ctx, idx)
	})
}
func (d *cachedDataset) WorkerFilter(idx int, all []string) []string {
	return d.src.WorkerFilter(idx, all)
}
func (d *cachedDataset) WorkerPreference(idx int, allowed []string) []string {
	cacheKey := fmt.Sprintf("%d", d.id)
	objKey := fmt.Sprintf("%d", idx)
	if d.c.Cache.Has(cacheKey, objKey) {
		return allowed
	}
	return d.src.WorkerPreference(idx, allowed)
}
func (d *cachedDataset) datasetSources() []Dataset { return []Dataset{d.src} }

// cacheReadThrough is the shared body of every cache lookup (spec §4.6's
// `.cache(...)`, §4.8/§8's cache-miss scenario): a hit returns straight
// from the provider; a genuine miss falls through to compute. Has is
// consulted before Read specifically to detect a stale cache_loc -- the
// scheduler may have placed this task on this worker because Has
// reported the partition cached (cachedDataset.WorkerPreference), and if Read
// then fails anyway the entry is invalidated before recomputing so the
// next round's preference reflects reality instead of repeating the
// same stale placement.
func cacheReadThrough(ctx context.Context, c *Context, id uint64, idx int, spec cache.Spec, compute func() ([]interface{}, error)) ([]interface{}, error) {
	cacheKey := fmt.Sprintf("%d", id)
	objKey := fmt.Sprintf("%d", idx)
	hadEntry := c.Cache.Has(cacheKey, objKey)
	records, err := c.Cache.Read(ctx, cacheKey, objKey)
	if err == nil {
		return records, nil
	}
	if !bndlerr.IsCacheMiss(err) {
		return nil, err
	}
	if hadEntry {
		c.Cache.Clear(cacheKey, objKey)
	}
	records, err = compute()
	if err != nil {
		return nil, err
	}
	if err := c.Cache.Write(ctx, cacheKey, objKey, spec, records); err != nil {
		return nil, err
	}
	return records, nil
}
