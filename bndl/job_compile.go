package bndl

import (
	"context"
	"fmt"

	"github.com/towr/bndl/bndl/exec"
	"golang.org/x/sync/errgroup"
)

// sourceLister is implemented by every Dataset that has lineage sources;
// literalDataset (a leaf) simply has none. The job compiler uses it for
// the backward lineage walk spec §4.8 describes.
type sourceLister interface{ datasetSources() []Dataset }

func sourcesOf(ds Dataset) []Dataset {
	if sl, ok := ds.(sourceLister); ok {
		return sl.datasetSources()
	}
	return nil
}

// Run compiles root into a Job (spec §4.8) and drives it through
// exec.RunJob, returning its materialized partitions in partition order.
// Every terminal action in this package goes through Run rather than
// calling Dataset.Materialize directly, so task placement, retries and
// lost-worker resubmission are governed by the scheduler exactly as spec'd
// instead of bypassing it.
func (c *Context) Run(ctx context.Context, root Dataset) ([][]interface{}, error) {
	b := &jobBuilder{
		c:        c,
		job:      exec.NewJob(),
		executor: c.executor,
		stages:   make(map[uint64]*exec.Stage),
		tasks:    make(map[uint64][]*exec.Task),
	}
	stage := b.build(root)
	if err := exec.RunJob(ctx, b.executor, b.job, c.Workers(), c.conf.ExecuteConcurrency()); err != nil {
		return nil, err
	}

	out := make([][]interface{}, len(stage.Tasks))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range stage.Tasks {
		i, t := i, t
		g.Go(func() error {
			records, err := drainAll(gctx, b.executor.Reader(gctx, t))
			if err != nil {
				return err
			}
			out[i] = records
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// jobBuilder walks a Dataset's lineage backward into a Job of Stages of
// Tasks (spec §4.8): a requires_sync shuffle write gets its own writer
// stage (one task per source partition) immediately followed by a reader
// stage, a stage boundary the compiler inserts at every such write;
// everything else fuses into a single stage per dataset node, its tasks
// fetching already-computed source partitions from earlier stages via
// the executor rather than recomputing them. Stage ids come out in
// execution order because exec.Job.AddStage numbers a stage when it is
// appended, and build recurses into a dataset's sources -- reparenting
// each one's own lineage into its own stage run -- before adding the
// stage for the dataset itself.
type jobBuilder struct {
	c        *Context
	job      *exec.Job
	executor exec.Executor
	stages   map[uint64]*exec.Stage
	tasks    map[uint64][]*exec.Task
}

// get fetches ds's already-staged partition idx through the executor
// rather than recomputing it; a dataset this compiler never staged (a
// caller-supplied Dataset with no visible lineage) falls back to calling
// Materialize directly.
func (b *jobBuilder) get(ctx context.Context, ds Dataset, idx int) ([]interface{}, error) {
	tasks, ok := b.tasks[ds.ID()]
	if !ok || idx < 0 || idx >= len(tasks) || tasks[idx] == nil {
		return ds.Materialize(ctx, idx)
	}
	return drainAll(ctx, b.executor.Reader(ctx, tasks[idx]))
}

func (b *jobBuilder) build(ds Dataset) *exec.Stage {
	if s, ok := b.stages[ds.ID()]; ok {
		return s
	}
	if srd, ok := ds.(*shuffleReadDataset); ok {
		return b.buildShuffle(srd)
	}
	return b.buildGeneric(ds)
}

// buildGeneric stages every non-shuffle dataset: one task per partition,
// each computing ds's own per-partition logic against its sources'
// already-staged output (see compute). Sources are staged first so their
// tasks exist by the time ds's task bodies run.
func (b *jobBuilder) buildGeneric(ds Dataset) *exec.Stage {
	for _, src := range sourcesOf(ds) {
		b.build(src)
	}

	stage := b.job.AddStage(false, true)
	n := ds.NumPartitions()
	tasks := make([]*exec.Task, n)
	allowedAll := b.c.Workers()
	for i := 0; i < n; i++ {
		idx := i
		method := fmt.Sprintf("ds-%d-%d", ds.ID(), idx)
		b.c.registry.Register(method, func(ctx context.Context, args []interface{}) ([]interface{}, error) {
			return b.compute(ctx, ds, idx)
		})
		t := stage.AddTask(method, idx)
		t.Method = method
		t.MaxAttempts = b.c.conf.ExecuteAttempts()
		allowed := ds.WorkerFilter(idx, allowedAll)
		t.Allowed = allowed
		t.Preferred = ds.WorkerPreference(idx, allowed)
		tasks[idx] = t
	}
	b.stages[ds.ID()] = stage
	b.tasks[ds.ID()] = tasks
	return stage
}

// buildShuffle inserts the stage boundary spec §4.8 requires at every
// requires_sync writer: a writer stage, one task per (source, source
// partition) pair writing into the shuffle registry, followed by a
// reader stage, one task per destination partition, that only starts
// once every writer task has completed (RunJob runs each stage to
// completion before starting the next, spec §8 invariant 8).
func (b *jobBuilder) buildShuffle(d *shuffleReadDataset) *exec.Stage {
	for _, src := range d.sources {
		b.build(src)
	}

	writer := b.job.AddStage(true, true)
	for _, src := range d.sources {
		source := src
		for i := 0; i < source.NumPartitions(); i++ {
			idx := i
			method := fmt.Sprintf("shuffle-write-%d-src-%d-%d", d.id, source.ID(), idx)
			b.c.registry.Register(method, func(ctx context.Context, args []interface{}) ([]interface{}, error) {
				records, err := b.get(ctx, source, idx)
				if err != nil {
					return nil, err
				}
				if err := b.c.shuffle.WritePartition(ctx, d.spec, records); err != nil {
					return nil, err
				}
				return nil, nil
			})
			t := writer.AddTask(method, idx)
			t.Method = method
			t.MaxAttempts = b.c.conf.ExecuteAttempts()
			allowed := source.WorkerFilter(idx, b.c.Workers())
			t.Allowed = allowed
			t.Preferred = source.WorkerPreference(idx, allowed)
		}
	}

	reader := b.job.AddStage(false, true)
	readerTasks := make([]*exec.Task, d.spec.PCount)
	for i := 0; i < d.spec.PCount; i++ {
		idx := i
		method := fmt.Sprintf("shuffle-read-%d-%d", d.id, idx)
		b.c.registry.Register(method, func(ctx context.Context, args []interface{}) ([]interface{}, error) {
			r := b.c.shuffle.Read(ctx, d.spec.DatasetID, idx, b.c.peers)
			records, err := drainAll(ctx, r)
			if err != nil {
				return nil, err
			}
			if d.post != nil {
				return d.post(ctx, idx, records)
			}
			return records, nil
		})
		t := reader.AddTask(method, idx)
		t.Method = method
		t.MaxAttempts = b.c.conf.ExecuteAttempts()
		readerTasks[idx] = t
	}
	b.stages[d.id] = reader
	b.tasks[d.id] = readerTasks
	return reader
}

// compute runs ds's own per-partition logic for idx against its sources'
// staged output, fetched via b.get instead of recursive Materialize
// calls; this is what keeps a stage's earlier-staged sources from being
// silently recomputed in-process once they have their own Task.
func (b *jobBuilder) compute(ctx context.Context, ds Dataset, idx int) ([]interface{}, error) {
	switch d := ds.(type) {
	case *TransformingDataset:
		in := make([][]interface{}, len(d.sources))
		for i, src := range d.sources {
			records, err := b.get(ctx, src, idx)
			if err != nil {
				return nil, fmt.Errorf("%s: source %d: %w", d.name, i, err)
			}
			in[i] = records
		}
		meta := PartitionMeta{Index: idx, Count: d.NumPartitions()}
		return d.fn(ctx, meta, in)
	case *unionDataset:
		var out []interface{}
		for _, src := range d.sources {
			records, err := b.get(ctx, src, idx)
			if err != nil {
				return nil, err
			}
			out = append(out, records...)
		}
		return out, nil
	case *itakeDataset:
		var out []interface{}
		for p := 0; p < d.src.NumPartitions() && len(out) < d.n; p++ {
			records, err := b.get(ctx, d.src, p)
			if err != nil {
				return nil, err
			}
			remaining := d.n - len(out)
			if remaining < len(records) {
				records = records[:remaining]
			}
			out = append(out, records...)
		}
		return out, nil
	case *literalDataset:
		return d.partitions[idx], nil
	case *cachedDataset:
		return cacheReadThrough(ctx, d.c, d.id, idx, d.spec, func() ([]interface{}, error) {
			return b.get(ctx, d.src, idx)
		})
	default:
		// A Dataset implementation this compiler has no visibility into
		// (no datasetSources()) computes itself the same way it always
		// has.
		return ds.Materialize(ctx, idx)
	}
}
