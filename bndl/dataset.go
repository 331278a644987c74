// Package bndl is the root of the distributed in-process compute engine:
// it defines Dataset, the lazy lineage-carrying abstraction every
// transformation builds on (spec §3.1, §4.6), and Context, the driver
// entrypoint that compiles a terminal Dataset into a Job and runs it
// (spec §4.8). The shape follows the teacher's bigslice.Slice /
// exec.Session split: Dataset is pure lineage (no execution), Context
// owns the runtime (cache, broadcast, accumulators, shuffle, scheduler).
package bndl

import (
	"context"
	"fmt"

	"github.com/towr/bndl/bndl/ids"
)

func init() {
	// []interface{} appears as the dynamic type of an interface{} element
	// whenever a partition stores a nested batch (glom) or a key/value
	// pair; gob requires every concrete type carried behind an interface
	// to be registered once, the same role the teacher's frame package
	// plays by carrying static types instead.
	registerGob([]interface{}(nil))
	registerGob(KV{})
}

// KV is a key/value pair, the record shape produced by key_by, with_value,
// group_by_key, combine_by_key and join (spec §4.6).
type KV struct {
	Key   interface{}
	Value interface{}
}

func (kv KV) String() string { return fmt.Sprintf("(%v, %v)", kv.Key, kv.Value) }

// PartitionMeta carries the per-partition bookkeeping a task body needs:
// its index and the total partition count of the dataset being
// materialized, mirroring the `partition_meta` argument spec §4.6's
// map_partitions passes through.
type PartitionMeta struct {
	Index int
	Count int
}

// Dataset is the lazy, lineage-carrying unit every transformation
// returns (spec §3.1): a fixed number of partitions, each independently
// materializable. Materialize runs synchronously and is expected to be
// called from a task body (worker.TaskFunc) or directly by a local
// Context; it must not be called concurrently for the same (Dataset, idx)
// pair if the dataset wraps cache state -- Context serializes that via
// cache.Provider's own internal locking, not here.
type Dataset interface {
	// ID uniquely identifies this dataset's lineage node, used as the
	// shuffle dataset id and the cache key for `.cache(...)`.
	ID() uint64
	// NumPartitions returns the dataset's (fixed, statically known)
	// partition count.
	NumPartitions() int
	// Materialize computes partition idx's full contents.
	Materialize(ctx context.Context, idx int) ([]interface{}, error)
	// WorkerFilter returns the allowed worker subset for idx, or nil for
	// "any worker" (spec §4.8's `dataset.worker_filter`).
	WorkerFilter(idx int, allWorkers []string) []string
	// WorkerPreference returns the preferred worker subset for idx, or
	// nil when the dataset expresses no preference (spec §4.8's
	// `dataset.worker_preference`).
	WorkerPreference(idx int, allowed []string) []string
}

// newDatasetID mints the id carried by every Dataset and by shuffle's
// WriteSpec.DatasetID (shuffle dataset ids and Dataset ids share the same
// id space: a shuffle reader dataset's id doubles as its shuffle dataset
// id). Delegates to bndl/ids, the same monotonic id source accumulators
// and broadcast blocks use.
func newDatasetID() uint64 {
	return ids.Dataset()
}

// TransformingDataset is the shared implementation backing every
// partition-mapping transformation (spec §4.6: "Partition-mapping
// transformations ... share a single TransformingDataset implementation
// carrying a serialized transformation closure and a per-partition
// function"). Fn receives the materialized contents of every source
// partition at index idx and returns the transformed partition.
type TransformingDataset struct {
	id      uint64
	name    string
	sources []Dataset
	fn      func(ctx context.Context, meta PartitionMeta, sources [][]interface{}) ([]interface{}, error)
	n       int // overrides sources[0].NumPartitions() when > 0

	preferred func(idx int, allowed []string) []string
	allowed   func(idx int, all []string) []string
}

func newTransform(name string, fn func(context.Context, PartitionMeta, [][]interface{}) ([]interface{}, error), sources ...Dataset) *TransformingDataset {
	return &TransformingDataset{id: newDatasetID(), name: name, fn: fn, sources: sources}
}

func (d *TransformingDataset) ID() uint64 { return d.id }

func (d *TransformingDataset) NumPartitions() int {
	if d.n > 0 {
		return d.n
	}
	if len(d.sources) == 0 {
		return 0
	}
	return d.sources[0].NumPartitions()
}

func (d *TransformingDataset) Materialize(ctx context.Context, idx int) ([]interface{}, error) {
	in := make([][]interface{}, len(d.sources))
	for i, src := range d.sources {
		records, err := src.Materialize(ctx, idx)
		if err != nil {
			return nil, fmt.Errorf("%s: source %d: %w", d.name, i, err)
		}
		in[i] = records
	}
	meta := PartitionMeta{Index: idx, Count: d.NumPartitions()}
	return d.fn(ctx, meta, in)
}

// datasetSources exposes d.sources to the job compiler's lineage walk
// (job_compile.go); it is not part of the Dataset interface since most
// callers never need to see lineage, only compile it.
func (d *TransformingDataset) datasetSources() []Dataset { return d.sources }

func (d *TransformingDataset) WorkerFilter(idx int, allWorkers []string) []string {
	if d.allowed != nil {
		return d.allowed(idx, allWorkers)
	}
	// Propagate from the first source when unset, per spec §4.8.
	if len(d.sources) > 0 {
		return d.sources[0].WorkerFilter(idx, allWorkers)
	}
	return nil
}

func (d *TransformingDataset) WorkerPreference(idx int, allowed []string) []string {
	if d.preferred != nil {
		return d.preferred(idx, allowed)
	}
	if len(d.sources) > 0 {
		return d.sources[0].WorkerPreference(idx, allowed)
	}
	return nil
}

// Map applies f to every element independently.
func Map(src Dataset, f func(interface{}) interface{}) Dataset {
	return newTransform("map", func(ctx context.Context, meta PartitionMeta, in [][]interface{}) ([]interface{}, error) {
		out := make([]interface{}, len(in[0]))
		for i, v := range in[0] {
			out[i] = f(v)
		}
		return out, nil
	}, src)
}

// Filter keeps only elements for which pred returns true.
func Filter(src Dataset, pred func(interface{}) bool) Dataset {
	return newTransform("filter", func(ctx context.Context, meta PartitionMeta, in [][]interface{}) ([]interface{}, error) {
		out := in[0][:0:0]
		for _, v := range in[0] {
			if pred(v) {
				out = append(out, v)
			}
		}
		return out, nil
	}, src)
}

// MapPartitions composes func(records) -> records over whole partitions
// (spec §4.6): `map`/`filter` are expressed in terms of it in spirit, kept
// as separate constructors here only because per-element closures are the
// common case and shouldn't force every caller to hand-loop.
func MapPartitions(src Dataset, f func(ctx context.Context, meta PartitionMeta, records []interface{}) ([]interface{}, error)) Dataset {
	return newTransform("map_partitions", func(ctx context.Context, meta PartitionMeta, in [][]interface{}) ([]interface{}, error) {
		return f(ctx, meta, in[0])
	}, src)
}

// Glom collapses each partition to a single-element sequence holding a
// stable materialization of that partition (spec §4.6).
func Glom(src Dataset) Dataset {
	return newTransform("glom", func(ctx context.Context, meta PartitionMeta, in [][]interface{}) ([]interface{}, error) {
		return []interface{}{append([]interface{}(nil), in[0]...)}, nil
	}, src)
}

// Concat concatenates each partition's elements into one value with sep
// appended after every element (spec §4.6); sep and the partition's
// elements must be either all string or all []byte. Each output partition
// holds that single value, a string when sep is a string, else []byte.
func Concat(src Dataset, sep interface{}) Dataset {
	return newTransform("concat", func(ctx context.Context, meta PartitionMeta, in [][]interface{}) ([]interface{}, error) {
		var buf []byte
		for _, v := range in[0] {
			for _, part := range []interface{}{v, sep} {
				switch p := part.(type) {
				case string:
					buf = append(buf, p...)
				case []byte:
					buf = append(buf, p...)
				default:
					return nil, fmt.Errorf("concat: %T is neither string nor []byte", part)
				}
			}
		}
		if _, ok := sep.(string); ok {
			return []interface{}{string(buf)}, nil
		}
		return []interface{}{buf}, nil
	}, src)
}

// KeyBy prepends k(e) to each element, producing KV{k(e), e}.
func KeyBy(src Dataset, k func(interface{}) interface{}) Dataset {
	return newTransform("key_by", func(ctx context.Context, meta PartitionMeta, in [][]interface{}) ([]interface{}, error) {
		out := make([]interface{}, len(in[0]))
		for i, v := range in[0] {
			out[i] = KV{Key: k(v), Value: v}
		}
		return out, nil
	}, src)
}

// WithValue tags each element e with v(e), producing KV{e, v(e)}.
func WithValue(src Dataset, v func(interface{}) interface{}) Dataset {
	return newTransform("with_value", func(ctx context.Context, meta PartitionMeta, in [][]interface{}) ([]interface{}, error) {
		out := make([]interface{}, len(in[0]))
		for i, e := range in[0] {
			out[i] = KV{Key: e, Value: v(e)}
		}
		return out, nil
	}, src)
}

// KeyByID assigns globally unique ids by partition_idx + i*num_partitions
// (round-robin striping, spec §4.6), producing KV{id, e}.
func KeyByID(src Dataset) Dataset {
	return newTransform("key_by_id", func(ctx context.Context, meta PartitionMeta, in [][]interface{}) ([]interface{}, error) {
		out := make([]interface{}, len(in[0]))
		for i, e := range in[0] {
			id := int64(meta.Index) + int64(i)*int64(meta.Count)
			out[i] = KV{Key: id, Value: e}
		}
		return out, nil
	}, src)
}

// Union flat-concatenates srcs partition-for-partition (all sources must
// share the same partition count) and flattens nested unions rather than
// nesting TransformingDatasets nchain-deep, per spec §4.6.
func Union(srcs ...Dataset) Dataset {
	var flat []Dataset
	for _, s := range srcs {
		if u, ok := s.(*unionDataset); ok {
			flat = append(flat, u.sources...)
		} else {
			flat = append(flat, s)
		}
	}
	return &unionDataset{id: newDatasetID(), sources: flat}
}

type unionDataset struct {
	id      uint64
	sources []Dataset
}

func (d *unionDataset) ID() uint64 { return d.id }
func (d *unionDataset) NumPartitions() int {
	if len(d.sources) == 0 {
		return 0
	}
	return d.sources[0].NumPartitions()
}
func (d *unionDataset) Materialize(ctx context.Context, idx int) ([]interface{}, error) {
	var out []interface{}
	for _, s := range d.sources {
		records, err := s.Materialize(ctx, idx)
		if err != nil {
			return nil, err
		}
		out = append(out, records...)
	}
	return out, nil
}
func (d *unionDataset) datasetSources() []Dataset { return d.sources }

func (d *unionDataset) WorkerFilter(idx int, all []string) []string {
	if len(d.sources) == 0 {
		return nil
	}
	return d.sources[0].WorkerFilter(idx, all)
}
func (d *unionDataset) WorkerPreference(idx int, allowed []string) []string {
	if len(d.sources) == 0 {
		return nil
	}
	return d.sources[0].WorkerPreference(idx, allowed)
}

// ZipPartitions positionally pairs every source's partition idx and
// applies comb to the tuple of materialized partitions (spec §4.6); all
// sources must share the same partition count.
func ZipPartitions(comb func(ctx context.Context, parts [][]interface{}) ([]interface{}, error), srcs ...Dataset) Dataset {
	return newTransform("zip_partitions", func(ctx context.Context, meta PartitionMeta, in [][]interface{}) ([]interface{}, error) {
		return comb(ctx, in)
	}, srcs...)
}

// ITake streams partitions in order, taking at most n elements per
// partition and stopping once n total elements have been emitted (spec
// §4.6). It is expressed as a single-partition dataset over the whole
// upstream, since "stream in order, stop early" is a driver-side
// concern, not a per-partition one; NumPartitions() is always 1.
func ITake(src Dataset, n int) Dataset {
	d := &itakeDataset{id: newDatasetID(), src: src, n: n}
	return d
}

type itakeDataset struct {
	id  uint64
	src Dataset
	n   int
}

func (d *itakeDataset) ID() uint64         { return d.id }
func (d *itakeDataset) NumPartitions() int { return 1 }
func (d *itakeDataset) Materialize(ctx context.Context, idx int) ([]interface{}, error) {
	var out []interface{}
	for p := 0; p < d.src.NumPartitions() && len(out) < d.n; p++ {
		records, err := d.src.Materialize(ctx, p)
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
}
func (d *itakeDataset) datasetSources() []Dataset { return []Dataset{d.src} }

func (d *itakeDataset) WorkerFilter(idx int, all []string) []string       { return nil }
func (d *itakeDataset) WorkerPreference(idx int, allowed []string) []string { return nil }

// Pluck projects element[ind] (a slice/map index or struct field name via
// reflection is intentionally not supported; ind indexes []interface{} or
// map[interface{}]interface{} elements), substituting def when absent.
// Supplemented from the Python original's dataset.py (SPEC_FULL.md).
func Pluck(src Dataset, ind interface{}, def interface{}) Dataset {
	return newTransform("pluck", func(ctx context.Context, meta PartitionMeta, in [][]interface{}) ([]interface{}, error) {
		out := make([]interface{}, len(in[0]))
		for i, e := range in[0] {
			out[i] = pluck(e, ind, def)
		}
		return out, nil
	}, src)
}

func pluck(e, ind, def interface{}) interface{} {
	switch v := e.(type) {
	case []interface{}:
		if i, ok := ind.(int); ok && i >= 0 && i < len(v) {
			return v[i]
		}
	case map[interface{}]interface{}:
		if val, ok := v[ind]; ok {
			return val
		}
	}
	return def
}

// StarMap is the variadic form of Map: elements must be []interface{}
// "tuples" that are spread as positional arguments to f. Supplemented
// from the Python original (SPEC_FULL.md).
func StarMap(src Dataset, f func(args ...interface{}) interface{}) Dataset {
	return newTransform("starmap", func(ctx context.Context, meta PartitionMeta, in [][]interface{}) ([]interface{}, error) {
		out := make([]interface{}, len(in[0]))
		for i, e := range in[0] {
			tuple, _ := e.([]interface{})
			out[i] = f(tuple...)
		}
		return out, nil
	}, src)
}
