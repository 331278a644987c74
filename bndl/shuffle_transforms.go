package bndl

import (
	"context"
	"math"
	"sort"

	"github.com/towr/bndl/bndl/shuffle"
)

func init() {
	registerGob(taggedValue{})
	registerGob(JoinPair{})
}

// taggedValue marks a record with which side of a join it came from.
type taggedValue struct {
	Side  int
	Value interface{}
}

// JoinPair is one matched (left, right) pair produced by Context.Join.
type JoinPair struct {
	Key         interface{}
	Left, Right interface{}
}

// Distinct shuffles src into set buckets keyed by the whole element, then
// the set's own dedup does the rest (spec §4.6). pcount defaults to src's
// partition count when 0.
func (c *Context) Distinct(src Dataset, pcount int) Dataset {
	if pcount <= 0 {
		pcount = src.NumPartitions()
	}
	spec := shuffle.WriteSpec{
		DatasetID:   newDatasetID(),
		PCount:      pcount,
		Partitioner: shuffle.PortableHashPartitioner{},
		BucketType:  shuffle.BucketSet,
	}
	return newShuffleRead(c, spec, nil, src)
}

// CountByValue shuffles src into counter buckets keyed by the element
// itself, so every occurrence of a value lands in the same bucket and is
// tallied there (spec §4.6), producing shuffle.CountPair records.
func (c *Context) CountByValue(src Dataset, pcount int) Dataset {
	if pcount <= 0 {
		pcount = src.NumPartitions()
	}
	spec := shuffle.WriteSpec{
		DatasetID:   newDatasetID(),
		PCount:      pcount,
		Partitioner: shuffle.PortableHashPartitioner{},
		BucketType:  shuffle.BucketCounter,
	}
	return newShuffleRead(c, spec, nil, src)
}

// GroupByKey shuffles KV{key, value} records by key, sorts each
// destination bucket by key, and run-length groups contiguous same-key
// runs into KV{key, []value} (spec §4.6).
func (c *Context) GroupByKey(src Dataset, pcount int) Dataset {
	if pcount <= 0 {
		pcount = src.NumPartitions()
	}
	spec := shuffle.WriteSpec{
		DatasetID:   newDatasetID(),
		PCount:      pcount,
		Partitioner: shuffle.PortableHashPartitioner{},
		BucketType:  shuffle.BucketSortedList,
		Key:         func(r interface{}) interface{} { return r.(KV).Key },
		Less:        func(a, b interface{}) bool { return less(a.(KV).Key, b.(KV).Key) },
	}
	return newShuffleRead(c, spec, groupRuns, src)
}

func groupRuns(ctx context.Context, idx int, records []interface{}) ([]interface{}, error) {
	var out []interface{}
	var i int
	for i < len(records) {
		key := records[i].(KV).Key
		var values []interface{}
		for i < len(records) && equalKey(records[i].(KV).Key, key) {
			values = append(values, records[i].(KV).Value)
			i++
		}
		out = append(out, KV{Key: key, Value: values})
	}
	return out, nil
}

// CombineByKey implements the map-side-combine/shuffle/reduce-side-merge
// pattern of spec §4.6: create turns the first value seen for a key into
// an accumulator, mergeValue folds subsequent values into it (applied
// once per source partition, before the shuffle), and mergeCombs merges
// partial accumulators for the same key arriving from different source
// partitions (applied on the destination side, after the shuffle).
func (c *Context) CombineByKey(src Dataset, create func(interface{}) interface{}, mergeValue func(acc, v interface{}) interface{}, mergeCombs func(a, b interface{}) interface{}, pcount int) Dataset {
	if pcount <= 0 {
		pcount = src.NumPartitions()
	}
	mapSide := MapPartitions(src, func(ctx context.Context, meta PartitionMeta, records []interface{}) ([]interface{}, error) {
		combs := map[interface{}]interface{}{}
		var order []interface{}
		for _, r := range records {
			kv := r.(KV)
			if acc, ok := combs[kv.Key]; ok {
				combs[kv.Key] = mergeValue(acc, kv.Value)
			} else {
				combs[kv.Key] = create(kv.Value)
				order = append(order, kv.Key)
			}
		}
		out := make([]interface{}, len(order))
		for i, k := range order {
			out[i] = KV{Key: k, Value: combs[k]}
		}
		return out, nil
	})

	spec := shuffle.WriteSpec{
		DatasetID:   newDatasetID(),
		PCount:      pcount,
		Partitioner: shuffle.PortableHashPartitioner{},
		BucketType:  shuffle.BucketList,
		Key:         func(r interface{}) interface{} { return r.(KV).Key },
	}
	post := func(ctx context.Context, idx int, records []interface{}) ([]interface{}, error) {
		final := map[interface{}]interface{}{}
		var order []interface{}
		for _, r := range records {
			kv := r.(KV)
			if acc, ok := final[kv.Key]; ok {
				final[kv.Key] = mergeCombs(acc, kv.Value)
			} else {
				final[kv.Key] = kv.Value
				order = append(order, kv.Key)
			}
		}
		out := make([]interface{}, len(order))
		for i, k := range order {
			out[i] = KV{Key: k, Value: final[k]}
		}
		return out, nil
	}
	return newShuffleRead(c, spec, post, mapSide)
}

// ReduceByKey is combine_by_key(id, f, f): f both folds a value into the
// running accumulator and merges two partial accumulators (spec §4.6).
func (c *Context) ReduceByKey(src Dataset, f func(a, b interface{}) interface{}, pcount int) Dataset {
	return c.CombineByKey(src, func(v interface{}) interface{} { return v }, f, f, pcount)
}

// Join tags each side 0/1, shuffles both into the same bucket set keyed
// by the join key, and on read computes the Cartesian product of every
// group's left x right values, dropping groups empty on either side
// (spec §4.6).
func (c *Context) Join(left, right Dataset, leftKey, rightKey func(interface{}) interface{}, pcount int) Dataset {
	if pcount <= 0 {
		pcount = left.NumPartitions()
	}
	taggedLeft := newTransform("join_tag_left", func(ctx context.Context, meta PartitionMeta, in [][]interface{}) ([]interface{}, error) {
		out := make([]interface{}, len(in[0]))
		for i, r := range in[0] {
			out[i] = KV{Key: leftKey(r), Value: taggedValue{Side: 0, Value: r}}
		}
		return out, nil
	}, left)
	taggedRight := newTransform("join_tag_right", func(ctx context.Context, meta PartitionMeta, in [][]interface{}) ([]interface{}, error) {
		out := make([]interface{}, len(in[0]))
		for i, r := range in[0] {
			out[i] = KV{Key: rightKey(r), Value: taggedValue{Side: 1, Value: r}}
		}
		return out, nil
	}, right)

	spec := shuffle.WriteSpec{
		DatasetID:   newDatasetID(),
		PCount:      pcount,
		Partitioner: shuffle.PortableHashPartitioner{},
		BucketType:  shuffle.BucketSortedList,
		Key:         func(r interface{}) interface{} { return r.(KV).Key },
		Less:        func(a, b interface{}) bool { return less(a.(KV).Key, b.(KV).Key) },
	}
	post := func(ctx context.Context, idx int, records []interface{}) ([]interface{}, error) {
		var out []interface{}
		var i int
		for i < len(records) {
			key := records[i].(KV).Key
			var lefts, rights []interface{}
			for i < len(records) && equalKey(records[i].(KV).Key, key) {
				tv := records[i].(KV).Value.(taggedValue)
				if tv.Side == 0 {
					lefts = append(lefts, tv.Value)
				} else {
					rights = append(rights, tv.Value)
				}
				i++
			}
			if len(lefts) == 0 || len(rights) == 0 {
				continue
			}
			for _, l := range lefts {
				for _, r := range rights {
					out = append(out, JoinPair{Key: key, Left: l, Right: r})
				}
			}
		}
		return out, nil
	}
	return newShuffleRead(c, spec, post, taggedLeft, taggedRight)
}

// Sort computes a sample of src to pick pcount-1 range boundaries, then
// shuffles via a RangePartitioner and sorts within each destination
// bucket (spec §4.6). It runs a preliminary pass materializing every
// source partition -- the "compute dataset size and sample" step spec.md
// describes -- so, like KeyByIdx and unlike the other transformations, it
// takes a context and can fail eagerly rather than lazily at Materialize
// time.
func (c *Context) Sort(ctx context.Context, src Dataset, key func(interface{}) interface{}, reverse bool, pcount int) (Dataset, error) {
	if pcount <= 0 {
		pcount = src.NumPartitions()
	}
	partitions, err := c.Run(ctx, src)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, records := range partitions {
		total += len(records)
	}
	if total == 0 {
		return src, nil
	}

	frac := math.Min(1, float64(20*pcount)/float64(total))
	var samples []interface{}
	for _, records := range partitions {
		for i, r := range records {
			// Deterministic systematic sample: every floor(1/frac)'th
			// element, rather than a PRNG draw, so Sort's boundary
			// selection needs no seed.
			stride := int(1 / frac)
			if stride < 1 {
				stride = 1
			}
			if i%stride == 0 {
				samples = append(samples, key(r))
			}
		}
	}
	sort.Slice(samples, func(i, j int) bool { return less(samples[i], samples[j]) })
	samples = uniqueSorted(samples)

	boundaries := pickBoundaries(samples, pcount-1)

	materialized := Const(partitions)
	spec := shuffle.WriteSpec{
		DatasetID:   newDatasetID(),
		PCount:      pcount,
		Partitioner: shuffle.RangePartitioner{Boundaries: boundaries, Less: less, Reverse: reverse},
		BucketType:  shuffle.BucketSortedList,
		Key:         key,
		Less: func(a, b interface{}) bool {
			if reverse {
				return less(key(b), key(a))
			}
			return less(key(a), key(b))
		},
	}
	return newShuffleRead(c, spec, nil, materialized), nil
}

func uniqueSorted(sorted []interface{}) []interface{} {
	out := sorted[:0:0]
	for i, v := range sorted {
		if i == 0 || !equalKey(v, sorted[i-1]) {
			out = append(out, v)
		}
	}
	return out
}

func pickBoundaries(sortedUnique []interface{}, count int) []interface{} {
	if count <= 0 || len(sortedUnique) == 0 {
		return nil
	}
	if count >= len(sortedUnique) {
		return sortedUnique
	}
	out := make([]interface{}, count)
	step := float64(len(sortedUnique)) / float64(count+1)
	for i := 0; i < count; i++ {
		idx := int(float64(i+1) * step)
		if idx >= len(sortedUnique) {
			idx = len(sortedUnique) - 1
		}
		out[i] = sortedUnique[idx]
	}
	return out
}

// KeyByIdx assigns dense 0-based indices across the whole dataset (spec
// §4.6); with more than one partition it runs a preliminary pass to
// compute each partition's starting offset.
func (c *Context) KeyByIdx(ctx context.Context, src Dataset) (Dataset, error) {
	n := src.NumPartitions()
	if n <= 1 {
		return MapPartitions(src, func(ctx context.Context, meta PartitionMeta, records []interface{}) ([]interface{}, error) {
			out := make([]interface{}, len(records))
			for i, r := range records {
				out[i] = KV{Key: i, Value: r}
			}
			return out, nil
		}), nil
	}

	partitions, err := c.Run(ctx, src)
	if err != nil {
		return nil, err
	}
	offsets := make([]int, n)
	offset := 0
	for i, records := range partitions {
		offsets[i] = offset
		offset += len(records)
	}
	out := make([][]interface{}, n)
	for i, records := range partitions {
		base := offsets[i]
		res := make([]interface{}, len(records))
		for j, r := range records {
			res[j] = KV{Key: base + j, Value: r}
		}
		out[i] = res
	}
	return Const(out), nil
}
