package shuffle

import (
	"encoding/gob"
	"sort"
)

func init() {
	gob.Register(CountPair{})
}

// BucketType selects how a destination bucket accumulates records ingested
// into it, per spec §4.7.
type BucketType int

const (
	// BucketList appends every record, preserving arrival order.
	BucketList BucketType = iota
	// BucketSet keeps at most one occurrence of each record, used by
	// `distinct`.
	BucketSet
	// BucketSortedList sorts its records on finalize using the Less
	// function supplied at write time, used by `sort`.
	BucketSortedList
	// BucketCounter tallies occurrences of each record, used by
	// `count_by_value`.
	BucketCounter
)

// CombinerFunc locally reduces the records of one bucket once ingestion
// completes, spec §4.7's optional `comb`.
type CombinerFunc func(records []interface{}) []interface{}

// bucket accumulates records destined for one partition of a shuffle
// write. Implementations are not safe for concurrent Add; callers combine
// per-bucket, not per-record.
type bucket interface {
	Add(value interface{})
	Finalize(comb CombinerFunc, less func(a, b interface{}) bool) []interface{}
}

func newBucket(t BucketType) bucket {
	switch t {
	case BucketSet:
		return &setBucket{seen: make(map[interface{}]struct{})}
	case BucketSortedList:
		return &listBucket{}
	case BucketCounter:
		return &counterBucket{counts: make(map[interface{}]int)}
	default:
		return &listBucket{}
	}
}

type listBucket struct {
	items []interface{}
}

func (b *listBucket) Add(value interface{}) { b.items = append(b.items, value) }

func (b *listBucket) Finalize(comb CombinerFunc, less func(a, b interface{}) bool) []interface{} {
	items := b.items
	if comb != nil && len(items) > 0 {
		items = comb(items)
	}
	if less != nil {
		sorted := append([]interface{}(nil), items...)
		sort.SliceStable(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) })
		return sorted
	}
	return items
}

type setBucket struct {
	seen  map[interface{}]struct{}
	items []interface{}
}

func (b *setBucket) Add(value interface{}) {
	if _, ok := b.seen[value]; ok {
		return
	}
	b.seen[value] = struct{}{}
	b.items = append(b.items, value)
}

func (b *setBucket) Finalize(comb CombinerFunc, less func(a, b interface{}) bool) []interface{} {
	items := b.items
	if comb != nil && len(items) > 0 {
		items = comb(items)
	}
	return items
}

type counterBucket struct {
	counts map[interface{}]int
	order  []interface{}
}

func (b *counterBucket) Add(value interface{}) {
	if _, ok := b.counts[value]; !ok {
		b.order = append(b.order, value)
	}
	b.counts[value]++
}

// CountPair is one (value, count) entry produced by finalizing a
// BucketCounter bucket.
type CountPair struct {
	Value interface{}
	Count int
}

func (b *counterBucket) Finalize(comb CombinerFunc, less func(a, b interface{}) bool) []interface{} {
	out := make([]interface{}, 0, len(b.order))
	for _, v := range b.order {
		out = append(out, CountPair{Value: v, Count: b.counts[v]})
	}
	return out
}
