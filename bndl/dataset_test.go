package bndl_test

import (
	"context"
	"sort"
	"testing"

	"github.com/towr/bndl/bndl"
	"github.com/towr/bndl/bndl/cache"
	"github.com/towr/bndl/bndl/conf"
	"github.com/towr/bndl/bndl/shuffle"
)

func cacheSpec() cache.Spec {
	return cache.Spec{Location: cache.Memory, Serialization: cache.SerializationGob}
}

func newTestContext() *bndl.Context {
	return bndl.NewContext(conf.New())
}

func ints(vs ...int) []interface{} {
	out := make([]interface{}, len(vs))
	for i, v := range vs {
		out[i] = v
	}
	return out
}

func collectInts(t *testing.T, ctx context.Context, c *bndl.Context, ds bndl.Dataset) []int {
	t.Helper()
	records, err := c.Collect(ctx, ds, true)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	out := make([]int, len(records))
	for i, r := range records {
		out[i] = r.(int)
	}
	return out
}

func TestMapFilter(t *testing.T) {
	ctx := context.Background()
	c := newTestContext()
	src := bndl.Const([][]interface{}{ints(1, 2, 3, 4, 5)})
	doubled := bndl.Map(src, func(v interface{}) interface{} { return v.(int) * 2 })
	even := bndl.Filter(doubled, func(v interface{}) bool { return v.(int)%4 == 0 })

	got := collectInts(t, ctx, c, even)
	want := []int{4, 8}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestGroupByKey(t *testing.T) {
	ctx := context.Background()
	c := newTestContext()
	src := bndl.Const([][]interface{}{
		{bndl.KV{Key: "a", Value: 1}, bndl.KV{Key: "b", Value: 2}},
		{bndl.KV{Key: "a", Value: 3}},
	})
	grouped := c.GroupByKey(src, 1)

	records, err := c.Collect(ctx, grouped, true)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	sums := map[string]int{}
	for _, r := range records {
		kv := r.(bndl.KV)
		sum := 0
		for _, v := range kv.Value.([]interface{}) {
			sum += v.(int)
		}
		sums[kv.Key.(string)] = sum
	}
	if sums["a"] != 4 || sums["b"] != 2 {
		t.Fatalf("unexpected sums: %v", sums)
	}
}

func TestReduceByKey(t *testing.T) {
	ctx := context.Background()
	c := newTestContext()
	src := bndl.Const([][]interface{}{
		{bndl.KV{Key: "x", Value: 1}, bndl.KV{Key: "y", Value: 10}},
		{bndl.KV{Key: "x", Value: 2}, bndl.KV{Key: "x", Value: 3}},
	})
	reduced := c.ReduceByKey(src, func(a, b interface{}) interface{} { return a.(int) + b.(int) }, 1)

	records, err := c.Collect(ctx, reduced, true)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	sums := map[string]int{}
	for _, r := range records {
		kv := r.(bndl.KV)
		sums[kv.Key.(string)] = kv.Value.(int)
	}
	if sums["x"] != 6 || sums["y"] != 10 {
		t.Fatalf("unexpected sums: %v", sums)
	}
}

func TestDistinct(t *testing.T) {
	ctx := context.Background()
	c := newTestContext()
	src := bndl.Const([][]interface{}{ints(1, 1, 2), ints(2, 3, 3)})
	distinct := c.Distinct(src, 1)

	got := collectInts(t, ctx, c, distinct)
	sort.Ints(got)
	want := []int{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestCountByValue(t *testing.T) {
	ctx := context.Background()
	c := newTestContext()
	src := bndl.Const([][]interface{}{ints(1, 1, 2), ints(1, 3)})
	counted := c.CountByValue(src, 1)

	records, err := c.Collect(ctx, counted, true)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	counts := map[int]int{}
	for _, r := range records {
		cp := r.(shuffle.CountPair)
		counts[cp.Value.(int)] = cp.Count
	}
	if counts[1] != 2 || counts[2] != 1 || counts[3] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestJoin(t *testing.T) {
	ctx := context.Background()
	c := newTestContext()
	left := bndl.Const([][]interface{}{{1, 2, 3}})
	right := bndl.Const([][]interface{}{{2, 3, 4}})
	joined := c.Join(left, right,
		func(v interface{}) interface{} { return v },
		func(v interface{}) interface{} { return v },
		1)

	records, err := c.Collect(ctx, joined, true)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 matches, got %d: %v", len(records), records)
	}
	for _, r := range records {
		jp := r.(bndl.JoinPair)
		if jp.Key != jp.Left || jp.Key != jp.Right {
			t.Fatalf("mismatched join pair: %+v", jp)
		}
	}
}

func TestSort(t *testing.T) {
	ctx := context.Background()
	c := newTestContext()
	src := bndl.Const([][]interface{}{ints(5, 3, 8), ints(1, 9, 2)})
	sorted, err := c.Sort(ctx, src, func(v interface{}) interface{} { return v }, false, 2)
	if err != nil {
		t.Fatalf("sort: %v", err)
	}

	got := collectInts(t, ctx, c, sorted)
	if !sort.IntsAreSorted(got) {
		t.Fatalf("not sorted: %v", got)
	}
	if len(got) != 6 {
		t.Fatalf("expected 6 elements, got %d: %v", len(got), got)
	}
}

func TestTakeAndCount(t *testing.T) {
	ctx := context.Background()
	c := newTestContext()
	src := bndl.Const([][]interface{}{ints(1, 2, 3), ints(4, 5)})

	n, err := c.Count(ctx, src)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected count 5, got %d", n)
	}

	taken, err := c.Take(ctx, src, 4)
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if len(taken) != 4 {
		t.Fatalf("expected 4 elements, got %d", len(taken))
	}
}

func TestAggregateAndSum(t *testing.T) {
	ctx := context.Background()
	c := newTestContext()
	src := bndl.Const([][]interface{}{ints(1, 2, 3), ints(4, 5)})

	sum, err := c.Sum(ctx, src, func(v interface{}) float64 { return float64(v.(int)) })
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if sum != 15 {
		t.Fatalf("expected sum 15, got %v", sum)
	}

	agg, err := c.Aggregate(ctx, src, 0,
		func(acc, v interface{}) interface{} { return acc.(int) + v.(int) },
		func(a, b interface{}) interface{} { return a.(int) + b.(int) })
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if agg.(int) != 15 {
		t.Fatalf("expected aggregate 15, got %v", agg)
	}
}

func TestKeyByIdx(t *testing.T) {
	ctx := context.Background()
	c := newTestContext()
	src := bndl.Const([][]interface{}{ints(10, 20), ints(30)})
	keyed, err := c.KeyByIdx(ctx, src)
	if err != nil {
		t.Fatalf("key_by_idx: %v", err)
	}
	records, err := c.Collect(ctx, keyed, true)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	for i, r := range records {
		kv := r.(bndl.KV)
		if kv.Key.(int) != i {
			t.Fatalf("record %d has key %v, want %d", i, kv.Key, i)
		}
	}
}

func TestCacheReusesComputedPartition(t *testing.T) {
	ctx := context.Background()
	c := newTestContext()
	calls := 0
	src := bndl.MapPartitions(bndl.Const([][]interface{}{ints(1, 2, 3)}),
		func(ctx context.Context, meta bndl.PartitionMeta, records []interface{}) ([]interface{}, error) {
			calls++
			return records, nil
		})
	cached := c.Cache(src, cacheSpec())

	if _, err := c.Collect(ctx, cached, true); err != nil {
		t.Fatalf("collect 1: %v", err)
	}
	if _, err := c.Collect(ctx, cached, true); err != nil {
		t.Fatalf("collect 2: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected source to materialize once, materialized %d times", calls)
	}
}
