package bndl

import (
	"context"
	"fmt"
	"math"

	"github.com/axiomhq/hyperloglog"
)

// Sample keeps each element with probability frac, independently per
// partition (spec §4.6). seed makes the per-partition draw deterministic:
// partition idx uses a distinct stream derived from seed and idx, so two
// Sample datasets built with different seeds over the same source see
// different subsets.
func Sample(src Dataset, frac float64, withReplacement bool, seed int64) Dataset {
	return newTransform("sample", func(ctx context.Context, meta PartitionMeta, in [][]interface{}) ([]interface{}, error) {
		rng := newLCG(seed + int64(meta.Index))
		var out []interface{}
		for _, v := range in[0] {
			if withReplacement {
				for n := poisson(rng, frac); n > 0; n-- {
					out = append(out, v)
				}
			} else if rng.Float64() < frac {
				out = append(out, v)
			}
		}
		return out, nil
	}, src)
}

// lcg is a small deterministic linear congruential generator -- Sample and
// TakeSample need repeatable per-partition draws, not cryptographic
// randomness, and a stdlib *rand.Rand seeded per call would require
// plumbing a lock or a fresh source per partition anyway.
type lcg struct{ state uint64 }

func newLCG(seed int64) *lcg { return &lcg{state: uint64(seed)*2654435761 + 1} }

func (g *lcg) next() uint64 {
	g.state = g.state*6364136223846793005 + 1442695040888963407
	return g.state
}

func (g *lcg) Float64() float64 {
	return float64(g.next()>>11) / float64(1<<53)
}

// poisson draws from a Poisson(lambda) distribution via Knuth's method,
// used by Sample's with-replacement mode to decide how many copies of an
// element to emit.
func poisson(rng *lcg, lambda float64) int {
	if lambda <= 0 {
		return 0
	}
	l := math.Exp(-lambda)
	k := 0
	p := 1.0
	for {
		k++
		p *= rng.Float64()
		if p <= l {
			return k - 1
		}
	}
}

// Aggregate is a terminal action (spec §4.6): it seeds an accumulator with
// zero, folds every element of every partition into it with seqOp, then
// combines the per-partition accumulators with combOp.
func (c *Context) Aggregate(ctx context.Context, src Dataset, zero interface{}, seqOp func(acc, v interface{}) interface{}, combOp func(a, b interface{}) interface{}) (interface{}, error) {
	partitions, err := c.Run(ctx, src)
	if err != nil {
		return nil, err
	}
	acc := zero
	for _, records := range partitions {
		partial := zero
		for _, v := range records {
			partial = seqOp(partial, v)
		}
		acc = combOp(acc, partial)
	}
	return acc, nil
}

// Combine folds every element directly into one running value with f,
// requiring f to be both commutative and associative (spec §4.6);
// it is Aggregate with seqOp == combOp == f and no separate zero/partial
// split, so an empty dataset has no defined result.
func (c *Context) Combine(ctx context.Context, src Dataset, f func(a, b interface{}) interface{}) (interface{}, bool, error) {
	partitions, err := c.Run(ctx, src)
	if err != nil {
		return nil, false, err
	}
	var acc interface{}
	have := false
	for _, records := range partitions {
		for _, v := range records {
			if !have {
				acc, have = v, true
				continue
			}
			acc = f(acc, v)
		}
	}
	return acc, have, nil
}

// Reduce is the terminal-action alias of Combine (spec §4.6 lists `reduce`
// both among the per-partition transformations and the terminal actions;
// this implementation treats it as purely terminal, with reduce_by_key
// covering the per-key lineage case via Context.ReduceByKey).
func (c *Context) Reduce(ctx context.Context, src Dataset, f func(a, b interface{}) interface{}) (interface{}, bool, error) {
	return c.Combine(ctx, src, f)
}

// Histogram computes a fixed-width histogram of numeric elements over
// [min, max] with the given bucket count, making two passes: one to find
// the range (skipped when minMax is supplied), one to bin. It returns the
// per-bucket counts alongside the buckets+1 bin edges, rather than just the
// [lo, hi] endpoints, so a caller can plot or re-bucket without recomputing
// the range itself.
func (c *Context) Histogram(ctx context.Context, src Dataset, buckets int, toFloat func(interface{}) float64, minMax ...[2]float64) ([]int, []float64, error) {
	var lo, hi float64
	if len(minMax) > 0 {
		lo, hi = minMax[0][0], minMax[0][1]
	} else {
		stats, err := c.Stats(ctx, src, toFloat)
		if err != nil {
			return nil, nil, err
		}
		lo, hi = stats.Min, stats.Max
	}
	partitions, err := c.Run(ctx, src)
	if err != nil {
		return nil, nil, err
	}
	counts := make([]int, buckets)
	width := (hi - lo) / float64(buckets)
	if width <= 0 {
		width = 1
	}
	for _, records := range partitions {
		for _, v := range records {
			f := toFloat(v)
			idx := int((f - lo) / width)
			if idx < 0 {
				idx = 0
			}
			if idx >= buckets {
				idx = buckets - 1
			}
			counts[idx]++
		}
	}
	edges := make([]float64, buckets+1)
	for i := range edges {
		edges[i] = lo + float64(i)*width
	}
	edges[buckets] = hi
	return counts, edges, nil
}

// CountDistinctApprox estimates the number of distinct elements using a
// HyperLogLog sketch merged across partitions (spec §4.6's approximate
// count_distinct, supplemented from the teacher pack's stats-approximation
// style and wired against github.com/axiomhq/hyperloglog per the domain
// dependency list).
func (c *Context) CountDistinctApprox(ctx context.Context, src Dataset) (uint64, error) {
	partitions, err := c.Run(ctx, src)
	if err != nil {
		return 0, err
	}
	sketch := hyperloglog.New()
	for _, records := range partitions {
		local := hyperloglog.New()
		for _, v := range records {
			local.Insert([]byte(fmt.Sprintf("%v", v)))
		}
		if err := sketch.Merge(local); err != nil {
			return 0, err
		}
	}
	return sketch.Estimate(), nil
}

// TakeSample draws exactly n elements uniformly from src (spec §4.6):
// it estimates an initial sampling fraction from Count, draws, and
// enlarges the fraction on retry if the first draw came up short, up to
// maxAttempts rounds. If every round comes up short it returns one more
// draw at fraction 1 with the original seed, not truncated to n, so the
// result may then hold fewer or more than n elements.
func (c *Context) TakeSample(ctx context.Context, src Dataset, n int, withReplacement bool, seed int64) ([]interface{}, error) {
	total, err := c.Count(ctx, src)
	if err != nil {
		return nil, err
	}
	if total == 0 || n <= 0 {
		return nil, nil
	}
	frac := math.Min(1, float64(n)*1.5/float64(total))
	const maxAttempts = 5
	for attempt := 0; attempt < maxAttempts; attempt++ {
		sampled := Sample(src, frac, withReplacement, seed+int64(attempt))
		out, err := c.Collect(ctx, sampled, true)
		if err != nil {
			return nil, err
		}
		if len(out) >= n {
			return out[:n], nil
		}
		frac = math.Min(1, frac*2)
	}
	return c.Collect(ctx, Sample(src, 1, withReplacement, seed), true)
}
