package bndl

import "context"

// Collect materializes every partition of src through the scheduler
// (spec §2, §4.6's terminal actions) and concatenates the results in
// partition order. ordered is kept for API compatibility with spec.md's
// ordered/unordered split; Context.Run always fans partitions out across
// the scheduler's worker-availability queue and assembles them back in
// partition order regardless, so there is no longer a separate code path
// to pick between.
func (c *Context) Collect(ctx context.Context, src Dataset, ordered bool) ([]interface{}, error) {
	partitions, err := c.Run(ctx, src)
	if err != nil {
		return nil, err
	}
	var out []interface{}
	for _, records := range partitions {
		out = append(out, records...)
	}
	return out, nil
}

// Take returns the first n elements in partition order.
func (c *Context) Take(ctx context.Context, src Dataset, n int) ([]interface{}, error) {
	all, err := c.Collect(ctx, src, true)
	if err != nil {
		return nil, err
	}
	if len(all) > n {
		all = all[:n]
	}
	return all, nil
}

// First returns the first element of src, or ok=false if src is empty.
func (c *Context) First(ctx context.Context, src Dataset) (interface{}, bool, error) {
	out, err := c.Take(ctx, src, 1)
	if err != nil {
		return nil, false, err
	}
	if len(out) == 0 {
		return nil, false, nil
	}
	return out[0], true, nil
}

// Count returns the total number of elements across every partition.
func (c *Context) Count(ctx context.Context, src Dataset) (int, error) {
	partitions, err := c.Run(ctx, src)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, records := range partitions {
		total += len(records)
	}
	return total, nil
}

// Sum adds every element's toFloat value.
func (c *Context) Sum(ctx context.Context, src Dataset, toFloat func(interface{}) float64) (float64, error) {
	partitions, err := c.Run(ctx, src)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, records := range partitions {
		for _, v := range records {
			total += toFloat(v)
		}
	}
	return total, nil
}

// Max returns the element whose toFloat value is largest.
func (c *Context) Max(ctx context.Context, src Dataset, toFloat func(interface{}) float64) (interface{}, bool, error) {
	return c.extreme(ctx, src, toFloat, func(a, b float64) bool { return a > b })
}

// Min returns the element whose toFloat value is smallest.
func (c *Context) Min(ctx context.Context, src Dataset, toFloat func(interface{}) float64) (interface{}, bool, error) {
	return c.extreme(ctx, src, toFloat, func(a, b float64) bool { return a < b })
}

func (c *Context) extreme(ctx context.Context, src Dataset, toFloat func(interface{}) float64, better func(a, b float64) bool) (interface{}, bool, error) {
	partitions, err := c.Run(ctx, src)
	if err != nil {
		return nil, false, err
	}
	var best interface{}
	var bestVal float64
	have := false
	for _, records := range partitions {
		for _, v := range records {
			f := toFloat(v)
			if !have || better(f, bestVal) {
				best, bestVal, have = v, f, true
			}
		}
	}
	return best, have, nil
}

// Mean returns the arithmetic mean of every element's toFloat value.
func (c *Context) Mean(ctx context.Context, src Dataset, toFloat func(interface{}) float64) (float64, error) {
	stats, err := c.Stats(ctx, src, toFloat)
	if err != nil {
		return 0, err
	}
	if stats.Count == 0 {
		return 0, nil
	}
	return stats.Sum / float64(stats.Count), nil
}

// DatasetStats is the result of Stats: count, sum, min and max computed
// in a single pass over src.
type DatasetStats struct {
	Count    int
	Sum      float64
	Min, Max float64
}

// Stats computes count/sum/min/max of every element's toFloat value in
// one pass, the building block Mean is defined in terms of.
func (c *Context) Stats(ctx context.Context, src Dataset, toFloat func(interface{}) float64) (DatasetStats, error) {
	partitions, err := c.Run(ctx, src)
	if err != nil {
		return DatasetStats{}, err
	}
	var s DatasetStats
	first := true
	for _, records := range partitions {
		for _, v := range records {
			f := toFloat(v)
			s.Count++
			s.Sum += f
			if first {
				s.Min, s.Max, first = f, f, false
				continue
			}
			if f < s.Min {
				s.Min = f
			}
			if f > s.Max {
				s.Max = f
			}
		}
	}
	return s, nil
}

// Foreach materializes every partition through the scheduler and calls f
// on every element, for side effects; an error from f aborts the
// remaining elements.
func (c *Context) Foreach(ctx context.Context, src Dataset, f func(interface{}) error) error {
	partitions, err := c.Run(ctx, src)
	if err != nil {
		return err
	}
	for _, records := range partitions {
		for _, v := range records {
			if err := f(v); err != nil {
				return err
			}
		}
	}
	return nil
}

// Execute materializes every partition purely for its side effects (spec
// §4.6: "execute" is the one terminal action that does not consume a
// streaming iterator over results), discarding the records themselves.
func (c *Context) Execute(ctx context.Context, src Dataset) error {
	_, err := c.Run(ctx, src)
	return err
}
