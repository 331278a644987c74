package shuffle

import (
	"fmt"
	"sort"

	"github.com/OneOfOne/xxhash"
)

// Partitioner maps a shuffle key to a destination bucket index in
// [0, pcount).
type Partitioner interface {
	Partition(key interface{}, pcount int) int
}

// PortableHashPartitioner is the default partitioner (spec §4.7): a
// portable (platform/process independent) hash of the key's string form,
// modulo pcount. Using xxhash rather than Go's map-seeded hash keeps the
// result stable across processes, which is required since producer and
// consumer workers are different processes.
type PortableHashPartitioner struct{}

func (PortableHashPartitioner) Partition(key interface{}, pcount int) int {
	if pcount <= 1 {
		return 0
	}
	h := xxhash.ChecksumString64(fmt.Sprintf("%v", key))
	return int(h % uint64(pcount))
}

// RangePartitioner places a key into the bucket for the interval its
// boundary falls in, used by `sort` (spec §4.6). Boundaries must be sorted
// ascending and have length pcount-1.
type RangePartitioner struct {
	Boundaries []interface{}
	Less       func(a, b interface{}) bool
	Reverse    bool
}

func (p RangePartitioner) Partition(key interface{}, pcount int) int {
	n := len(p.Boundaries)
	idx := sort.Search(n, func(i int) bool { return !p.Less(p.Boundaries[i], key) })
	if p.Reverse {
		return n - idx
	}
	return idx
}
