// Package coordinate provides single-flight coordination of work shared by
// key, adapted from bndl/util/threads.py's Coordinator (original_source).
// It is the primitive block, broadcast and the root package's shuffle
// write build on to ensure a given piece of work (fetching a block,
// materializing a broadcast value, writing a shuffle's buckets) runs at
// most once per key even when many goroutines ask for it concurrently.
package coordinate

import "sync"

// Coordinator runs keyed work exactly once per key: concurrent callers for
// the same key block on the first caller's result rather than duplicating
// the work.
type Coordinator struct {
	mu      sync.Mutex
	done    map[string]*call
	results map[string]result
}

type result struct {
	value interface{}
	err   error
}

type call struct {
	wg sync.WaitGroup
}

// New returns an empty Coordinator.
func New() *Coordinator {
	return &Coordinator{
		done:    make(map[string]*call),
		results: make(map[string]result),
	}
}

// Do coordinates work under key: the first caller runs work and stores its
// result; concurrent and subsequent callers for the same key receive the
// same result without re-running work, until Clear(key) is called.
func (c *Coordinator) Do(key string, work func() (interface{}, error)) (interface{}, error) {
	c.mu.Lock()
	if r, ok := c.results[key]; ok {
		c.mu.Unlock()
		return r.value, r.err
	}
	if existing, inFlight := c.done[key]; inFlight {
		c.mu.Unlock()
		existing.wg.Wait()
		c.mu.Lock()
		r := c.results[key]
		c.mu.Unlock()
		return r.value, r.err
	}
	cl := &call{}
	cl.wg.Add(1)
	c.done[key] = cl
	c.mu.Unlock()

	value, err := work()

	c.mu.Lock()
	c.results[key] = result{value: value, err: err}
	c.mu.Unlock()
	cl.wg.Done()

	return value, err
}

// Clear drops any recorded progress and result for key, allowing the next
// Do(key, ...) call to redo the work.
func (c *Coordinator) Clear(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.done, key)
	delete(c.results, key)
}

// Peek returns the result already recorded for key, if any, without
// triggering or waiting on work.
func (c *Coordinator) Peek(key string) (value interface{}, err error, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.results[key]
	return r.value, r.err, ok
}
