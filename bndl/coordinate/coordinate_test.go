package coordinate

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDoRunsOnce(t *testing.T) {
	c := New()
	var calls int32
	work := func() (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return 42, nil
	}

	var wg sync.WaitGroup
	results := make([]interface{}, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Do("k", work)
			require.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
	for _, v := range results {
		require.Equal(t, 42, v)
	}
}

func TestClearAllowsRedo(t *testing.T) {
	c := New()
	var calls int32
	work := func() (interface{}, error) {
		n := atomic.AddInt32(&calls, 1)
		return int(n), nil
	}

	v1, _ := c.Do("k", work)
	require.Equal(t, 1, v1)

	c.Clear("k")
	v2, _ := c.Do("k", work)
	require.Equal(t, 2, v2)
}

func TestPeek(t *testing.T) {
	c := New()
	_, _, ok := c.Peek("missing")
	require.False(t, ok)

	c.Do("k", func() (interface{}, error) { return "v", nil })
	v, err, ok := c.Peek("k")
	require.True(t, ok)
	require.NoError(t, err)
	require.Equal(t, "v", v)
}
