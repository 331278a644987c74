package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/towr/bndl/bndl/bndlerr"
)

func TestWriteReadRoundTrip(t *testing.T) {
	p := New()
	ctx := context.Background()
	records := []interface{}{1, 2, 3}
	require.NoError(t, p.Write(ctx, "ds1", "p0", Spec{}, records))

	got, err := p.Read(ctx, "ds1", "p0")
	require.NoError(t, err)
	require.Equal(t, records, got)
}

func TestReadMissingIsCacheMiss(t *testing.T) {
	p := New()
	_, err := p.Read(context.Background(), "nope", "p0")
	require.Error(t, err)
	require.True(t, bndlerr.IsCacheMiss(err))
}

func TestGzipRoundTrip(t *testing.T) {
	p := New()
	ctx := context.Background()
	records := []interface{}{"a", "b", "c"}
	spec := Spec{Compression: CompressionGzip}
	require.NoError(t, p.Write(ctx, "ds2", "p0", spec, records))

	got, err := p.Read(ctx, "ds2", "p0")
	require.NoError(t, err)
	require.Equal(t, records, got)
}

func TestClearSingleObjKey(t *testing.T) {
	p := New()
	ctx := context.Background()
	require.NoError(t, p.Write(ctx, "ds3", "p0", Spec{}, []interface{}{1}))
	require.NoError(t, p.Write(ctx, "ds3", "p1", Spec{}, []interface{}{2}))

	p.Clear("ds3", "p0")
	require.False(t, p.Has("ds3", "p0"))
	require.True(t, p.Has("ds3", "p1"))
}

func TestClearAllObjKeys(t *testing.T) {
	p := New()
	ctx := context.Background()
	require.NoError(t, p.Write(ctx, "ds4", "p0", Spec{}, []interface{}{1}))
	require.NoError(t, p.Write(ctx, "ds4", "p1", Spec{}, []interface{}{2}))

	p.Clear("ds4", "")
	require.False(t, p.Has("ds4", "p0"))
	require.False(t, p.Has("ds4", "p1"))
}

func TestClearAll(t *testing.T) {
	p := New()
	ctx := context.Background()
	require.NoError(t, p.Write(ctx, "ds5", "p0", Spec{}, []interface{}{1}))
	p.ClearAll()
	require.False(t, p.Has("ds5", "p0"))
}
