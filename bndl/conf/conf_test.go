package conf

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c := New()
	require.Equal(t, 4, c.BroadcastMinBlockSizeMB())
	require.Equal(t, 16, c.BroadcastMaxBlockSizeMB())
	require.Equal(t, 1, c.ExecuteAttempts())
	require.Equal(t, 1, c.ExecuteConcurrency())
	n, set := c.ComputeWorkerCount()
	require.Equal(t, 0, n)
	require.False(t, set)
}

func TestEnvOverride(t *testing.T) {
	os.Setenv("BNDL_EXECUTE_ATTEMPTS", "5")
	defer os.Unsetenv("BNDL_EXECUTE_ATTEMPTS")

	c := New()
	require.Equal(t, 5, c.ExecuteAttempts())
}

func TestProgrammaticOverrideWinsOverDefault(t *testing.T) {
	c := New()
	c.Set(KeyComputeWorkerCount, 8)
	n, set := c.ComputeWorkerCount()
	require.Equal(t, 8, n)
	require.True(t, set)
}
