// Package conf binds the dotted configuration keys spec.md §6 names to a
// viper-backed loader, the ambient configuration layer the teacher leaves
// to process flags (bigmachine) and BNDL's Python original handles with
// its own layered `bndl.util.conf` reader. Only defaults and environment
// overrides are wired here; config *file* parsing and CLI flag parsing
// are explicitly out of scope (spec §1).
package conf

import (
	"strings"

	"github.com/spf13/viper"
)

// Keys recognized from spec.md §6, with their default values.
const (
	KeyBroadcastMinBlockSize = "bndl.compute.broadcast.min_block_size"
	KeyBroadcastMaxBlockSize = "bndl.compute.broadcast.max_block_size"
	KeyExecuteAttempts       = "bndl.execute.attempts"
	KeyExecuteConcurrency    = "bndl.execute.concurrency"
	KeyNetListenAddresses    = "bndl.net.listen_addresses"
	KeyNetSeeds              = "bndl.net.seeds"
	KeyComputeWorkerCount    = "bndl.compute.worker_count"
)

// Config is the resolved, typed view over the recognized keys; callers
// that need a value not named here can still go through the underlying
// *viper.Viper returned by New.
type Config struct {
	v *viper.Viper
}

// New builds a Config with spec.md §6's defaults set and automatic
// environment-variable overrides enabled (BNDL_COMPUTE_BROADCAST_MIN_BLOCK_SIZE,
// etc. — the key is upper-cased and its dots map onto underscores per
// viper's EnvKeyReplacer convention, so the keys' own bndl. prefix
// supplies the BNDL_ prefix).
func New() *Config {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Config{v: v}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyBroadcastMinBlockSize, 4)
	v.SetDefault(KeyBroadcastMaxBlockSize, 16)
	v.SetDefault(KeyExecuteAttempts, 1)
	v.SetDefault(KeyExecuteConcurrency, 1)
	v.SetDefault(KeyNetListenAddresses, []string{"0.0.0.0:0"})
	v.SetDefault(KeyNetSeeds, []string{})
	v.SetDefault(KeyComputeWorkerCount, 0) // 0 means "auto"
}

// Set overrides a key programmatically (tests, or an embedding driver
// binding its own flags); it takes precedence over both the default and
// any environment variable.
func (c *Config) Set(key string, value interface{}) { c.v.Set(key, value) }

// Viper exposes the underlying *viper.Viper for callers that need a key
// outside this package's recognized set.
func (c *Config) Viper() *viper.Viper { return c.v }

func (c *Config) BroadcastMinBlockSizeMB() int { return c.v.GetInt(KeyBroadcastMinBlockSize) }
func (c *Config) BroadcastMaxBlockSizeMB() int { return c.v.GetInt(KeyBroadcastMaxBlockSize) }
func (c *Config) BroadcastMinBlockSizeBytes() int {
	return c.BroadcastMinBlockSizeMB() * 1 << 20
}
func (c *Config) BroadcastMaxBlockSizeBytes() int {
	return c.BroadcastMaxBlockSizeMB() * 1 << 20
}

func (c *Config) ExecuteAttempts() int       { return c.v.GetInt(KeyExecuteAttempts) }
func (c *Config) ExecuteConcurrency() int    { return c.v.GetInt(KeyExecuteConcurrency) }
func (c *Config) NetListenAddresses() []string { return c.v.GetStringSlice(KeyNetListenAddresses) }
func (c *Config) NetSeeds() []string         { return c.v.GetStringSlice(KeyNetSeeds) }

// ComputeWorkerCount returns the configured worker count, or (0, false)
// when left at "auto" (spec §6's default).
func (c *Config) ComputeWorkerCount() (int, bool) {
	n := c.v.GetInt(KeyComputeWorkerCount)
	return n, n > 0
}
