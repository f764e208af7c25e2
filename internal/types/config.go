package types

import (
	"fmt"
	"time"
)

// Config holds the job-wide knobs. Validate rejects a bad configuration
// before any task is scheduled.
type Config struct {
	PartitionCount       int           // number of reduce partitions, > 0
	CombinerMemoryBudget int64         // bytes before a combiner spills a run
	TaskTimeout          time.Duration // no heartbeat for this long fails the task
	MaxRetries           int           // reissues per task before the job fails
	MaxMalformedRate     float64       // tolerated malformed/total line ratio, [0,1]
	Workers              int           // worker pool size
	ShardSize            int64         // bytes per map shard, 0 picks from input size
	SpillDir             string        // combiner run files, defaults to os.TempDir
}

// DefaultConfig returns a configuration suitable for small inputs.
func DefaultConfig() Config {
	return Config{
		PartitionCount:       4,
		CombinerMemoryBudget: 64 << 20,
		TaskTimeout:          10 * time.Second,
		MaxRetries:           3,
		MaxMalformedRate:     0.01,
		Workers:              4,
	}
}

// Validate checks the configuration. Any error here is a ConfigurationError:
// the job must be rejected before scheduling.
func (c Config) Validate() error {
	if c.PartitionCount <= 0 {
		return &ConfigError{Field: "PartitionCount", Reason: fmt.Sprintf("must be > 0, got %d", c.PartitionCount)}
	}
	if c.CombinerMemoryBudget <= 0 {
		return &ConfigError{Field: "CombinerMemoryBudget", Reason: fmt.Sprintf("must be > 0, got %d", c.CombinerMemoryBudget)}
	}
	if c.TaskTimeout <= 0 {
		return &ConfigError{Field: "TaskTimeout", Reason: fmt.Sprintf("must be > 0, got %s", c.TaskTimeout)}
	}
	if c.MaxRetries < 0 {
		return &ConfigError{Field: "MaxRetries", Reason: fmt.Sprintf("must be >= 0, got %d", c.MaxRetries)}
	}
	if c.MaxMalformedRate < 0 || c.MaxMalformedRate > 1 {
		return &ConfigError{Field: "MaxMalformedRate", Reason: fmt.Sprintf("must be in [0,1], got %g", c.MaxMalformedRate)}
	}
	if c.Workers <= 0 {
		return &ConfigError{Field: "Workers", Reason: fmt.Sprintf("must be > 0, got %d", c.Workers)}
	}
	if c.ShardSize < 0 {
		return &ConfigError{Field: "ShardSize", Reason: fmt.Sprintf("must be >= 0, got %d", c.ShardSize)}
	}
	return nil
}

// ShuffleTimeout bounds how long a reducer waits for its upstream mapper
// set, covering every permitted mapper reissue.
func (c Config) ShuffleTimeout() time.Duration {
	return c.TaskTimeout * time.Duration(c.MaxRetries+2)
}
