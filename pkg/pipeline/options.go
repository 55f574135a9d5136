package pipeline

import (
	"runtime"

	"github.com/eunmann/langcorpus/pkg/metadata"
)

// Config controls concurrency and output settings for a run.
type Config struct {
	// ShardWorkers is the number of shards processed at once.
	// Default: max(1, runtime.NumCPU()/2)
	ShardWorkers int

	// RecordWorkers is the number of goroutines classifying the records of
	// one shard. Default: runtime.NumCPU()
	RecordWorkers int

	// UnstableOrder folds records into the shard aggregator in completion
	// order instead of record order. Output is then not reproducible within
	// a shard.
	UnstableOrder bool

	// Metadata selects the per-record metadata format. Default: jsonl
	Metadata metadata.Format
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	numCPU := runtime.NumCPU()
	return Config{
		ShardWorkers:  max(1, numCPU/2),
		RecordWorkers: numCPU,
		Metadata:      metadata.FormatJSONL,
	}
}

// Validate sets defaults for zero values.
func (c *Config) Validate() {
	def := DefaultConfig()
	if c.ShardWorkers <= 0 {
		c.ShardWorkers = def.ShardWorkers
	}
	if c.RecordWorkers <= 0 {
		c.RecordWorkers = def.RecordWorkers
	}
	if c.Metadata == "" {
		c.Metadata = def.Metadata
	}
}
