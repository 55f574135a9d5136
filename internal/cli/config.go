package cli

import (
	"fmt"
	"os"

	"github.com/eunmann/langcorpus/pkg/metadata"
	"gopkg.in/yaml.v3"
)

// FileConfig is the schema of the optional --config file. Command-line flags
// take precedence over values set here.
type FileConfig struct {
	Split SplitConfig `yaml:"split"`
	Fetch FetchConfig `yaml:"fetch"`
}

// SplitConfig holds defaults for the split command.
type SplitConfig struct {
	Model         string   `yaml:"model"`
	FastText      string   `yaml:"fasttext"`
	K             int      `yaml:"k"`
	Threshold     float64  `yaml:"threshold"`
	Processes     int      `yaml:"processes"`
	ShardWorkers  int      `yaml:"shard_workers"`
	RecordWorkers int      `yaml:"record_workers"`
	Metadata      string   `yaml:"metadata"`
	Languages     []string `yaml:"languages"`
	UnstableOrder bool     `yaml:"unstable_order"`
	MetricsOut    string   `yaml:"metrics_out"`
}

// FetchConfig holds defaults for the fetch command.
type FetchConfig struct {
	Region      string `yaml:"region"`
	Anonymous   bool   `yaml:"anonymous"`
	Concurrency int    `yaml:"concurrency"`
	PartSizeMB  int    `yaml:"part_size_mb"`
}

// LoadConfig reads and validates a config file.
func LoadConfig(path string) (FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return FileConfig{}, fmt.Errorf("parse config: %w", err)
	}

	if _, err := metadata.ParseFormat(cfg.Split.Metadata); err != nil {
		return FileConfig{}, fmt.Errorf("split.metadata: %w", err)
	}
	if cfg.Split.K < 0 || cfg.Split.Processes < 0 || cfg.Split.ShardWorkers < 0 || cfg.Split.RecordWorkers < 0 {
		return FileConfig{}, fmt.Errorf("split: counts must not be negative")
	}
	if cfg.Fetch.Concurrency < 0 || cfg.Fetch.PartSizeMB < 0 {
		return FileConfig{}, fmt.Errorf("fetch: counts must not be negative")
	}
	return cfg, nil
}
