// Package cli implements the command-line interface for langcorpus.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/eunmann/langcorpus/pkg/lid"
	"github.com/eunmann/langcorpus/pkg/logging"
	"github.com/eunmann/langcorpus/pkg/metadata"
	"github.com/eunmann/langcorpus/pkg/pipeline"
	"github.com/eunmann/langcorpus/pkg/s3fetch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
)

const usage = `usage: langcorpus <command> [options]
commands:
  split   split a directory of WET shards into per-language text files
  fetch   download WET shards listed in an S3 paths file`

type classifier interface {
	lid.Classifier
	Close() error
}

// Replaced in tests.
var (
	newClassifier = func(cfg lid.CommandConfig) (classifier, error) {
		c, err := lid.NewCommandClassifier(cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	newStore = func(ctx context.Context, cfg s3fetch.ClientConfig) (s3fetch.Store, error) {
		c, err := s3fetch.NewClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
)

// Run executes the CLI with the given arguments.
func Run(args []string) error {
	if len(args) == 0 {
		return errors.New(usage)
	}

	switch args[0] {
	case "split":
		return runSplit(args[1:])
	case "fetch":
		return runFetch(args[1:])
	case "help", "-h", "--help":
		fmt.Println(usage)
		return nil
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

type splitOptions struct {
	src, dst   string
	classifier lid.CommandConfig
	pipeline   pipeline.Config
	languages  []string
	metricsOut string
	debug      bool
	human      bool
}

func parseSplit(args []string) (*splitOptions, error) {
	var (
		o          splitOptions
		configPath string
		format     string
	)
	fs := pflag.NewFlagSet("split", pflag.ContinueOnError)
	fs.StringVar(&o.src, "src", "", "directory of WET shards")
	fs.StringVar(&o.dst, "dst", "", "output directory for language files")
	fs.StringVar(&configPath, "config", "", "YAML config file")
	fs.StringVar(&o.classifier.Model, "model", "", "fastText language identification model (lid.176.bin)")
	fs.StringVar(&o.classifier.Binary, "fasttext", "fasttext", "fastText executable")
	fs.IntVar(&o.classifier.K, "k", 1, "labels requested per line")
	fs.Float64Var(&o.classifier.Threshold, "threshold", 0, "minimum label probability")
	fs.IntVar(&o.classifier.Processes, "processes", 0, "fastText processes (default: record workers)")
	fs.IntVar(&o.pipeline.ShardWorkers, "shard-workers", 0, "shards processed in parallel (default: NumCPU/2)")
	fs.IntVar(&o.pipeline.RecordWorkers, "record-workers", 0, "record classifiers per shard (default: NumCPU)")
	fs.BoolVar(&o.pipeline.UnstableOrder, "unstable-order", false, "fold records in completion order")
	fs.StringVar(&format, "metadata", "jsonl", "metadata format: jsonl, parquet or none")
	fs.StringSliceVar(&o.languages, "languages", nil, "restrict output to these language codes")
	fs.StringVar(&o.metricsOut, "metrics-out", "", "write Prometheus metrics to this file after the run")
	fs.BoolVar(&o.debug, "debug", false, "enable debug logging")
	fs.BoolVar(&o.human, "human", false, "human-friendly log output")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if configPath != "" {
		fc, err := LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		applySplitConfig(fs, &o, &format, fc.Split)
	}

	pos := fs.Args()
	if o.src == "" && len(pos) > 0 {
		o.src, pos = pos[0], pos[1:]
	}
	if o.dst == "" && len(pos) > 0 {
		o.dst, pos = pos[0], pos[1:]
	}
	if len(pos) > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(pos, " "))
	}

	if o.src == "" {
		return nil, errors.New("--src is required")
	}
	if o.dst == "" {
		return nil, errors.New("--dst is required")
	}
	if o.classifier.Model == "" {
		return nil, errors.New("--model is required")
	}

	f, err := metadata.ParseFormat(format)
	if err != nil {
		return nil, err
	}
	o.pipeline.Metadata = f
	o.pipeline.Validate()
	if o.classifier.Processes <= 0 {
		o.classifier.Processes = o.pipeline.RecordWorkers
	}
	return &o, nil
}

func applySplitConfig(fs *pflag.FlagSet, o *splitOptions, format *string, c SplitConfig) {
	unset := func(name string) bool { return !fs.Changed(name) }
	if unset("model") && c.Model != "" {
		o.classifier.Model = c.Model
	}
	if unset("fasttext") && c.FastText != "" {
		o.classifier.Binary = c.FastText
	}
	if unset("k") && c.K > 0 {
		o.classifier.K = c.K
	}
	if unset("threshold") && c.Threshold > 0 {
		o.classifier.Threshold = c.Threshold
	}
	if unset("processes") && c.Processes > 0 {
		o.classifier.Processes = c.Processes
	}
	if unset("shard-workers") && c.ShardWorkers > 0 {
		o.pipeline.ShardWorkers = c.ShardWorkers
	}
	if unset("record-workers") && c.RecordWorkers > 0 {
		o.pipeline.RecordWorkers = c.RecordWorkers
	}
	if unset("unstable-order") && c.UnstableOrder {
		o.pipeline.UnstableOrder = true
	}
	if unset("metadata") && c.Metadata != "" {
		*format = c.Metadata
	}
	if unset("languages") && len(c.Languages) > 0 {
		o.languages = c.Languages
	}
	if unset("metrics-out") && c.MetricsOut != "" {
		o.metricsOut = c.MetricsOut
	}
}

func runSplit(args []string) error {
	o, err := parseSplit(args)
	if err != nil {
		return err
	}
	logging.Init(o.debug, o.human)

	registry := lid.DefaultRegistry()
	if len(o.languages) > 0 {
		registry = lid.RegistryFromCodes(o.languages...)
	}

	cls, err := newClassifier(o.classifier)
	if err != nil {
		return fmt.Errorf("start classifier: %w", err)
	}
	defer cls.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := pipeline.New(o.pipeline, cls, registry)
	res, runErr := p.Run(ctx, o.src, o.dst)

	if o.metricsOut != "" {
		if err := prometheus.WriteToTextfile(o.metricsOut, p.Gatherer()); err != nil && runErr == nil {
			runErr = fmt.Errorf("write metrics: %w", err)
		}
	}
	if runErr != nil {
		return fmt.Errorf("split: %w", runErr)
	}

	logging.L().Info().
		Int64("sentences", res.Sentences).
		Int("languages", len(res.Languages)).
		Str("dst", o.dst).
		Msg("done")
	return nil
}

type fetchOptions struct {
	client s3fetch.ClientConfig
	fetch  s3fetch.FetchConfig
	debug  bool
	human  bool
}

func parseFetch(args []string) (*fetchOptions, error) {
	var (
		o          fetchOptions
		configPath string
		partSizeMB int
	)
	fs := pflag.NewFlagSet("fetch", pflag.ContinueOnError)
	fs.StringVar(&o.fetch.PathsURI, "paths", "", "S3 URI of the shard listing (wet.paths.gz)")
	fs.StringVar(&o.fetch.DownloadDir, "out", "", "directory to download shards to")
	fs.StringVar(&configPath, "config", "", "YAML config file")
	fs.IntVar(&o.fetch.Concurrency, "concurrency", 4, "parallel shard downloads")
	fs.IntVar(&o.fetch.Offset, "offset", 0, "skip this many listing entries")
	fs.IntVar(&o.fetch.Limit, "limit", 0, "maximum shards to fetch (0 = all)")
	fs.StringVar(&o.client.Region, "region", "us-east-1", "AWS region")
	fs.BoolVar(&o.client.Anonymous, "anonymous", false, "send unsigned requests")
	fs.IntVar(&partSizeMB, "part-size-mb", 16, "multipart download part size in MiB")
	fs.BoolVar(&o.debug, "debug", false, "enable debug logging")
	fs.BoolVar(&o.human, "human", false, "human-friendly log output")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if configPath != "" {
		fc, err := LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		c := fc.Fetch
		if !fs.Changed("region") && c.Region != "" {
			o.client.Region = c.Region
		}
		if !fs.Changed("anonymous") && c.Anonymous {
			o.client.Anonymous = true
		}
		if !fs.Changed("concurrency") && c.Concurrency > 0 {
			o.fetch.Concurrency = c.Concurrency
		}
		if !fs.Changed("part-size-mb") && c.PartSizeMB > 0 {
			partSizeMB = c.PartSizeMB
		}
	}

	if o.fetch.PathsURI == "" {
		return nil, errors.New("--paths is required")
	}
	if o.fetch.DownloadDir == "" {
		return nil, errors.New("--out is required")
	}
	if _, _, err := s3fetch.ParseS3URI(o.fetch.PathsURI); err != nil {
		return nil, err
	}
	if o.fetch.Offset < 0 || o.fetch.Limit < 0 {
		return nil, errors.New("--offset and --limit must not be negative")
	}
	o.client.Downloader.PartSize = int64(partSizeMB) * 1024 * 1024
	return &o, nil
}

func runFetch(args []string) error {
	o, err := parseFetch(args)
	if err != nil {
		return err
	}
	logging.Init(o.debug, o.human)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := newStore(ctx, o.client)
	if err != nil {
		return fmt.Errorf("create S3 client: %w", err)
	}
	res, err := s3fetch.NewFetcher(store, o.fetch).Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	logging.L().Info().
		Int("downloaded", res.Downloaded).
		Int("skipped", res.Skipped).
		Str("out", o.fetch.DownloadDir).
		Msg("done")
	return nil
}
