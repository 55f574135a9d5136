// Package pipeline splits a directory of crawl shards into per-language text
// files.
//
// Shards are processed in parallel. Within a shard, records are classified by a
// pool of workers and then folded into a single shard.Aggregator, which is
// flushed to the language files once the shard is exhausted: one append per
// language per shard. Problems with the input (unreadable shards, undecodable
// records, unknown labels) are logged and skipped; only failures writing the
// output abort a run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eunmann/langcorpus/internal/logctx"
	"github.com/eunmann/langcorpus/pkg/langfiles"
	"github.com/eunmann/langcorpus/pkg/lid"
	"github.com/eunmann/langcorpus/pkg/logging"
	"github.com/eunmann/langcorpus/pkg/metadata"
	"github.com/eunmann/langcorpus/pkg/shard"
	"github.com/eunmann/langcorpus/pkg/warc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const phase = "split"

// Result summarizes a run.
type Result struct {
	ShardsProcessed      int64
	ShardsSkipped        int64
	Records              int64
	RecordsUndecodable   int64
	RecordErrors         int64
	Sentences            int64
	ClassificationMisses int64
	UnknownLanguages     int64
	// Languages maps a language code to the number of sentences written.
	Languages map[string]int64
	Duration  time.Duration
}

// Pipeline drives a split run.
type Pipeline struct {
	cfg       Config
	extractor *lid.Extractor
	registry  *lid.Registry
	metrics   *Metrics
	log       zerolog.Logger

	shardsProcessed    atomic.Int64
	shardsSkipped      atomic.Int64
	records            atomic.Int64
	recordsUndecodable atomic.Int64
	recordErrors       atomic.Int64
	sentences          atomic.Int64
	misses             atomic.Int64
	unknown            atomic.Int64

	mu        sync.Mutex
	languages map[string]int64
}

// New creates a pipeline. A nil registry means lid.DefaultRegistry().
func New(cfg Config, classifier lid.Classifier, registry *lid.Registry) *Pipeline {
	cfg.Validate()
	if registry == nil {
		registry = lid.DefaultRegistry()
	}
	log := logging.WithPhase(phase)
	return &Pipeline{
		cfg:       cfg,
		extractor: lid.NewExtractor(classifier, registry, log),
		registry:  registry,
		metrics:   newMetrics(),
		log:       log,
		languages: make(map[string]int64),
	}
}

// Config returns the validated configuration.
func (p *Pipeline) Config() Config {
	return p.cfg
}

// Gatherer exposes the pipeline's metrics.
func (p *Pipeline) Gatherer() prometheus.Gatherer {
	return p.metrics.Registry()
}

// Run splits every shard under src into language files under dst.
//
// A Pipeline is meant for a single Run; counters accumulate across calls.
func (p *Pipeline) Run(ctx context.Context, src, dst string) (*Result, error) {
	start := time.Now()
	ctx = logctx.WithLogger(ctx, p.log)

	paths, entryErrs, err := warc.ListShards(src)
	if err != nil {
		return nil, fmt.Errorf("list shards: %w", err)
	}
	for _, entryErr := range entryErrs {
		logging.ShardSkipped(p.log, src, entryErr)
		p.skipShard()
	}

	out, err := langfiles.Open(dst, p.registry.Languages())
	if err != nil {
		return nil, fmt.Errorf("open language files: %w", err)
	}
	meta, err := metadata.NewWriter(p.cfg.Metadata, dst)
	if err != nil {
		out.Close()
		return nil, fmt.Errorf("open metadata writer: %w", err)
	}

	p.log.Info().
		Str("src", src).
		Str("dst", dst).
		Int("shards", len(paths)).
		Int("languages", p.registry.Len()).
		Int("shard_workers", p.cfg.ShardWorkers).
		Int("record_workers", p.cfg.RecordWorkers).
		Str("metadata", string(p.cfg.Metadata)).
		Msg("starting split")

	progress := logging.NewProgressTracker(int64(len(paths)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.ShardWorkers)
	for i, path := range paths {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return p.processShard(logctx.WithShard(gctx, path, i), path, out, meta, progress)
		})
	}
	runErr := g.Wait()
	if runErr == nil {
		runErr = ctx.Err()
	}

	if err := meta.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("close metadata writer: %w", err)
	}
	if err := out.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("close language files: %w", err)
	}
	if runErr != nil {
		return nil, runErr
	}

	res := p.result(time.Since(start))
	logging.PhaseComplete(p.log, res.Duration).
		Count("shards_processed", res.ShardsProcessed).
		Count("shards_skipped", res.ShardsSkipped).
		Count("records", res.Records).
		Count("records_undecodable", res.RecordsUndecodable).
		Count("sentences", res.Sentences).
		Count("misses", res.ClassificationMisses).
		Count("unknown_labels", res.UnknownLanguages).
		Int("languages", len(res.Languages)).
		Rate("sentences_per_sec", res.Sentences).
		Log("split complete")
	return res, nil
}

func (p *Pipeline) result(elapsed time.Duration) *Result {
	p.mu.Lock()
	langs := maps.Clone(p.languages)
	p.mu.Unlock()
	return &Result{
		ShardsProcessed:      p.shardsProcessed.Load(),
		ShardsSkipped:        p.shardsSkipped.Load(),
		Records:              p.records.Load(),
		RecordsUndecodable:   p.recordsUndecodable.Load(),
		RecordErrors:         p.recordErrors.Load(),
		Sentences:            p.sentences.Load(),
		ClassificationMisses: p.misses.Load(),
		UnknownLanguages:     p.unknown.Load(),
		Languages:            langs,
		Duration:             elapsed,
	}
}

func (p *Pipeline) skipShard() {
	p.shardsSkipped.Add(1)
	p.metrics.shards.WithLabelValues("skipped").Inc()
}

// processShard reads, classifies, folds and flushes one shard. The returned
// error is always an output error.
func (p *Pipeline) processShard(ctx context.Context, path string, out *langfiles.LangFiles, meta metadata.Writer, progress *logging.ProgressTracker) error {
	start := time.Now()
	log := logctx.FromContext(ctx)

	r, err := warc.Open(path)
	if err != nil {
		logging.ShardSkipped(p.log, path, err)
		p.skipShard()
		progress.RecordSkip()
		return nil
	}
	defer r.Close()

	results, stats := p.classifyRecords(ctx, r)

	agg := shard.NewAggregator()
	for _, res := range results {
		agg.AddRecord(res.headers, res.sentences)
	}
	sentences := agg.SentenceCount()
	languages := agg.Len()

	if err := p.flush(agg, out, meta); err != nil {
		return fmt.Errorf("flush shard %s: %w", path, err)
	}

	elapsed := time.Since(start)
	p.shardsProcessed.Add(1)
	p.metrics.shards.WithLabelValues("processed").Inc()
	p.metrics.shardDuration.Observe(elapsed.Seconds())
	progress.RecordCompletion(elapsed)

	logging.ShardComplete(log, elapsed).
		Count("records", int64(r.Count())).
		Count("lines", int64(stats.Lines)).
		Count("qualified", int64(stats.Qualified)).
		Count("sentences", int64(sentences)).
		Int("languages", languages).
		Progress(progress, p.cfg.ShardWorkers).
		Log("shard flushed")
	return nil
}

type recordTask struct {
	index  int
	record *warc.Record
}

type recordResult struct {
	index     int
	headers   map[string]string
	sentences []lid.Sentence
}

// classifyRecords fans the records of r out to RecordWorkers goroutines and
// returns the per-record results, ordered by record index unless the
// pipeline runs with UnstableOrder.
func (p *Pipeline) classifyRecords(ctx context.Context, r *warc.Reader) ([]recordResult, lid.Stats) {
	log := logctx.FromContext(ctx)
	extractor := *p.extractor
	extractor.Log = log

	workers := p.cfg.RecordWorkers
	tasks := make(chan recordTask, workers*2)
	resultsCh := make(chan recordResult, workers*2)
	statsCh := make(chan lid.Stats, workers)

	// Reader
	go func() {
		defer close(tasks)
		for i := 0; ; i++ {
			if ctx.Err() != nil {
				return
			}
			rec, err := r.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				log.Warn().Err(err).Int("record", i).Msg("failed to read record, ending shard early")
				p.recordErrors.Add(1)
				p.metrics.records.WithLabelValues("error").Inc()
				return
			}
			select {
			case tasks <- recordTask{index: i, record: rec}:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var total lid.Stats
			for task := range tasks {
				sentences, st := extractor.Extract(task.record.Body)
				p.recordStats(st)
				total.Add(st)
				resultsCh <- recordResult{
					index:     task.index,
					headers:   task.record.Headers,
					sentences: sentences,
				}
			}
			statsCh <- total
		}()
	}

	go func() {
		wg.Wait()
		close(resultsCh)
		close(statsCh)
	}()

	var results []recordResult
	for res := range resultsCh {
		if len(res.sentences) > 0 {
			results = append(results, res)
		}
	}
	var stats lid.Stats
	for st := range statsCh {
		stats.Add(st)
	}

	if !p.cfg.UnstableOrder {
		slices.SortFunc(results, func(a, b recordResult) int { return a.index - b.index })
	}
	return results, stats
}

func (p *Pipeline) recordStats(st lid.Stats) {
	p.records.Add(1)
	if st.Undecodable {
		p.recordsUndecodable.Add(1)
		p.metrics.records.WithLabelValues("undecodable").Inc()
		return
	}
	p.metrics.records.WithLabelValues("ok").Inc()
	if st.Misses > 0 {
		p.misses.Add(int64(st.Misses))
		p.metrics.dropped.WithLabelValues("no_prediction").Add(float64(st.Misses))
	}
	if st.Unknown > 0 {
		p.unknown.Add(int64(st.Unknown))
		p.metrics.dropped.WithLabelValues("unknown_label").Add(float64(st.Unknown))
	}
}

// flush appends every bucket of agg to its language file and writes the
// matching metadata. Languages are flushed in sorted order.
func (p *Pipeline) flush(agg *shard.Aggregator, out *langfiles.LangFiles, meta metadata.Writer) error {
	buckets := agg.Drain()
	for _, lang := range slices.Sorted(maps.Keys(buckets)) {
		b := buckets[lang]
		sink, err := out.Get(lang)
		if err != nil {
			return err
		}
		_, err = sink.AppendWith(b.Sentences, func(base uint64) error {
			for i := range b.Records {
				b.Records[i].Offset += base
			}
			if err := meta.Write(lang, b.Records); err != nil {
				return fmt.Errorf("write metadata for %s: %w", lang, err)
			}
			return nil
		})
		if err != nil {
			return err
		}

		n := int64(len(b.Sentences))
		p.sentences.Add(n)
		p.metrics.sentences.WithLabelValues(lang).Add(float64(n))
		p.mu.Lock()
		p.languages[lang] += n
		p.mu.Unlock()
	}
	return nil
}
