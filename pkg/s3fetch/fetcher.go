package s3fetch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/eunmann/langcorpus/pkg/fileutil"
	"github.com/eunmann/langcorpus/pkg/logging"
	"golang.org/x/sync/errgroup"
)

// Store is the subset of Client the Fetcher uses.
type Store interface {
	FetchPaths(ctx context.Context, bucket, key string) ([]string, error)
	DownloadFile(ctx context.Context, bucket, key, destPath string) (int64, error)
}

// FetchConfig configures the shard fetch operation.
type FetchConfig struct {
	// PathsURI is the S3 URI of the shard listing. Shard keys are resolved
	// in the same bucket.
	PathsURI string
	// DownloadDir is the local directory to download shards to.
	DownloadDir string
	// Concurrency is the number of parallel downloads (default: 4).
	Concurrency int
	// Offset skips that many leading entries of the listing.
	Offset int
	// Limit caps the number of shards fetched; 0 means all.
	Limit int
}

// FetchResult contains the results of fetching shards.
type FetchResult struct {
	// LocalFiles are the paths of the requested shards, in listing order.
	LocalFiles []string
	Downloaded int
	// Skipped counts shards already present from an earlier run.
	Skipped int
	Bytes   int64
}

// Fetcher downloads the shards named by a listing.
type Fetcher struct {
	store Store
	cfg   FetchConfig
}

// NewFetcher creates a new shard fetcher.
func NewFetcher(store Store, cfg FetchConfig) *Fetcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Fetcher{store: store, cfg: cfg}
}

// Fetch downloads the listing and the selected shards. Shards that already
// exist locally are not downloaded again.
func (f *Fetcher) Fetch(ctx context.Context) (*FetchResult, error) {
	log := logging.WithPhase("fetch")
	start := time.Now()

	bucket, key, err := ParseS3URI(f.cfg.PathsURI)
	if err != nil {
		return nil, fmt.Errorf("parse paths URI: %w", err)
	}

	keys, err := f.store.FetchPaths(ctx, bucket, key)
	if err != nil {
		return nil, fmt.Errorf("fetch paths: %w", err)
	}
	keys = f.selectKeys(keys)

	if err := os.MkdirAll(f.cfg.DownloadDir, 0755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	if _, err := fileutil.CleanupPartialFiles(f.cfg.DownloadDir); err != nil {
		return nil, fmt.Errorf("clean download dir: %w", err)
	}

	log.Info().
		Str("paths_uri", f.cfg.PathsURI).
		Int("shards", len(keys)).
		Int("concurrency", f.cfg.Concurrency).
		Msg("fetching shards")

	progress := logging.NewProgressTracker(int64(len(keys)))
	res := &FetchResult{LocalFiles: make([]string, len(keys))}
	var downloaded, skipped, bytes atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.Concurrency)
	for i, k := range keys {
		localPath := filepath.Join(f.cfg.DownloadDir, sanitizeFilename(k))
		res.LocalFiles[i] = localPath

		g.Go(func() error {
			if fileutil.IsNonEmpty(localPath) {
				skipped.Add(1)
				progress.RecordSkip()
				return nil
			}

			t := time.Now()
			n, err := f.store.DownloadFile(gctx, bucket, k, localPath)
			if err != nil {
				return fmt.Errorf("download %s: %w", k, err)
			}
			downloaded.Add(1)
			bytes.Add(n)
			progress.RecordCompletion(time.Since(t))

			logging.NewCompletionEvent(log, "shard_downloaded", time.Since(t)).
				Str("key", k).
				Bytes("bytes", n).
				Progress(progress, f.cfg.Concurrency).
				LogDebug("shard downloaded")
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("wait for downloads: %w", err)
	}

	res.Downloaded = int(downloaded.Load())
	res.Skipped = int(skipped.Load())
	res.Bytes = bytes.Load()

	logging.PhaseComplete(log, time.Since(start)).
		Int("downloaded", res.Downloaded).
		Int("skipped", res.Skipped).
		Bytes("bytes", res.Bytes).
		Rate("bytes_per_sec", res.Bytes).
		Log("fetch complete")
	return res, nil
}

func (f *Fetcher) selectKeys(keys []string) []string {
	if f.cfg.Offset > 0 {
		if f.cfg.Offset >= len(keys) {
			return nil
		}
		keys = keys[f.cfg.Offset:]
	}
	if f.cfg.Limit > 0 && f.cfg.Limit < len(keys) {
		keys = keys[:f.cfg.Limit]
	}
	return keys
}
