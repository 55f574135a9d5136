package s3fetch

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/eunmann/langcorpus/pkg/fileutil"
)

// DownloaderConfig configures the S3 Download Manager.
type DownloaderConfig struct {
	// Concurrency is the number of concurrent download parts per object.
	// Default: min(max(4, NumCPU), 16).
	Concurrency int

	// PartSize is the size of each download part in bytes.
	// Default: 16MB. WET shards are typically 60-150MB.
	PartSize int64
}

// DefaultDownloaderConfig returns sensible defaults based on the current machine.
func DefaultDownloaderConfig() DownloaderConfig {
	return DownloaderConfig{
		Concurrency: min(max(4, runtime.NumCPU()), 16),
		PartSize:    16 * 1024 * 1024,
	}
}

func (c *DownloaderConfig) validate() {
	def := DefaultDownloaderConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.PartSize <= 0 {
		c.PartSize = def.PartSize
	}
}

// Downloader wraps the AWS S3 Download Manager for parallel range downloads.
type Downloader struct {
	manager *manager.Downloader
}

// NewDownloader creates a Downloader from an existing S3 client.
func NewDownloader(s3Client manager.DownloadAPIClient, cfg DownloaderConfig) *Downloader {
	cfg.validate()
	mgr := manager.NewDownloader(s3Client, func(d *manager.Downloader) {
		d.Concurrency = cfg.Concurrency
		d.PartSize = cfg.PartSize
		d.BufferProvider = manager.NewPooledBufferedWriterReadFromProvider(int(cfg.PartSize))
	})
	return &Downloader{manager: mgr}
}

// DownloadResult contains information about a completed download.
type DownloadResult struct {
	BytesDownloaded int64
	Duration        time.Duration
}

// DownloadToFile downloads an S3 object to destPath. The object is written to
// a partial file first, so destPath only ever holds a complete object.
func (d *Downloader) DownloadToFile(ctx context.Context, bucket, key, destPath string) (*DownloadResult, error) {
	start := time.Now()
	var n int64
	err := fileutil.WriteTmpThenMove(destPath, func(tmpPath string) error {
		file, err := os.Create(tmpPath)
		if err != nil {
			return fmt.Errorf("create destination file: %w", err)
		}
		defer file.Close()

		n, err = d.manager.Download(ctx, file, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("download s3://%s/%s: %w", bucket, key, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &DownloadResult{BytesDownloaded: n, Duration: time.Since(start)}, nil
}
