package s3fetch

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ClientConfig configures the S3 client.
type ClientConfig struct {
	// Region overrides the region from the environment. Common Crawl lives in
	// us-east-1.
	Region string
	// Anonymous sends unsigned requests.
	Anonymous bool
	// Downloader configures multipart downloads.
	Downloader DownloaderConfig
}

// Client provides the S3 operations the fetcher needs.
type Client struct {
	s3Client   *s3.Client
	downloader *Downloader
}

// NewClient creates a new S3 client using the default AWS configuration
// chain, adjusted by cfg.
func NewClient(ctx context.Context, cfg ClientConfig) (*Client, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Anonymous {
		opts = append(opts, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewClientWithConfig(awsCfg, cfg.Downloader), nil
}

// NewClientWithConfig creates a new S3 client with a custom AWS config.
func NewClientWithConfig(awsCfg aws.Config, dl DownloaderConfig) *Client {
	s3Client := s3.NewFromConfig(awsCfg)
	return &Client{
		s3Client:   s3Client,
		downloader: NewDownloader(s3Client, dl),
	}
}

// FetchPaths fetches and parses a shard listing.
func (c *Client) FetchPaths(ctx context.Context, bucket, key string) ([]string, error) {
	body, err := c.StreamObject(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	keys, err := ParsePaths(body)
	if err != nil {
		return nil, fmt.Errorf("parse listing s3://%s/%s: %w", bucket, key, err)
	}
	return keys, nil
}

// StreamObject returns a reader for an S3 object.
func (c *Client) StreamObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	resp, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object s3://%s/%s: %w", bucket, key, err)
	}
	return resp.Body, nil
}

// DownloadFile downloads an object to destPath and returns its size.
func (c *Client) DownloadFile(ctx context.Context, bucket, key, destPath string) (int64, error) {
	res, err := c.downloader.DownloadToFile(ctx, bucket, key, destPath)
	if err != nil {
		return 0, err
	}
	return res.BytesDownloaded, nil
}
