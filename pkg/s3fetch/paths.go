// Package s3fetch downloads crawl shards from S3.
//
// Common Crawl publishes, for every crawl, a gzip-compressed listing of the
// object keys of its shards (for example
// s3://commoncrawl/crawl-data/CC-MAIN-2024-10/wet.paths.gz). The Fetcher reads
// such a listing and downloads the shards it names into a local directory,
// which can then be split by the pipeline.
package s3fetch

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// ParseS3URI parses an S3 URI (s3://bucket/key) into bucket and key components.
func ParseS3URI(uri string) (bucket, key string, err error) {
	if !strings.HasPrefix(uri, "s3://") {
		return "", "", errors.New("invalid S3 URI: must start with s3://")
	}

	rest := strings.TrimPrefix(uri, "s3://")
	parts := strings.SplitN(rest, "/", 2)
	if parts[0] == "" {
		return "", "", errors.New("invalid S3 URI: missing bucket name")
	}

	bucket = parts[0]
	if len(parts) == 2 {
		key = parts[1]
	}
	return bucket, key, nil
}

// ParsePaths reads a shard listing: one object key per line. The listing may
// be gzip-compressed. Blank lines and lines starting with '#' are ignored.
func ParsePaths(r io.Reader) ([]string, error) {
	br := bufio.NewReader(r)
	var src io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("open gzip listing: %w", err)
		}
		defer gz.Close()
		src = gz
	}

	var keys []string
	sc := bufio.NewScanner(src)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys = append(keys, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read listing: %w", err)
	}
	if len(keys) == 0 {
		return nil, errors.New("listing has no paths")
	}
	return keys, nil
}

// sanitizeFilename converts an S3 key to a safe local filename.
func sanitizeFilename(key string) string {
	// Keys always use '/', whatever the local separator.
	return path.Base(key)
}
