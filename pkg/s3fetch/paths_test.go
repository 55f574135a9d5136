package s3fetch

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/gzip"
)

func TestParseS3URI(t *testing.T) {
	tests := []struct {
		uri        string
		wantBucket string
		wantKey    string
		wantErr    bool
	}{
		{
			uri:        "s3://commoncrawl/crawl-data/CC-MAIN-2024-10/wet.paths.gz",
			wantBucket: "commoncrawl",
			wantKey:    "crawl-data/CC-MAIN-2024-10/wet.paths.gz",
		},
		{uri: "s3://bucket/key", wantBucket: "bucket", wantKey: "key"},
		{uri: "s3://bucket-only/", wantBucket: "bucket-only"},
		{uri: "s3://bucket", wantBucket: "bucket"},
		{uri: "https://bucket/key", wantErr: true},
		{uri: "/local/path", wantErr: true},
		{uri: "s3://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			bucket, key, err := ParseS3URI(tt.uri)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if bucket != tt.wantBucket {
				t.Errorf("bucket = %q, want %q", bucket, tt.wantBucket)
			}
			if key != tt.wantKey {
				t.Errorf("key = %q, want %q", key, tt.wantKey)
			}
		})
	}
}

const listing = `crawl-data/CC-MAIN-2024-10/segments/1/wet/CC-MAIN-00000.warc.wet.gz

# comment
crawl-data/CC-MAIN-2024-10/segments/1/wet/CC-MAIN-00001.warc.wet.gz
`

func TestParsePaths(t *testing.T) {
	want := []string{
		"crawl-data/CC-MAIN-2024-10/segments/1/wet/CC-MAIN-00000.warc.wet.gz",
		"crawl-data/CC-MAIN-2024-10/segments/1/wet/CC-MAIN-00001.warc.wet.gz",
	}

	t.Run("plain", func(t *testing.T) {
		got, err := ParsePaths(strings.NewReader(listing))
		if err != nil {
			t.Fatalf("ParsePaths failed: %v", err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("paths mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("gzip", func(t *testing.T) {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		gz.Write([]byte(listing))
		gz.Close()

		got, err := ParsePaths(&buf)
		if err != nil {
			t.Fatalf("ParsePaths failed: %v", err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("paths mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("empty", func(t *testing.T) {
		if _, err := ParsePaths(strings.NewReader("\n# nothing\n")); err == nil {
			t.Error("expected error for an empty listing")
		}
	})

	t.Run("corrupt gzip", func(t *testing.T) {
		if _, err := ParsePaths(bytes.NewReader([]byte{0x1f, 0x8b, 0x00})); err == nil {
			t.Error("expected error for a corrupt gzip listing")
		}
	})
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"simple.warc.wet.gz", "simple.warc.wet.gz"},
		{"crawl-data/CC-MAIN-2024-10/segments/1/wet/CC-MAIN-00000.warc.wet.gz", "CC-MAIN-00000.warc.wet.gz"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := sanitizeFilename(tt.input); got != tt.want {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
