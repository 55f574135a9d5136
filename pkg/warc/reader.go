// Package warc reads crawl shards in the WARC/WET container format.
//
// A shard is a (usually compressed) sequence of records, each made of a
// version line, a block of "Name: value" headers, an empty line and a body
// of Content-Length bytes. Header names are lower-cased on read.
package warc

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// ErrInvalidShard is returned when a file is not a readable WARC shard.
var ErrInvalidShard = errors.New("invalid shard")

// versionPrefix starts every record.
const versionPrefix = "WARC/"

// MaxRecordSize bounds the body of a single record.
const MaxRecordSize = 256 << 20

// Record is one entry of a shard.
type Record struct {
	Version string
	Headers map[string]string
	Body    []byte
}

// Header returns the value of a header by case-insensitive name.
func (r *Record) Header(name string) string {
	return r.Headers[strings.ToLower(name)]
}

// Reader reads records from a shard sequentially. It is not safe for
// concurrent use.
type Reader struct {
	br      *bufio.Reader
	closers []io.Closer
	count   int
}

// Open opens a shard file. Compression is detected from the extension:
// .gz (gzip, multi-member), .zst (zstd), .lz4 (lz4 frame) or none.
// Files that cannot be decompressed or that do not start with a WARC
// record return an error wrapping ErrInvalidShard.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open shard: %w", err)
	}

	closers := []io.Closer{f}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i].Close()
		}
	}

	var src io.Reader = f
	switch Compression(path) {
	case "gzip":
		gz, err := gzip.NewReader(bufio.NewReaderSize(f, 1<<20))
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("%w: %s: gzip: %v", ErrInvalidShard, path, err)
		}
		closers = append(closers, gz)
		src = gz
	case "zstd":
		dec, err := zstd.NewReader(bufio.NewReaderSize(f, 1<<20))
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("%w: %s: zstd: %v", ErrInvalidShard, path, err)
		}
		closers = append(closers, closerFunc(func() error { dec.Close(); return nil }))
		src = dec
	case "lz4":
		src = lz4.NewReader(bufio.NewReaderSize(f, 1<<20))
	}

	r := &Reader{
		br:      bufio.NewReaderSize(src, 1<<20),
		closers: closers,
	}
	if err := r.validate(); err != nil {
		closeAll()
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidShard, path, err)
	}
	return r, nil
}

// NewReader reads uncompressed records from rd.
func NewReader(rd io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(rd, 64*1024)}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Compression returns the compression implied by the file extension:
// "gzip", "zstd", "lz4" or "".
func Compression(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz", ".gzip":
		return "gzip"
	case ".zst", ".zstd":
		return "zstd"
	case ".lz4":
		return "lz4"
	default:
		return ""
	}
}

func (r *Reader) validate() error {
	head, err := r.br.Peek(len(versionPrefix))
	if err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty or truncated file")
		}
		return err
	}
	if string(head) != versionPrefix {
		return fmt.Errorf("missing %q record header", versionPrefix)
	}
	return nil
}

// Count returns the number of records read so far.
func (r *Reader) Count() int { return r.count }

// Next returns the next record, or io.EOF once the shard is exhausted.
func (r *Reader) Next() (*Record, error) {
	version, err := r.versionLine()
	if err != nil {
		return nil, err
	}

	headers, err := r.headers()
	if err != nil {
		return nil, fmt.Errorf("record %d: %w", r.count, err)
	}

	lengthStr, ok := headers["content-length"]
	if !ok {
		return nil, fmt.Errorf("record %d: missing Content-Length", r.count)
	}
	length, err := strconv.ParseInt(lengthStr, 10, 64)
	if err != nil || length < 0 {
		return nil, fmt.Errorf("record %d: invalid Content-Length %q", r.count, lengthStr)
	}
	if length > MaxRecordSize {
		return nil, fmt.Errorf("record %d: Content-Length %d exceeds limit", r.count, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r.br, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("record %d: read body: %w", r.count, err)
	}

	r.count++
	return &Record{Version: version, Headers: headers, Body: body}, nil
}

// versionLine skips the blank separator lines between records and returns
// the version of the next record.
func (r *Reader) versionLine() (string, error) {
	for {
		line, err := r.br.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed != "" {
			if !strings.HasPrefix(trimmed, versionPrefix) {
				return "", fmt.Errorf("record %d: expected version line, got %q", r.count, truncate(trimmed, 40))
			}
			if err != nil && !errors.Is(err, io.EOF) {
				return "", err
			}
			return strings.TrimPrefix(trimmed, versionPrefix), nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", err
		}
	}
}

func (r *Reader) headers() (map[string]string, error) {
	headers := make(map[string]string, 12)
	var last string
	for {
		line, err := r.br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("read headers: %w", io.ErrUnexpectedEOF)
			}
			return nil, fmt.Errorf("read headers: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return headers, nil
		}
		line = strings.ToValidUTF8(line, "\uFFFD")
		// Folded continuation of the previous header.
		if (line[0] == ' ' || line[0] == '\t') && last != "" {
			headers[last] += " " + strings.TrimSpace(line)
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header line %q", truncate(line, 40))
		}
		last = strings.ToLower(strings.TrimSpace(name))
		headers[last] = strings.TrimSpace(value)
	}
}

// Close releases the underlying file and decompressor.
func (r *Reader) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ListShards returns the regular files of dir sorted by name. Entries whose
// type cannot be determined are returned as errors alongside the paths.
func ListShards(dir string) ([]string, []error, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("read shard dir: %w", err)
	}

	var paths []string
	var errs []error
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		info, err := os.Stat(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("stat %s: %w", path, err))
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		paths = append(paths, path)
	}
	slices.Sort(paths)
	return paths, errs, nil
}

// WriteRecord writes one record in WARC form. Headers are written in sorted
// order after WARC-Type; Content-Length is always derived from body.
func WriteRecord(w io.Writer, headers map[string]string, body []byte) error {
	var buf bytes.Buffer
	buf.WriteString(versionPrefix + "1.0\r\n")

	names := make([]string, 0, len(headers))
	for name := range headers {
		if strings.EqualFold(name, "content-length") {
			continue
		}
		names = append(names, name)
	}
	slices.SortFunc(names, func(a, b string) int {
		aType, bType := strings.EqualFold(a, "warc-type"), strings.EqualFold(b, "warc-type")
		switch {
		case aType && !bType:
			return -1
		case bType && !aType:
			return 1
		}
		return strings.Compare(a, b)
	})
	for _, name := range names {
		fmt.Fprintf(&buf, "%s: %s\r\n", name, headers[name])
	}
	fmt.Fprintf(&buf, "Content-Length: %d\r\n\r\n", len(body))
	buf.Write(body)
	buf.WriteString("\r\n\r\n")

	_, err := w.Write(buf.Bytes())
	return err
}
