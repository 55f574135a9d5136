package metadata

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Writer persists metadata entries for a language. Implementations are safe
// for concurrent use; entries for the same language are written in call order.
type Writer interface {
	Write(lang string, entries []Metadata) error
	Close() error
}

// NewWriter returns the writer for the given format rooted at dir.
func NewWriter(format Format, dir string) (Writer, error) {
	switch format {
	case FormatJSONL, "":
		return NewJSONLWriter(dir)
	case FormatParquet:
		return NewParquetWriter(dir)
	case FormatNone:
		return Discard{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// Discard drops every entry.
type Discard struct{}

func (Discard) Write(string, []Metadata) error { return nil }
func (Discard) Close() error                    { return nil }

// JSONLWriter appends entries to <dir>/<lang>_meta.jsonl, one object per line.
// Files are created on the first write for a language.
type JSONLWriter struct {
	dir string

	mu    sync.Mutex
	files map[string]*jsonlFile
}

type jsonlFile struct {
	mu sync.Mutex
	f  *os.File
}

// NewJSONLWriter creates dir if needed and returns a writer into it.
func NewJSONLWriter(dir string) (*JSONLWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create metadata dir: %w", err)
	}
	return &JSONLWriter{
		dir:   dir,
		files: make(map[string]*jsonlFile),
	}, nil
}

// Path returns the metadata file path for lang.
func (w *JSONLWriter) Path(lang string) string {
	return filepath.Join(w.dir, lang+"_meta.jsonl")
}

func (w *JSONLWriter) file(lang string) (*jsonlFile, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if jf, ok := w.files[lang]; ok {
		return jf, nil
	}
	f, err := os.OpenFile(w.Path(lang), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open metadata file for %s: %w", lang, err)
	}
	jf := &jsonlFile{f: f}
	w.files[lang] = jf
	return jf, nil
}

// Write appends entries for lang in a single write call.
func (w *JSONLWriter) Write(lang string, entries []Metadata) error {
	if len(entries) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, m := range entries {
		line, err := Marshal(m)
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	jf, err := w.file(lang)
	if err != nil {
		return err
	}

	jf.mu.Lock()
	defer jf.mu.Unlock()
	if _, err := jf.f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write metadata for %s: %w", lang, err)
	}
	return nil
}

// Close syncs and closes every open file.
func (w *JSONLWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var errs []error
	for lang, jf := range w.files {
		if err := jf.f.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync metadata for %s: %w", lang, err))
		}
		if err := jf.f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close metadata for %s: %w", lang, err))
		}
		delete(w.files, lang)
	}
	return errors.Join(errs...)
}

// ReadJSONL reads entries written by JSONLWriter. Blank lines are ignored.
func ReadJSONL(r io.Reader) ([]Metadata, error) {
	var out []Metadata
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		m, err := Unmarshal(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		out = append(out, m)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan metadata: %w", err)
	}
	return out, nil
}
