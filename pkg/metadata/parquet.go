package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/eunmann/langcorpus/pkg/fileutil"
	"github.com/parquet-go/parquet-go"
)

// ParquetRow is the on-disk row layout of a parquet metadata file.
// Headers are stored as a JSON object so arbitrary header names survive.
type ParquetRow struct {
	Headers     string `parquet:"headers"`
	Offset      uint64 `parquet:"offset"`
	NbSentences uint64 `parquet:"nb_sentences"`
}

// ToRow converts m into its parquet row.
func ToRow(m Metadata) (ParquetRow, error) {
	headers := m.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	if err := validateHeaders(headers); err != nil {
		return ParquetRow{}, err
	}
	data, err := json.Marshal(headers)
	if err != nil {
		return ParquetRow{}, fmt.Errorf("marshal headers: %w", err)
	}
	return ParquetRow{
		Headers:     string(data),
		Offset:      m.Offset,
		NbSentences: m.NbSentences,
	}, nil
}

// FromRow converts a parquet row back into Metadata.
func FromRow(r ParquetRow) (Metadata, error) {
	headers := map[string]string{}
	if r.Headers != "" {
		if err := json.Unmarshal([]byte(r.Headers), &headers); err != nil {
			return Metadata{}, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	return Metadata{
		Headers:     headers,
		Offset:      r.Offset,
		NbSentences: r.NbSentences,
	}, nil
}

// ParquetWriter writes entries to <dir>/<lang>_meta.parquet. A parquet file
// cannot be appended to once closed, so the rows of an existing file are
// copied into a partial file ahead of the new ones, and the partial file
// replaces the old one on Close. Rows are only readable after Close.
type ParquetWriter struct {
	dir string

	mu    sync.Mutex
	files map[string]*parquetFile
}

type parquetFile struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *parquet.GenericWriter[ParquetRow]
}

func (pf *parquetFile) discard() {
	pf.f.Close()
	os.Remove(pf.f.Name())
}

// finish finalizes the partial file and moves it over the previous one.
func (pf *parquetFile) finish() error {
	if err := pf.w.Close(); err != nil {
		pf.discard()
		return fmt.Errorf("finalize: %w", err)
	}
	if err := pf.f.Sync(); err != nil {
		pf.discard()
		return fmt.Errorf("sync: %w", err)
	}
	if err := pf.f.Close(); err != nil {
		os.Remove(pf.f.Name())
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(pf.f.Name(), pf.path); err != nil {
		os.Remove(pf.f.Name())
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// NewParquetWriter creates dir if needed and returns a writer into it.
func NewParquetWriter(dir string) (*ParquetWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create metadata dir: %w", err)
	}
	return &ParquetWriter{
		dir:   dir,
		files: make(map[string]*parquetFile),
	}, nil
}

// Path returns the metadata file path for lang.
func (w *ParquetWriter) Path(lang string) string {
	return filepath.Join(w.dir, lang+"_meta.parquet")
}

func (w *ParquetWriter) file(lang string) (*parquetFile, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if pf, ok := w.files[lang]; ok {
		return pf, nil
	}

	path := w.Path(lang)
	previous, err := readRows(path)
	if err != nil {
		return nil, fmt.Errorf("read existing parquet metadata for %s: %w", lang, err)
	}
	f, err := os.Create(fileutil.PartialPath(path))
	if err != nil {
		return nil, fmt.Errorf("create parquet metadata for %s: %w", lang, err)
	}
	pf := &parquetFile{
		path: path,
		f:    f,
		w:    parquet.NewGenericWriter[ParquetRow](f),
	}
	if len(previous) > 0 {
		if _, err := pf.w.Write(previous); err != nil {
			pf.discard()
			return nil, fmt.Errorf("copy existing parquet metadata for %s: %w", lang, err)
		}
	}
	w.files[lang] = pf
	return pf, nil
}

// readRows returns the rows of the parquet file at path, or nothing if it
// does not exist.
func readRows(path string) ([]ParquetRow, error) {
	if !fileutil.Exists(path) {
		return nil, nil
	}
	return parquet.ReadFile[ParquetRow](path)
}

// Write buffers entries for lang.
func (w *ParquetWriter) Write(lang string, entries []Metadata) error {
	if len(entries) == 0 {
		return nil
	}

	rows := make([]ParquetRow, 0, len(entries))
	for _, m := range entries {
		row, err := ToRow(m)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	pf, err := w.file(lang)
	if err != nil {
		return err
	}

	pf.mu.Lock()
	defer pf.mu.Unlock()
	if _, err := pf.w.Write(rows); err != nil {
		return fmt.Errorf("write parquet metadata for %s: %w", lang, err)
	}
	return nil
}

// Close finalizes every parquet file.
func (w *ParquetWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var errs []error
	for lang, pf := range w.files {
		if err := pf.finish(); err != nil {
			errs = append(errs, fmt.Errorf("parquet metadata for %s: %w", lang, err))
		}
		delete(w.files, lang)
	}
	return errors.Join(errs...)
}

// ReadParquet reads every entry of a parquet metadata file.
func ReadParquet(path string) ([]Metadata, error) {
	rows, err := parquet.ReadFile[ParquetRow](path)
	if err != nil {
		return nil, fmt.Errorf("read parquet metadata: %w", err)
	}
	out := make([]Metadata, 0, len(rows))
	for _, r := range rows {
		m, err := FromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
