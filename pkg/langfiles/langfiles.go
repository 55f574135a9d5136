// Package langfiles manages the per-language output files of a run.
//
// One append-only text file is kept open per language code. Every sink is
// guarded by its own mutex so shards flushing concurrently never interleave
// their writes, and each sink tracks its line count so callers learn at which
// line a batch of sentences begins.
package langfiles

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/eunmann/langcorpus/pkg/logging"
)

// ErrUnknownLanguage is returned by Get for a language without a sink.
var ErrUnknownLanguage = errors.New("unknown language")

// Sink is the append-only output file of one language.
type Sink struct {
	lang string
	path string

	mu     sync.Mutex
	f      *os.File
	lines  uint64
	bytes  int64
	closed bool
}

// Size returns the file size in bytes.
func (s *Sink) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// Lines returns the number of lines in the file.
func (s *Sink) Lines() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lines
}

// Append writes sentences, each terminated by a newline, in a single write
// call and returns the line number at which the first one starts.
// Sentences must not contain newlines.
func (s *Sink) Append(sentences []string) (uint64, error) {
	return s.AppendWith(sentences, nil)
}

// AppendWith is Append followed by after(offset), both under the sink's
// lock. It lets callers persist data tied to the offset (such as record
// metadata) in the same order as the sentences.
func (s *Sink) AppendWith(sentences []string, after func(offset uint64) error) (uint64, error) {
	size := 0
	for _, sentence := range sentences {
		size += len(sentence) + 1
	}
	buf := make([]byte, 0, size)
	for _, sentence := range sentences {
		buf = append(buf, sentence...)
		buf = append(buf, '\n')
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, fmt.Errorf("append to %s: sink closed", s.lang)
	}
	offset := s.lines
	if len(buf) > 0 {
		n, err := s.f.Write(buf)
		s.bytes += int64(n)
		if err != nil {
			return 0, fmt.Errorf("append to %s: %w", s.path, err)
		}
		s.lines += uint64(len(sentences))
	}
	if after != nil {
		if err := after(offset); err != nil {
			return offset, err
		}
	}
	return offset, nil
}

func (s *Sink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if err := s.f.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("sync %s: %w", s.path, err))
	}
	if err := unlockFile(s.f); err != nil {
		errs = append(errs, fmt.Errorf("unlock %s: %w", s.path, err))
	}
	if err := s.f.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close %s: %w", s.path, err))
	}
	return errors.Join(errs...)
}

// LangFiles is the process-wide registry of language sinks. The set of
// sinks is fixed at Open; lookups are safe for concurrent use.
type LangFiles struct {
	sinks map[string]*Sink
}

// FileName returns the output file name of lang.
func FileName(lang string) string {
	return lang + ".txt"
}

// Open creates dir if needed and opens one sink per language in append
// mode. Existing files are appended to; their line count is read so
// offsets stay correct.
func Open(dir string, langs []string) (*LangFiles, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	lf := &LangFiles{
		sinks: make(map[string]*Sink, len(langs)),
	}
	for _, lang := range langs {
		if _, ok := lf.sinks[lang]; ok {
			continue
		}
		sink, err := openSink(dir, lang)
		if err != nil {
			lf.Close()
			return nil, err
		}
		lf.sinks[lang] = sink
	}

	log := logging.WithPhase("output")
	log.Debug().
		Str("dir", dir).
		Int("languages", len(lf.sinks)).
		Msg("opened language files")
	return lf, nil
}

func openSink(dir, lang string) (*Sink, error) {
	path := filepath.Join(dir, FileName(lang))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open language file %s: %w", lang, err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock language file %s: %w", path, err)
	}

	lines, size, err := countLines(f)
	if err != nil {
		unlockFile(f)
		f.Close()
		return nil, fmt.Errorf("count lines of %s: %w", path, err)
	}

	return &Sink{lang: lang, path: path, f: f, lines: lines, bytes: size}, nil
}

// countLines counts newline-terminated lines. A final line without a
// newline is counted too, since the next append starts after it.
func countLines(f *os.File) (uint64, int64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, 0, err
	}
	buf := make([]byte, 256*1024)
	var lines uint64
	var size int64
	var last byte
	for {
		n, err := f.Read(buf)
		if n > 0 {
			lines += uint64(bytes.Count(buf[:n], []byte{'\n'}))
			size += int64(n)
			last = buf[n-1]
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, 0, err
		}
	}
	if size > 0 && last != '\n' {
		// Terminate the dangling line so appends keep one sentence per line.
		if _, err := f.Write([]byte{'\n'}); err != nil {
			return 0, 0, err
		}
		lines++
		size++
	}
	return lines, size, nil
}

// Get returns the sink of lang.
func (lf *LangFiles) Get(lang string) (*Sink, error) {
	sink, ok := lf.sinks[lang]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLanguage, lang)
	}
	return sink, nil
}

// Stats returns the line count of every non-empty language file.
func (lf *LangFiles) Stats() map[string]uint64 {
	out := make(map[string]uint64)
	for lang, sink := range lf.sinks {
		if n := sink.Lines(); n > 0 {
			out[lang] = n
		}
	}
	return out
}

// Close syncs and closes every sink.
func (lf *LangFiles) Close() error {
	var errs []error
	for _, sink := range lf.sinks {
		if err := sink.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
