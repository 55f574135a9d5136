// Package metadata describes where a record's sentences landed in a language file.
//
// Each Metadata entry links one crawl record to a contiguous run of lines in one
// per-language output file: the run starts at Offset and spans NbSentences lines.
// Entries are persisted next to the text files so a sentence can be traced back
// to the WARC record (and URI) it came from.
package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"unicode/utf8"
)

// Format selects how metadata entries are persisted.
type Format string

const (
	// FormatJSONL writes one JSON object per line to <lang>_meta.jsonl.
	FormatJSONL Format = "jsonl"
	// FormatParquet writes one row per entry to <lang>_meta.parquet.
	FormatParquet Format = "parquet"
	// FormatNone disables metadata output.
	FormatNone Format = "none"
)

// ErrUnknownFormat is returned when a metadata format name is not recognized.
var ErrUnknownFormat = errors.New("unknown metadata format")

// ErrInvalidUTF8 is returned when a header name or value is not valid UTF-8
// and therefore cannot survive a JSON round trip.
var ErrInvalidUTF8 = errors.New("header is not valid UTF-8")

// ParseFormat parses a format name as given on the command line.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSONL, FormatParquet, FormatNone:
		return f, nil
	case "":
		return FormatJSONL, nil
	default:
		return "", fmt.Errorf("%w: %q (supported: jsonl, parquet, none)", ErrUnknownFormat, s)
	}
}

// Metadata is the provenance of one record's contribution to a language file.
type Metadata struct {
	// Headers holds the WARC record headers keyed by lower-cased header name.
	// Header names outside the WARC standard are kept as-is.
	Headers map[string]string `json:"headers"`
	// Offset is the line number in the language file where the record's
	// sentences begin.
	Offset uint64 `json:"offset"`
	// NbSentences is the number of sentences retained from the record.
	NbSentences uint64 `json:"nb_sentences"`
}

// New creates metadata for a record. The offset is assigned when the
// sentences are appended to their language file.
func New(headers map[string]string, nbSentences uint64) Metadata {
	return Metadata{
		Headers:     maps.Clone(headers),
		NbSentences: nbSentences,
	}
}

// Marshal encodes m as a single-line JSON object.
func Marshal(m Metadata) ([]byte, error) {
	if m.Headers == nil {
		m.Headers = map[string]string{}
	}
	if err := validateHeaders(m.Headers); err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a JSON object produced by Marshal.
func Unmarshal(data []byte) (Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return Metadata{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if m.Headers == nil {
		m.Headers = map[string]string{}
	}
	return m, nil
}

func validateHeaders(headers map[string]string) error {
	for k, v := range headers {
		if !utf8.ValidString(k) {
			return fmt.Errorf("%w: name %q", ErrInvalidUTF8, k)
		}
		if !utf8.ValidString(v) {
			return fmt.Errorf("%w: %s", ErrInvalidUTF8, k)
		}
	}
	return nil
}

// Equal reports whether a and b carry the same headers, offset and count.
func Equal(a, b Metadata) bool {
	return a.Offset == b.Offset &&
		a.NbSentences == b.NbSentences &&
		maps.Equal(a.Headers, b.Headers)
}
