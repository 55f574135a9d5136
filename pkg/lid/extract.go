package lid

import (
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// MinLineChars is the length floor for classification. A line is kept only
// when it has strictly more characters (runes, not bytes) than this.
const MinLineChars = 100

// Qualifies reports whether line is long enough to be classified.
func Qualifies(line string) bool {
	// Cheap reject: a line with at most MinLineChars bytes has at most as many runes.
	if len(line) <= MinLineChars {
		return false
	}
	return utf8.RuneCountInString(line) > MinLineChars
}

// Stats counts what happened to the lines of one record.
type Stats struct {
	// Undecodable is true when the body was not valid UTF-8.
	Undecodable bool
	Lines       int
	Qualified   int
	Sentences   int
	// Misses counts lines with no prediction or a classifier error.
	Misses int
	// Unknown counts lines whose top label is not in the registry.
	Unknown int
}

// Add accumulates o into s. Undecodable is not carried over.
func (s *Stats) Add(o Stats) {
	s.Lines += o.Lines
	s.Qualified += o.Qualified
	s.Sentences += o.Sentences
	s.Misses += o.Misses
	s.Unknown += o.Unknown
}

// Extractor filters record bodies into classified sentences.
// It holds no mutable state and is safe for concurrent use when its
// Classifier is.
type Extractor struct {
	Classifier Classifier
	Registry   *Registry
	Log        zerolog.Logger
}

// NewExtractor creates an extractor.
func NewExtractor(cls Classifier, reg *Registry, log zerolog.Logger) *Extractor {
	return &Extractor{Classifier: cls, Registry: reg, Log: log}
}

// Lines decodes body and returns its qualifying lines together with their
// line index. ok is false when body is not valid UTF-8.
func Lines(body []byte) (lines []string, index []int, total int, ok bool) {
	if !utf8.Valid(body) {
		return nil, nil, 0, false
	}
	text := string(body)
	i := 0
	for len(text) > 0 {
		var line string
		if n := strings.IndexByte(text, '\n'); n >= 0 {
			line, text = text[:n], text[n+1:]
		} else {
			line, text = text, ""
		}
		line = strings.TrimSuffix(line, "\r")
		if Qualifies(line) {
			lines = append(lines, line)
			index = append(index, i)
		}
		i++
	}
	return lines, index, i, true
}

// Classify resolves the language of a single line. Lines without a
// prediction are dropped silently; lines whose top label is not in the
// registry are dropped with a warning.
func (e *Extractor) Classify(line string) (lang string, res Result) {
	preds, err := e.Classifier.Predict(line)
	if err != nil {
		e.Log.Debug().Err(err).Msg("classifier failed, dropping line")
		return "", Miss
	}
	if len(preds) == 0 {
		return "", Miss
	}
	label := preds[0].Label
	lang, ok := e.Registry.Lookup(label)
	if !ok {
		e.Log.Warn().Str("label", label).Msg("label not in language registry, dropping line")
		return "", UnknownLabel
	}
	return lang, Resolved
}

// Result is the outcome of classifying one line.
type Result int

const (
	Resolved Result = iota
	Miss
	UnknownLabel
)

// Extract returns the classified sentences of a record body in line order.
func (e *Extractor) Extract(body []byte) ([]Sentence, Stats) {
	lines, index, total, ok := Lines(body)
	if !ok {
		e.Log.Debug().Int("bytes", len(body)).Msg("record body is not valid UTF-8, skipping")
		return nil, Stats{Undecodable: true}
	}

	st := Stats{Lines: total, Qualified: len(lines)}
	var out []Sentence
	for i, line := range lines {
		lang, res := e.Classify(line)
		switch res {
		case Miss:
			st.Misses++
		case UnknownLabel:
			st.Unknown++
		case Resolved:
			out = append(out, Sentence{Text: line, Lang: lang, Line: index[i]})
		}
	}
	st.Sentences = len(out)
	return out, st
}
