// Package shard groups the classified sentences of one shard by language.
package shard

import (
	"maps"
	"slices"

	"github.com/eunmann/langcorpus/pkg/lid"
	"github.com/eunmann/langcorpus/pkg/metadata"
)

// Bucket holds the sentences of one language within one shard, in fold order.
type Bucket struct {
	Sentences []string
	// Records has one entry per record that contributed to this bucket, in
	// the same order as its sentences. Offsets are relative to the start of
	// the bucket until the bucket is flushed.
	Records []metadata.Metadata
}

// Aggregator maps language codes to buckets for a single shard.
//
// The Aggregator is NOT safe for concurrent use. Each shard owns exactly one
// Aggregator and folds into it from a single goroutine.
type Aggregator struct {
	buckets   map[string]*Bucket
	sentences int
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{buckets: make(map[string]*Bucket, 8)}
}

func (a *Aggregator) bucket(lang string) *Bucket {
	b, ok := a.buckets[lang]
	if !ok {
		b = &Bucket{}
		a.buckets[lang] = b
	}
	return b
}

// Insert appends sentence to the bucket of lang, creating it on first use.
func (a *Aggregator) Insert(sentence, lang string) {
	b := a.bucket(lang)
	b.Sentences = append(b.Sentences, sentence)
	a.sentences++
}

// AddRecord inserts the sentences of one record in order and records one
// metadata entry per language the record contributed to.
func (a *Aggregator) AddRecord(headers map[string]string, sentences []lid.Sentence) {
	if len(sentences) == 0 {
		return
	}

	counts := make(map[string]uint64, 2)
	starts := make(map[string]uint64, 2)
	for _, s := range sentences {
		if _, ok := counts[s.Lang]; !ok {
			starts[s.Lang] = uint64(len(a.bucket(s.Lang).Sentences))
		}
		counts[s.Lang]++
	}
	for _, s := range sentences {
		a.Insert(s.Text, s.Lang)
	}

	// A record's sentences are contiguous in each bucket since a record is
	// folded as a whole.
	for _, lang := range slices.Sorted(maps.Keys(counts)) {
		m := metadata.New(headers, counts[lang])
		m.Offset = starts[lang]
		b := a.buckets[lang]
		b.Records = append(b.Records, m)
	}
}

// Languages returns the languages with at least one sentence, sorted.
func (a *Aggregator) Languages() []string {
	return slices.Sorted(maps.Keys(a.buckets))
}

// Bucket returns the bucket of lang, or nil.
func (a *Aggregator) Bucket(lang string) *Bucket {
	return a.buckets[lang]
}

// Len returns the number of languages.
func (a *Aggregator) Len() int {
	return len(a.buckets)
}

// SentenceCount returns the total number of sentences across all buckets.
func (a *Aggregator) SentenceCount() int {
	return a.sentences
}

// Drain returns all buckets keyed by language and empties the aggregator.
func (a *Aggregator) Drain() map[string]*Bucket {
	out := a.buckets
	a.buckets = make(map[string]*Bucket, len(out))
	a.sentences = 0
	return out
}
