package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "langcorpus"

// Metrics holds the collectors of one pipeline. Each pipeline registers them
// on its own registry so several runs can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	shards        *prometheus.CounterVec
	records       *prometheus.CounterVec
	sentences     *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	shardDuration prometheus.Histogram
}

func newMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		shards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "shards_total",
			Help:      "Shards by outcome.",
		}, []string{"result"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "records_total",
			Help:      "Records read from shards by outcome.",
		}, []string{"result"}),
		sentences: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sentences_total",
			Help:      "Sentences written per language.",
		}, []string{"lang"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dropped_sentences_total",
			Help:      "Qualifying lines that produced no sentence, by reason.",
		}, []string{"reason"}),
		shardDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "shard_duration_seconds",
			Help:      "Wall time spent on one shard, from open to flush.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
	}
	m.registry.MustRegister(m.shards, m.records, m.sentences, m.dropped, m.shardDuration)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
