package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/eunmann/langcorpus/pkg/lid"
	"github.com/eunmann/langcorpus/pkg/logging"
	"github.com/eunmann/langcorpus/pkg/metadata"
	"github.com/eunmann/langcorpus/pkg/warc"
	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// prefixClassifier labels a line by its first byte:
// A -> en, F -> fr, D -> de, X -> an unregistered label, anything else -> no prediction.
var prefixClassifier = lid.ClassifierFunc(func(text string) ([]lid.Prediction, error) {
	labels := map[byte]string{'A': "en", 'F': "fr", 'D': "de", 'X': "xx"}
	if text == "" {
		return nil, nil
	}
	code, ok := labels[text[0]]
	if !ok {
		return nil, nil
	}
	return []lid.Prediction{{Label: lid.LabelPrefix + code, Confidence: 0.9}}, nil
})

func testRegistry() *lid.Registry {
	return lid.RegistryFromCodes("de", "en", "fr")
}

// line returns a qualifying line: prefix followed by enough padding.
func line(prefix string) string {
	return prefix + strings.Repeat("x", 110)
}

type record struct {
	uri  string
	body string
}

func encode(t *testing.T, records []record) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, r := range records {
		headers := map[string]string{"WARC-Type": "conversion", "WARC-Target-URI": r.uri}
		if err := warc.WriteRecord(&buf, headers, []byte(r.body)); err != nil {
			t.Fatalf("WriteRecord failed: %v", err)
		}
	}
	return buf.Bytes()
}

func writeShard(t *testing.T, path string, records []record) {
	t.Helper()
	raw := encode(t, records)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var w io.WriteCloser
	switch warc.Compression(path) {
	case "gzip":
		w = gzip.NewWriter(f)
	case "zstd":
		enc, err := zstd.NewWriter(f)
		if err != nil {
			t.Fatal(err)
		}
		w = enc
	case "lz4":
		w = lz4.NewWriter(f)
	default:
		if _, err := f.Write(raw); err != nil {
			t.Fatal(err)
		}
		return
	}
	if _, err := w.Write(raw); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func newTestPipeline(cfg Config) *Pipeline {
	if cfg.ShardWorkers == 0 {
		cfg.ShardWorkers = 2
	}
	if cfg.RecordWorkers == 0 {
		cfg.RecordWorkers = 4
	}
	return New(cfg, prefixClassifier, testRegistry())
}

func run(t *testing.T, p *Pipeline, src, dst string) *Result {
	t.Helper()
	res, err := p.Run(context.Background(), src, dst)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return res
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if !bytes.HasSuffix(data, []byte("\n")) {
		t.Fatalf("%s does not end with a newline", path)
	}
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func TestShortLinesAreNeverWritten(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	long := strings.Repeat("A", 101)
	short := strings.Repeat("A", 50)
	writeShard(t, filepath.Join(src, "s0.warc.wet.gz"), []record{
		{uri: "http://a/", body: long + "\n" + short},
	})

	res := run(t, newTestPipeline(Config{}), src, dst)

	if diff := cmp.Diff([]string{long}, readLines(t, filepath.Join(dst, "en.txt"))); diff != "" {
		t.Errorf("en.txt mismatch (-want +got):\n%s", diff)
	}
	if res.Sentences != 1 || res.Languages["en"] != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestExactlyHundredCharsIsDropped(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	// 100 runes but more than 100 bytes.
	hundred := "A" + strings.Repeat("é", 99)
	writeShard(t, filepath.Join(src, "s0.warc.wet.gz"), []record{{uri: "u", body: hundred}})

	res := run(t, newTestPipeline(Config{}), src, dst)
	if res.Sentences != 0 {
		t.Errorf("expected no sentences, got %d", res.Sentences)
	}
	if lines := readLines(t, filepath.Join(dst, "en.txt")); len(lines) != 0 {
		t.Errorf("expected empty en.txt, got %q", lines)
	}
}

func TestUndecodableRecordYieldsNothing(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	bad := string([]byte{0xff, 0xfe}) + line("A")
	writeShard(t, filepath.Join(src, "s0.warc.wet.gz"), []record{
		{uri: "bad", body: bad},
		{uri: "good", body: line("F")},
	})

	res := run(t, newTestPipeline(Config{}), src, dst)

	if res.Records != 2 || res.RecordsUndecodable != 1 {
		t.Errorf("records = %d, undecodable = %d", res.Records, res.RecordsUndecodable)
	}
	if lines := readLines(t, filepath.Join(dst, "en.txt")); len(lines) != 0 {
		t.Errorf("expected nothing from the undecodable record, got %q", lines)
	}
	if diff := cmp.Diff([]string{line("F")}, readLines(t, filepath.Join(dst, "fr.txt"))); diff != "" {
		t.Errorf("fr.txt mismatch (-want +got):\n%s", diff)
	}
}

func TestShardsUnionIntoOneFile(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	writeShard(t, filepath.Join(src, "s0.warc.wet.gz"), []record{{uri: "a", body: line("F1")}})
	writeShard(t, filepath.Join(src, "s1.warc.wet.gz"), []record{{uri: "b", body: line("F2")}})

	res := run(t, newTestPipeline(Config{}), src, dst)
	if res.ShardsProcessed != 2 {
		t.Errorf("ShardsProcessed = %d", res.ShardsProcessed)
	}

	got := readLines(t, filepath.Join(dst, "fr.txt"))
	slices.Sort(got)
	if diff := cmp.Diff([]string{line("F1"), line("F2")}, got); diff != "" {
		t.Errorf("fr.txt mismatch (-want +got):\n%s", diff)
	}
}

func TestReadErrorKeepsEarlierRecords(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	good := encode(t, []record{{uri: "a", body: line("A1")}})
	bad := encode(t, []record{{uri: "b", body: line("A2") + "\n" + line("A3")}})
	raw := append(good, bad[:len(bad)-40]...)
	if err := os.WriteFile(filepath.Join(src, "s0.warc.wet"), raw, 0644); err != nil {
		t.Fatal(err)
	}

	p := newTestPipeline(Config{})
	res := run(t, p, src, dst)

	if res.Records != 1 || res.RecordErrors != 1 {
		t.Errorf("records = %d, record errors = %d", res.Records, res.RecordErrors)
	}
	if res.ShardsProcessed != 1 || res.ShardsSkipped != 0 {
		t.Errorf("processed = %d, skipped = %d", res.ShardsProcessed, res.ShardsSkipped)
	}
	if diff := cmp.Diff([]string{line("A1")}, readLines(t, filepath.Join(dst, "en.txt"))); diff != "" {
		t.Errorf("en.txt mismatch (-want +got):\n%s", diff)
	}
	if got := testutil.ToFloat64(p.metrics.records.WithLabelValues("error")); got != 1 {
		t.Errorf("record error metric = %v", got)
	}
}

func TestInvalidShardIsSkipped(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "broken.gz"), []byte("not gzip"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "README"), []byte("hello\n"), 0644); err != nil {
		t.Fatal(err)
	}
	writeShard(t, filepath.Join(src, "s0.warc.wet.gz"), []record{{uri: "a", body: line("D")}})

	p := newTestPipeline(Config{})
	res := run(t, p, src, dst)

	if res.ShardsSkipped != 2 || res.ShardsProcessed != 1 {
		t.Errorf("skipped = %d, processed = %d", res.ShardsSkipped, res.ShardsProcessed)
	}
	if diff := cmp.Diff([]string{line("D")}, readLines(t, filepath.Join(dst, "de.txt"))); diff != "" {
		t.Errorf("de.txt mismatch (-want +got):\n%s", diff)
	}
	if got := testutil.ToFloat64(p.metrics.shards.WithLabelValues("skipped")); got != 2 {
		t.Errorf("skipped shards metric = %v", got)
	}
}

func TestUnknownLabelIsDropped(t *testing.T) {
	var buf bytes.Buffer
	logging.SetLogger(zerolog.New(&buf))
	defer logging.SetLogger(zerolog.Nop())

	src, dst := t.TempDir(), t.TempDir()
	writeShard(t, filepath.Join(src, "s0.warc.wet.gz"), []record{
		{uri: "a", body: line("X") + "\n" + line("A")},
	})

	p := newTestPipeline(Config{})
	res := run(t, p, src, dst)

	if res.UnknownLanguages != 1 || res.Sentences != 1 {
		t.Errorf("unknown = %d, sentences = %d", res.UnknownLanguages, res.Sentences)
	}
	if _, err := os.Stat(filepath.Join(dst, "xx.txt")); !os.IsNotExist(err) {
		t.Errorf("expected no file for an unregistered label, got %v", err)
	}
	for _, lang := range []string{"de", "en", "fr"} {
		for _, l := range readLines(t, filepath.Join(dst, lang+".txt")) {
			if strings.HasPrefix(l, "X") {
				t.Errorf("%s.txt contains the dropped line", lang)
			}
		}
	}
	out := buf.String()
	if !strings.Contains(out, `"label":"__label__xx"`) || !strings.Contains(out, `"shard":"s0.warc.wet.gz"`) {
		t.Errorf("expected a diagnostic naming the label and shard, got: %s", out)
	}
	if got := testutil.ToFloat64(p.metrics.dropped.WithLabelValues("unknown_label")); got != 1 {
		t.Errorf("dropped metric = %v", got)
	}
}

func TestRerunProducesSameSentences(t *testing.T) {
	src := t.TempDir()
	for i, name := range []string{"s0.warc.wet.gz", "s1.warc.wet.gz", "s2.warc.wet.gz"} {
		var records []record
		for j := range 20 {
			prefix := []string{"A", "F", "D", "N"}[(i+j)%4]
			records = append(records, record{
				uri:  name,
				body: line(prefix+string(rune('a'+j))) + "\n" + line("A"+string(rune('a'+i))),
			})
		}
		writeShard(t, filepath.Join(src, name), records)
	}

	collect := func(dst string) map[string][]string {
		out := make(map[string][]string)
		for _, lang := range []string{"de", "en", "fr"} {
			lines := readLines(t, filepath.Join(dst, lang+".txt"))
			slices.Sort(lines)
			out[lang] = lines
		}
		return out
	}

	first, second := t.TempDir(), t.TempDir()
	run(t, newTestPipeline(Config{ShardWorkers: 3, RecordWorkers: 8}), src, first)
	run(t, newTestPipeline(Config{ShardWorkers: 1, RecordWorkers: 1, UnstableOrder: true}), src, second)

	if diff := cmp.Diff(collect(first), collect(second)); diff != "" {
		t.Errorf("runs differ (-first +second):\n%s", diff)
	}
}

func TestStableOrderWithinShard(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	var records []record
	var want []string
	for i := range 50 {
		a, b := line("A"+string(rune('0'+i%10))+string(rune('a'+i/10))), line("A-second-"+string(rune('a'+i%26)))
		records = append(records, record{uri: "u", body: a + "\n" + line("F") + "\n" + b})
		want = append(want, a, b)
	}
	writeShard(t, filepath.Join(src, "s0.warc.wet.gz"), records)

	run(t, newTestPipeline(Config{RecordWorkers: 8}), src, dst)

	if diff := cmp.Diff(want, readLines(t, filepath.Join(dst, "en.txt"))); diff != "" {
		t.Errorf("en.txt order mismatch (-want +got):\n%s", diff)
	}
}

func TestMetadataOffsets(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	// Existing content shifts every offset.
	if err := os.WriteFile(filepath.Join(dst, "en.txt"), []byte("old one\nold two\n"), 0644); err != nil {
		t.Fatal(err)
	}
	writeShard(t, filepath.Join(src, "s0.warc.wet.gz"), []record{
		{uri: "http://first/", body: line("A1") + "\n" + line("F1") + "\n" + line("A2")},
		{uri: "http://empty/", body: "short"},
		{uri: "http://second/", body: line("A3")},
	})

	run(t, newTestPipeline(Config{}), src, dst)

	f, err := os.Open(filepath.Join(dst, "en_meta.jsonl"))
	if err != nil {
		t.Fatalf("open metadata: %v", err)
	}
	defer f.Close()
	entries, err := metadata.ReadJSONL(f)
	if err != nil {
		t.Fatalf("ReadJSONL failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 en entries, got %d", len(entries))
	}

	type span struct {
		URI    string
		Offset uint64
		N      uint64
	}
	var got []span
	for _, e := range entries {
		got = append(got, span{e.Headers["warc-target-uri"], e.Offset, e.NbSentences})
	}
	want := []span{{"http://first/", 2, 2}, {"http://second/", 4, 1}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("metadata mismatch (-want +got):\n%s", diff)
	}

	lines := readLines(t, filepath.Join(dst, "en.txt"))
	for _, e := range entries {
		first := lines[e.Offset]
		if e.Headers["warc-target-uri"] == "http://first/" && first != line("A1") {
			t.Errorf("offset %d points at %q", e.Offset, first)
		}
	}
}

func TestMetadataParquet(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	writeShard(t, filepath.Join(src, "s0.warc.wet.gz"), []record{{uri: "u", body: line("D")}})

	run(t, newTestPipeline(Config{Metadata: metadata.FormatParquet}), src, dst)

	entries, err := metadata.ReadParquet(filepath.Join(dst, "de_meta.parquet"))
	if err != nil {
		t.Fatalf("ReadParquet failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Offset != 0 || entries[0].NbSentences != 1 {
		t.Errorf("unexpected entries: %+v", entries)
	}
}

func TestMetadataParquetAcrossRuns(t *testing.T) {
	dst := t.TempDir()
	for _, uri := range []string{"u1", "u2"} {
		src := t.TempDir()
		writeShard(t, filepath.Join(src, "s0.warc.wet.gz"), []record{{uri: uri, body: line("A")}})
		run(t, newTestPipeline(Config{Metadata: metadata.FormatParquet}), src, dst)
	}

	if n := len(readLines(t, filepath.Join(dst, "en.txt"))); n != 2 {
		t.Fatalf("expected 2 lines in en.txt, got %d", n)
	}
	entries, err := metadata.ReadParquet(filepath.Join(dst, "en_meta.parquet"))
	if err != nil {
		t.Fatalf("ReadParquet failed: %v", err)
	}
	type span struct {
		URI    string
		Offset uint64
	}
	var got []span
	for _, e := range entries {
		got = append(got, span{e.Headers["warc-target-uri"], e.Offset})
	}
	if diff := cmp.Diff([]span{{"u1", 0}, {"u2", 1}}, got); diff != "" {
		t.Errorf("metadata mismatch (-want +got):\n%s", diff)
	}
}

func TestMetadataNone(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	writeShard(t, filepath.Join(src, "s0.warc.wet.gz"), []record{{uri: "u", body: line("D")}})

	run(t, newTestPipeline(Config{Metadata: metadata.FormatNone}), src, dst)

	matches, _ := filepath.Glob(filepath.Join(dst, "*_meta.*"))
	if len(matches) != 0 {
		t.Errorf("expected no metadata files, got %v", matches)
	}
}

func TestUnwritableDestinationIsFatal(t *testing.T) {
	src := t.TempDir()
	writeShard(t, filepath.Join(src, "s0.warc.wet.gz"), []record{{uri: "u", body: line("A")}})
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := newTestPipeline(Config{}).Run(context.Background(), src, filepath.Join(blocker, "out")); err == nil {
		t.Fatal("expected an error for an unwritable destination")
	}
}

func TestMissingSourceIsFatal(t *testing.T) {
	if _, err := newTestPipeline(Config{}).Run(context.Background(), filepath.Join(t.TempDir(), "missing"), t.TempDir()); err == nil {
		t.Fatal("expected an error for a missing source directory")
	}
}

func TestCanceledContext(t *testing.T) {
	src := t.TempDir()
	writeShard(t, filepath.Join(src, "s0.warc.wet.gz"), []record{{uri: "u", body: line("A")}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestPipeline(Config{}).Run(ctx, src, t.TempDir())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestCompressionsAreEquivalent(t *testing.T) {
	records := []record{
		{uri: "a", body: line("A1") + "\n" + line("F1")},
		{uri: "b", body: line("D1") + "\r\n" + line("A2")},
	}
	var want map[string][]string
	for _, name := range []string{"s.warc.wet.gz", "s.warc.wet.zst", "s.warc.wet.lz4", "s.warc.wet"} {
		src, dst := t.TempDir(), t.TempDir()
		writeShard(t, filepath.Join(src, name), records)
		run(t, newTestPipeline(Config{}), src, dst)

		got := make(map[string][]string)
		for _, lang := range []string{"de", "en", "fr"} {
			got[lang] = readLines(t, filepath.Join(dst, lang+".txt"))
		}
		if want == nil {
			want = got
			continue
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("%s output differs (-gz +%s):\n%s", name, name, diff)
		}
	}
	if diff := cmp.Diff([]string{line("A1"), line("A2")}, want["en"]); diff != "" {
		t.Errorf("en.txt mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigValidate(t *testing.T) {
	var cfg Config
	cfg.Validate()
	def := DefaultConfig()
	if cfg.ShardWorkers != def.ShardWorkers || cfg.RecordWorkers != def.RecordWorkers {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.ShardWorkers < 1 || cfg.Metadata != metadata.FormatJSONL || cfg.UnstableOrder {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if got := New(Config{}, prefixClassifier, nil).Config(); got != cfg {
		t.Errorf("New did not validate config: %+v", got)
	}
}

func TestSentenceMetrics(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	writeShard(t, filepath.Join(src, "s0.warc.wet.gz"), []record{
		{uri: "a", body: line("A") + "\n" + line("A") + "\n" + line("N")},
	})

	p := newTestPipeline(Config{})
	res := run(t, p, src, dst)

	if got := testutil.ToFloat64(p.metrics.sentences.WithLabelValues("en")); got != 2 {
		t.Errorf("sentences{en} = %v", got)
	}
	if got := testutil.ToFloat64(p.metrics.dropped.WithLabelValues("no_prediction")); got != 1 {
		t.Errorf("dropped{no_prediction} = %v", got)
	}
	if res.ClassificationMisses != 1 {
		t.Errorf("ClassificationMisses = %d", res.ClassificationMisses)
	}
	families, err := p.Gatherer().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected gathered metric families")
	}
}
