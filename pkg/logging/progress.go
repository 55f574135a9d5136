package logging

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// ProgressTracker tracks shard progress with ETA calculation.
// It is safe for concurrent use.
type ProgressTracker struct {
	total     int64
	completed atomic.Int64
	skipped   atomic.Int64
	startTime time.Time

	// For moving average of shard durations
	mu              sync.Mutex
	recentDurations []time.Duration
	maxRecent       int
}

// NewProgressTracker creates a new progress tracker.
func NewProgressTracker(total int64) *ProgressTracker {
	return &ProgressTracker{
		total:           total,
		startTime:       time.Now(),
		recentDurations: make([]time.Duration, 0, 10),
		maxRecent:       10,
	}
}

// RecordCompletion records that a shard completed with the given duration.
func (pt *ProgressTracker) RecordCompletion(d time.Duration) {
	pt.completed.Add(1)

	pt.mu.Lock()
	if len(pt.recentDurations) >= pt.maxRecent {
		pt.recentDurations = pt.recentDurations[1:]
	}
	pt.recentDurations = append(pt.recentDurations, d)
	pt.mu.Unlock()
}

// RecordSkip records that a shard was skipped.
func (pt *ProgressTracker) RecordSkip() {
	pt.skipped.Add(1)
}

// Progress returns current progress stats.
func (pt *ProgressTracker) Progress() (completed, skipped, total int64) {
	return pt.completed.Load(), pt.skipped.Load(), pt.total
}

// ProgressPct returns the progress percentage (0-100).
func (pt *ProgressTracker) ProgressPct() float64 {
	done := pt.completed.Load() + pt.skipped.Load()
	if pt.total == 0 {
		return 100.0
	}
	return float64(done) * 100.0 / float64(pt.total)
}

// ETA estimates the time remaining from the moving average of recent
// shard durations. Shards run in parallel, so the estimate is divided by
// the number of workers.
func (pt *ProgressTracker) ETA(workers int) time.Duration {
	completed := pt.completed.Load()
	if completed == 0 {
		return 0
	}
	remaining := pt.Remaining()
	if remaining <= 0 {
		return 0
	}
	if workers < 1 {
		workers = 1
	}

	pt.mu.Lock()
	var avg time.Duration
	if len(pt.recentDurations) > 0 {
		var sum time.Duration
		for _, d := range pt.recentDurations {
			sum += d
		}
		avg = sum / time.Duration(len(pt.recentDurations))
	} else {
		avg = time.Since(pt.startTime) / time.Duration(completed)
	}
	pt.mu.Unlock()

	return avg * time.Duration(remaining) / time.Duration(workers)
}

// Remaining returns how many shards are remaining.
func (pt *ProgressTracker) Remaining() int64 {
	return pt.total - pt.completed.Load() - pt.skipped.Load()
}

// CompletionEvent helps build consistent completion log events.
// The phase comes from the logger (see WithPhase).
type CompletionEvent struct {
	log     zerolog.Logger
	event   string
	elapsed time.Duration
	fields  map[string]interface{}
}

// NewCompletionEvent creates a new completion event builder.
func NewCompletionEvent(log zerolog.Logger, event string, elapsed time.Duration) *CompletionEvent {
	return &CompletionEvent{
		log:     log,
		event:   event,
		elapsed: elapsed,
		fields:  make(map[string]interface{}),
	}
}

// Str adds a string field.
func (ce *CompletionEvent) Str(key, val string) *CompletionEvent {
	ce.fields[key] = val
	return ce
}

// Int adds an int field.
func (ce *CompletionEvent) Int(key string, val int) *CompletionEvent {
	ce.fields[key] = val
	return ce
}

// Bytes adds a byte count with an optional human-readable companion.
func (ce *CompletionEvent) Bytes(key string, n int64) *CompletionEvent {
	ce.fields[key] = n
	if IsPrettyMode() && n >= 0 {
		ce.fields[key+"_h"] = humanize.IBytes(uint64(n))
	}
	return ce
}

// Count adds a count with an optional human-readable companion.
func (ce *CompletionEvent) Count(key string, n int64) *CompletionEvent {
	ce.fields[key] = n
	if IsPrettyMode() {
		ce.fields[key+"_h"] = humanize.Comma(n)
	}
	return ce
}

// Rate adds a per-second rate of n over the event's elapsed time.
func (ce *CompletionEvent) Rate(key string, n int64) *CompletionEvent {
	if ce.elapsed > 0 {
		ce.fields[key] = float64(n) / ce.elapsed.Seconds()
	}
	return ce
}

// Progress adds progress fields from a ProgressTracker.
func (ce *CompletionEvent) Progress(pt *ProgressTracker, workers int) *CompletionEvent {
	completed, skipped, total := pt.Progress()
	ce.fields["completed"] = completed
	ce.fields["skipped"] = skipped
	ce.fields["total"] = total
	if total > 0 {
		ce.fields["progress_pct"] = pt.ProgressPct()
	}
	if eta := pt.ETA(workers); eta > 0 {
		ce.fields["eta_ms"] = eta.Milliseconds()
		if IsPrettyMode() {
			ce.fields["eta_h"] = eta.Round(time.Second).String()
		}
	}
	return ce
}

func (ce *CompletionEvent) emit(e *zerolog.Event, msg string) {
	e = e.Str("event", ce.event).
		Int64("duration_ms", ce.elapsed.Milliseconds())

	if IsPrettyMode() {
		e = e.Str("duration_h", ce.elapsed.Round(time.Millisecond).String())
	}

	for k, v := range ce.fields {
		e = e.Interface(k, v)
	}

	e.Msg(msg)
}

// Log emits the completion event at info level.
func (ce *CompletionEvent) Log(msg string) {
	ce.emit(ce.log.Info(), msg)
}

// LogDebug emits the completion event at debug level.
func (ce *CompletionEvent) LogDebug(msg string) {
	ce.emit(ce.log.Debug(), msg)
}

// PhaseComplete starts a phase completion event.
func PhaseComplete(log zerolog.Logger, elapsed time.Duration) *CompletionEvent {
	return NewCompletionEvent(log, "phase_completed", elapsed)
}

// ShardComplete starts a shard completion event.
func ShardComplete(log zerolog.Logger, elapsed time.Duration) *CompletionEvent {
	return NewCompletionEvent(log, "shard_completed", elapsed)
}

// ShardSkipped logs a shard that could not be opened.
func ShardSkipped(log zerolog.Logger, path string, err error) {
	log.Warn().
		Str("event", "shard_skipped").
		Str("shard", path).
		Err(err).
		Msg("skipping shard")
}
