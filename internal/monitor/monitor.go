// Package monitor wraps query executions and keeps per-signature timing
// statistics: count, total, average, max, min, and last execution time.
// When disabled it stays out of the way — the executor runs unwrapped after
// a single atomic check, with no clock reads and no allocation.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/oriys/banter/internal/logging"
	"github.com/oriys/banter/internal/metrics"
	"github.com/oriys/banter/internal/observability"
)

// Config holds construction parameters for a Monitor.
type Config struct {
	// Enabled controls whether executions are recorded. Can be toggled at
	// runtime with SetEnabled.
	Enabled bool

	// SlowQueryThreshold triggers a warning log for any single execution
	// at or above it. Zero disables the log; negative is a construction
	// error.
	SlowQueryThreshold time.Duration

	// Clock supplies timing. Nil means the real clock.
	Clock clockwork.Clock
}

// QueryStat is a snapshot of one signature's accumulated timings.
type QueryStat struct {
	Signature      string        `json:"signature"`
	Count          int64         `json:"count"`
	TotalTime      time.Duration `json:"total_time"`
	AverageTime    time.Duration `json:"average_time"`
	MaxTime        time.Duration `json:"max_time"`
	MinTime        time.Duration `json:"min_time"`
	LastExecutedAt time.Time     `json:"last_executed_at"`
}

type queryRecord struct {
	count     int64
	totalTime time.Duration
	maxTime   time.Duration
	minTime   time.Duration
	lastAt    time.Time
}

func (r *queryRecord) snapshot(signature string) QueryStat {
	s := QueryStat{
		Signature:      signature,
		Count:          r.count,
		TotalTime:      r.totalTime,
		MaxTime:        r.maxTime,
		MinTime:        r.minTime,
		LastExecutedAt: r.lastAt,
	}
	if r.count > 0 {
		s.AverageTime = r.totalTime / time.Duration(r.count)
	}
	return s
}

// Monitor records per-signature query timings. Safe for concurrent use.
type Monitor struct {
	clock         clockwork.Clock
	slowThreshold time.Duration
	enabled       atomic.Bool

	mu    sync.Mutex
	stats map[string]*queryRecord
}

// New creates a Monitor.
func New(cfg Config) (*Monitor, error) {
	if cfg.SlowQueryThreshold < 0 {
		return nil, fmt.Errorf("monitor: slow query threshold must not be negative, got %v", cfg.SlowQueryThreshold)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	m := &Monitor{
		clock:         clock,
		slowThreshold: cfg.SlowQueryThreshold,
		stats:         make(map[string]*queryRecord),
	}
	m.enabled.Store(cfg.Enabled)
	return m, nil
}

// Track runs fn and records its elapsed time under signature, passing the
// result through unchanged. Failures are recorded like successes — a query
// that errors after two seconds is still a two-second query.
func (m *Monitor) Track(ctx context.Context, signature string, fn func(context.Context) error) error {
	if !m.enabled.Load() {
		return fn(ctx)
	}

	sctx, span := observability.StartSpan(ctx, "monitor.query",
		observability.AttrSignature.String(signature))
	start := m.clock.Now()
	err := fn(sctx)
	elapsed := m.clock.Since(start)
	if err != nil {
		observability.SetSpanError(span, err)
	}
	span.End()

	m.record(signature, elapsed, err)
	return err
}

// Observe wraps a value-returning executor with the same recording path as
// Track. A free function because methods cannot introduce type parameters.
func Observe[T any](ctx context.Context, m *Monitor, signature string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := m.Track(ctx, signature, func(ctx context.Context) error {
		var ferr error
		out, ferr = fn(ctx)
		return ferr
	})
	return out, err
}

func (m *Monitor) record(signature string, elapsed time.Duration, err error) {
	now := m.clock.Now()

	m.mu.Lock()
	r, ok := m.stats[signature]
	if !ok {
		r = &queryRecord{minTime: elapsed, maxTime: elapsed}
		m.stats[signature] = r
	}
	r.count++
	r.totalTime += elapsed
	if elapsed > r.maxTime {
		r.maxTime = elapsed
	}
	if elapsed < r.minTime {
		r.minTime = elapsed
	}
	r.lastAt = now
	m.mu.Unlock()

	metrics.RecordQueryDuration(elapsed, err != nil)
	if m.slowThreshold > 0 && elapsed >= m.slowThreshold {
		metrics.RecordSlowQuery()
		logging.Op().Warn("slow query",
			"signature", signature, "elapsed", elapsed, "threshold", m.slowThreshold)
	}
}

// Stats returns snapshot copies of every signature's stats, in no
// particular order.
func (m *Monitor) Stats() []QueryStat {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]QueryStat, 0, len(m.stats))
	for sig, r := range m.stats {
		out = append(out, r.snapshot(sig))
	}
	return out
}

// Stat returns the snapshot for one signature.
func (m *Monitor) Stat(signature string) (QueryStat, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.stats[signature]
	if !ok {
		return QueryStat{}, false
	}
	return r.snapshot(signature), true
}

// SlowQueries returns the signatures whose average time is at or above
// threshold, slowest first.
func (m *Monitor) SlowQueries(threshold time.Duration) []QueryStat {
	all := m.Stats()
	out := all[:0]
	for _, s := range all {
		if s.AverageTime >= threshold {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AverageTime > out[j].AverageTime })
	return out
}

// MostFrequent returns up to limit signatures ordered by descending count.
func (m *Monitor) MostFrequent(limit int) []QueryStat {
	if limit <= 0 {
		return nil
	}
	all := m.Stats()
	sort.Slice(all, func(i, j int) bool {
		if all[i].Count != all[j].Count {
			return all[i].Count > all[j].Count
		}
		return all[i].Signature < all[j].Signature
	})
	if len(all) > limit {
		all = all[:limit]
	}
	return all
}

// Clear drops all recorded statistics.
func (m *Monitor) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = make(map[string]*queryRecord)
}

// SetEnabled toggles recording. Previously recorded stats are kept either
// way.
func (m *Monitor) SetEnabled(enabled bool) {
	m.enabled.Store(enabled)
}

// Enabled reports whether executions are currently recorded.
func (m *Monitor) Enabled() bool {
	return m.enabled.Load()
}
