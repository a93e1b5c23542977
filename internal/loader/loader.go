// Package loader coalesces single-key lookups issued within a short window
// into one multi-key fetch.
//
// # Batching
//
// The first Load after a flush opens a window and arms its timer. Keys
// accumulate in enqueue order until either the timer fires or the window
// holds MaxBatchSize keys, whichever comes first; the window is then
// detached (a fresh one opens for later callers) and the fetch runs once
// with the ordered key list. Result i resolves key i.
//
// # Deduplication
//
// A key already pending in the open window is not enqueued again: every
// caller for that key shares one pending result, so N concurrent loads of
// the same key cost one fetch. There is no memory across windows — caching
// between windows is the cache layer's job, not the loader's.
//
// # Failure
//
// A fetch error, including a result list of the wrong length, rejects every
// pending load in that batch with the same error. Retry policy belongs to
// the fetch function or the caller.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/oriys/banter/internal/logging"
	"github.com/oriys/banter/internal/metrics"
	"github.com/oriys/banter/internal/observability"
)

// ErrCleared rejects loads that were in flight when Clear tore down the
// open window.
var ErrCleared = errors.New("loader: cleared while load in flight")

// FetchFunc performs the remote read for a whole batch. It must return one
// result per key, in key order.
type FetchFunc[K comparable, V any] func(ctx context.Context, keys []K) ([]V, error)

// Config holds construction parameters for a Loader.
type Config struct {
	// MaxBatchSize flushes the window early once this many distinct keys
	// are pending. Must be positive.
	MaxBatchSize int

	// BatchWindow is how long the window stays open after its first
	// enqueue. Must be positive.
	BatchWindow time.Duration

	// Clock drives the window timer. Nil means the real clock.
	Clock clockwork.Clock

	// Name labels this loader in logs and metrics.
	Name string
}

// Stats is a point-in-time snapshot of loader counters.
type Stats struct {
	Loads     uint64 `json:"loads"`
	DedupHits uint64 `json:"dedup_hits"`
	Fetches   uint64 `json:"fetches"`
	Errors    uint64 `json:"errors"`
	Pending   int    `json:"pending"`
}

// pendingLoad is the shared in-flight result for one key in one window.
// It resolves exactly once, by closing done.
type pendingLoad[V any] struct {
	done  chan struct{}
	value V
	err   error
}

type batchWindow[K comparable, V any] struct {
	// ctx carries the first enqueuer's values (tenant, trace) without its
	// cancellation: one caller giving up must not abort a shared batch.
	ctx     context.Context
	keys    []K
	pending map[K]*pendingLoad[V]
	timer   clockwork.Timer
}

// Loader batches and deduplicates keyed loads. The zero value is not
// usable; construct with New.
type Loader[K comparable, V any] struct {
	name         string
	fetch        FetchFunc[K, V]
	clock        clockwork.Clock
	maxBatchSize int
	window       time.Duration

	mu      sync.Mutex
	win     *batchWindow[K, V]
	loads   uint64
	dedup   uint64
	fetches uint64
	errs    uint64
}

// New creates a Loader around fetch.
func New[K comparable, V any](fetch FetchFunc[K, V], cfg Config) (*Loader[K, V], error) {
	if fetch == nil {
		return nil, fmt.Errorf("loader %q: fetch function is required", cfg.Name)
	}
	if cfg.MaxBatchSize <= 0 {
		return nil, fmt.Errorf("loader %q: max batch size must be positive, got %d", cfg.Name, cfg.MaxBatchSize)
	}
	if cfg.BatchWindow <= 0 {
		return nil, fmt.Errorf("loader %q: batch window must be positive, got %v", cfg.Name, cfg.BatchWindow)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Loader[K, V]{
		name:         cfg.Name,
		fetch:        fetch,
		clock:        clock,
		maxBatchSize: cfg.MaxBatchSize,
		window:       cfg.BatchWindow,
	}, nil
}

// Load returns the value for key, coalescing with other loads in the open
// window. It blocks until the batch containing key completes or ctx is
// done; a canceled caller detaches without affecting the batch.
func (l *Loader[K, V]) Load(ctx context.Context, key K) (V, error) {
	l.mu.Lock()
	l.loads++

	if l.win != nil {
		if p, ok := l.win.pending[key]; ok {
			l.dedup++
			l.mu.Unlock()
			return l.await(ctx, p)
		}
	}

	if l.win == nil {
		w := &batchWindow[K, V]{
			ctx:     context.WithoutCancel(ctx),
			pending: make(map[K]*pendingLoad[V]),
		}
		w.timer = l.clock.AfterFunc(l.window, func() { l.flushOnTimer(w) })
		l.win = w
	}

	w := l.win
	p := &pendingLoad[V]{done: make(chan struct{})}
	w.pending[key] = p
	w.keys = append(w.keys, key)

	var full *batchWindow[K, V]
	if len(w.keys) >= l.maxBatchSize {
		full = l.detachLocked(w)
	}
	l.mu.Unlock()

	if full != nil {
		go l.runFetch(full, "size")
	}
	return l.await(ctx, p)
}

// Clear stops the open window's timer and rejects its pending loads with
// ErrCleared. The loader stays usable; the next Load opens a fresh window.
// Teardown affordance, not a normal-operation path.
func (l *Loader[K, V]) Clear() {
	l.mu.Lock()
	w := l.detachLocked(l.win)
	l.mu.Unlock()

	if w == nil {
		return
	}
	for _, key := range w.keys {
		p := w.pending[key]
		p.err = ErrCleared
		close(p.done)
	}
}

// Stats returns a snapshot of loader counters.
func (l *Loader[K, V]) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Stats{
		Loads:     l.loads,
		DedupHits: l.dedup,
		Fetches:   l.fetches,
		Errors:    l.errs,
	}
	if l.win != nil {
		s.Pending = len(l.win.keys)
	}
	return s
}

// detachLocked closes w if it is still the open window and stops its timer.
// Returns nil when another path (timer vs size) already detached it, which
// is what makes the two flush triggers race-free.
func (l *Loader[K, V]) detachLocked(w *batchWindow[K, V]) *batchWindow[K, V] {
	if w == nil || l.win != w {
		return nil
	}
	l.win = nil
	w.timer.Stop()
	return w
}

func (l *Loader[K, V]) flushOnTimer(w *batchWindow[K, V]) {
	l.mu.Lock()
	detached := l.detachLocked(w)
	l.mu.Unlock()

	if detached != nil {
		l.runFetch(detached, "timer")
	}
}

func (l *Loader[K, V]) runFetch(w *batchWindow[K, V], reason string) {
	batchID := uuid.NewString()
	ctx, span := observability.StartSpan(w.ctx, "loader.fetch",
		observability.AttrBatchID.String(batchID),
		observability.AttrBatchSize.Int(len(w.keys)),
	)
	defer span.End()

	l.mu.Lock()
	l.fetches++
	l.mu.Unlock()
	metrics.RecordBatchFlush(l.name, reason, len(w.keys))

	values, err := l.fetch(ctx, w.keys)
	if err == nil && len(values) != len(w.keys) {
		err = fmt.Errorf("loader %q: fetch returned %d results for %d keys", l.name, len(values), len(w.keys))
	}

	if err != nil {
		l.mu.Lock()
		l.errs++
		l.mu.Unlock()
		metrics.RecordBatchError(l.name)
		observability.SetSpanError(span, err)
		logging.Op().Warn("batch fetch failed",
			"loader", l.name, "batch_id", batchID, "keys", len(w.keys), "error", err)
		for _, key := range w.keys {
			p := w.pending[key]
			p.err = err
			close(p.done)
		}
		return
	}

	for i, key := range w.keys {
		p := w.pending[key]
		p.value = values[i]
		close(p.done)
	}
}

func (l *Loader[K, V]) await(ctx context.Context, p *pendingLoad[V]) (V, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}
