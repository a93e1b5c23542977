package loader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

// recordingFetch captures every batch the loader hands to the fetch
// function.
type recordingFetch struct {
	mu      sync.Mutex
	calls   int
	batches [][]string
}

func (r *recordingFetch) record(keys []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.batches = append(r.batches, append([]string(nil), keys...))
}

func (r *recordingFetch) snapshot() (int, [][]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls, append([][]string(nil), r.batches...)
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	fetch := func(ctx context.Context, keys []string) ([]string, error) { return keys, nil }

	if _, err := New[string, string](nil, Config{MaxBatchSize: 1, BatchWindow: time.Millisecond}); err == nil {
		t.Fatal("expected error for nil fetch")
	}
	if _, err := New(fetch, Config{MaxBatchSize: 0, BatchWindow: time.Millisecond}); err == nil {
		t.Fatal("expected error for zero batch size")
	}
	if _, err := New(fetch, Config{MaxBatchSize: 1, BatchWindow: 0}); err == nil {
		t.Fatal("expected error for zero batch window")
	}
}

func TestLoader_DedupConcurrentSameKey(t *testing.T) {
	fc := clockwork.NewFakeClock()
	rec := &recordingFetch{}
	l, err := New(func(ctx context.Context, keys []string) ([]string, error) {
		rec.record(keys)
		out := make([]string, len(keys))
		for i, k := range keys {
			out[i] = "value-" + k
		}
		return out, nil
	}, Config{MaxBatchSize: 100, BatchWindow: 10 * time.Millisecond, Clock: fc, Name: "users"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	results := make(chan string, 5)
	for i := 0; i < 5; i++ {
		go func() {
			v, err := l.Load(context.Background(), "A")
			if err != nil {
				t.Errorf("Load: %v", err)
			}
			results <- v
		}()
	}

	waitUntil(t, time.Second, func() bool {
		s := l.Stats()
		return s.Loads == 5 && s.Pending == 1
	})
	fc.BlockUntil(1)
	fc.Advance(10 * time.Millisecond)

	for i := 0; i < 5; i++ {
		if v := <-results; v != "value-A" {
			t.Fatalf("result = %q, want value-A", v)
		}
	}

	calls, batches := rec.snapshot()
	if calls != 1 {
		t.Fatalf("fetch calls = %d, want exactly 1", calls)
	}
	if len(batches[0]) != 1 || batches[0][0] != "A" {
		t.Fatalf("fetch keys = %v, want [A]", batches[0])
	}
	if s := l.Stats(); s.DedupHits != 4 {
		t.Fatalf("dedup hits = %d, want 4", s.DedupHits)
	}
}

func TestLoader_ResultsMapByPosition(t *testing.T) {
	fc := clockwork.NewFakeClock()
	rec := &recordingFetch{}
	l, err := New(func(ctx context.Context, keys []string) ([]int, error) {
		rec.record(keys)
		return []int{1, 2, 3}, nil
	}, Config{MaxBatchSize: 100, BatchWindow: 10 * time.Millisecond, Clock: fc})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var wg sync.WaitGroup
	got := make(map[string]int)
	var gotMu sync.Mutex

	// Enqueue A, B, C in a known order by waiting for each to register.
	for i, key := range []string{"A", "B", "C"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			v, err := l.Load(context.Background(), key)
			if err != nil {
				t.Errorf("Load(%s): %v", key, err)
				return
			}
			gotMu.Lock()
			got[key] = v
			gotMu.Unlock()
		}(key)
		want := uint64(i + 1)
		waitUntil(t, time.Second, func() bool { return l.Stats().Loads == want })
	}

	fc.Advance(10 * time.Millisecond)
	wg.Wait()

	_, batches := rec.snapshot()
	if len(batches) != 1 || strings.Join(batches[0], ",") != "A,B,C" {
		t.Fatalf("fetch keys = %v, want [A B C] in enqueue order", batches)
	}
	if got["A"] != 1 || got["B"] != 2 || got["C"] != 3 {
		t.Fatalf("results = %v, want A=1 B=2 C=3", got)
	}
}

func TestLoader_SizeTriggeredFlush(t *testing.T) {
	fc := clockwork.NewFakeClock()
	rec := &recordingFetch{}
	l, err := New(func(ctx context.Context, keys []string) ([]string, error) {
		rec.record(keys)
		return keys, nil
	}, Config{MaxBatchSize: 2, BatchWindow: time.Hour, Clock: fc})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var wg sync.WaitGroup
	load := func(key string, want uint64) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Load(context.Background(), key); err != nil {
				t.Errorf("Load(%s): %v", key, err)
			}
		}()
		waitUntil(t, time.Second, func() bool { return l.Stats().Loads == want })
	}

	load("A", 1)
	load("B", 2) // hits MaxBatchSize, flushes without the timer
	waitUntil(t, time.Second, func() bool { c, _ := rec.snapshot(); return c == 1 })

	load("C", 3) // opens a fresh window
	fc.BlockUntil(1)
	fc.Advance(time.Hour)
	wg.Wait()

	calls, batches := rec.snapshot()
	if calls != 2 {
		t.Fatalf("fetch calls = %d, want 2", calls)
	}
	if len(batches[0]) != 2 || len(batches[1]) != 1 {
		t.Fatalf("batch sizes = %d,%d, want 2,1", len(batches[0]), len(batches[1]))
	}
}

func TestLoader_FetchErrorRejectsWholeBatch(t *testing.T) {
	fc := clockwork.NewFakeClock()
	errBoom := errors.New("backend unavailable")
	l, err := New(func(ctx context.Context, keys []string) ([]string, error) {
		return nil, errBoom
	}, Config{MaxBatchSize: 100, BatchWindow: 10 * time.Millisecond, Clock: fc})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	errs := make(chan error, 2)
	for i, key := range []string{"A", "B"} {
		go func(key string) {
			_, err := l.Load(context.Background(), key)
			errs <- err
		}(key)
		want := uint64(i + 1)
		waitUntil(t, time.Second, func() bool { return l.Stats().Loads == want })
	}

	fc.Advance(10 * time.Millisecond)

	for i := 0; i < 2; i++ {
		if err := <-errs; !errors.Is(err, errBoom) {
			t.Fatalf("load error = %v, want %v for every caller", err, errBoom)
		}
	}
	if s := l.Stats(); s.Errors != 1 {
		t.Fatalf("errors = %d, want 1", s.Errors)
	}
}

func TestLoader_LengthMismatchRejects(t *testing.T) {
	fc := clockwork.NewFakeClock()
	l, err := New(func(ctx context.Context, keys []string) ([]int, error) {
		return []int{1}, nil // wrong length for a 2-key batch
	}, Config{MaxBatchSize: 100, BatchWindow: 10 * time.Millisecond, Clock: fc})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	errs := make(chan error, 2)
	for i, key := range []string{"A", "B"} {
		go func(key string) {
			_, err := l.Load(context.Background(), key)
			errs <- err
		}(key)
		want := uint64(i + 1)
		waitUntil(t, time.Second, func() bool { return l.Stats().Loads == want })
	}

	fc.Advance(10 * time.Millisecond)

	errA, errB := <-errs, <-errs
	if errA == nil || errB == nil {
		t.Fatal("both callers must be rejected on length mismatch")
	}
	if errA.Error() != errB.Error() {
		t.Fatalf("callers got different errors: %v vs %v", errA, errB)
	}
	if !strings.Contains(errA.Error(), "2 keys") {
		t.Fatalf("error should name the expected key count, got %v", errA)
	}
}

func TestLoader_NoCrossWindowMemory(t *testing.T) {
	fc := clockwork.NewFakeClock()
	rec := &recordingFetch{}
	l, err := New(func(ctx context.Context, keys []string) ([]string, error) {
		rec.record(keys)
		return keys, nil
	}, Config{MaxBatchSize: 100, BatchWindow: 10 * time.Millisecond, Clock: fc})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	loadOnce := func(want uint64) {
		done := make(chan struct{})
		go func() {
			defer close(done)
			if _, err := l.Load(context.Background(), "A"); err != nil {
				t.Errorf("Load: %v", err)
			}
		}()
		waitUntil(t, time.Second, func() bool { return l.Stats().Loads == want })
		fc.Advance(10 * time.Millisecond)
		<-done
	}

	loadOnce(1)
	loadOnce(2)

	if calls, _ := rec.snapshot(); calls != 2 {
		t.Fatalf("fetch calls = %d, want 2 (no caching across windows)", calls)
	}
}

func TestLoader_ClearRejectsInFlight(t *testing.T) {
	fc := clockwork.NewFakeClock()
	rec := &recordingFetch{}
	l, err := New(func(ctx context.Context, keys []string) ([]string, error) {
		rec.record(keys)
		return keys, nil
	}, Config{MaxBatchSize: 100, BatchWindow: 10 * time.Millisecond, Clock: fc})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := l.Load(context.Background(), "A")
		errCh <- err
	}()
	waitUntil(t, time.Second, func() bool { return l.Stats().Pending == 1 })

	l.Clear()

	if err := <-errCh; !errors.Is(err, ErrCleared) {
		t.Fatalf("load error = %v, want ErrCleared", err)
	}

	// The loader stays usable after Clear.
	done := make(chan struct{})
	go func() {
		defer close(done)
		v, err := l.Load(context.Background(), "B")
		if err != nil || v != "B" {
			t.Errorf("Load after Clear = (%q, %v), want (B, nil)", v, err)
		}
	}()
	waitUntil(t, time.Second, func() bool { return l.Stats().Pending == 1 })
	fc.Advance(10 * time.Millisecond)
	<-done

	calls, batches := rec.snapshot()
	if calls != 1 || batches[0][0] != "B" {
		t.Fatalf("fetch calls = %d (%v), want only the post-Clear batch", calls, batches)
	}
}

func TestLoader_CanceledCallerDoesNotAbortBatch(t *testing.T) {
	fc := clockwork.NewFakeClock()
	rec := &recordingFetch{}
	l, err := New(func(ctx context.Context, keys []string) ([]string, error) {
		rec.record(keys)
		return keys, nil
	}, Config{MaxBatchSize: 100, BatchWindow: 10 * time.Millisecond, Clock: fc})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := l.Load(ctx, "A")
		errCh <- err
	}()
	waitUntil(t, time.Second, func() bool { return l.Stats().Pending == 1 })

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("load error = %v, want context.Canceled", err)
	}

	// The batch still flushes for any remaining observers.
	fc.Advance(10 * time.Millisecond)
	waitUntil(t, time.Second, func() bool { c, _ := rec.snapshot(); return c == 1 })
}

func TestLoader_ManyKeysManyWindows(t *testing.T) {
	fc := clockwork.NewFakeClock()
	rec := &recordingFetch{}
	l, err := New(func(ctx context.Context, keys []string) ([]string, error) {
		rec.record(keys)
		out := make([]string, len(keys))
		for i, k := range keys {
			out[i] = "v:" + k
		}
		return out, nil
	}, Config{MaxBatchSize: 3, BatchWindow: time.Hour, Clock: fc})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 9; i++ {
		key := fmt.Sprintf("k%d", i)
		want := uint64(i + 1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := l.Load(context.Background(), key)
			if err != nil || v != "v:"+key {
				t.Errorf("Load(%s) = (%q, %v)", key, v, err)
			}
		}()
		waitUntil(t, time.Second, func() bool { return l.Stats().Loads >= want })
	}
	wg.Wait()

	calls, batches := rec.snapshot()
	if calls != 3 {
		t.Fatalf("fetch calls = %d, want 3 full windows", calls)
	}
	for _, b := range batches {
		if len(b) != 3 {
			t.Fatalf("batch size = %d, want 3", len(b))
		}
	}
}
