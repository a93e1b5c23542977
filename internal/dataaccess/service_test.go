package dataaccess

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/oriys/banter/internal/config"
	"github.com/oriys/banter/internal/domain"
	"github.com/oriys/banter/internal/store"
)

// countingStore wraps the in-memory store and counts backend round trips.
type countingStore struct {
	inner *store.MemoryChatStore

	userCalls    atomic.Int64
	channelCalls atomic.Int64
	msgCalls     atomic.Int64

	mu          sync.Mutex
	userBatches [][]string
	err         error
}

func newCountingStore() *countingStore {
	return &countingStore{inner: store.NewMemoryChatStore()}
}

func (c *countingStore) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *countingStore) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *countingStore) UsersByID(ctx context.Context, tenantID string, ids []string) ([]domain.User, error) {
	c.userCalls.Add(1)
	c.mu.Lock()
	c.userBatches = append(c.userBatches, append([]string(nil), ids...))
	c.mu.Unlock()
	if err := c.failure(); err != nil {
		return nil, err
	}
	return c.inner.UsersByID(ctx, tenantID, ids)
}

func (c *countingStore) ChannelsByID(ctx context.Context, tenantID string, ids []string) ([]domain.Channel, error) {
	c.channelCalls.Add(1)
	if err := c.failure(); err != nil {
		return nil, err
	}
	return c.inner.ChannelsByID(ctx, tenantID, ids)
}

func (c *countingStore) RecentMessages(ctx context.Context, tenantID, channelID string, limit int) ([]domain.Message, error) {
	c.msgCalls.Add(1)
	if err := c.failure(); err != nil {
		return nil, err
	}
	return c.inner.RecentMessages(ctx, tenantID, channelID, limit)
}

func (c *countingStore) Ping(context.Context) error { return nil }
func (c *countingStore) Close() error               { return nil }

type countingPresence struct {
	inner *store.StaticPresenceSource
	calls atomic.Int64
}

func (c *countingPresence) PresenceByUser(ctx context.Context, tenantID string, userIDs []string) ([]domain.Presence, error) {
	c.calls.Add(1)
	return c.inner.PresenceByUser(ctx, tenantID, userIDs)
}

func (c *countingPresence) Close() error { return nil }

// newTestService builds a Service over the counting backends with cache
// janitors off, so a fake clock only ever drives loader windows.
func newTestService(t *testing.T, cs *countingStore, ps store.PresenceSource, clock clockwork.Clock, batchSize int) *Service {
	t.Helper()
	svc, err := New(Options{
		Store:         cs,
		Presence:      ps,
		UsersCache:    config.CacheConfig{DefaultTTLMs: 300_000, MaxEntries: 100},
		ChannelsCache: config.CacheConfig{DefaultTTLMs: 1_800_000, MaxEntries: 100},
		PresenceCache: config.CacheConfig{DefaultTTLMs: 30_000, MaxEntries: 100},
		Loader:        config.LoaderConfig{MaxBatchSize: batchSize, BatchWindowMs: 10},
		Monitor:       config.MonitorConfig{Enabled: true, SlowQueryThresholdMs: 1000},
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func seedUsers(cs *countingStore) {
	now := time.Now()
	cs.inner.AddUser(domain.User{ID: "u1", TenantID: "acme", DisplayName: "One", CreatedAt: now})
	cs.inner.AddUser(domain.User{ID: "u2", TenantID: "acme", DisplayName: "Two", CreatedAt: now})
}

func TestNew_RequiresBackends(t *testing.T) {
	if _, err := New(Options{Presence: &countingPresence{inner: store.NewStaticPresenceSource()}}); err == nil {
		t.Error("expected error without a chat store")
	}
	if _, err := New(Options{Store: newCountingStore()}); err == nil {
		t.Error("expected error without a presence source")
	}
	_, err := New(Options{
		Store:      newCountingStore(),
		Presence:   &countingPresence{inner: store.NewStaticPresenceSource()},
		UsersCache: config.CacheConfig{MaxEntries: -1},
	})
	if err == nil {
		t.Error("expected invalid cache config to fail construction")
	}
}

func TestNew_TierDefaultsWhenUnconfigured(t *testing.T) {
	cs := newCountingStore()
	seedUsers(cs)
	svc, err := New(Options{
		Store:    cs,
		Presence: &countingPresence{inner: store.NewStaticPresenceSource()},
	})
	if err != nil {
		t.Fatalf("New with zero-value configs: %v", err)
	}
	defer svc.Close()

	// Default loader config flushes a single load after its window on the
	// real clock; the entry then sits in the users cache under its tier TTL.
	u, err := svc.User(context.Background(), "acme", "u1")
	if err != nil || u.DisplayName != "One" {
		t.Fatalf("User = %+v err=%v", u, err)
	}
	if entries := svc.Stats().Caches["users"].Entries; entries != 1 {
		t.Errorf("users cache entries = %d, want 1", entries)
	}
}

func TestService_UsersBatchAndCacheRoundTrip(t *testing.T) {
	cs := newCountingStore()
	seedUsers(cs)
	ps := &countingPresence{inner: store.NewStaticPresenceSource()}
	fc := clockwork.NewFakeClock()
	svc := newTestService(t, cs, ps, fc, 2)
	ctx := context.Background()

	// Two cold ids: both misses coalesce into one backend round trip.
	users, err := svc.Users(ctx, "acme", []string{"u1", "u2"})
	if err != nil {
		t.Fatalf("Users: %v", err)
	}
	if users[0].DisplayName != "One" || users[1].DisplayName != "Two" {
		t.Fatalf("users = %+v, want request order One, Two", users)
	}
	if got := cs.userCalls.Load(); got != 1 {
		t.Fatalf("backend round trips = %d, want 1", got)
	}
	cs.mu.Lock()
	batch := append([]string(nil), cs.userBatches[0]...)
	cs.mu.Unlock()
	sort.Strings(batch)
	if len(batch) != 2 || batch[0] != "u1" || batch[1] != "u2" {
		t.Errorf("batch = %v, want both ids in one fetch", batch)
	}

	// Warm read: served from cache, no new round trip.
	u, err := svc.User(ctx, "acme", "u1")
	if err != nil || u.DisplayName != "One" {
		t.Fatalf("warm User = %+v err=%v", u, err)
	}
	if got := cs.userCalls.Load(); got != 1 {
		t.Errorf("warm read hit the backend: %d round trips", got)
	}

	stats := svc.Stats()
	if stats.Caches["users"].Hits != 1 || stats.Caches["users"].Misses != 2 {
		t.Errorf("users cache stats = %+v, want 1 hit 2 misses", stats.Caches["users"])
	}

	// Invalidation brings the next read back to the backend.
	if n := svc.InvalidateUser("u1"); n != 1 {
		t.Fatalf("InvalidateUser = %d, want 1", n)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		u, err := svc.User(ctx, "acme", "u1")
		if err != nil || u.DisplayName != "One" {
			t.Errorf("reload User = %+v err=%v", u, err)
		}
	}()
	fc.BlockUntil(1)
	fc.Advance(20 * time.Millisecond)
	<-done

	if got := cs.userCalls.Load(); got != 2 {
		t.Errorf("round trips after invalidation = %d, want 2", got)
	}
}

func TestService_MissingUserNotCached(t *testing.T) {
	cs := newCountingStore()
	ps := &countingPresence{inner: store.NewStaticPresenceSource()}
	svc := newTestService(t, cs, ps, clockwork.NewFakeClock(), 1)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		u, err := svc.User(ctx, "acme", "u-ghost")
		if err != nil {
			t.Fatalf("User: %v", err)
		}
		if u.ID != "u-ghost" || !u.CreatedAt.IsZero() {
			t.Fatalf("missing user = %+v, want zero value with ID", u)
		}
	}
	// Absent rows are never cached, so both reads reach the backend.
	if got := cs.userCalls.Load(); got != 2 {
		t.Errorf("round trips = %d, want 2", got)
	}
	if entries := svc.Stats().Caches["users"].Entries; entries != 0 {
		t.Errorf("users cache entries = %d, want 0", entries)
	}
}

func TestService_ChannelReadPath(t *testing.T) {
	cs := newCountingStore()
	cs.inner.AddChannel(domain.Channel{ID: "c1", TenantID: "acme", Name: "general", CreatedAt: time.Now()})
	ps := &countingPresence{inner: store.NewStaticPresenceSource()}
	svc := newTestService(t, cs, ps, clockwork.NewFakeClock(), 1)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c, err := svc.Channel(ctx, "acme", "c1")
		if err != nil || c.Name != "general" {
			t.Fatalf("Channel = %+v err=%v", c, err)
		}
	}
	if got := cs.channelCalls.Load(); got != 1 {
		t.Errorf("round trips = %d, want 1 (warm reads cached)", got)
	}

	if n := svc.InvalidateChannel("c1"); n != 1 {
		t.Errorf("InvalidateChannel = %d, want 1", n)
	}
}

func TestService_PresenceCachesOffline(t *testing.T) {
	cs := newCountingStore()
	ps := &countingPresence{inner: store.NewStaticPresenceSource()}
	svc := newTestService(t, cs, ps, clockwork.NewFakeClock(), 1)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		p, err := svc.Presence(ctx, "acme", "u9")
		if err != nil {
			t.Fatalf("Presence: %v", err)
		}
		if p.State != domain.PresenceOffline || p.UserID != "u9" {
			t.Fatalf("presence = %+v, want synthesized offline", p)
		}
	}
	// Offline is cached like any other state.
	if got := ps.calls.Load(); got != 1 {
		t.Errorf("presence source calls = %d, want 1", got)
	}
}

func TestService_InvalidateUserSpansCaches(t *testing.T) {
	cs := newCountingStore()
	seedUsers(cs)
	ps := &countingPresence{inner: store.NewStaticPresenceSource()}
	ps.inner.SetPresence("acme", domain.Presence{UserID: "u1", State: domain.PresenceOnline})
	svc := newTestService(t, cs, ps, clockwork.NewFakeClock(), 1)
	ctx := context.Background()

	if _, err := svc.User(ctx, "acme", "u1"); err != nil {
		t.Fatalf("User: %v", err)
	}
	if _, err := svc.Presence(ctx, "acme", "u1"); err != nil {
		t.Fatalf("Presence: %v", err)
	}

	// The user tag reaches both the identity and the presence entry.
	if n := svc.InvalidateUser("u1"); n != 2 {
		t.Errorf("InvalidateUser = %d, want 2", n)
	}

	if n := svc.InvalidateTag(domain.TagUsers); n != 0 {
		t.Errorf("InvalidateTag after full invalidation = %d, want 0", n)
	}
}

func TestService_ChannelMessagesNeverCached(t *testing.T) {
	cs := newCountingStore()
	base := time.Now()
	cs.inner.AddMessage("acme", domain.Message{ID: "m1", ChannelID: "c1", Body: "hi", SentAt: base})
	cs.inner.AddMessage("acme", domain.Message{ID: "m2", ChannelID: "c1", Body: "yo", SentAt: base.Add(time.Minute)})
	ps := &countingPresence{inner: store.NewStaticPresenceSource()}
	svc := newTestService(t, cs, ps, clockwork.NewFakeClock(), 1)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		msgs, err := svc.ChannelMessages(ctx, "acme", "c1", 10)
		if err != nil {
			t.Fatalf("ChannelMessages: %v", err)
		}
		if len(msgs) != 2 || msgs[0].ID != "m2" {
			t.Fatalf("messages = %+v, want m2 first", msgs)
		}
	}
	if got := cs.msgCalls.Load(); got != 2 {
		t.Errorf("round trips = %d, want 2 (history is uncached)", got)
	}

	// Every trip was recorded against the query signature.
	var found bool
	for _, q := range svc.Stats().Queries {
		if strings.Contains(q.Signature, "FROM messages") && q.Count == 2 {
			found = true
		}
	}
	if !found {
		t.Errorf("message query not recorded twice: %+v", svc.Stats().Queries)
	}
}

func TestService_FetchErrorReachesCaller(t *testing.T) {
	cs := newCountingStore()
	seedUsers(cs)
	errBoom := errors.New("backend down")
	cs.fail(errBoom)
	ps := &countingPresence{inner: store.NewStaticPresenceSource()}
	svc := newTestService(t, cs, ps, clockwork.NewFakeClock(), 1)

	if _, err := svc.User(context.Background(), "acme", "u1"); !errors.Is(err, errBoom) {
		t.Fatalf("err = %v, want %v", err, errBoom)
	}

	// Failures are recorded, and nothing from the failed batch is cached.
	if svc.Stats().Caches["users"].Entries != 0 {
		t.Error("failed fetch left cache entries behind")
	}

	// The backend recovering makes the same read succeed.
	cs.fail(nil)
	u, err := svc.User(context.Background(), "acme", "u1")
	if err != nil || u.DisplayName != "One" {
		t.Errorf("recovered User = %+v err=%v", u, err)
	}
}

func TestService_RecommendationsFromRecordedQueries(t *testing.T) {
	cs := newCountingStore()
	seedUsers(cs)
	ps := &countingPresence{inner: store.NewStaticPresenceSource()}
	svc := newTestService(t, cs, ps, clockwork.NewFakeClock(), 1)
	ctx := context.Background()

	if _, err := svc.User(ctx, "acme", "u1"); err != nil {
		t.Fatalf("User: %v", err)
	}
	if _, err := svc.ChannelMessages(ctx, "acme", "c1", 10); err != nil {
		t.Fatalf("ChannelMessages: %v", err)
	}

	recs := svc.Recommendations()
	var users, messages bool
	for _, r := range recs {
		if strings.Contains(r, "users (tenant_id)") {
			users = true
		}
		if strings.Contains(r, "messages (tenant_id)") {
			messages = true
		}
	}
	if !users || !messages {
		t.Errorf("recommendations = %v, want index suggestions for users and messages", recs)
	}

	if len(svc.Findings()) == 0 {
		t.Error("Findings() empty after recorded queries")
	}
}

func TestService_StatsSnapshot(t *testing.T) {
	cs := newCountingStore()
	seedUsers(cs)
	ps := &countingPresence{inner: store.NewStaticPresenceSource()}
	svc := newTestService(t, cs, ps, clockwork.NewFakeClock(), 1)

	if _, err := svc.User(context.Background(), "acme", "u1"); err != nil {
		t.Fatalf("User: %v", err)
	}

	st := svc.Stats()
	if st.Loaders["users"].Fetches != 1 || st.Loaders["users"].Loads != 1 {
		t.Errorf("users loader stats = %+v", st.Loaders["users"])
	}
	if st.Caches["users"].Entries != 1 {
		t.Errorf("users cache entries = %d, want 1", st.Caches["users"].Entries)
	}
	if len(st.Queries) == 0 {
		t.Error("snapshot carries no query stats")
	}
}
