// Package dataaccess composes the performance primitives — tagged caches,
// batching loaders, the query monitor, and the advisor — into the read
// path the API serves.
//
// # Read path
//
// Every entity read goes cache, then loader, then store. A cache hit
// returns immediately. A miss suspends on the loader, which coalesces
// concurrent lookups of the same entity and batches distinct ones into a
// single store round trip per tenant. Fetched rows that exist are cached
// under their TTL tier; rows the backend does not know flow back as zero
// values and are never cached, so a later write becomes visible on the
// next read.
//
// # TTL tiers
//
// Channels rarely change and ride the static tier. Users take the
// standard tier. Presence is volatile. Message lists change on every
// send, so they are deliberately not cached at all.
package dataaccess

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/oriys/banter/internal/advisor"
	"github.com/oriys/banter/internal/cache"
	"github.com/oriys/banter/internal/config"
	"github.com/oriys/banter/internal/domain"
	"github.com/oriys/banter/internal/loader"
	"github.com/oriys/banter/internal/monitor"
	"github.com/oriys/banter/internal/observability"
	"github.com/oriys/banter/internal/store"
)

// TTL tiers. Config defaults follow these; deployments tune per cache.
const (
	TTLStatic   = 30 * time.Minute
	TTLStandard = 5 * time.Minute
	TTLVolatile = 30 * time.Second
	TTLNone     = 0
)

// Query signatures recorded by the monitor. These are the shapes the
// backends actually execute, so advisor findings point at real queries.
const (
	sigUsersByID      = "SELECT id, display_name, email, avatar_url, created_at FROM users WHERE tenant_id = $1 AND id = ANY($2)"
	sigChannelsByID   = "SELECT id, name, topic, created_at FROM channels WHERE tenant_id = $1 AND id = ANY($2)"
	sigRecentMessages = "SELECT id, channel_id, author_id, body, sent_at FROM messages WHERE tenant_id = $1 AND channel_id = $2 ORDER BY sent_at DESC LIMIT $3"
	sigPresenceMGet   = "MGET presence:{tenant}:{user}"
)

// Options wires a Service. Store and Presence are required; Clock is nil
// for the real clock.
type Options struct {
	Store    store.ChatStore
	Presence store.PresenceSource

	UsersCache    config.CacheConfig
	ChannelsCache config.CacheConfig
	PresenceCache config.CacheConfig
	Loader        config.LoaderConfig
	Monitor       config.MonitorConfig

	Clock clockwork.Clock
}

// Service is the cached, batched, monitored read path over the chat
// backends. Safe for concurrent use.
type Service struct {
	chat     store.ChatStore
	presence store.PresenceSource
	clock    clockwork.Clock

	users         *cache.Cache[domain.User]
	channels      *cache.Cache[domain.Channel]
	presenceCache *cache.Cache[domain.Presence]

	userLoader     *loader.Loader[store.ScopedID, domain.User]
	channelLoader  *loader.Loader[store.ScopedID, domain.Channel]
	presenceLoader *loader.Loader[store.ScopedID, domain.Presence]

	monitor *monitor.Monitor
	advisor *advisor.Advisor
}

// New builds the full read path from its parts. Invalid cache or loader
// settings fail here, before anything starts serving.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("dataaccess: chat store is required")
	}
	if opts.Presence == nil {
		return nil, fmt.Errorf("dataaccess: presence source is required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	opts = fillDefaults(opts)

	s := &Service{chat: opts.Store, presence: opts.Presence, clock: clock}

	var err error
	if s.users, err = cache.New[domain.User](cacheConfig("users", opts.UsersCache, clock)); err != nil {
		return nil, err
	}
	if s.channels, err = cache.New[domain.Channel](cacheConfig("channels", opts.ChannelsCache, clock)); err != nil {
		s.Close()
		return nil, err
	}
	if s.presenceCache, err = cache.New[domain.Presence](cacheConfig("presence", opts.PresenceCache, clock)); err != nil {
		s.Close()
		return nil, err
	}

	if s.monitor, err = monitor.New(monitor.Config{
		Enabled:            opts.Monitor.Enabled,
		SlowQueryThreshold: opts.Monitor.SlowQueryThreshold(),
		Clock:              clock,
	}); err != nil {
		s.Close()
		return nil, err
	}
	if s.advisor, err = advisor.New(advisor.Config{}); err != nil {
		s.Close()
		return nil, err
	}

	if s.userLoader, err = loader.New(s.fetchUsers, loaderConfig("users", opts.Loader, clock)); err != nil {
		s.Close()
		return nil, err
	}
	if s.channelLoader, err = loader.New(s.fetchChannels, loaderConfig("channels", opts.Loader, clock)); err != nil {
		s.Close()
		return nil, err
	}
	if s.presenceLoader, err = loader.New(s.fetchPresence, loaderConfig("presence", opts.Loader, clock)); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// fillDefaults replaces zero-value cache and loader configs with the tier
// defaults, so embedders can build a Service from just the two sources.
// Partially filled configs are left alone and validated downstream.
func fillDefaults(opts Options) Options {
	if opts.UsersCache == (config.CacheConfig{}) {
		opts.UsersCache = tierCacheConfig(TTLStandard, 10000)
	}
	if opts.ChannelsCache == (config.CacheConfig{}) {
		opts.ChannelsCache = tierCacheConfig(TTLStatic, 5000)
	}
	if opts.PresenceCache == (config.CacheConfig{}) {
		opts.PresenceCache = tierCacheConfig(TTLVolatile, 20000)
	}
	if opts.Loader == (config.LoaderConfig{}) {
		opts.Loader = config.LoaderConfig{MaxBatchSize: 100, BatchWindowMs: 10}
	}
	return opts
}

func tierCacheConfig(ttl time.Duration, maxEntries int) config.CacheConfig {
	return config.CacheConfig{
		DefaultTTLMs:      int(ttl / time.Millisecond),
		MaxEntries:        maxEntries,
		CleanupIntervalMs: int(time.Minute / time.Millisecond),
	}
}

func cacheConfig(name string, c config.CacheConfig, clock clockwork.Clock) cache.Config {
	return cache.Config{
		Name:            name,
		DefaultTTL:      c.DefaultTTL(),
		MaxEntries:      c.MaxEntries,
		CleanupInterval: c.CleanupInterval(),
		Clock:           clock,
	}
}

func loaderConfig(name string, c config.LoaderConfig, clock clockwork.Clock) loader.Config {
	return loader.Config{
		Name:         name,
		MaxBatchSize: c.MaxBatchSize,
		BatchWindow:  c.BatchWindow(),
		Clock:        clock,
	}
}

// cacheKey joins tenant and id with a byte no external identifier can
// contain, so tenants can never collide in a shared cache.
func cacheKey(tenantID, id string) string {
	return tenantID + "\x00" + id
}

// groupByTenant maps each tenant to the positions of its keys, preserving
// enqueue order within a tenant.
func groupByTenant(keys []store.ScopedID) map[string][]int {
	groups := make(map[string][]int)
	for i, k := range keys {
		groups[k.TenantID] = append(groups[k.TenantID], i)
	}
	return groups
}

// User returns one user, serving from cache when possible.
func (s *Service) User(ctx context.Context, tenantID, id string) (domain.User, error) {
	ctx, span := observability.StartSpan(ctx, "dataaccess.user",
		observability.AttrTenant.String(tenantID),
		observability.AttrResource.String(id))
	defer span.End()

	key := cacheKey(tenantID, id)
	if u, ok := s.users.Get(key); ok {
		span.SetAttributes(observability.AttrCacheHit.Bool(true))
		return u, nil
	}
	span.SetAttributes(observability.AttrCacheHit.Bool(false))

	u, err := s.userLoader.Load(ctx, store.ScopedID{TenantID: tenantID, ID: id})
	if err != nil {
		observability.SetSpanError(span, err)
		return domain.User{}, err
	}
	if !u.CreatedAt.IsZero() {
		s.users.Set(key, u, domain.TagUsers, domain.UserTag(id))
	}
	return u, nil
}

// Users returns users in id order. Cache misses land in the same loader
// window, so n cold ids cost one store round trip, not n.
func (s *Service) Users(ctx context.Context, tenantID string, ids []string) ([]domain.User, error) {
	out := make([]domain.User, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		key := cacheKey(tenantID, id)
		if u, ok := s.users.Get(key); ok {
			out[i] = u
			continue
		}
		g.Go(func() error {
			u, err := s.userLoader.Load(gctx, store.ScopedID{TenantID: tenantID, ID: id})
			if err != nil {
				return err
			}
			if !u.CreatedAt.IsZero() {
				s.users.Set(key, u, domain.TagUsers, domain.UserTag(id))
			}
			out[i] = u
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Channel returns one channel, serving from cache when possible.
func (s *Service) Channel(ctx context.Context, tenantID, id string) (domain.Channel, error) {
	ctx, span := observability.StartSpan(ctx, "dataaccess.channel",
		observability.AttrTenant.String(tenantID),
		observability.AttrResource.String(id))
	defer span.End()

	key := cacheKey(tenantID, id)
	if c, ok := s.channels.Get(key); ok {
		span.SetAttributes(observability.AttrCacheHit.Bool(true))
		return c, nil
	}
	span.SetAttributes(observability.AttrCacheHit.Bool(false))

	c, err := s.channelLoader.Load(ctx, store.ScopedID{TenantID: tenantID, ID: id})
	if err != nil {
		observability.SetSpanError(span, err)
		return domain.Channel{}, err
	}
	if !c.CreatedAt.IsZero() {
		s.channels.Set(key, c, domain.TagChannels, domain.ChannelTag(id))
	}
	return c, nil
}

// Presence returns one user's availability. Synthesized offline entries
// are cached too: absence is a valid answer and upstream sources should
// not be hammered for users who simply are not connected.
func (s *Service) Presence(ctx context.Context, tenantID, userID string) (domain.Presence, error) {
	key := cacheKey(tenantID, userID)
	if p, ok := s.presenceCache.Get(key); ok {
		return p, nil
	}
	p, err := s.presenceLoader.Load(ctx, store.ScopedID{TenantID: tenantID, ID: userID})
	if err != nil {
		return domain.Presence{}, err
	}
	s.presenceCache.Set(key, p, domain.TagPresence, domain.UserTag(userID))
	return p, nil
}

// ChannelMessages reads a channel's recent history, newest first. Message
// lists change on every send, so they ride the TTLNone tier: tracked,
// never cached.
func (s *Service) ChannelMessages(ctx context.Context, tenantID, channelID string, limit int) ([]domain.Message, error) {
	return monitor.Observe(ctx, s.monitor, sigRecentMessages, func(ctx context.Context) ([]domain.Message, error) {
		return s.chat.RecentMessages(ctx, tenantID, channelID, limit)
	})
}

func (s *Service) fetchUsers(ctx context.Context, keys []store.ScopedID) ([]domain.User, error) {
	out := make([]domain.User, len(keys))
	for tenantID, positions := range groupByTenant(keys) {
		ids := make([]string, len(positions))
		for i, p := range positions {
			ids[i] = keys[p].ID
		}
		rows, err := monitor.Observe(ctx, s.monitor, sigUsersByID, func(ctx context.Context) ([]domain.User, error) {
			return s.chat.UsersByID(ctx, tenantID, ids)
		})
		if err != nil {
			return nil, err
		}
		for i, p := range positions {
			out[p] = rows[i]
		}
	}
	return out, nil
}

func (s *Service) fetchChannels(ctx context.Context, keys []store.ScopedID) ([]domain.Channel, error) {
	out := make([]domain.Channel, len(keys))
	for tenantID, positions := range groupByTenant(keys) {
		ids := make([]string, len(positions))
		for i, p := range positions {
			ids[i] = keys[p].ID
		}
		rows, err := monitor.Observe(ctx, s.monitor, sigChannelsByID, func(ctx context.Context) ([]domain.Channel, error) {
			return s.chat.ChannelsByID(ctx, tenantID, ids)
		})
		if err != nil {
			return nil, err
		}
		for i, p := range positions {
			out[p] = rows[i]
		}
	}
	return out, nil
}

func (s *Service) fetchPresence(ctx context.Context, keys []store.ScopedID) ([]domain.Presence, error) {
	out := make([]domain.Presence, len(keys))
	for tenantID, positions := range groupByTenant(keys) {
		ids := make([]string, len(positions))
		for i, p := range positions {
			ids[i] = keys[p].ID
		}
		rows, err := monitor.Observe(ctx, s.monitor, sigPresenceMGet, func(ctx context.Context) ([]domain.Presence, error) {
			return s.presence.PresenceByUser(ctx, tenantID, ids)
		})
		if err != nil {
			return nil, err
		}
		for i, p := range positions {
			out[p] = rows[i]
		}
	}
	return out, nil
}

// InvalidateUser drops one user's cached identity and presence. Returns
// the number of entries removed.
func (s *Service) InvalidateUser(id string) int {
	tag := domain.UserTag(id)
	return s.users.InvalidateByTag(tag) + s.presenceCache.InvalidateByTag(tag)
}

// InvalidateChannel drops one channel's cached entry.
func (s *Service) InvalidateChannel(id string) int {
	return s.channels.InvalidateByTag(domain.ChannelTag(id))
}

// InvalidateTag applies one tag across every cache and returns the total
// number of entries removed.
func (s *Service) InvalidateTag(tag string) int {
	return s.users.InvalidateByTag(tag) +
		s.channels.InvalidateByTag(tag) +
		s.presenceCache.InvalidateByTag(tag)
}

// Snapshot is a point-in-time view of every layer's counters.
type Snapshot struct {
	Caches  map[string]cache.Stats  `json:"caches"`
	Loaders map[string]loader.Stats `json:"loaders"`
	Queries []monitor.QueryStat     `json:"queries"`
}

// Stats snapshots cache, loader, and query counters.
func (s *Service) Stats() Snapshot {
	return Snapshot{
		Caches: map[string]cache.Stats{
			"users":    s.users.Stats(),
			"channels": s.channels.Stats(),
			"presence": s.presenceCache.Stats(),
		},
		Loaders: map[string]loader.Stats{
			"users":    s.userLoader.Stats(),
			"channels": s.channelLoader.Stats(),
			"presence": s.presenceLoader.Stats(),
		},
		Queries: s.monitor.Stats(),
	}
}

// SlowQueries lists signatures whose average duration meets threshold,
// slowest first.
func (s *Service) SlowQueries(threshold time.Duration) []monitor.QueryStat {
	return s.monitor.SlowQueries(threshold)
}

// FrequentQueries lists the most-executed signatures.
func (s *Service) FrequentQueries(limit int) []monitor.QueryStat {
	return s.monitor.MostFrequent(limit)
}

// Findings runs the advisor over every recorded signature.
func (s *Service) Findings() []advisor.Finding {
	var out []advisor.Finding
	for _, st := range s.monitor.Stats() {
		out = append(out, s.advisor.Analyze(st.Signature, &st)...)
	}
	return out
}

// Recommendations aggregates deduplicated index suggestions from the
// recorded query stats.
func (s *Service) Recommendations() []string {
	return s.advisor.RecommendIndexes(s.monitor.Stats())
}

// Close stops the cache janitors and rejects in-flight loads. The
// underlying store and presence source belong to the caller and stay
// open.
func (s *Service) Close() error {
	if s.userLoader != nil {
		s.userLoader.Clear()
	}
	if s.channelLoader != nil {
		s.channelLoader.Clear()
	}
	if s.presenceLoader != nil {
		s.presenceLoader.Clear()
	}
	if s.users != nil {
		s.users.Close()
	}
	if s.channels != nil {
		s.channels.Close()
	}
	if s.presenceCache != nil {
		s.presenceCache.Close()
	}
	return nil
}
