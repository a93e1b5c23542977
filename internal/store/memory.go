package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oriys/banter/internal/domain"
)

// MemoryChatStore is an in-memory ChatStore used when no Postgres DSN is
// configured, and as a deterministic backend in tests.
type MemoryChatStore struct {
	mu       sync.RWMutex
	users    map[string]map[string]domain.User      // tenant -> id -> user
	channels map[string]map[string]domain.Channel   // tenant -> id -> channel
	messages map[string]map[string][]domain.Message // tenant -> channel -> messages
}

func NewMemoryChatStore() *MemoryChatStore {
	return &MemoryChatStore{
		users:    make(map[string]map[string]domain.User),
		channels: make(map[string]map[string]domain.Channel),
		messages: make(map[string]map[string][]domain.Message),
	}
}

// AddUser registers a user under its tenant.
func (s *MemoryChatStore) AddUser(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users[u.TenantID] == nil {
		s.users[u.TenantID] = make(map[string]domain.User)
	}
	s.users[u.TenantID][u.ID] = u
}

// AddChannel registers a channel under its tenant.
func (s *MemoryChatStore) AddChannel(c domain.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channels[c.TenantID] == nil {
		s.channels[c.TenantID] = make(map[string]domain.Channel)
	}
	s.channels[c.TenantID][c.ID] = c
}

// AddMessage appends a message to its channel's history.
func (s *MemoryChatStore) AddMessage(tenantID string, m domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.messages[tenantID] == nil {
		s.messages[tenantID] = make(map[string][]domain.Message)
	}
	s.messages[tenantID][m.ChannelID] = append(s.messages[tenantID][m.ChannelID], m)
}

func (s *MemoryChatStore) UsersByID(_ context.Context, tenantID string, ids []string) ([]domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return alignByID(ids, s.users[tenantID], func(id string) domain.User {
		return domain.User{ID: id}
	}), nil
}

func (s *MemoryChatStore) ChannelsByID(_ context.Context, tenantID string, ids []string) ([]domain.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return alignByID(ids, s.channels[tenantID], func(id string) domain.Channel {
		return domain.Channel{ID: id}
	}), nil
}

func (s *MemoryChatStore) RecentMessages(_ context.Context, tenantID, channelID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.messages[tenantID][channelID]
	msgs := make([]domain.Message, len(history))
	copy(msgs, history)
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].SentAt.After(msgs[j].SentAt) })
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (s *MemoryChatStore) Ping(context.Context) error { return nil }

func (s *MemoryChatStore) Close() error { return nil }

// SeedDemo populates the store with a small demo tenant so a DSN-less
// daemon serves non-empty responses out of the box.
func (s *MemoryChatStore) SeedDemo() {
	const tenant = "demo"
	base := time.Now().Add(-24 * time.Hour)

	s.AddUser(domain.User{ID: "u-alice", TenantID: tenant, DisplayName: "Alice", Email: "alice@example.com", CreatedAt: base})
	s.AddUser(domain.User{ID: "u-bob", TenantID: tenant, DisplayName: "Bob", Email: "bob@example.com", CreatedAt: base})
	s.AddUser(domain.User{ID: "u-carol", TenantID: tenant, DisplayName: "Carol", Email: "carol@example.com", CreatedAt: base})

	s.AddChannel(domain.Channel{ID: "c-general", TenantID: tenant, Name: "general", Topic: "Anything goes", CreatedAt: base})
	s.AddChannel(domain.Channel{ID: "c-random", TenantID: tenant, Name: "random", CreatedAt: base})

	s.AddMessage(tenant, domain.Message{ID: "m-1", ChannelID: "c-general", AuthorID: "u-alice", Body: "Morning all", SentAt: base.Add(1 * time.Hour)})
	s.AddMessage(tenant, domain.Message{ID: "m-2", ChannelID: "c-general", AuthorID: "u-bob", Body: "Morning!", SentAt: base.Add(2 * time.Hour)})
	s.AddMessage(tenant, domain.Message{ID: "m-3", ChannelID: "c-random", AuthorID: "u-carol", Body: "Anyone up for lunch?", SentAt: base.Add(3 * time.Hour)})
}

// StaticPresenceSource is a map-backed PresenceSource. Users without an
// entry come back offline, matching the Redis source's behavior.
type StaticPresenceSource struct {
	mu      sync.RWMutex
	entries map[string]domain.Presence
}

func NewStaticPresenceSource() *StaticPresenceSource {
	return &StaticPresenceSource{entries: make(map[string]domain.Presence)}
}

// SetPresence records a presence snapshot for one user.
func (s *StaticPresenceSource) SetPresence(tenantID string, p domain.Presence) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[presenceKey(tenantID, p.UserID)] = p
}

func (s *StaticPresenceSource) PresenceByUser(_ context.Context, tenantID string, userIDs []string) ([]domain.Presence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Presence, len(userIDs))
	for i, id := range userIDs {
		if p, ok := s.entries[presenceKey(tenantID, id)]; ok {
			out[i] = p
			continue
		}
		out[i] = domain.Presence{UserID: id, State: domain.PresenceOffline}
	}
	return out, nil
}

func (s *StaticPresenceSource) Close() error { return nil }
