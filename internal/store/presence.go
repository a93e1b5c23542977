package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/banter/internal/domain"
	"github.com/oriys/banter/internal/logging"
)

const presenceKeyPrefix = "presence:"

// RedisPresenceSource reads presence snapshots written by the realtime
// gateway. Keys are presence:<tenant>:<user> holding a JSON Presence; a
// missing or unreadable key means offline.
type RedisPresenceSource struct {
	client *redis.Client
}

// NewRedisPresenceSource connects and pings.
func NewRedisPresenceSource(ctx context.Context, addr, password string, db int) (*RedisPresenceSource, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisPresenceSource{client: client}, nil
}

func (s *RedisPresenceSource) Close() error {
	return s.client.Close()
}

func presenceKey(tenantID, userID string) string {
	return presenceKeyPrefix + tenantID + ":" + userID
}

func (s *RedisPresenceSource) PresenceByUser(ctx context.Context, tenantID string, userIDs []string) ([]domain.Presence, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = presenceKey(tenantID, id)
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load presence: %w", err)
	}

	out := make([]domain.Presence, len(userIDs))
	for i, v := range vals {
		out[i] = domain.Presence{UserID: userIDs[i], State: domain.PresenceOffline}
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var p domain.Presence
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			logging.Op().Warn("unreadable presence value", "key", keys[i], "error", err)
			continue
		}
		p.UserID = userIDs[i]
		if !domain.IsValidPresenceState(p.State) {
			p.State = domain.PresenceOffline
		}
		out[i] = p
	}
	return out, nil
}
