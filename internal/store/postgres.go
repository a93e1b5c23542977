package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/banter/internal/domain"
)

// PostgresChatStore serves chat read models from Postgres.
type PostgresChatStore struct {
	pool *pgxpool.Pool
}

// NewPostgresChatStore connects, pings, and ensures the read-model schema.
func NewPostgresChatStore(ctx context.Context, dsn string) (*PostgresChatStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresChatStore{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresChatStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresChatStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresChatStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			tenant_id TEXT NOT NULL,
			id TEXT NOT NULL,
			display_name TEXT NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			avatar_url TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS channels (
			tenant_id TEXT NOT NULL,
			id TEXT NOT NULL,
			name TEXT NOT NULL,
			topic TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			tenant_id TEXT NOT NULL,
			id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			author_id TEXT NOT NULL,
			body TEXT NOT NULL,
			sent_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_channel_time ON messages(tenant_id, channel_id, sent_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresChatStore) UsersByID(ctx context.Context, tenantID string, ids []string) ([]domain.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, display_name, email, avatar_url, created_at
		FROM users
		WHERE tenant_id = $1 AND id = ANY($2)
	`, tenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]domain.User, len(ids))
	for rows.Next() {
		u := domain.User{TenantID: tenantID}
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.Email, &u.AvatarURL, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("load users scan: %w", err)
		}
		byID[u.ID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load users rows: %w", err)
	}

	return alignByID(ids, byID, func(id string) domain.User {
		return domain.User{ID: id}
	}), nil
}

func (s *PostgresChatStore) ChannelsByID(ctx context.Context, tenantID string, ids []string) ([]domain.Channel, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, topic, created_at
		FROM channels
		WHERE tenant_id = $1 AND id = ANY($2)
	`, tenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("load channels: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]domain.Channel, len(ids))
	for rows.Next() {
		c := domain.Channel{TenantID: tenantID}
		if err := rows.Scan(&c.ID, &c.Name, &c.Topic, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("load channels scan: %w", err)
		}
		byID[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load channels rows: %w", err)
	}

	return alignByID(ids, byID, func(id string) domain.Channel {
		return domain.Channel{ID: id}
	}), nil
}

func (s *PostgresChatStore) RecentMessages(ctx context.Context, tenantID, channelID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, channel_id, author_id, body, sent_at
		FROM messages
		WHERE tenant_id = $1 AND channel_id = $2
		ORDER BY sent_at DESC
		LIMIT $3
	`, tenantID, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.AuthorID, &m.Body, &m.SentAt); err != nil {
			return nil, fmt.Errorf("load messages scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load messages rows: %w", err)
	}
	return msgs, nil
}
