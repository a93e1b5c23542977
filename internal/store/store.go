// Package store provides the backing data sources the performance layer
// batches and caches over: chat entities from Postgres and presence from
// Redis, plus in-memory implementations for tests and DSN-less runs.
//
// Every bulk lookup keeps a positional contract: the result slice has the
// same length and order as the requested ids, with rows the backend does
// not know represented as zero-value entries carrying only the ID. Callers
// decide what absence means; the store never errors on a missing row.
package store

import (
	"context"

	"github.com/oriys/banter/internal/domain"
)

// ChatStore loads chat read models in bulk, scoped to one tenant per call.
type ChatStore interface {
	// UsersByID returns one entry per requested id, in request order.
	UsersByID(ctx context.Context, tenantID string, ids []string) ([]domain.User, error)

	// ChannelsByID returns one entry per requested id, in request order.
	ChannelsByID(ctx context.Context, tenantID string, ids []string) ([]domain.Channel, error)

	// RecentMessages returns up to limit messages for a channel, newest
	// first.
	RecentMessages(ctx context.Context, tenantID, channelID string, limit int) ([]domain.Message, error)

	// Ping reports backend reachability.
	Ping(ctx context.Context) error

	Close() error
}

// PresenceSource loads presence snapshots in bulk. Users the source has
// never seen come back offline rather than missing.
type PresenceSource interface {
	PresenceByUser(ctx context.Context, tenantID string, userIDs []string) ([]domain.Presence, error)
	Close() error
}

// ScopedID identifies one entity within one tenant. It is the batch key
// for cross-tenant loaders: comparable, so identical lookups deduplicate,
// and never string-concatenated on the wire.
type ScopedID struct {
	TenantID string
	ID       string
}

func (s ScopedID) String() string {
	return s.TenantID + "/" + s.ID
}

// alignByID reorders fetched rows into request order, synthesizing a
// zero-value entry for every id the backend did not return.
func alignByID[T any](ids []string, rows map[string]T, missing func(id string) T) []T {
	out := make([]T, len(ids))
	for i, id := range ids {
		if v, ok := rows[id]; ok {
			out[i] = v
			continue
		}
		out[i] = missing(id)
	}
	return out
}
