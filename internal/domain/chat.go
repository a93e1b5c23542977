// Package domain holds the chat entities the performance layer serves:
// users, channels, messages, and presence. These are read models — the
// write path lives elsewhere and this layer never mutates them.
package domain

import "time"

// PresenceState is a user's availability.
type PresenceState string

const (
	PresenceOnline  PresenceState = "online"
	PresenceAway    PresenceState = "away"
	PresenceDND     PresenceState = "dnd"
	PresenceOffline PresenceState = "offline"
)

// IsValidPresenceState returns true if the state is recognized.
func IsValidPresenceState(s PresenceState) bool {
	switch s {
	case PresenceOnline, PresenceAway, PresenceDND, PresenceOffline:
		return true
	}
	return false
}

// User is a chat account within a tenant.
type User struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Channel is a named conversation within a tenant.
type Channel struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Topic     string    `json:"topic,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one post in a channel.
type Message struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	AuthorID  string    `json:"author_id"`
	Body      string    `json:"body"`
	SentAt    time.Time `json:"sent_at"`
}

// Presence is a user's current availability snapshot.
type Presence struct {
	UserID     string        `json:"user_id"`
	State      PresenceState `json:"state"`
	LastSeenAt time.Time     `json:"last_seen_at,omitempty"`
}

// Cache tag vocabulary. Coarse tags group every entry of one entity kind;
// the per-entity helpers below produce fine-grained tags so a single user
// or channel can be invalidated without flushing its whole kind.
const (
	TagUsers    = "users"
	TagChannels = "channels"
	TagPresence = "presence"
	TagMessages = "messages"
)

// UserTag returns the fine-grained cache tag for one user.
func UserTag(id string) string { return "user:" + id }

// ChannelTag returns the fine-grained cache tag for one channel.
func ChannelTag(id string) string { return "channel:" + id }
