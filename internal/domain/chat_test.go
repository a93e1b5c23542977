package domain

import "testing"

func TestIsValidPresenceState(t *testing.T) {
	tests := []struct {
		s    PresenceState
		want bool
	}{
		{PresenceOnline, true},
		{PresenceAway, true},
		{PresenceDND, true},
		{PresenceOffline, true},
		{PresenceState("busy"), false},
		{PresenceState(""), false},
	}
	for _, tt := range tests {
		if got := IsValidPresenceState(tt.s); got != tt.want {
			t.Errorf("IsValidPresenceState(%q) = %v, want %v", tt.s, got, tt.want)
		}
	}
}

func TestEntityTags(t *testing.T) {
	if got := UserTag("u1"); got != "user:u1" {
		t.Errorf("UserTag(u1) = %q", got)
	}
	if got := ChannelTag("c9"); got != "channel:c9" {
		t.Errorf("ChannelTag(c9) = %q", got)
	}
}
