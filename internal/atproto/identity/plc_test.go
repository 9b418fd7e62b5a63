package identity

import "testing"

func TestHandleFromAliases(t *testing.T) {
	tests := []struct {
		name    string
		aliases []string
		want    string
	}{
		{
			name:    "at:// alias present",
			aliases: []string{"https://alice.bsky.social", "at://alice.bsky.social"},
			want:    "alice.bsky.social",
		},
		{
			name:    "no at:// alias",
			aliases: []string{"https://alice.bsky.social"},
			want:    "",
		},
		{
			name:    "empty aliases",
			aliases: nil,
			want:    "",
		},
		{
			name:    "first at:// alias wins",
			aliases: []string{"at://first.bsky.social", "at://second.bsky.social"},
			want:    "first.bsky.social",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := handleFromAliases(tt.aliases); got != tt.want {
				t.Errorf("handleFromAliases(%v) = %q, want %q", tt.aliases, got, tt.want)
			}
		})
	}
}
