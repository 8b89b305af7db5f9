package flagstore

import (
	"context"
)

// Flags are short string markers attached to a subject key (eg, the policies an account has triggered in a guild). Operators can query them; nothing in detection depends on them.
type FlagStore interface {
	Get(ctx context.Context, key string) ([]string, error)
	Add(ctx context.Context, key string, flags []string) error
	Remove(ctx context.Context, key string, flags []string) error
}

// Flag key for an account within a guild.
func SubjectKey(guildID, userID string) string {
	return guildID + "/" + userID
}
