package dispatch

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// Per-guild moderation log channel IDs, with a global fallback. Mutable at runtime; held only in memory.
type LogChannels struct {
	channels *xsync.MapOf[string, string]
}

// the empty guild ID holds the default channel
const defaultGuild = ""

func NewLogChannels(defaultChannel string) *LogChannels {
	lc := &LogChannels{channels: xsync.NewMapOf[string, string]()}
	lc.Set(defaultGuild, defaultChannel)
	return lc
}

// Log channel for the guild, or the default channel if the guild has none.
func (lc *LogChannels) Get(guildID string) string {
	if ch, ok := lc.channels.Load(guildID); ok {
		return ch
	}
	ch, _ := lc.channels.Load(defaultGuild)
	return ch
}

// Sets the log channel for a guild (or the default, for an empty guild ID). An empty channel ID removes the entry.
func (lc *LogChannels) Set(guildID, channelID string) {
	if channelID == "" {
		lc.channels.Delete(guildID)
		return
	}
	lc.channels.Store(guildID, channelID)
}

func (lc *LogChannels) Default() string {
	ch, _ := lc.channels.Load(defaultGuild)
	return ch
}

// Snapshot of per-guild overrides (excluding the default).
func (lc *LogChannels) All() map[string]string {
	out := make(map[string]string)
	lc.channels.Range(func(guildID, channelID string) bool {
		if guildID != defaultGuild {
			out[guildID] = channelID
		}
		return true
	})
	return out
}
