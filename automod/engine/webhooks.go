package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
)

const webhookSnapshotCache = "webhook-snapshot"

// Fetches the channel's current webhooks, stores them as the new snapshot, and returns IDs not present in the previous snapshot.
//
// Returns a single empty ID when there is nothing to compare against: the change is assumed to be one creation.
func (eng *Engine) diffWebhooks(ctx context.Context, logger *slog.Logger, channelID string) []string {
	unknown := []string{""}

	fctx, cancel := context.WithTimeout(ctx, eng.fetchTimeout())
	hooks, err := eng.Platform.FetchWebhooks(fctx, channelID)
	cancel()
	if err != nil {
		logger.Warn("failed to fetch channel webhooks", "channel", channelID, "err", err)
		webhookFetches.WithLabelValues("error").Inc()
		return unknown
	}
	webhookFetches.WithLabelValues("ok").Inc()
	if eng.Cache == nil {
		return unknown
	}

	current := make([]string, 0, len(hooks))
	for _, h := range hooks {
		current = append(current, h.ID)
	}
	slices.Sort(current)

	prevJSON, err := eng.Cache.Get(ctx, webhookSnapshotCache, channelID)
	if err != nil {
		logger.Warn("failed to read webhook snapshot", "channel", channelID, "err", err)
		prevJSON = ""
	}
	b, err := json.Marshal(current)
	if err == nil {
		if err := eng.Cache.Set(ctx, webhookSnapshotCache, channelID, string(b)); err != nil {
			logger.Warn("failed to store webhook snapshot", "channel", channelID, "err", err)
		}
	}

	if prevJSON == "" {
		return unknown
	}
	var prev []string
	if err := json.Unmarshal([]byte(prevJSON), &prev); err != nil {
		logger.Warn("corrupt webhook snapshot", "channel", channelID, "err", err)
		return unknown
	}
	var added []string
	for _, id := range current {
		if !slices.Contains(prev, id) {
			added = append(added, id)
		}
	}
	return added
}
