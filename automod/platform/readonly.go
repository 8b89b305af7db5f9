package platform

import (
	"context"
	"log/slog"
	"time"
)

// Wraps another Platform, forwarding reads but only logging writes. Used for dry-run deployments.
type ReadonlyPlatform struct {
	Inner  Platform
	Logger *slog.Logger
}

var _ Platform = (*ReadonlyPlatform)(nil)

func NewReadonlyPlatform(inner Platform, logger *slog.Logger) *ReadonlyPlatform {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReadonlyPlatform{
		Inner:  inner,
		Logger: logger.With("platform", "readonly"),
	}
}

func (p *ReadonlyPlatform) skip(action ActionKind, args ...any) error {
	p.Logger.Info("skipping platform write (readonly mode)", append([]any{"action", action}, args...)...)
	return nil
}

func (p *ReadonlyPlatform) FetchAuditActor(ctx context.Context, guildID string, action AuditAction) (string, bool, error) {
	return p.Inner.FetchAuditActor(ctx, guildID, action)
}

func (p *ReadonlyPlatform) Ban(ctx context.Context, guildID, userID, reason string) error {
	return p.skip(ActionBan, "guild", guildID, "user", userID, "reason", reason)
}

func (p *ReadonlyPlatform) Kick(ctx context.Context, guildID, userID, reason string) error {
	return p.skip(ActionKick, "guild", guildID, "user", userID, "reason", reason)
}

func (p *ReadonlyPlatform) Timeout(ctx context.Context, guildID, userID string, d time.Duration, reason string) error {
	return p.skip(ActionTimeout, "guild", guildID, "user", userID, "duration", d, "reason", reason)
}

func (p *ReadonlyPlatform) DeleteMessage(ctx context.Context, channelID, messageID, reason string) error {
	return p.skip(ActionDeleteMessage, "channel", channelID, "message", messageID, "reason", reason)
}

func (p *ReadonlyPlatform) FetchWebhooks(ctx context.Context, channelID string) ([]Webhook, error) {
	return p.Inner.FetchWebhooks(ctx, channelID)
}

func (p *ReadonlyPlatform) DeleteWebhook(ctx context.Context, webhookID, reason string) error {
	return p.skip(ActionDeleteWebhook, "webhook", webhookID, "reason", reason)
}

func (p *ReadonlyPlatform) DeleteChannel(ctx context.Context, channelID, reason string) error {
	return p.skip(ActionDeleteChannel, "channel", channelID, "reason", reason)
}

func (p *ReadonlyPlatform) SendChannelMessage(ctx context.Context, channelID, text string) error {
	return p.skip(ActionLog, "channel", channelID, "text", text)
}

func (p *ReadonlyPlatform) SendDirectMessage(ctx context.Context, userID, text string) error {
	return p.skip(ActionWarn, "user", userID, "text", text)
}

func (p *ReadonlyPlatform) CanAct(ctx context.Context, guildID string, action ActionKind, targetID string) (bool, error) {
	return p.Inner.CanAct(ctx, guildID, action, targetID)
}

func (p *ReadonlyPlatform) SelfID() string {
	return p.Inner.SelfID()
}
