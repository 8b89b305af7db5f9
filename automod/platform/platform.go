package platform

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound    = errors.New("platform: resource not found")
	ErrForbidden   = errors.New("platform: missing permission")
	ErrRateLimited = errors.New("platform: rate limited")
	ErrUnavailable = errors.New("platform: service unavailable")
)

// Audit log action types, using the platform's numeric codes.
type AuditAction int

const (
	AuditChannelCreate AuditAction = 10
	AuditChannelDelete AuditAction = 12
	AuditMemberBanAdd  AuditAction = 22
	AuditBotAdd        AuditAction = 28
	AuditRoleCreate    AuditAction = 30
	AuditRoleDelete    AuditAction = 32
	AuditWebhookCreate AuditAction = 50
)

func (a AuditAction) String() string {
	switch a {
	case AuditChannelCreate:
		return "channel-create"
	case AuditChannelDelete:
		return "channel-delete"
	case AuditMemberBanAdd:
		return "member-ban-add"
	case AuditBotAdd:
		return "bot-add"
	case AuditRoleCreate:
		return "role-create"
	case AuditRoleDelete:
		return "role-delete"
	case AuditWebhookCreate:
		return "webhook-create"
	}
	return "unknown"
}

// Moderation capabilities the engine can ask the platform to perform.
type ActionKind string

const (
	ActionBan                   ActionKind = "ban"
	ActionKick                  ActionKind = "kick"
	ActionTimeout               ActionKind = "timeout"
	ActionDeleteMessage         ActionKind = "delete-message"
	ActionDeleteWebhook         ActionKind = "delete-webhook"
	ActionDeleteChannel         ActionKind = "delete-channel"
	ActionDeleteChannelWebhooks ActionKind = "delete-channel-webhooks"
	ActionWarn                  ActionKind = "warn"
	ActionLog                   ActionKind = "log"
)

// Whether the action removes or restricts a member (as opposed to deleting content or sending a notice).
func (k ActionKind) TargetsMember() bool {
	return k == ActionBan || k == ActionKick || k == ActionTimeout
}

type Webhook struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Name      string `json:"name,omitempty"`
}

// Looks up who performed the most recent audited action of a given type in a guild.
//
// An error, or ok=false, means the actor is unknown.
type AuditResolver interface {
	FetchAuditActor(ctx context.Context, guildID string, action AuditAction) (actorID string, ok bool, err error)
}

// Outbound moderation capability of the platform.
type Platform interface {
	AuditResolver

	Ban(ctx context.Context, guildID, userID, reason string) error
	Kick(ctx context.Context, guildID, userID, reason string) error
	Timeout(ctx context.Context, guildID, userID string, d time.Duration, reason string) error
	DeleteMessage(ctx context.Context, channelID, messageID, reason string) error
	FetchWebhooks(ctx context.Context, channelID string) ([]Webhook, error)
	DeleteWebhook(ctx context.Context, webhookID, reason string) error
	DeleteChannel(ctx context.Context, channelID, reason string) error
	SendChannelMessage(ctx context.Context, channelID, text string) error
	SendDirectMessage(ctx context.Context, userID, text string) error

	// Precondition check: whether the engine's own account is able to perform the action against the target (role hierarchy, ownership, self).
	CanAct(ctx context.Context, guildID string, action ActionKind, targetID string) (bool, error)
	// Account ID the engine itself acts as.
	SelfID() string
}

// Short label for an error returned by a platform call, used for logging and metric labels.
func Classify(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrNotFound):
		return "not-found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrRateLimited):
		return "rate-limited"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	}
	return "unknown"
}
