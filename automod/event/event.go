package event

import (
	"errors"
	"fmt"
	"time"
)

var ErrMalformedEvent = errors.New("malformed event")

type Kind string

const (
	KindMessageCreate     Kind = "messageCreate"
	KindChannelCreate     Kind = "channelCreate"
	KindChannelDelete     Kind = "channelDelete"
	KindRoleCreate        Kind = "roleCreate"
	KindRoleDelete        Kind = "roleDelete"
	KindWebhookSetChanged Kind = "webhookSetChanged"
	KindBanRecorded       Kind = "banRecorded"
	KindMemberJoined      Kind = "memberJoined"
)

var AllKinds = []Kind{
	KindMessageCreate,
	KindChannelCreate,
	KindChannelDelete,
	KindRoleCreate,
	KindRoleDelete,
	KindWebhookSetChanged,
	KindBanRecorded,
	KindMemberJoined,
}

func ParseKind(raw string) (Kind, error) {
	for _, k := range AllKinds {
		if string(k) == raw {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown event kind: %s", raw)
}

// Normalized moderation-relevant event. Exactly one of the per-kind payload fields is expected to be populated, matching Kind.
//
// Events are immutable once handed to the engine.
type Event struct {
	Kind    Kind   `json:"kind"`
	GuildID string `json:"guildId"`
	// When the event happened. If zero, the engine fills in the time the event was received.
	At time.Time `json:"at,omitempty"`
	// Account responsible for the event, if the delivering system already knows it. When empty, the engine falls back to an audit log lookup.
	ActorID string `json:"actorId,omitempty"`

	Message  *MessageCreate    `json:"message,omitempty"`
	Channel  *ChannelChange    `json:"channel,omitempty"`
	Role     *RoleChange       `json:"role,omitempty"`
	Webhooks *WebhookSetChange `json:"webhooks,omitempty"`
	Ban      *BanRecord        `json:"ban,omitempty"`
	Member   *MemberJoin       `json:"member,omitempty"`
}

type MessageCreate struct {
	ChannelID        string `json:"channelId"`
	MessageID        string `json:"messageId"`
	AuthorID         string `json:"authorId"`
	AuthorIsBot      bool   `json:"authorIsBot,omitempty"`
	Content          string `json:"content"`
	IsWebhookSourced bool   `json:"isWebhookSourced,omitempty"`
	WebhookID        string `json:"webhookId,omitempty"`
}

// Message was posted by a human account (not a bot, not a webhook)
func (m *MessageCreate) IsHuman() bool {
	return !m.AuthorIsBot && !m.IsWebhook()
}

func (m *MessageCreate) IsWebhook() bool {
	return m.IsWebhookSourced || m.WebhookID != ""
}

type ChannelChange struct {
	ChannelID   string `json:"channelId"`
	ChannelName string `json:"channelName,omitempty"`
}

type RoleChange struct {
	RoleID string `json:"roleId"`
}

// Signals that the set of webhooks for a channel changed. The new set must be re-derived by fetching.
type WebhookSetChange struct {
	ChannelID string `json:"channelId"`
}

type BanRecord struct {
	BannedUserID string `json:"bannedUserId"`
}

type MemberJoin struct {
	MemberID   string `json:"memberId"`
	IsBot      bool   `json:"isBot,omitempty"`
	IsVerified bool   `json:"isVerified,omitempty"`
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedEvent, fmt.Sprintf(format, args...))
}

// Checks that the event has all the fields required for its kind.
func (e *Event) Validate() error {
	if e.GuildID == "" {
		return malformed("missing guild ID (kind=%s)", e.Kind)
	}
	switch e.Kind {
	case KindMessageCreate:
		if e.Message == nil {
			return malformed("missing message payload")
		}
		if e.Message.ChannelID == "" || e.Message.MessageID == "" {
			return malformed("message missing channel or message ID")
		}
		if e.Message.IsWebhook() {
			if e.Message.WebhookID == "" {
				return malformed("webhook-sourced message missing webhook ID")
			}
		} else if e.Message.AuthorID == "" {
			return malformed("message missing author ID")
		}
	case KindChannelCreate, KindChannelDelete:
		if e.Channel == nil || e.Channel.ChannelID == "" {
			return malformed("missing channel payload")
		}
	case KindRoleCreate, KindRoleDelete:
		if e.Role == nil || e.Role.RoleID == "" {
			return malformed("missing role payload")
		}
	case KindWebhookSetChanged:
		if e.Webhooks == nil || e.Webhooks.ChannelID == "" {
			return malformed("missing webhook channel")
		}
	case KindBanRecorded:
		if e.Ban == nil || e.Ban.BannedUserID == "" {
			return malformed("missing ban payload")
		}
	case KindMemberJoined:
		if e.Member == nil || e.Member.MemberID == "" {
			return malformed("missing member payload")
		}
	default:
		return malformed("unhandled event kind: %q", e.Kind)
	}
	return nil
}

// Primary subject of the event (author, channel, role, etc), used for logging.
func (e *Event) SubjectID() string {
	switch {
	case e.Message != nil:
		if e.Message.IsWebhook() {
			return e.Message.WebhookID
		}
		return e.Message.AuthorID
	case e.Channel != nil:
		return e.Channel.ChannelID
	case e.Role != nil:
		return e.Role.RoleID
	case e.Webhooks != nil:
		return e.Webhooks.ChannelID
	case e.Ban != nil:
		return e.Ban.BannedUserID
	case e.Member != nil:
		return e.Member.MemberID
	}
	return ""
}

// Channel the event happened in, if any.
func (e *Event) ChannelID() string {
	switch {
	case e.Message != nil:
		return e.Message.ChannelID
	case e.Channel != nil:
		return e.Channel.ChannelID
	case e.Webhooks != nil:
		return e.Webhooks.ChannelID
	}
	return ""
}
