package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnsupportedDispatch = errors.New("unsupported dispatch type")

// Bit in a user's public_flags marking a bot account verified by the platform.
const flagVerifiedBot = 1 << 16

// Raw gateway dispatch, as relayed by an upstream gateway bridge.
type Dispatch struct {
	T string          `json:"t"`
	D json.RawMessage `json:"d"`
}

type dispatchUser struct {
	ID          string `json:"id"`
	Bot         bool   `json:"bot,omitempty"`
	PublicFlags int64  `json:"public_flags,omitempty"`
}

type dispatchMessage struct {
	ID        string        `json:"id"`
	ChannelID string        `json:"channel_id"`
	GuildID   string        `json:"guild_id"`
	Author    *dispatchUser `json:"author"`
	Content   string        `json:"content"`
	WebhookID string        `json:"webhook_id,omitempty"`
}

type dispatchChannel struct {
	ID      string `json:"id"`
	GuildID string `json:"guild_id"`
	Name    string `json:"name"`
}

type dispatchRole struct {
	GuildID string `json:"guild_id"`
	RoleID  string `json:"role_id,omitempty"`
	Role    *struct {
		ID string `json:"id"`
	} `json:"role,omitempty"`
}

type dispatchGuildUser struct {
	GuildID   string        `json:"guild_id"`
	ChannelID string        `json:"channel_id,omitempty"`
	User      *dispatchUser `json:"user,omitempty"`
}

// Converts a raw gateway dispatch into a normalized Event. Dispatch types which no policy cares about return ErrUnsupportedDispatch.
//
// The returned event has a zero timestamp and no actor; the engine fills both in.
func FromDispatch(t string, d json.RawMessage) (*Event, error) {
	switch t {
	case "MESSAGE_CREATE":
		var m dispatchMessage
		if err := json.Unmarshal(d, &m); err != nil {
			return nil, fmt.Errorf("%w: decoding %s: %w", ErrMalformedEvent, t, err)
		}
		evt := &Event{
			Kind:    KindMessageCreate,
			GuildID: m.GuildID,
			Message: &MessageCreate{
				ChannelID:        m.ChannelID,
				MessageID:        m.ID,
				Content:          m.Content,
				WebhookID:        m.WebhookID,
				IsWebhookSourced: m.WebhookID != "",
			},
		}
		if m.Author != nil {
			evt.Message.AuthorID = m.Author.ID
			evt.Message.AuthorIsBot = m.Author.Bot
		}
		return evt, nil
	case "CHANNEL_CREATE", "CHANNEL_DELETE":
		var c dispatchChannel
		if err := json.Unmarshal(d, &c); err != nil {
			return nil, fmt.Errorf("%w: decoding %s: %w", ErrMalformedEvent, t, err)
		}
		kind := KindChannelCreate
		if t == "CHANNEL_DELETE" {
			kind = KindChannelDelete
		}
		return &Event{
			Kind:    kind,
			GuildID: c.GuildID,
			Channel: &ChannelChange{ChannelID: c.ID, ChannelName: c.Name},
		}, nil
	case "GUILD_ROLE_CREATE", "GUILD_ROLE_DELETE":
		var r dispatchRole
		if err := json.Unmarshal(d, &r); err != nil {
			return nil, fmt.Errorf("%w: decoding %s: %w", ErrMalformedEvent, t, err)
		}
		kind := KindRoleCreate
		if t == "GUILD_ROLE_DELETE" {
			kind = KindRoleDelete
		}
		roleID := r.RoleID
		if r.Role != nil && r.Role.ID != "" {
			roleID = r.Role.ID
		}
		return &Event{
			Kind:    kind,
			GuildID: r.GuildID,
			Role:    &RoleChange{RoleID: roleID},
		}, nil
	case "WEBHOOKS_UPDATE":
		var w dispatchGuildUser
		if err := json.Unmarshal(d, &w); err != nil {
			return nil, fmt.Errorf("%w: decoding %s: %w", ErrMalformedEvent, t, err)
		}
		return &Event{
			Kind:     KindWebhookSetChanged,
			GuildID:  w.GuildID,
			Webhooks: &WebhookSetChange{ChannelID: w.ChannelID},
		}, nil
	case "GUILD_BAN_ADD":
		var b dispatchGuildUser
		if err := json.Unmarshal(d, &b); err != nil {
			return nil, fmt.Errorf("%w: decoding %s: %w", ErrMalformedEvent, t, err)
		}
		evt := &Event{
			Kind:    KindBanRecorded,
			GuildID: b.GuildID,
			Ban:     &BanRecord{},
		}
		if b.User != nil {
			evt.Ban.BannedUserID = b.User.ID
		}
		return evt, nil
	case "GUILD_MEMBER_ADD":
		var m dispatchGuildUser
		if err := json.Unmarshal(d, &m); err != nil {
			return nil, fmt.Errorf("%w: decoding %s: %w", ErrMalformedEvent, t, err)
		}
		evt := &Event{
			Kind:    KindMemberJoined,
			GuildID: m.GuildID,
			Member:  &MemberJoin{},
		}
		if m.User != nil {
			evt.Member.MemberID = m.User.ID
			evt.Member.IsBot = m.User.Bot
			evt.Member.IsVerified = m.User.PublicFlags&flagVerifiedBot != 0
		}
		return evt, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDispatch, t)
	}
}

// Decodes a {"t": ..., "d": ...} envelope and normalizes it.
func FromDispatchJSON(raw []byte) (*Event, error) {
	var d Dispatch
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("%w: decoding dispatch envelope: %w", ErrMalformedEvent, err)
	}
	if d.T == "" {
		return nil, fmt.Errorf("%w: dispatch envelope has no type", ErrMalformedEvent)
	}
	return FromDispatch(d.T, d.D)
}
