package engine

import (
	"context"
	"log/slog"

	"github.com/bouncerbot/bouncer/automod/event"
	"github.com/bouncerbot/bouncer/automod/platform"
)

// Name of the set holding account IDs which are exempt from actor-targeted policies.
const TrustedActorsSet = "trusted-actors"

// Per-event state shared by all policies evaluated for the event. Matchers receive it read-only.
//
// Lookups which hit the platform (audit log, webhooks) are done at most once per event, and only when some policy needs them.
type EventContext struct {
	// Actual golang "context.Context", if needed for timeouts etc
	Ctx context.Context
	// slog logger handle, with event-specific structured fields pre-populated. Pointer, but expected to never be nil.
	Logger *slog.Logger
	// Immutable
	Event *event.Event

	engine *Engine // NOTE: pointer, but expected never to be nil

	actorResolved bool
	actorID       string

	webhooksResolved bool
	newWebhooks      []string
}

// Account responsible for the event, when known without any lookup: from the event itself, or the author of a human message.
func (c *EventContext) KnownActor() string {
	if c.Event.ActorID != "" {
		return c.Event.ActorID
	}
	switch c.Event.Kind {
	case event.KindMessageCreate:
		if !c.Event.Message.IsWebhook() {
			return c.Event.Message.AuthorID
		}
	case event.KindMemberJoined:
		return c.Event.Member.MemberID
	}
	return ""
}

func auditActionFor(k event.Kind) (platform.AuditAction, bool) {
	switch k {
	case event.KindChannelCreate:
		return platform.AuditChannelCreate, true
	case event.KindChannelDelete:
		return platform.AuditChannelDelete, true
	case event.KindRoleCreate:
		return platform.AuditRoleCreate, true
	case event.KindRoleDelete:
		return platform.AuditRoleDelete, true
	case event.KindWebhookSetChanged:
		return platform.AuditWebhookCreate, true
	case event.KindBanRecorded:
		return platform.AuditMemberBanAdd, true
	}
	return 0, false
}

// Account responsible for the event. Falls back to an audit log lookup (at most once per event). Returns false if the actor can not be determined.
func (c *EventContext) Actor() (string, bool) {
	if c.actorResolved {
		return c.actorID, c.actorID != ""
	}
	c.actorResolved = true
	if known := c.KnownActor(); known != "" {
		c.actorID = known
		return c.actorID, true
	}
	action, ok := auditActionFor(c.Event.Kind)
	if !ok {
		return "", false
	}
	c.actorID = c.engine.resolveAuditActor(c.Ctx, c.Logger, c.Event.GuildID, action)
	return c.actorID, c.actorID != ""
}

// Whether the account is the engine itself, or listed as trusted. Such accounts are never counted or acted upon by actor-targeted policies.
func (c *EventContext) IsExempt(actorID string) bool {
	if actorID == "" {
		return false
	}
	if actorID == c.engine.selfID() {
		return true
	}
	return c.InSet(TrustedActorsSet, actorID)
}

// Helper to check if a value is in a named set. Errors are logged and treated as not-in-set.
func (c *EventContext) InSet(name, val string) bool {
	if c.engine.Sets == nil {
		return false
	}
	ok, err := c.engine.Sets.InSet(c.Ctx, name, val)
	if err != nil {
		c.Logger.Error("failed to check set membership", "set", name, "err", err)
		return false
	}
	return ok
}

// For webhookSetChanged events: IDs of webhooks which are new since the last time this channel was seen. When there is no earlier snapshot to compare against (or the fetch fails), the change is counted as a single creation, with an empty ID.
func (c *EventContext) NewWebhooks() []string {
	if c.webhooksResolved {
		return c.newWebhooks
	}
	c.webhooksResolved = true
	if c.Event.Webhooks == nil {
		return nil
	}
	c.newWebhooks = c.engine.diffWebhooks(c.Ctx, c.Logger, c.Event.Webhooks.ChannelID)
	return c.newWebhooks
}
