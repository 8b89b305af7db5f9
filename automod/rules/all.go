package rules

import (
	"time"

	"github.com/bouncerbot/bouncer/automod/engine"
	"github.com/bouncerbot/bouncer/automod/event"
)

const defaultWindow = 5 * time.Minute

// The built-in policy table. Every entry can be overridden at runtime (window, threshold, comparison, enabled).
//
// Comparison operators differ between rules on purpose: ">" for burst counts, ">=" for threshold-style rules.
func DefaultPolicies() []engine.Policy {
	return []engine.Policy{
		{
			Name:           "channel-burst",
			Kinds:          []event.Kind{event.KindChannelCreate, event.KindChannelDelete},
			Match:          "any",
			KeyBy:          []engine.KeyPart{engine.KeyGuild, engine.KeyActor, engine.KeyKind},
			Window:         defaultWindow,
			Threshold:      3,
			Comparison:     engine.GreaterThan,
			Actions:        []engine.PolicyAction{engine.ActBanActor, engine.ActLog},
			Reason:         "automod: mass channel creation or deletion",
			ResetOnTrigger: true,
			Enabled:        true,
		},
		{
			Name:           "role-burst",
			Kinds:          []event.Kind{event.KindRoleCreate, event.KindRoleDelete},
			Match:          "any",
			KeyBy:          []engine.KeyPart{engine.KeyGuild, engine.KeyActor, engine.KeyKind},
			Window:         defaultWindow,
			Threshold:      3,
			Comparison:     engine.GreaterThan,
			Actions:        []engine.PolicyAction{engine.ActBanActor, engine.ActLog},
			Reason:         "automod: mass role creation or deletion",
			ResetOnTrigger: true,
			Enabled:        true,
		},
		{
			Name:           "webhook-create-burst",
			Kinds:          []event.Kind{event.KindWebhookSetChanged},
			Match:          "new-webhooks",
			KeyBy:          []engine.KeyPart{engine.KeyGuild},
			Window:         defaultWindow,
			Threshold:      3,
			Comparison:     engine.AtLeast,
			Actions:        []engine.PolicyAction{engine.ActBanActor, engine.ActDeleteChannelWebhooks, engine.ActLog},
			Reason:         "automod: webhook spam detected",
			ResetOnTrigger: true,
			Enabled:        true,
		},
		{
			Name:           "webhook-message-burst",
			Kinds:          []event.Kind{event.KindMessageCreate},
			Match:          "webhook-message",
			KeyBy:          []engine.KeyPart{engine.KeyGuild, engine.KeyWebhook},
			Window:         defaultWindow,
			Threshold:      3,
			Comparison:     engine.GreaterThan,
			Actions:        []engine.PolicyAction{engine.ActDeleteWebhook, engine.ActLog},
			Reason:         "automod: webhook removed for spam",
			ResetOnTrigger: true,
			Enabled:        true,
		},
		{
			Name:           "webhook-message-repeat",
			Kinds:          []event.Kind{event.KindMessageCreate},
			Match:          "webhook-message",
			KeyBy:          []engine.KeyPart{engine.KeyGuild, engine.KeyWebhook, engine.KeyContent},
			Window:         defaultWindow,
			Threshold:      3,
			Comparison:     engine.GreaterThan,
			Actions:        []engine.PolicyAction{engine.ActDeleteWebhook, engine.ActLog},
			Reason:         "automod: webhook removed for repeated messages",
			ResetOnTrigger: true,
			Enabled:        true,
		},
		{
			Name:           "message-repeat",
			Kinds:          []event.Kind{event.KindMessageCreate},
			Match:          "human-message",
			KeyBy:          []engine.KeyPart{engine.KeyActor, engine.KeyContent},
			Window:         defaultWindow,
			Threshold:      3,
			Comparison:     engine.GreaterThan,
			Actions:        []engine.PolicyAction{engine.ActDeleteMessage, engine.ActWarnActor, engine.ActLog},
			Reason:         "automod: repeated message spam",
			Warning:        "Your message was removed: please don't post the same message over and over.",
			ResetOnTrigger: true,
			Enabled:        true,
		},
		{
			Name:           "mass-ban",
			Kinds:          []event.Kind{event.KindBanRecorded},
			Match:          "any",
			KeyBy:          []engine.KeyPart{engine.KeyGuild, engine.KeyActor},
			Window:         defaultWindow,
			Threshold:      5,
			Comparison:     engine.AtLeast,
			Actions:        []engine.PolicyAction{engine.ActBanActor, engine.ActLog},
			Reason:         "automod: mass banning of members",
			ResetOnTrigger: true,
			Enabled:        true,
		},
		{
			Name:    "suspicious-link",
			Kinds:   []event.Kind{event.KindMessageCreate},
			Match:   "suspicious-link",
			Actions: []engine.PolicyAction{engine.ActDeleteMessage, engine.ActWarnActor, engine.ActLog},
			Reason:  "automod: link shortener",
			Warning: "Your message was removed: shortened links are not allowed here.",
			Enabled: true,
		},
		{
			Name:    "unverified-bot",
			Kinds:   []event.Kind{event.KindMemberJoined},
			Match:   "unverified-bot",
			Actions: []engine.PolicyAction{engine.ActKickMember, engine.ActLog},
			Reason:  "automod: unverified bot account",
			Enabled: true,
		},
	}
}
