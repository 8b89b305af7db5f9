package engine

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/bouncerbot/bouncer/automod/countstore"
	"github.com/bouncerbot/bouncer/automod/dispatch"
	"github.com/bouncerbot/bouncer/automod/event"
	"github.com/bouncerbot/bouncer/automod/flagstore"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func (eng *Engine) evaluatePolicy(c *EventContext, p *Policy) error {
	match, ok := eng.matcher(p.Match)
	if !ok {
		return fmt.Errorf("unknown matcher: %s", p.Match)
	}
	// cheap exemption check first, when the actor is known without a lookup
	if p.TargetsActor() && c.IsExempt(c.KnownActor()) {
		return nil
	}
	if !match(c) {
		return nil
	}

	logger := c.Logger.With("policy", p.Name)
	if p.Stateless() {
		eng.trigger(c, p, logger, 1)
		return nil
	}

	var actor string
	if p.KeyedBy(KeyActor) {
		a, ok := c.Actor()
		if !ok {
			logger.Info("responsible actor unknown, skipping policy for this event")
			policySkipCount.WithLabelValues(p.Name, "actor-unknown").Inc()
			return nil
		}
		if c.IsExempt(a) {
			return nil
		}
		actor = a
	}

	source, content, ok := keySource(c.Event, p, actor)
	if !ok {
		return nil
	}

	payloads := []string{""}
	if c.Event.Kind == event.KindWebhookSetChanged {
		payloads = c.NewWebhooks()
	}

	for _, payload := range payloads {
		count, fired, err := eng.hit(c, p, source, content, payload)
		if err != nil {
			return fmt.Errorf("counting event: %w", err)
		}
		logger.Debug("counted event", "source", source, "count", count)
		if fired {
			eng.trigger(c, p, logger, count)
			return nil
		}
	}
	return nil
}

// Builds the non-content part of the counter key. Returns false if the event lacks a value for any part (including empty content for content-keyed policies).
func keySource(evt *event.Event, p *Policy, actor string) (source, content string, ok bool) {
	parts := make([]string, 0, len(p.KeyBy))
	for _, part := range p.KeyBy {
		var v string
		switch part {
		case KeyGuild:
			v = evt.GuildID
		case KeyActor:
			v = actor
		case KeyKind:
			v = string(evt.Kind)
		case KeyChannel:
			v = evt.ChannelID()
		case KeyWebhook:
			if evt.Message != nil {
				v = evt.Message.WebhookID
			}
		case KeyContent:
			if evt.Message != nil {
				content = evt.Message.Content
			}
			if content == "" {
				return "", "", false
			}
			continue
		}
		if v == "" {
			return "", "", false
		}
		parts = append(parts, v)
	}
	return strings.Join(parts, "/"), content, true
}

// Records the event and evaluates the threshold. With ResetOnTrigger, the record, evaluation, and reset happen as one unit for the key.
func (eng *Engine) hit(c *EventContext, p *Policy, source, content, payload string) (int, bool, error) {
	ctx := c.Ctx
	at := c.Event.At
	crossed := func(count int) bool {
		return p.Comparison.Crossed(count, p.Threshold)
	}

	if p.KeyedBy(KeyContent) {
		dt := countstore.NewDuplicateTracker(eng.Counters, p.Name)
		if p.ResetOnTrigger {
			return dt.Hit(ctx, source, content, at, p.Window, crossed)
		}
		n, err := dt.Record(ctx, source, content, at, p.Window)
		return n, err == nil && crossed(n), err
	}

	key := p.Name + "/" + source
	if p.ResetOnTrigger {
		return eng.Counters.Hit(ctx, key, at, payload, p.Window, crossed)
	}
	n, err := eng.Counters.Record(ctx, key, at, payload, p.Window)
	return n, err == nil && crossed(n), err
}

func (p *Policy) reason() string {
	if p.Reason != "" {
		return p.Reason
	}
	return "automod: " + p.Name
}

func (eng *Engine) trigger(c *EventContext, p *Policy, logger *slog.Logger, count int) {
	if p.Stateless() {
		logger.Info("policy matched")
	} else {
		logger.Warn("policy threshold crossed", "count", count, "threshold", p.Threshold, "comparison", p.Comparison, "window", p.Window)
	}
	policyTriggerCount.WithLabelValues(p.Name).Inc()
	trace.SpanFromContext(c.Ctx).AddEvent("policy-triggered", trace.WithAttributes(
		attribute.String("policy", p.Name),
		attribute.Int("count", count),
	))

	var actor string
	if slices.ContainsFunc(p.Actions, PolicyAction.TargetsActor) {
		a, ok := c.Actor()
		switch {
		case !ok:
			logger.Warn("responsible actor unknown, skipping actor-targeted actions")
			policySkipCount.WithLabelValues(p.Name, "actor-unknown").Inc()
		case c.IsExempt(a):
			logger.Info("responsible actor is exempt, skipping actor-targeted actions", "actor", a)
			policySkipCount.WithLabelValues(p.Name, "actor-exempt").Inc()
		default:
			actor = a
		}
	}

	actions := buildActions(c.Event, p, actor, count)
	if eng.Dispatcher != nil {
		for _, a := range actions {
			eng.Dispatcher.Execute(c.Ctx, a)
		}
	}

	subject := actor
	if subject == "" && (c.Event.Message != nil || c.Event.Member != nil) {
		subject = c.Event.SubjectID()
	}
	if eng.Flags != nil && subject != "" {
		if err := eng.Flags.Add(c.Ctx, flagstore.SubjectKey(c.Event.GuildID, subject), []string{p.Name}); err != nil {
			logger.Error("failed to record flag", "err", err)
		}
	}

	if eng.Dispatcher != nil && alertWorthy(p) {
		eng.Dispatcher.Alert(c.Ctx, fmt.Sprintf("bouncer: policy %s triggered in guild %s (subject %s, count %d)", p.Name, c.Event.GuildID, subject, count))
	}
}

// Triggers which remove accounts or infrastructure (rather than single messages) are worth an operator alert.
func alertWorthy(p *Policy) bool {
	for _, a := range p.Actions {
		switch a {
		case ActBanActor, ActKickActor, ActDeleteWebhook, ActDeleteChannel, ActDeleteChannelWebhooks:
			return true
		}
	}
	return false
}

// Converts the policy's relative actions into concrete actions for this event. Actions whose target is missing from the event (or is an unknown actor) are left out.
func buildActions(evt *event.Event, p *Policy, actor string, count int) []dispatch.PendingAction {
	reason := p.reason()
	var out []dispatch.PendingAction
	for _, pa := range p.Actions {
		a := dispatch.PendingAction{
			Kind:    actionKinds[pa],
			GuildID: evt.GuildID,
			Reason:  reason,
			Policy:  p.Name,
		}
		switch pa {
		case ActBanActor, ActKickActor, ActTimeoutActor:
			if actor == "" {
				continue
			}
			a.TargetID = actor
			a.Duration = p.TimeoutDuration
		case ActWarnActor:
			if actor == "" {
				continue
			}
			a.TargetID = actor
			a.Text = p.Warning
			if a.Text == "" {
				a.Text = reason
			}
		case ActKickMember:
			if evt.Member == nil {
				continue
			}
			a.TargetID = evt.Member.MemberID
		case ActDeleteMessage:
			if evt.Message == nil {
				continue
			}
			a.ChannelID = evt.Message.ChannelID
			a.MessageID = evt.Message.MessageID
			a.TargetID = evt.Message.MessageID
		case ActDeleteWebhook:
			if evt.Message == nil || evt.Message.WebhookID == "" {
				continue
			}
			a.TargetID = evt.Message.WebhookID
			a.ChannelID = evt.Message.ChannelID
		case ActDeleteChannel, ActDeleteChannelWebhooks:
			a.ChannelID = evt.ChannelID()
			if a.ChannelID == "" {
				continue
			}
			a.TargetID = a.ChannelID
		case ActLog:
			a.Text = logLine(evt, p, actor, count)
		}
		out = append(out, a)
	}
	return out
}

func logLine(evt *event.Event, p *Policy, actor string, count int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**%s**: %s", p.Name, p.reason())
	if actor != "" {
		fmt.Fprintf(&sb, " | actor <@%s>", actor)
	} else if subject := evt.SubjectID(); subject != "" {
		fmt.Fprintf(&sb, " | subject %s", subject)
	}
	if ch := evt.ChannelID(); ch != "" {
		fmt.Fprintf(&sb, " | channel <#%s>", ch)
	}
	if !p.Stateless() {
		fmt.Fprintf(&sb, " | %d events within %s", count, p.Window)
	}
	return sb.String()
}
