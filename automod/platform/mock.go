package platform

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// A single call recorded by MockPlatform.
type Call struct {
	Action    ActionKind
	GuildID   string
	ChannelID string
	TargetID  string
	Reason    string
	Text      string
	Duration  time.Duration
}

// In-memory Platform implementation for tests and offline replay. Records every write, and supports injected failures.
type MockPlatform struct {
	Self string

	mu       sync.Mutex
	calls    []Call
	audit    map[string]string
	auditErr error
	webhooks map[string][]Webhook
	hooksErr error
	failures map[ActionKind]error
	denied   map[string]bool
}

var _ Platform = (*MockPlatform)(nil)

func NewMockPlatform(selfID string) *MockPlatform {
	return &MockPlatform{
		Self:     selfID,
		audit:    make(map[string]string),
		webhooks: make(map[string][]Webhook),
		failures: make(map[ActionKind]error),
		denied:   make(map[string]bool),
	}
}

func auditKey(guildID string, action AuditAction) string {
	return fmt.Sprintf("%s/%d", guildID, action)
}

// Configures the actor returned for audit lookups. An empty actorID clears it.
func (p *MockPlatform) SetAuditActor(guildID string, action AuditAction, actorID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if actorID == "" {
		delete(p.audit, auditKey(guildID, action))
		return
	}
	p.audit[auditKey(guildID, action)] = actorID
}

// Makes every audit lookup fail with the given error (nil to clear).
func (p *MockPlatform) SetAuditError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.auditErr = err
}

func (p *MockPlatform) SetWebhooks(channelID string, hooks []Webhook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.webhooks[channelID] = slices.Clone(hooks)
}

// Makes every webhook fetch fail with the given error (nil to clear).
func (p *MockPlatform) SetWebhooksError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooksErr = err
}

// Makes all subsequent calls of the given action kind fail with err (nil to clear). The call is still recorded.
func (p *MockPlatform) Fail(action ActionKind, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, action)
		return
	}
	p.failures[action] = err
}

// Makes CanAct return false for the given target.
func (p *MockPlatform) Deny(targetID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.denied[targetID] = true
}

func (p *MockPlatform) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.calls)
}

func (p *MockPlatform) CallsFor(action ActionKind) []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Call
	for _, c := range p.calls {
		if c.Action == action {
			out = append(out, c)
		}
	}
	return out
}

func (p *MockPlatform) ResetCalls() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}

func (p *MockPlatform) record(ctx context.Context, c Call) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, c)
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.failures[c.Action]
}

func (p *MockPlatform) FetchAuditActor(ctx context.Context, guildID string, action AuditAction) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.auditErr != nil {
		return "", false, p.auditErr
	}
	actor, ok := p.audit[auditKey(guildID, action)]
	return actor, ok, nil
}

func (p *MockPlatform) Ban(ctx context.Context, guildID, userID, reason string) error {
	return p.record(ctx, Call{Action: ActionBan, GuildID: guildID, TargetID: userID, Reason: reason})
}

func (p *MockPlatform) Kick(ctx context.Context, guildID, userID, reason string) error {
	return p.record(ctx, Call{Action: ActionKick, GuildID: guildID, TargetID: userID, Reason: reason})
}

func (p *MockPlatform) Timeout(ctx context.Context, guildID, userID string, d time.Duration, reason string) error {
	return p.record(ctx, Call{Action: ActionTimeout, GuildID: guildID, TargetID: userID, Duration: d, Reason: reason})
}

func (p *MockPlatform) DeleteMessage(ctx context.Context, channelID, messageID, reason string) error {
	return p.record(ctx, Call{Action: ActionDeleteMessage, ChannelID: channelID, TargetID: messageID, Reason: reason})
}

func (p *MockPlatform) FetchWebhooks(ctx context.Context, channelID string) ([]Webhook, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hooksErr != nil {
		return nil, p.hooksErr
	}
	return slices.Clone(p.webhooks[channelID]), nil
}

func (p *MockPlatform) DeleteWebhook(ctx context.Context, webhookID, reason string) error {
	if err := p.record(ctx, Call{Action: ActionDeleteWebhook, TargetID: webhookID, Reason: reason}); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for ch, hooks := range p.webhooks {
		p.webhooks[ch] = slices.DeleteFunc(hooks, func(w Webhook) bool { return w.ID == webhookID })
	}
	return nil
}

func (p *MockPlatform) DeleteChannel(ctx context.Context, channelID, reason string) error {
	return p.record(ctx, Call{Action: ActionDeleteChannel, ChannelID: channelID, TargetID: channelID, Reason: reason})
}

func (p *MockPlatform) SendChannelMessage(ctx context.Context, channelID, text string) error {
	return p.record(ctx, Call{Action: ActionLog, ChannelID: channelID, Text: text})
}

func (p *MockPlatform) SendDirectMessage(ctx context.Context, userID, text string) error {
	return p.record(ctx, Call{Action: ActionWarn, TargetID: userID, Text: text})
}

func (p *MockPlatform) CanAct(ctx context.Context, guildID string, action ActionKind, targetID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if targetID == p.Self {
		return false, nil
	}
	return !p.denied[targetID], nil
}

func (p *MockPlatform) SelfID() string {
	return p.Self
}
