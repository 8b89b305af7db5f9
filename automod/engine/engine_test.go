package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bouncerbot/bouncer/automod/event"
	"github.com/bouncerbot/bouncer/automod/flagstore"
	"github.com/bouncerbot/bouncer/automod/platform"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func channelBurstPolicy() Policy {
	return Policy{
		Name:           "channel-burst",
		Kinds:          []event.Kind{event.KindChannelCreate, event.KindChannelDelete},
		Match:          "any",
		KeyBy:          []KeyPart{KeyGuild, KeyActor, KeyKind},
		Window:         5 * time.Minute,
		Threshold:      3,
		Comparison:     GreaterThan,
		Actions:        []PolicyAction{ActBanActor},
		Reason:         "automod: mass channel creation or deletion",
		ResetOnTrigger: true,
		Enabled:        true,
	}
}

func massBanPolicy() Policy {
	return Policy{
		Name:           "mass-ban",
		Kinds:          []event.Kind{event.KindBanRecorded},
		Match:          "any",
		KeyBy:          []KeyPart{KeyGuild, KeyActor},
		Window:         5 * time.Minute,
		Threshold:      5,
		Comparison:     AtLeast,
		Actions:        []PolicyAction{ActBanActor},
		ResetOnTrigger: true,
		Enabled:        true,
	}
}

func channelEvent(kind event.Kind, actor, channel string, at time.Time) *event.Event {
	return &event.Event{
		Kind:    kind,
		GuildID: "g1",
		At:      at,
		ActorID: actor,
		Channel: &event.ChannelChange{ChannelID: channel, ChannelName: "spam"},
	}
}

func banEvent(actor, banned string, at time.Time) *event.Event {
	return &event.Event{
		Kind:    event.KindBanRecorded,
		GuildID: "g1",
		At:      at,
		ActorID: actor,
		Ban:     &event.BanRecord{BannedUserID: banned},
	}
}

func webhookMessage(webhook, content string, at time.Time, n int) *event.Event {
	return &event.Event{
		Kind:    event.KindMessageCreate,
		GuildID: "g1",
		At:      at,
		Message: &event.MessageCreate{
			ChannelID:        "c1",
			MessageID:        fmt.Sprintf("m%d", n),
			Content:          content,
			IsWebhookSourced: true,
			WebhookID:        webhook,
		},
	}
}

func humanMessage(author, content string, at time.Time, n int) *event.Event {
	return &event.Event{
		Kind:    event.KindMessageCreate,
		GuildID: "g1",
		At:      at,
		Message: &event.MessageCreate{
			ChannelID: "c1",
			MessageID: fmt.Sprintf("m%d", n),
			AuthorID:  author,
			Content:   content,
		},
	}
}

func TestEngineChannelBurst(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	eng := EngineTestFixture()
	mock := MockPlatformOf(eng)
	require.NoError(eng.SetPolicies([]Policy{channelBurstPolicy()}))

	// exactly the threshold does not trigger a ">" policy
	for i, sec := range []int{0, 60, 120} {
		at := t0.Add(time.Duration(sec) * time.Second)
		assert.NoError(eng.ProcessEvent(ctx, channelEvent(event.KindChannelCreate, "A", fmt.Sprintf("c%d", i), at)))
	}
	assert.Empty(mock.CallsFor(platform.ActionBan))

	assert.NoError(eng.ProcessEvent(ctx, channelEvent(event.KindChannelCreate, "A", "c3", t0.Add(180*time.Second))))
	bans := mock.CallsFor(platform.ActionBan)
	require.Len(bans, 1)
	assert.Equal("A", bans[0].TargetID)
	assert.Equal("g1", bans[0].GuildID)
	assert.Contains(bans[0].Reason, "mass channel creation")

	// counter is empty right after the trigger
	n, err := eng.Counters.Count(ctx, "channel-burst/g1/A/channelCreate", t0.Add(180*time.Second), 5*time.Minute, nil)
	assert.NoError(err)
	assert.Equal(0, n)

	// counting restarts from one
	assert.NoError(eng.ProcessEvent(ctx, channelEvent(event.KindChannelCreate, "A", "c4", t0.Add(181*time.Second))))
	n, err = eng.Counters.Count(ctx, "channel-burst/g1/A/channelCreate", t0.Add(181*time.Second), 5*time.Minute, nil)
	assert.NoError(err)
	assert.Equal(1, n)

	flags, err := eng.Flags.Get(ctx, flagstore.SubjectKey("g1", "A"))
	assert.NoError(err)
	assert.Equal([]string{"channel-burst"}, flags)
}

func TestEngineWindowExpiry(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	eng := EngineTestFixture()
	mock := MockPlatformOf(eng)
	assert.NoError(eng.SetPolicies([]Policy{channelBurstPolicy()}))

	// four events, but never more than three within any five minute span
	for i, sec := range []int{0, 120, 240, 301} {
		at := t0.Add(time.Duration(sec) * time.Second)
		assert.NoError(eng.ProcessEvent(ctx, channelEvent(event.KindChannelDelete, "A", fmt.Sprintf("c%d", i), at)))
	}
	assert.Empty(mock.CallsFor(platform.ActionBan))

	// creates and deletes are counted separately
	for i := range 3 {
		assert.NoError(eng.ProcessEvent(ctx, channelEvent(event.KindChannelCreate, "A", fmt.Sprintf("x%d", i), t0.Add(302*time.Second))))
	}
	assert.Empty(mock.CallsFor(platform.ActionBan))

	// and so are actors
	assert.NoError(eng.ProcessEvent(ctx, channelEvent(event.KindChannelCreate, "B", "y1", t0.Add(303*time.Second))))
	assert.Empty(mock.CallsFor(platform.ActionBan))
}

func TestEngineAtLeastComparison(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	eng := EngineTestFixture()
	mock := MockPlatformOf(eng)
	require.NoError(eng.SetPolicies([]Policy{massBanPolicy()}))

	for i := range 4 {
		assert.NoError(eng.ProcessEvent(ctx, banEvent("A", fmt.Sprintf("victim%d", i), t0.Add(time.Duration(i)*time.Second))))
	}
	assert.Empty(mock.CallsFor(platform.ActionBan))

	// fifth ban, exactly at the threshold
	assert.NoError(eng.ProcessEvent(ctx, banEvent("A", "victim4", t0.Add(5*time.Second))))
	bans := mock.CallsFor(platform.ActionBan)
	require.Len(bans, 1)
	assert.Equal("A", bans[0].TargetID)

	// a sixth ban shows up right after; A is already gone, so any further action fails quietly
	mock.Fail(platform.ActionBan, platform.ErrNotFound)
	assert.NoError(eng.ProcessEvent(ctx, banEvent("A", "victim5", t0.Add(6*time.Second))))
	o := eng.Dispatcher.Ban(ctx, "g1", "A", "again")
	assert.NotEqual("applied", string(o))

	// other keys are unaffected
	assert.NoError(eng.ProcessEvent(ctx, banEvent("B", "victim6", t0.Add(7*time.Second))))
	n, err := eng.Counters.Count(ctx, "mass-ban/g1/B", t0.Add(7*time.Second), 5*time.Minute, nil)
	assert.NoError(err)
	assert.Equal(1, n)
	n, err = eng.Counters.Count(ctx, "mass-ban/g1/A", t0.Add(7*time.Second), 5*time.Minute, nil)
	assert.NoError(err)
	assert.Equal(1, n)
}

func TestEngineAuditResolution(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	eng := EngineTestFixture()
	mock := MockPlatformOf(eng)
	require.NoError(eng.SetPolicies([]Policy{channelBurstPolicy()}))

	// no actor on the events, and nothing in the audit log: nothing is recorded
	for i := range 5 {
		assert.NoError(eng.ProcessEvent(ctx, channelEvent(event.KindChannelDelete, "", fmt.Sprintf("c%d", i), t0)))
	}
	assert.Empty(mock.CallsFor(platform.ActionBan))
	assert.Equal(0, eng.Counters.(interface{ Len() int }).Len())

	// audit lookup errors are the same as no entry
	mock.SetAuditError(platform.ErrUnavailable)
	assert.NoError(eng.ProcessEvent(ctx, channelEvent(event.KindChannelDelete, "", "c9", t0)))
	assert.Equal(0, eng.Counters.(interface{ Len() int }).Len())
	mock.SetAuditError(nil)

	mock.SetAuditActor("g1", platform.AuditChannelDelete, "nuker")
	for i := range 4 {
		assert.NoError(eng.ProcessEvent(ctx, channelEvent(event.KindChannelDelete, "", fmt.Sprintf("d%d", i), t0.Add(time.Duration(i)*time.Second))))
	}
	bans := mock.CallsFor(platform.ActionBan)
	require.Len(bans, 1)
	assert.Equal("nuker", bans[0].TargetID)
}

func TestEngineExemptActors(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	eng := EngineTestFixture()
	mock := MockPlatformOf(eng)
	assert.NoError(eng.SetPolicies([]Policy{massBanPolicy(), channelBurstPolicy()}))

	// bans carried out by the engine itself (resolved from the audit log) never count
	mock.SetAuditActor("g1", platform.AuditMemberBanAdd, TestSelfID)
	for i := range 10 {
		assert.NoError(eng.ProcessEvent(ctx, banEvent("", fmt.Sprintf("spammer%d", i), t0)))
	}
	assert.Empty(mock.CallsFor(platform.ActionBan))

	// trusted moderators are exempt
	for i := range 10 {
		assert.NoError(eng.ProcessEvent(ctx, channelEvent(event.KindChannelCreate, "trusted-mod", fmt.Sprintf("c%d", i), t0)))
	}
	assert.Empty(mock.CallsFor(platform.ActionBan))
}

func TestEngineDuplicateContent(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	eng := EngineTestFixture()
	mock := MockPlatformOf(eng)
	require.NoError(eng.SetPolicies([]Policy{{
		Name:           "message-repeat",
		Kinds:          []event.Kind{event.KindMessageCreate},
		Match:          "human-message",
		KeyBy:          []KeyPart{KeyActor, KeyContent},
		Window:         5 * time.Minute,
		Threshold:      3,
		Comparison:     GreaterThan,
		Actions:        []PolicyAction{ActDeleteMessage, ActWarnActor, ActLog},
		Warning:        "please stop repeating yourself",
		ResetOnTrigger: true,
		Enabled:        true,
	}}))

	// four distinct messages never trigger
	for i := range 4 {
		assert.NoError(eng.ProcessEvent(ctx, humanMessage("u1", fmt.Sprintf("hello %d", i), t0, i)))
	}
	assert.Empty(mock.Calls())

	// empty content is never tracked
	for i := range 6 {
		assert.NoError(eng.ProcessEvent(ctx, humanMessage("u1", "", t0, 10+i)))
	}
	assert.Empty(mock.Calls())

	// four identical ones do
	for i := range 4 {
		assert.NoError(eng.ProcessEvent(ctx, humanMessage("u1", "buy now", t0.Add(time.Duration(i)*time.Second), 20+i)))
	}
	dels := mock.CallsFor(platform.ActionDeleteMessage)
	require.Len(dels, 1)
	assert.Equal("m23", dels[0].TargetID)
	assert.Equal("c1", dels[0].ChannelID)
	warns := mock.CallsFor(platform.ActionWarn)
	require.Len(warns, 1)
	assert.Equal("u1", warns[0].TargetID)
	assert.Equal("please stop repeating yourself", warns[0].Text)
	logs := mock.CallsFor(platform.ActionLog)
	require.Len(logs, 1)
	assert.Equal(TestLogChannel, logs[0].ChannelID)
	assert.Contains(logs[0].Text, "message-repeat")

	n, err := eng.ContentCount(ctx, "message-repeat", "u1", "buy now")
	assert.NoError(err)
	assert.Equal(0, n)
	n, err = eng.ContentCount(ctx, "message-repeat", "u1", "hello 1")
	assert.NoError(err)
	assert.Equal(0, n) // engine clock is now, well after t0
}

func TestEngineWebhookRepeat(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	eng := EngineTestFixture()
	mock := MockPlatformOf(eng)
	require.NoError(eng.SetPolicies([]Policy{{
		Name:           "webhook-message-repeat",
		Kinds:          []event.Kind{event.KindMessageCreate},
		Match:          "webhook-message",
		KeyBy:          []KeyPart{KeyGuild, KeyWebhook, KeyContent},
		Window:         5 * time.Minute,
		Threshold:      3,
		Comparison:     GreaterThan,
		Actions:        []PolicyAction{ActDeleteWebhook},
		ResetOnTrigger: true,
		Enabled:        true,
	}}))

	window, threshold := "3s", 5
	_, err := eng.UpdatePolicy("webhook-message-repeat", PolicyOverride{Window: &window, Threshold: &threshold})
	require.NoError(err)

	eng.Clock = func() time.Time { return t0.Add(2500 * time.Millisecond) }
	for i := range 5 {
		at := t0.Add(time.Duration(i) * 500 * time.Millisecond)
		assert.NoError(eng.ProcessEvent(ctx, webhookMessage("W", "free nitro", at, i)))
	}
	assert.Empty(mock.CallsFor(platform.ActionDeleteWebhook))
	n, err := eng.ContentCount(ctx, "webhook-message-repeat", "g1/W", "free nitro")
	assert.NoError(err)
	assert.Equal(5, n)

	assert.NoError(eng.ProcessEvent(ctx, webhookMessage("W", "free nitro", t0.Add(2500*time.Millisecond), 5)))
	dels := mock.CallsFor(platform.ActionDeleteWebhook)
	require.Len(dels, 1)
	assert.Equal("W", dels[0].TargetID)

	n, err = eng.ContentCount(ctx, "webhook-message-repeat", "g1/W", "free nitro")
	assert.NoError(err)
	assert.Equal(0, n)

	_, err = eng.ContentCount(ctx, "nope", "g1/W", "free nitro")
	assert.ErrorIs(err, ErrUnknownPolicy)
}

func TestEngineStatelessPolicy(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	eng := EngineTestFixture()
	mock := MockPlatformOf(eng)
	require.NoError(eng.SetPolicies([]Policy{{
		Name:    "bad-link",
		Kinds:   []event.Kind{event.KindMessageCreate},
		Match:   "contains-bad-link",
		Actions: []PolicyAction{ActDeleteMessage, ActWarnActor, ActLog},
		Enabled: true,
	}}))

	// direct messages failing must not block the deletion or the log line
	mock.Fail(platform.ActionWarn, errors.New("cannot send messages to this user"))

	assert.NoError(eng.ProcessEvent(ctx, humanMessage("u1", "hi", t0, 1)))
	assert.Empty(mock.Calls())

	assert.NoError(eng.ProcessEvent(ctx, humanMessage("u1", "see https://bad.example.com/x", t0, 2)))
	assert.Len(mock.CallsFor(platform.ActionDeleteMessage), 1)
	assert.Len(mock.CallsFor(platform.ActionWarn), 1)
	assert.Len(mock.CallsFor(platform.ActionLog), 1)
	assert.Equal(0, eng.Counters.(interface{ Len() int }).Len())
}

func TestEngineWebhookCreation(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	eng := EngineTestFixture()
	mock := MockPlatformOf(eng)
	require.NoError(eng.SetPolicies([]Policy{{
		Name:           "webhook-create-burst",
		Kinds:          []event.Kind{event.KindWebhookSetChanged},
		Match:          "new-webhooks",
		KeyBy:          []KeyPart{KeyGuild},
		Window:         5 * time.Minute,
		Threshold:      3,
		Comparison:     AtLeast,
		Actions:        []PolicyAction{ActBanActor, ActDeleteChannelWebhooks},
		ResetOnTrigger: true,
		Enabled:        true,
	}}))
	mock.SetAuditActor("g1", platform.AuditWebhookCreate, "raider")

	changed := func(at time.Time) *event.Event {
		return &event.Event{
			Kind:     event.KindWebhookSetChanged,
			GuildID:  "g1",
			At:       at,
			Webhooks: &event.WebhookSetChange{ChannelID: "c1"},
		}
	}

	// first sighting of the channel: no snapshot, counts as one creation
	mock.SetWebhooks("c1", []platform.Webhook{{ID: "h1", ChannelID: "c1"}})
	assert.NoError(eng.ProcessEvent(ctx, changed(t0)))
	assert.Empty(mock.CallsFor(platform.ActionBan))

	// an unrelated update (eg, rename) adds nothing
	assert.NoError(eng.ProcessEvent(ctx, changed(t0.Add(time.Second))))
	n, err := eng.Counters.Count(ctx, "webhook-create-burst/g1", t0.Add(time.Second), 5*time.Minute, nil)
	assert.NoError(err)
	assert.Equal(1, n)

	// two new hooks at once
	mock.SetWebhooks("c1", []platform.Webhook{{ID: "h1", ChannelID: "c1"}, {ID: "h2", ChannelID: "c1"}, {ID: "h3", ChannelID: "c1"}})
	assert.NoError(eng.ProcessEvent(ctx, changed(t0.Add(2*time.Second))))

	bans := mock.CallsFor(platform.ActionBan)
	require.Len(bans, 1)
	assert.Equal("raider", bans[0].TargetID)
	assert.Len(mock.CallsFor(platform.ActionDeleteWebhook), 3)

	// our own deletions change the webhook set again, but never count as creations
	assert.NoError(eng.ProcessEvent(ctx, changed(t0.Add(3*time.Second))))
	n, err = eng.Counters.Count(ctx, "webhook-create-burst/g1", t0.Add(3*time.Second), 5*time.Minute, nil)
	assert.NoError(err)
	assert.Equal(0, n)
}

func TestEngineAuditUnknownAtTrigger(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	eng := EngineTestFixture()
	mock := MockPlatformOf(eng)
	require.NoError(eng.SetPolicies([]Policy{{
		Name:           "webhook-create-burst",
		Kinds:          []event.Kind{event.KindWebhookSetChanged},
		Match:          "new-webhooks",
		KeyBy:          []KeyPart{KeyGuild},
		Window:         5 * time.Minute,
		Threshold:      3,
		Comparison:     AtLeast,
		Actions:        []PolicyAction{ActBanActor, ActDeleteChannelWebhooks},
		ResetOnTrigger: true,
		Enabled:        true,
	}}))
	mock.SetWebhooksError(platform.ErrUnavailable)

	for i := range 3 {
		assert.NoError(eng.ProcessEvent(ctx, &event.Event{
			Kind:     event.KindWebhookSetChanged,
			GuildID:  "g1",
			At:       t0.Add(time.Duration(i) * time.Second),
			Webhooks: &event.WebhookSetChange{ChannelID: "c1"},
		}))
	}
	// ban is skipped since the actor is unknown; cleanup is still attempted
	assert.Empty(mock.CallsFor(platform.ActionBan))
	assert.Empty(mock.CallsFor(platform.ActionDeleteWebhook))
}

func TestEngineMalformedEvent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	eng := EngineTestFixture()
	mock := MockPlatformOf(eng)
	assert.NoError(eng.SetPolicies([]Policy{channelBurstPolicy()}))

	err := eng.ProcessEvent(ctx, &event.Event{Kind: event.KindChannelCreate, GuildID: "g1", ActorID: "A"})
	assert.ErrorIs(err, event.ErrMalformedEvent)
	err = eng.ProcessEvent(ctx, &event.Event{Kind: "bogus", GuildID: "g1"})
	assert.ErrorIs(err, event.ErrMalformedEvent)
	err = eng.ProcessEvent(ctx, nil)
	assert.ErrorIs(err, event.ErrMalformedEvent)

	assert.Empty(mock.Calls())
	assert.Equal(0, eng.Counters.(interface{ Len() int }).Len())
}

func TestEnginePolicyPanic(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	eng := EngineTestFixture()
	mock := MockPlatformOf(eng)
	eng.Matchers["explodes"] = func(c *EventContext) bool {
		panic("oops")
	}
	exploding := channelBurstPolicy()
	exploding.Name = "explodes"
	exploding.Match = "explodes"
	burst := channelBurstPolicy()
	burst.Threshold = 0
	burst.Comparison = GreaterThan
	assert.Error(eng.SetPolicies([]Policy{exploding, burst}))

	burst.Threshold = 1
	assert.NoError(eng.SetPolicies([]Policy{exploding, burst}))
	assert.NoError(eng.ProcessEvent(ctx, channelEvent(event.KindChannelCreate, "A", "c1", t0)))
	assert.NoError(eng.ProcessEvent(ctx, channelEvent(event.KindChannelCreate, "A", "c2", t0)))
	assert.Len(mock.CallsFor(platform.ActionBan), 1)
}

func TestEngineUpdatePolicy(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	eng := EngineTestFixture()
	mock := MockPlatformOf(eng)
	require.NoError(eng.SetPolicies([]Policy{channelBurstPolicy()}))

	disabled := false
	p, err := eng.UpdatePolicy("channel-burst", PolicyOverride{Enabled: &disabled})
	require.NoError(err)
	assert.False(p.Enabled)
	for i := range 5 {
		assert.NoError(eng.ProcessEvent(ctx, channelEvent(event.KindChannelCreate, "A", fmt.Sprintf("c%d", i), t0)))
	}
	assert.Empty(mock.CallsFor(platform.ActionBan))

	bad := "=="
	_, err = eng.UpdatePolicy("channel-burst", PolicyOverride{Comparison: &bad})
	assert.Error(err)
	_, err = eng.UpdatePolicy("missing", PolicyOverride{Enabled: &disabled})
	assert.ErrorIs(err, ErrUnknownPolicy)

	enabled, op, threshold := true, ">=", 2
	p, err = eng.UpdatePolicy("channel-burst", PolicyOverride{Enabled: &enabled, Comparison: &op, Threshold: &threshold})
	require.NoError(err)
	assert.Equal(AtLeast, p.Comparison)
	got, ok := eng.Policies().Get("channel-burst")
	assert.True(ok)
	assert.Equal(2, got.Threshold)

	assert.NoError(eng.ProcessEvent(ctx, channelEvent(event.KindChannelCreate, "B", "x1", t0)))
	assert.NoError(eng.ProcessEvent(ctx, channelEvent(event.KindChannelCreate, "B", "x2", t0)))
	assert.Len(mock.CallsFor(platform.ActionBan), 1)
}

func TestEngineConcurrentKey(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	eng := EngineTestFixture()
	mock := MockPlatformOf(eng)
	assert.NoError(eng.SetPolicies([]Policy{{
		Name:           "burst-log",
		Kinds:          []event.Kind{event.KindChannelCreate},
		Match:          "any",
		KeyBy:          []KeyPart{KeyGuild},
		Window:         time.Hour,
		Threshold:      3,
		Comparison:     GreaterThan,
		Actions:        []PolicyAction{ActLog},
		ResetOnTrigger: true,
		Enabled:        true,
	}}))

	var wg sync.WaitGroup
	for i := range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(eng.ProcessEvent(ctx, channelEvent(event.KindChannelCreate, fmt.Sprintf("u%d", i), fmt.Sprintf("c%d", i), t0)))
		}()
	}
	wg.Wait()

	// every trigger consumes exactly four events
	assert.Len(mock.CallsFor(platform.ActionLog), 10)
}
