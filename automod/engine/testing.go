package engine

import (
	"log/slog"
	"strings"
	"time"

	"github.com/bouncerbot/bouncer/automod/cachestore"
	"github.com/bouncerbot/bouncer/automod/countstore"
	"github.com/bouncerbot/bouncer/automod/dispatch"
	"github.com/bouncerbot/bouncer/automod/flagstore"
	"github.com/bouncerbot/bouncer/automod/platform"
	"github.com/bouncerbot/bouncer/automod/setstore"
)

// account ID of the engine itself in test fixtures
const TestSelfID = "900000000000000001"

// log channel configured by default in test fixtures
const TestLogChannel = "900000000000000002"

var testMatchers = map[string]MatchFunc{
	"webhook-message": func(c *EventContext) bool {
		return c.Event.Message != nil && c.Event.Message.IsWebhook()
	},
	"human-message": func(c *EventContext) bool {
		return c.Event.Message != nil && c.Event.Message.IsHuman()
	},
	"contains-bad-link": func(c *EventContext) bool {
		return c.Event.Message != nil && strings.Contains(c.Event.Message.Content, "bad.example.com")
	},
	"new-webhooks": func(c *EventContext) bool {
		return c.Event.Webhooks != nil
	},
}

// Engine wired to a mock platform and in-memory stores, with a small set of matchers and no policies. Intentionally exported, for use in other packages.
func EngineTestFixture() *Engine {
	mock := platform.NewMockPlatform(TestSelfID)
	counters := countstore.NewMemWindowStore()
	sets := setstore.NewMemSetStore()
	sets.SetMembers(TrustedActorsSet, []string{"trusted-mod"})
	matchers := make(map[string]MatchFunc, len(testMatchers))
	for k, v := range testMatchers {
		matchers[k] = v
	}
	disp := dispatch.NewDispatcher(mock, counters, dispatch.NewLogChannels(TestLogChannel), slog.Default(), dispatch.Config{
		DedupePeriod: dispatch.DefaultDedupePeriod,
	})
	return &Engine{
		Logger:     slog.Default(),
		Platform:   mock,
		Counters:   counters,
		Dispatcher: disp,
		Sets:       sets,
		Cache:      cachestore.NewMemCacheStore(1000, time.Hour),
		Flags:      flagstore.NewMemFlagStore(),
		Matchers:   matchers,
	}
}

// Helper to get at the mock platform of an engine created by EngineTestFixture.
func MockPlatformOf(eng *Engine) *platform.MockPlatform {
	return eng.Platform.(*platform.MockPlatform)
}
