// Abuse-detection engine for guild-based chat platforms.
//
// This package (`github.com/bouncerbot/bouncer/automod`) watches a stream of moderation-relevant events (messages, channel and role churn, webhook changes, bans, joins) and counts them in sliding time windows, keyed per actor or resource. Declarative policies (see `automod/rules` for the defaults) compare those counts against thresholds, and when one is crossed the engine resolves who is responsible and dispatches moderation actions (ban, kick, timeout, delete) through the platform API.
//
// The sub-packages are layered: `countstore` (windowed counters and the duplicate content tracker), `platform` (REST client, audit resolver, mocks), `dispatch` (guarded action execution), `engine` (policy evaluation), `consumer` (event delivery), and `config` (policy overrides). See `cmd/bouncer` for a daemon built on this package.
package automod
