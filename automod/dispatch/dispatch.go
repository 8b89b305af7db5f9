package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bouncerbot/bouncer/automod/cachestore"
	"github.com/bouncerbot/bouncer/automod/countstore"
	"github.com/bouncerbot/bouncer/automod/platform"

	"golang.org/x/sync/errgroup"
)

const (
	// Circuit breakers: max punitive actions per 24h, across all guilds
	QuotaBanDay  = 50
	QuotaKickDay = 100

	DefaultActionTimeout   = 10 * time.Second
	DefaultDedupePeriod    = 10 * time.Minute
	DefaultTimeoutDuration = 10 * time.Minute

	// concurrent webhook deletions when clearing a channel
	webhookDeleteConcurrency = 4

	quotaWindow = 24 * time.Hour
)

type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeSkipped Outcome = "skipped"
	OutcomeDeduped Outcome = "deduped"
	OutcomeFailed  Outcome = "failed"
)

// A moderation action computed by a triggered policy. Ephemeral; never persisted.
type PendingAction struct {
	Kind      platform.ActionKind
	GuildID   string
	TargetID  string
	ChannelID string
	MessageID string
	Reason    string
	// Message body for warnings and log lines
	Text     string
	Duration time.Duration
	// Name of the policy which produced the action, for logging
	Policy string
}

// Only actions which are idempotent per target are de-duplicated; clearing a channel's webhooks and warning a user run on every trigger.
func (a PendingAction) dedupes() bool {
	switch a.Kind {
	case platform.ActionBan, platform.ActionKick, platform.ActionTimeout, platform.ActionDeleteMessage, platform.ActionDeleteWebhook, platform.ActionDeleteChannel:
		return true
	}
	return false
}

func (a PendingAction) dedupeKey() string {
	return fmt.Sprintf("%s/%s/%s", a.GuildID, a.Kind, a.TargetID)
}

type Config struct {
	ActionTimeout time.Duration
	// Window in which an identical punitive or deletion action (same guild, kind, and target) is not repeated. Zero disables de-duplication.
	DedupePeriod time.Duration
	QuotaBanDay  int
	QuotaKickDay int
}

// Executes moderation actions against the platform. Failures are classified, logged, and counted, but never returned to callers: a failed action must not interrupt detection.
type Dispatcher struct {
	Platform    platform.Platform
	Logger      *slog.Logger
	Counters    countstore.WindowStore
	LogChannels *LogChannels
	Notifiers   []Notifier
	Clock       func() time.Time

	actionTimeout time.Duration
	quotaBan      int
	quotaKick     int
	recent        cachestore.CacheStore
}

func NewDispatcher(p platform.Platform, counters countstore.WindowStore, logChannels *LogChannels, logger *slog.Logger, config Config) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if config.ActionTimeout == 0 {
		config.ActionTimeout = DefaultActionTimeout
	}
	if config.QuotaBanDay == 0 {
		config.QuotaBanDay = QuotaBanDay
	}
	if config.QuotaKickDay == 0 {
		config.QuotaKickDay = QuotaKickDay
	}
	if logChannels == nil {
		logChannels = NewLogChannels("")
	}
	d := &Dispatcher{
		Platform:      p,
		Logger:        logger.With("component", "dispatch"),
		Counters:      counters,
		LogChannels:   logChannels,
		Clock:         time.Now,
		actionTimeout: config.ActionTimeout,
		quotaBan:      config.QuotaBanDay,
		quotaKick:     config.QuotaKickDay,
	}
	if config.DedupePeriod > 0 {
		d.recent = cachestore.NewMemCacheStore(10_000, config.DedupePeriod)
	}
	return d
}

func (d *Dispatcher) Ban(ctx context.Context, guildID, userID, reason string) Outcome {
	return d.Execute(ctx, PendingAction{Kind: platform.ActionBan, GuildID: guildID, TargetID: userID, Reason: reason})
}

func (d *Dispatcher) Kick(ctx context.Context, guildID, userID, reason string) Outcome {
	return d.Execute(ctx, PendingAction{Kind: platform.ActionKick, GuildID: guildID, TargetID: userID, Reason: reason})
}

func (d *Dispatcher) Timeout(ctx context.Context, guildID, userID string, dur time.Duration, reason string) Outcome {
	return d.Execute(ctx, PendingAction{Kind: platform.ActionTimeout, GuildID: guildID, TargetID: userID, Duration: dur, Reason: reason})
}

func (d *Dispatcher) DeleteMessage(ctx context.Context, guildID, channelID, messageID, reason string) Outcome {
	return d.Execute(ctx, PendingAction{Kind: platform.ActionDeleteMessage, GuildID: guildID, ChannelID: channelID, MessageID: messageID, TargetID: messageID, Reason: reason})
}

func (d *Dispatcher) DeleteWebhook(ctx context.Context, guildID, webhookID, reason string) Outcome {
	return d.Execute(ctx, PendingAction{Kind: platform.ActionDeleteWebhook, GuildID: guildID, TargetID: webhookID, Reason: reason})
}

func (d *Dispatcher) DeleteChannel(ctx context.Context, guildID, channelID, reason string) Outcome {
	return d.Execute(ctx, PendingAction{Kind: platform.ActionDeleteChannel, GuildID: guildID, ChannelID: channelID, TargetID: channelID, Reason: reason})
}

func (d *Dispatcher) DeleteChannelWebhooks(ctx context.Context, guildID, channelID, reason string) Outcome {
	return d.Execute(ctx, PendingAction{Kind: platform.ActionDeleteChannelWebhooks, GuildID: guildID, ChannelID: channelID, TargetID: channelID, Reason: reason})
}

// Sends a direct message to the user. Failures are expected (closed DMs) and always swallowed.
func (d *Dispatcher) WarnUser(ctx context.Context, guildID, userID, text string) Outcome {
	return d.Execute(ctx, PendingAction{Kind: platform.ActionWarn, GuildID: guildID, TargetID: userID, Text: text})
}

// Posts a line to the guild's moderation log channel, if one is configured.
func (d *Dispatcher) SendLog(ctx context.Context, guildID, text string) Outcome {
	return d.Execute(ctx, PendingAction{Kind: platform.ActionLog, GuildID: guildID, Text: text})
}

// Runs a single action: precondition check, de-dupe, quota, then the platform call under a timeout.
func (d *Dispatcher) Execute(ctx context.Context, a PendingAction) Outcome {
	logger := d.Logger.With("action", a.Kind, "guild", a.GuildID, "target", a.TargetID)
	if a.Policy != "" {
		logger = logger.With("policy", a.Policy)
	}

	if a.Kind == platform.ActionLog {
		a.ChannelID = d.LogChannels.Get(a.GuildID)
		if a.ChannelID == "" {
			logger.Debug("no log channel configured")
			return d.finish(a, OutcomeSkipped)
		}
	}

	if d.isRecent(ctx, a) {
		logger.Debug("skipping repeated action")
		return d.finish(a, OutcomeDeduped)
	}

	if a.Kind != platform.ActionLog && a.Kind != platform.ActionWarn {
		ok, err := d.precondition(ctx, a)
		if err != nil {
			logger.Warn("action precondition check failed", "err", err, "class", platform.Classify(err))
			actionFailures.WithLabelValues(string(a.Kind), "precondition").Inc()
			return d.finish(a, OutcomeSkipped)
		}
		if !ok {
			logger.Info("action not permitted on target, skipping")
			return d.finish(a, OutcomeSkipped)
		}
	}

	if !d.withinQuota(ctx, a, logger) {
		return d.finish(a, OutcomeSkipped)
	}

	start := time.Now()
	err := d.call(ctx, a)
	actionDuration.WithLabelValues(string(a.Kind)).Observe(time.Since(start).Seconds())
	if err != nil {
		class := platform.Classify(err)
		actionFailures.WithLabelValues(string(a.Kind), class).Inc()
		switch {
		case a.Kind == platform.ActionWarn:
			logger.Info("could not warn user", "err", err, "class", class)
		case errors.Is(err, platform.ErrNotFound):
			// target already gone; nothing left to do
			logger.Info("action target already removed", "err", err)
			d.markRecent(ctx, a)
		default:
			logger.Error("moderation action failed", "err", err, "class", class)
		}
		return d.finish(a, OutcomeFailed)
	}

	logger.Info("moderation action applied", "reason", a.Reason)
	d.markRecent(ctx, a)
	d.consumeQuota(ctx, a, logger)
	return d.finish(a, OutcomeApplied)
}

func (d *Dispatcher) finish(a PendingAction, o Outcome) Outcome {
	actionOutcomes.WithLabelValues(string(a.Kind), string(o)).Inc()
	return o
}

func (d *Dispatcher) precondition(ctx context.Context, a PendingAction) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, d.actionTimeout)
	defer cancel()
	return d.Platform.CanAct(ctx, a.GuildID, a.Kind, a.TargetID)
}

func (d *Dispatcher) call(ctx context.Context, a PendingAction) error {
	ctx, cancel := context.WithTimeout(ctx, d.actionTimeout)
	defer cancel()

	p := d.Platform
	switch a.Kind {
	case platform.ActionBan:
		return p.Ban(ctx, a.GuildID, a.TargetID, a.Reason)
	case platform.ActionKick:
		return p.Kick(ctx, a.GuildID, a.TargetID, a.Reason)
	case platform.ActionTimeout:
		dur := a.Duration
		if dur <= 0 {
			dur = DefaultTimeoutDuration
		}
		return p.Timeout(ctx, a.GuildID, a.TargetID, dur, a.Reason)
	case platform.ActionDeleteMessage:
		return p.DeleteMessage(ctx, a.ChannelID, a.MessageID, a.Reason)
	case platform.ActionDeleteWebhook:
		return p.DeleteWebhook(ctx, a.TargetID, a.Reason)
	case platform.ActionDeleteChannel:
		return p.DeleteChannel(ctx, a.ChannelID, a.Reason)
	case platform.ActionDeleteChannelWebhooks:
		return d.deleteChannelWebhooks(ctx, a)
	case platform.ActionWarn:
		return p.SendDirectMessage(ctx, a.TargetID, a.Text)
	case platform.ActionLog:
		return p.SendChannelMessage(ctx, a.ChannelID, a.Text)
	}
	return fmt.Errorf("unhandled action kind: %s", a.Kind)
}

func (d *Dispatcher) deleteChannelWebhooks(ctx context.Context, a PendingAction) error {
	hooks, err := d.Platform.FetchWebhooks(ctx, a.ChannelID)
	if err != nil {
		return fmt.Errorf("fetching channel webhooks: %w", err)
	}
	// every deletion is attempted; the first failure is reported
	var eg errgroup.Group
	eg.SetLimit(webhookDeleteConcurrency)
	for _, h := range hooks {
		eg.Go(func() error {
			err := d.Platform.DeleteWebhook(ctx, h.ID, a.Reason)
			if err != nil && !errors.Is(err, platform.ErrNotFound) {
				return fmt.Errorf("deleting webhook %s: %w", h.ID, err)
			}
			return nil
		})
	}
	return eg.Wait()
}

func (d *Dispatcher) isRecent(ctx context.Context, a PendingAction) bool {
	if d.recent == nil || !a.dedupes() {
		return false
	}
	v, err := d.recent.Get(ctx, "dispatch", a.dedupeKey())
	return err == nil && v != ""
}

func (d *Dispatcher) markRecent(ctx context.Context, a PendingAction) {
	if d.recent == nil || !a.dedupes() {
		return
	}
	if err := d.recent.Set(ctx, "dispatch", a.dedupeKey(), string(OutcomeApplied)); err != nil {
		d.Logger.Warn("failed to record recent action", "err", err)
	}
}

func (d *Dispatcher) quota(kind platform.ActionKind) (string, int) {
	switch kind {
	case platform.ActionBan:
		return "dispatch-quota/ban", d.quotaBan
	case platform.ActionKick:
		return "dispatch-quota/kick", d.quotaKick
	}
	return "", 0
}

func (d *Dispatcher) withinQuota(ctx context.Context, a PendingAction, logger *slog.Logger) bool {
	key, limit := d.quota(a.Kind)
	if key == "" || d.Counters == nil {
		return true
	}
	c, err := d.Counters.Count(ctx, key, d.Clock(), quotaWindow, nil)
	if err != nil {
		logger.Error("reading action quota", "err", err)
		return true
	}
	if c >= limit {
		logger.Warn("CIRCUIT BREAKER: daily action quota reached", "count", c, "quota", limit)
		quotaTrips.WithLabelValues(string(a.Kind)).Inc()
		return false
	}
	return true
}

func (d *Dispatcher) consumeQuota(ctx context.Context, a PendingAction, logger *slog.Logger) {
	key, _ := d.quota(a.Kind)
	if key == "" || d.Counters == nil {
		return
	}
	if _, err := d.Counters.Record(ctx, key, d.Clock(), "", quotaWindow); err != nil {
		logger.Error("recording action quota", "err", err)
	}
}
