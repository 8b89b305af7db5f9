package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bouncerbot/bouncer/pkg/robusthttp"

	"github.com/carlmjohnson/versioninfo"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

const DefaultDiscordAPI = "https://discord.com/api/v10"

// Milliseconds between the unix epoch and the platform's snowflake epoch.
const snowflakeEpochMillis = 1420070400000

type DiscordConfig struct {
	Token   string
	BaseURL string
	// Global request rate towards the REST API.
	RequestsPerSecond float64
	RequestTimeout    time.Duration
	// Retries for idempotent (GET) requests. Writes are never retried.
	MaxReadRetries int
	// Audit entries older than this are treated as unrelated to the current event. Zero disables the check.
	AuditMaxAge time.Duration
	Logger      *slog.Logger
}

// Platform implementation backed by the Discord REST API (v10).
type DiscordClient struct {
	BaseURL     string
	Token       string
	AuditMaxAge time.Duration
	Logger      *slog.Logger

	reads   *http.Client
	writes  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[[]byte]
	guilds  *expirable.LRU[string, *guildInfo]
	selfID  string
}

var _ Platform = (*DiscordClient)(nil)

type guildInfo struct {
	OwnerID string `json:"owner_id"`
	Roles   []struct {
		ID       string `json:"id"`
		Position int    `json:"position"`
	} `json:"roles"`
}

func (g *guildInfo) highestPosition(roleIDs []string) int {
	best := 0
	for _, id := range roleIDs {
		for _, r := range g.Roles {
			if r.ID == id && r.Position > best {
				best = r.Position
			}
		}
	}
	return best
}

type guildMember struct {
	Roles []string `json:"roles"`
}

type auditLog struct {
	Entries []struct {
		ID         string  `json:"id"`
		UserID     *string `json:"user_id"`
		TargetID   *string `json:"target_id"`
		ActionType int     `json:"action_type"`
	} `json:"audit_log_entries"`
}

func NewDiscordClient(cfg DiscordConfig) *DiscordClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("platform", "discord")
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultDiscordAPI
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "discord-api",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// client errors (missing permission, unknown resource) say nothing about API health
		IsSuccessful: func(err error) bool {
			return err == nil || !(errors.Is(err, ErrUnavailable) || errors.Is(err, ErrRateLimited) || errors.Is(err, context.DeadlineExceeded))
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("CIRCUIT BREAKER: platform API state change", "breaker", name, "from", from.String(), "to", to.String())
			breakerState.WithLabelValues(name).Set(float64(to))
		},
	})

	return &DiscordClient{
		BaseURL:     cfg.BaseURL,
		Token:       cfg.Token,
		AuditMaxAge: cfg.AuditMaxAge,
		Logger:      logger,
		reads:       robusthttp.NewClient(cfg.RequestTimeout, robusthttp.WithMaxRetries(cfg.MaxReadRetries), robusthttp.WithLogger(logger)),
		writes:      robusthttp.NewSingleShotClient(cfg.RequestTimeout),
		limiter:     rate.NewLimiter(limit, 1),
		breaker:     breaker,
		guilds:      expirable.NewLRU[string, *guildInfo](1000, nil, time.Minute),
	}
}

// Fetches the bot's own account ID. Must be called before the client is used for precondition checks.
func (c *DiscordClient) Identify(ctx context.Context) error {
	var me struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodGet, "/users/@me", nil, "", &me); err != nil {
		return fmt.Errorf("identifying bot account: %w", err)
	}
	if me.ID == "" {
		return fmt.Errorf("identifying bot account: empty ID")
	}
	c.selfID = me.ID
	c.Logger.Info("identified bot account", "self", me.ID)
	return nil
}

func (c *DiscordClient) SelfID() string {
	return c.selfID
}

func statusError(status int, method, path string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", ErrNotFound, method, path)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s %s (status %d)", ErrForbidden, method, path, status)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s %s", ErrRateLimited, method, path)
	case status >= 500:
		return fmt.Errorf("%w: %s %s (status %d)", ErrUnavailable, method, path, status)
	}
	return fmt.Errorf("platform request failed: %s %s (status %d)", method, path, status)
}

func (c *DiscordClient) do(ctx context.Context, method, path string, body any, reason string, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for platform rate limit: %w", err)
	}

	respBytes, err := c.breaker.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bot "+c.Token)
		req.Header.Set("User-Agent", "DiscordBot (https://github.com/bouncerbot/bouncer, "+versioninfo.Short()+")")
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if reason != "" {
			req.Header.Set("X-Audit-Log-Reason", url.PathEscape(reason))
		}

		client := c.writes
		if method == http.MethodGet {
			client = c.reads
		}

		start := time.Now()
		resp, err := client.Do(req)
		requestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		if err != nil {
			requestCount.WithLabelValues(method, "error").Inc()
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%s %s: %w", method, path, ctx.Err())
			}
			return nil, fmt.Errorf("%w: %s %s: %w", ErrUnavailable, method, path, err)
		}
		defer resp.Body.Close()
		requestCount.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return nil, fmt.Errorf("%w: reading response body: %w", ErrUnavailable, err)
		}
		return data, statusError(resp.StatusCode, method, path)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s %s: %w", ErrUnavailable, method, path, err)
	}
	if err != nil {
		return err
	}
	if out != nil && len(respBytes) > 0 {
		if err := json.Unmarshal(respBytes, out); err != nil {
			return fmt.Errorf("decoding platform response for %s %s: %w", method, path, err)
		}
	}
	return nil
}

func snowflakeTime(id string) (time.Time, bool) {
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(n>>22) + snowflakeEpochMillis), true
}

func (c *DiscordClient) FetchAuditActor(ctx context.Context, guildID string, action AuditAction) (string, bool, error) {
	q := url.Values{}
	q.Set("action_type", strconv.Itoa(int(action)))
	q.Set("limit", "1")
	var log auditLog
	if err := c.do(ctx, http.MethodGet, "/guilds/"+url.PathEscape(guildID)+"/audit-logs?"+q.Encode(), nil, "", &log); err != nil {
		return "", false, err
	}
	if len(log.Entries) == 0 {
		return "", false, nil
	}
	entry := log.Entries[0]
	if entry.UserID == nil || *entry.UserID == "" {
		return "", false, nil
	}
	if c.AuditMaxAge > 0 {
		created, ok := snowflakeTime(entry.ID)
		if ok && time.Since(created) > c.AuditMaxAge {
			c.Logger.Debug("ignoring stale audit entry", "guild", guildID, "action", action.String(), "entry", entry.ID)
			return "", false, nil
		}
	}
	return *entry.UserID, true, nil
}

func (c *DiscordClient) Ban(ctx context.Context, guildID, userID, reason string) error {
	body := map[string]any{"delete_message_seconds": 0}
	return c.do(ctx, http.MethodPut, "/guilds/"+url.PathEscape(guildID)+"/bans/"+url.PathEscape(userID), body, reason, nil)
}

func (c *DiscordClient) Kick(ctx context.Context, guildID, userID, reason string) error {
	return c.do(ctx, http.MethodDelete, "/guilds/"+url.PathEscape(guildID)+"/members/"+url.PathEscape(userID), nil, reason, nil)
}

func (c *DiscordClient) Timeout(ctx context.Context, guildID, userID string, d time.Duration, reason string) error {
	body := map[string]any{"communication_disabled_until": time.Now().Add(d).UTC().Format(time.RFC3339)}
	return c.do(ctx, http.MethodPatch, "/guilds/"+url.PathEscape(guildID)+"/members/"+url.PathEscape(userID), body, reason, nil)
}

func (c *DiscordClient) DeleteMessage(ctx context.Context, channelID, messageID, reason string) error {
	return c.do(ctx, http.MethodDelete, "/channels/"+url.PathEscape(channelID)+"/messages/"+url.PathEscape(messageID), nil, reason, nil)
}

func (c *DiscordClient) FetchWebhooks(ctx context.Context, channelID string) ([]Webhook, error) {
	var hooks []Webhook
	if err := c.do(ctx, http.MethodGet, "/channels/"+url.PathEscape(channelID)+"/webhooks", nil, "", &hooks); err != nil {
		return nil, err
	}
	return hooks, nil
}

func (c *DiscordClient) DeleteWebhook(ctx context.Context, webhookID, reason string) error {
	return c.do(ctx, http.MethodDelete, "/webhooks/"+url.PathEscape(webhookID), nil, reason, nil)
}

func (c *DiscordClient) DeleteChannel(ctx context.Context, channelID, reason string) error {
	return c.do(ctx, http.MethodDelete, "/channels/"+url.PathEscape(channelID), nil, reason, nil)
}

func (c *DiscordClient) SendChannelMessage(ctx context.Context, channelID, text string) error {
	body := map[string]any{
		"content":          text,
		"allowed_mentions": map[string]any{"parse": []string{}},
	}
	return c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/messages", body, "", nil)
}

func (c *DiscordClient) SendDirectMessage(ctx context.Context, userID, text string) error {
	var dm struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/users/@me/channels", map[string]any{"recipient_id": userID}, "", &dm); err != nil {
		return fmt.Errorf("opening direct message channel: %w", err)
	}
	return c.SendChannelMessage(ctx, dm.ID, text)
}

func (c *DiscordClient) guild(ctx context.Context, guildID string) (*guildInfo, error) {
	if g, ok := c.guilds.Get(guildID); ok {
		return g, nil
	}
	var g guildInfo
	if err := c.do(ctx, http.MethodGet, "/guilds/"+url.PathEscape(guildID), nil, "", &g); err != nil {
		return nil, err
	}
	c.guilds.Add(guildID, &g)
	return &g, nil
}

func (c *DiscordClient) member(ctx context.Context, guildID, userID string) (*guildMember, error) {
	var m guildMember
	if err := c.do(ctx, http.MethodGet, "/guilds/"+url.PathEscape(guildID)+"/members/"+url.PathEscape(userID), nil, "", &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Checks ownership and role hierarchy for member-targeted actions. Content actions (messages, webhooks, channels) are left to the API's own permission checks.
func (c *DiscordClient) CanAct(ctx context.Context, guildID string, action ActionKind, targetID string) (bool, error) {
	if targetID == "" || targetID == c.selfID {
		return false, nil
	}
	if !action.TargetsMember() {
		return true, nil
	}

	g, err := c.guild(ctx, guildID)
	if err != nil {
		return false, err
	}
	if targetID == g.OwnerID {
		return false, nil
	}
	if c.selfID == g.OwnerID {
		return true, nil
	}

	target, err := c.member(ctx, guildID, targetID)
	if errors.Is(err, ErrNotFound) {
		// accounts which already left can still be banned, but not kicked or timed out
		return action == ActionBan, nil
	}
	if err != nil {
		return false, err
	}
	self, err := c.member(ctx, guildID, c.selfID)
	if err != nil {
		return false, err
	}
	return g.highestPosition(self.Roles) > g.highestPosition(target.Roles), nil
}
