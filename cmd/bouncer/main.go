package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/bouncerbot/bouncer/automod/consumer"
	"github.com/bouncerbot/bouncer/automod/dispatch"
	"github.com/bouncerbot/bouncer/automod/platform"
	"github.com/bouncerbot/bouncer/util/cliutil"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "bouncer",
		Usage:   "automod daemon (keeps raiders out of the guild)",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			Value:   "info",
			EnvVars: []string{"BOUNCER_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "log output format: text or json",
			Value:   "text",
			EnvVars: []string{"BOUNCER_LOG_FMT", "LOG_FMT"},
		},
		&cli.StringFlag{
			Name:    "sets-json-path",
			Usage:   "file path of JSON file containing named sets (url-shorteners, trusted-actors)",
			EnvVars: []string{"BOUNCER_SETS_JSON_PATH"},
		},
		&cli.StringFlag{
			Name:    "policy-file",
			Usage:   "YAML file of policy overrides and log channels; reloaded on change",
			EnvVars: []string{"BOUNCER_POLICY_FILE"},
		},
		&cli.StringFlag{
			Name:    "log-channel",
			Usage:   "default channel ID for moderation log lines",
			EnvVars: []string{"BOUNCER_LOG_CHANNEL"},
		},
		&cli.IntFlag{
			Name:    "parallelism",
			Usage:   "number of guilds processed concurrently",
			Value:   8,
			EnvVars: []string{"BOUNCER_PARALLELISM"},
		},
		&cli.DurationFlag{
			Name:    "dedupe-period",
			Usage:   "window in which an identical moderation action is not repeated",
			Value:   dispatch.DefaultDedupePeriod,
			EnvVars: []string{"BOUNCER_DEDUPE_PERIOD"},
		},
		&cli.IntFlag{
			Name:    "quota-ban-day",
			Usage:   "maximum bans per guild per day",
			Value:   dispatch.QuotaBanDay,
			EnvVars: []string{"BOUNCER_QUOTA_BAN_DAY"},
		},
		&cli.IntFlag{
			Name:    "quota-kick-day",
			Usage:   "maximum kicks per guild per day",
			Value:   dispatch.QuotaKickDay,
			EnvVars: []string{"BOUNCER_QUOTA_KICK_DAY"},
		},
	}

	app.Before = func(cctx *cli.Context) error {
		_, err := cliutil.SetupSlog(cliutil.LogOptions{
			LogLevel:  cctx.String("log-level"),
			LogFormat: cctx.String("log-format"),
		})
		return err
	}

	app.Commands = []*cli.Command{
		runCmd,
		replayCmd,
	}

	return app.Run(args)
}

func serverConfig(cctx *cli.Context, logger *slog.Logger) Config {
	return Config{
		Logger:               logger,
		Bind:                 cctx.String("bind"),
		AdminToken:           cctx.String("admin-token"),
		RedisURL:             cctx.String("redis-url"),
		StreamTopic:          cctx.String("stream-topic"),
		StreamGroup:          cctx.String("stream-group"),
		SetsFileJSON:         cctx.String("sets-json-path"),
		PolicyFile:           cctx.String("policy-file"),
		SlackWebhookURL:      cctx.String("slack-webhook-url"),
		DefaultLogChannel:    cctx.String("log-channel"),
		WatchPolicyFile:      cctx.Command.Name == "run",
		Parallelism:          cctx.Int("parallelism"),
		CounterSweepInterval: cctx.Duration("counter-sweep-interval"),
		DedupePeriod:         cctx.Duration("dedupe-period"),
		QuotaBanDay:          cctx.Int("quota-ban-day"),
		QuotaKickDay:         cctx.Int("quota-kick-day"),
		ActionTimeout:        cctx.Duration("action-timeout"),
		AuditTimeout:         cctx.Duration("audit-timeout"),
	}
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "discord-token",
			Usage:    "bot token for the Discord REST API",
			Required: true,
			EnvVars:  []string{"BOUNCER_DISCORD_TOKEN", "DISCORD_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "discord-api-host",
			Usage:   "base URL of the Discord REST API",
			Value:   platform.DefaultDiscordAPI,
			EnvVars: []string{"BOUNCER_DISCORD_API_HOST"},
		},
		&cli.Float64Flag{
			Name:    "discord-rate-limit",
			Usage:   "max requests per second to the Discord REST API",
			Value:   40,
			EnvVars: []string{"BOUNCER_DISCORD_RATE_LIMIT"},
		},
		&cli.IntFlag{
			Name:    "discord-read-retries",
			Usage:   "retries for read-only Discord API requests",
			Value:   3,
			EnvVars: []string{"BOUNCER_DISCORD_READ_RETRIES"},
		},
		&cli.DurationFlag{
			Name:    "audit-max-age",
			Usage:   "audit log entries older than this are not attributed to the current event",
			Value:   30 * time.Second,
			EnvVars: []string{"BOUNCER_AUDIT_MAX_AGE"},
		},
		&cli.DurationFlag{
			Name:    "audit-timeout",
			Usage:   "timeout for a single audit log lookup",
			Value:   5 * time.Second,
			EnvVars: []string{"BOUNCER_AUDIT_TIMEOUT"},
		},
		&cli.DurationFlag{
			Name:    "action-timeout",
			Usage:   "timeout for a single moderation action",
			Value:   dispatch.DefaultActionTimeout,
			EnvVars: []string{"BOUNCER_ACTION_TIMEOUT"},
		},
		&cli.BoolFlag{
			Name:    "readonly",
			Usage:   "evaluate policies and log, but never perform moderation actions",
			EnvVars: []string{"BOUNCER_READONLY", "READONLY"},
		},
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for HTTP APIs",
			Value:   ":3999",
			EnvVars: []string{"BOUNCER_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":3998",
			EnvVars: []string{"BOUNCER_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "admin-token",
			Usage:   "bearer token for the admin API; the admin API is disabled when empty",
			EnvVars: []string{"BOUNCER_ADMIN_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection URL for the event stream; stream ingest is disabled when empty",
			EnvVars: []string{"BOUNCER_REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "stream-topic",
			Usage:   "redis stream to consume events from",
			Value:   consumer.DefaultStreamTopic,
			EnvVars: []string{"BOUNCER_STREAM_TOPIC"},
		},
		&cli.StringFlag{
			Name:    "stream-group",
			Usage:   "redis stream consumer group",
			Value:   consumer.DefaultStreamGroup,
			EnvVars: []string{"BOUNCER_STREAM_GROUP"},
		},
		&cli.StringFlag{
			Name:    "slack-webhook-url",
			Usage:   "full URL of slack webhook for alerting on severe actions",
			EnvVars: []string{"BOUNCER_SLACK_WEBHOOK_URL", "SLACK_WEBHOOK_URL"},
		},
		&cli.DurationFlag{
			Name:    "counter-sweep-interval",
			Usage:   "how often idle counter keys are dropped (0 to disable)",
			Value:   15 * time.Minute,
			EnvVars: []string{"BOUNCER_COUNTER_SWEEP_INTERVAL"},
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx := context.Background()
		logger := slog.Default()

		shutdownTracing, err := configOTEL(ctx, "bouncer")
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := shutdownTracing(ctx); err != nil {
				logger.Error("failed to shutdown trace exporter", "err", err)
			}
		}()

		client := platform.NewDiscordClient(platform.DiscordConfig{
			Token:             cctx.String("discord-token"),
			BaseURL:           cctx.String("discord-api-host"),
			RequestsPerSecond: cctx.Float64("discord-rate-limit"),
			MaxReadRetries:    cctx.Int("discord-read-retries"),
			AuditMaxAge:       cctx.Duration("audit-max-age"),
			Logger:            logger,
		})
		if err := client.Identify(ctx); err != nil {
			return fmt.Errorf("identifying bot account: %w", err)
		}
		logger.Info("identified bot account", "self", client.SelfID())

		var p platform.Platform = client
		if cctx.Bool("readonly") {
			logger.Info("readonly mode: moderation actions will be logged but not performed")
			p = platform.NewReadonlyPlatform(client, logger)
		}

		srv, err := NewServer(p, serverConfig(cctx, logger))
		if err != nil {
			return err
		}

		go func() {
			if err := srv.RunMetrics(cctx.String("metrics-listen")); err != nil {
				slog.Error("failed to start metrics endpoint", "err", err)
				panic(fmt.Errorf("failed to start metrics endpoint: %w", err))
			}
		}()

		if err := srv.Run(ctx); err != nil {
			return fmt.Errorf("failed to run automod service: %w", err)
		}
		return nil
	},
}

var replayCmd = &cli.Command{
	Name:      "replay",
	Usage:     "run policies over a JSON-lines event file against an offline platform, and summarize the actions they would take",
	ArgsUsage: `<file>`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "self-id",
			Usage: "account ID the offline platform reports for the bot itself",
			Value: "0",
		},
		&cli.BoolFlag{
			Name:  "verbose",
			Usage: "print every recorded action, not just the summary",
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx := context.Background()
		logger := slog.Default()
		if cctx.Args().Len() != 1 {
			return fmt.Errorf("expected exactly one replay file argument")
		}

		mock := platform.NewMockPlatform(cctx.String("self-id"))
		srv, err := NewServer(mock, serverConfig(cctx, logger))
		if err != nil {
			return err
		}

		stats, err := consumer.ReplayFile(ctx, cctx.Args().First(), srv.Scheduler, logger)
		srv.Scheduler.Shutdown()
		if err != nil {
			return err
		}

		calls := mock.Calls()
		fmt.Printf("lines: %d  queued: %d  invalid: %d  actions: %d\n", stats.Lines, stats.Queued, stats.Invalid, len(calls))
		counts := make(map[platform.ActionKind]int)
		for _, c := range calls {
			counts[c.Action]++
			if cctx.Bool("verbose") {
				fmt.Printf("%s\tguild=%s\tchannel=%s\ttarget=%s\t%s%s\n", c.Action, c.GuildID, c.ChannelID, c.TargetID, c.Reason, c.Text)
			}
		}
		kinds := make([]string, 0, len(counts))
		for k := range counts {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Printf("  %s: %d\n", k, counts[platform.ActionKind(k)])
		}
		return nil
	},
}
