package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bouncerbot/bouncer/automod"
	"github.com/bouncerbot/bouncer/automod/cachestore"
	"github.com/bouncerbot/bouncer/automod/config"
	"github.com/bouncerbot/bouncer/automod/consumer"
	"github.com/bouncerbot/bouncer/automod/countstore"
	"github.com/bouncerbot/bouncer/automod/dispatch"
	"github.com/bouncerbot/bouncer/automod/flagstore"
	"github.com/bouncerbot/bouncer/automod/platform"
	"github.com/bouncerbot/bouncer/automod/rules"
	"github.com/bouncerbot/bouncer/automod/setstore"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	slogecho "github.com/samber/slog-echo"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
)

type Server struct {
	Engine    *automod.Engine
	Scheduler *consumer.Scheduler
	Stream    *consumer.StreamConsumer

	logger     *slog.Logger
	echo       *echo.Echo
	httpd      *http.Server
	counters   *countstore.MemWindowStore
	watcher    *config.Watcher
	rdb        *redis.Client
	adminToken string
	sweepEvery time.Duration
}

type Config struct {
	Logger               *slog.Logger
	Bind                 string
	AdminToken           string
	RedisURL             string
	StreamTopic          string
	StreamGroup          string
	SetsFileJSON         string
	PolicyFile           string
	WatchPolicyFile      bool
	SlackWebhookURL      string
	DefaultLogChannel    string
	Parallelism          int
	CounterSweepInterval time.Duration
	DedupePeriod         time.Duration
	QuotaBanDay          int
	QuotaKickDay         int
	ActionTimeout        time.Duration
	AuditTimeout         time.Duration
}

// Builds the engine and its supporting stores around the given platform, and loads policies, named sets, and log channel configuration.
func NewServer(p platform.Platform, cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}

	sets := setstore.NewMemSetStore()
	if cfg.SetsFileJSON != "" {
		if err := sets.LoadFromFileJSON(cfg.SetsFileJSON); err != nil {
			return nil, fmt.Errorf("loading sets file: %w", err)
		}
		logger.Info("loaded named sets", "path", cfg.SetsFileJSON)
	}
	if len(sets.Members(rules.ShortenerSet)) == 0 {
		sets.SetMembers(rules.ShortenerSet, rules.DefaultShorteners)
	}

	counters := countstore.NewMemWindowStore()
	disp := dispatch.NewDispatcher(p, counters, dispatch.NewLogChannels(cfg.DefaultLogChannel), logger, dispatch.Config{
		ActionTimeout: cfg.ActionTimeout,
		DedupePeriod:  cfg.DedupePeriod,
		QuotaBanDay:   cfg.QuotaBanDay,
		QuotaKickDay:  cfg.QuotaKickDay,
	})
	if cfg.SlackWebhookURL != "" {
		disp.Notifiers = append(disp.Notifiers, dispatch.NewSlackNotifier(cfg.SlackWebhookURL))
	}

	eng := &automod.Engine{
		Logger:       logger,
		Platform:     p,
		Counters:     counters,
		Dispatcher:   disp,
		Sets:         sets,
		Cache:        cachestore.NewMemCacheStore(50_000, 6*time.Hour),
		Flags:        flagstore.NewMemFlagStore(),
		Matchers:     rules.DefaultMatchers(),
		AuditTimeout: cfg.AuditTimeout,
	}

	srv := &Server{
		Engine:     eng,
		logger:     logger,
		counters:   counters,
		adminToken: cfg.AdminToken,
		sweepEvery: cfg.CounterSweepInterval,
	}

	if cfg.PolicyFile != "" {
		f, err := config.Load(cfg.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("loading policy file: %w", err)
		}
		if err := srv.ApplyConfig(f); err != nil {
			return nil, err
		}
		if cfg.WatchPolicyFile {
			w, err := config.NewWatcher(cfg.PolicyFile, logger, srv.ApplyConfig)
			if err != nil {
				return nil, err
			}
			srv.watcher = w
		}
	} else if err := eng.SetPolicies(rules.DefaultPolicies()); err != nil {
		return nil, err
	}

	srv.Scheduler = consumer.NewScheduler(cfg.Parallelism, "events", logger, eng.ProcessEvent)

	if cfg.RedisURL != "" {
		sub, rdb, err := consumer.NewRedisSubscriber(cfg.RedisURL, cfg.StreamGroup, logger)
		if err != nil {
			return nil, err
		}
		// check redis connection
		if _, err := rdb.Ping(context.TODO()).Result(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		srv.rdb = rdb
		srv.Stream = consumer.NewStreamConsumer(sub, cfg.StreamTopic, srv.Scheduler, logger)
	}

	srv.setupHTTP(cfg.Bind)
	return srv, nil
}

// Replaces the running policy table with the built-in policies plus the file's overrides, and applies any log channel entries. Runtime overrides made through the admin API are discarded.
func (srv *Server) ApplyConfig(f *config.File) error {
	policies, err := f.Apply(rules.DefaultPolicies())
	if err != nil {
		return err
	}
	if err := srv.Engine.SetPolicies(policies); err != nil {
		return err
	}
	for guildID, channelID := range f.LogChannels {
		srv.Engine.Dispatcher.LogChannels.Set(guildID, channelID)
	}
	return nil
}

// request metrics register with the default prometheus registry, so the middleware is built once per process
var httpMetrics = sync.OnceValue(func() echo.MiddlewareFunc {
	return echoprometheus.NewMiddleware("bouncer")
})

func (srv *Server) setupHTTP(bind string) {
	e := echo.New()
	e.HideBanner = true
	e.Use(slogecho.New(srv.logger))
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("bouncer"))
	e.Use(httpMetrics())
	e.Use(middleware.BodyLimit("4M"))
	e.HTTPErrorHandler = srv.errorHandler

	e.GET("/_health", srv.HandleHealthCheck)
	e.POST("/events", srv.HandleEvent)
	e.POST("/dispatch", srv.HandleDispatch)

	admin := e.Group("/admin", srv.requireAdmin)
	admin.GET("/policies", srv.HandleListPolicies)
	admin.PUT("/policies/:name", srv.HandleUpdatePolicy)
	admin.GET("/log-channel", srv.HandleGetLogChannel)
	admin.PUT("/log-channel", srv.HandleSetLogChannel)
	admin.GET("/flags/:guild/:user", srv.HandleGetFlags)

	srv.echo = e
	srv.httpd = &http.Server{
		Handler:        e,
		Addr:           bind,
		WriteTimeout:   time.Minute,
		ReadTimeout:    time.Minute,
		MaxHeaderBytes: 1 << 20,
	}
}

func (srv *Server) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	srv.echo.ServeHTTP(rw, req)
}

// Starts all ingest paths and background loops, then blocks until the context is cancelled or the process receives an exit signal.
func (srv *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if srv.Stream != nil {
		if err := srv.Stream.Start(ctx); err != nil {
			return err
		}
	}
	if srv.watcher != nil {
		srv.watcher.Start()
	}
	if srv.sweepEvery > 0 {
		go srv.runSweeper(ctx)
	}

	srv.logger.Info("starting server", "bind", srv.httpd.Addr)
	go func() {
		if err := srv.httpd.ListenAndServe(); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				srv.logger.Error("HTTP server shutting down unexpectedly", "err", err)
				cancel()
			}
		}
	}()

	exitSignals := make(chan os.Signal, 1)
	signal.Notify(exitSignals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(exitSignals)
	select {
	case sig := <-exitSignals:
		srv.logger.Info("received OS exit signal", "signal", sig)
	case <-ctx.Done():
	}

	return srv.Shutdown()
}

// Stops accepting events, then drains queued work before returning.
func (srv *Server) Shutdown() error {
	var errs []error
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.httpd.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if srv.Stream != nil {
		if err := srv.Stream.Shutdown(); err != nil {
			errs = append(errs, err)
		}
		if err := srv.Stream.Subscriber.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing stream subscriber: %w", err))
		}
	}
	if srv.watcher != nil {
		if err := srv.watcher.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	srv.Scheduler.Shutdown()
	if srv.rdb != nil {
		if err := srv.rdb.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	srv.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

// Periodically drops counter keys which have seen no events within the longest configured window.
func (srv *Server) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(srv.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			maxAge := srv.Engine.Policies().MaxWindow()
			if maxAge <= 0 {
				continue
			}
			n := srv.counters.Sweep(time.Now(), maxAge)
			counterKeys.Set(float64(srv.counters.Len()))
			if n > 0 {
				srv.logger.Debug("swept idle counter keys", "removed", n)
			}
		}
	}
}

func (srv *Server) RunMetrics(listen string) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, nil)
}
