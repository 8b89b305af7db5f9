package main

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/bouncerbot/bouncer/automod"
	"github.com/bouncerbot/bouncer/automod/consumer"
	"github.com/bouncerbot/bouncer/automod/engine"
	"github.com/bouncerbot/bouncer/automod/event"
	"github.com/bouncerbot/bouncer/automod/flagstore"

	"github.com/labstack/echo/v4"
)

type GenericStatus struct {
	Daemon  string `json:"daemon"`
	Status  string `json:"status"`
	Message string `json:"msg,omitempty"`
}

type LogChannelBody struct {
	// empty for the default channel
	GuildID   string `json:"guildId"`
	ChannelID string `json:"channelId"`
}

type LogChannelsResponse struct {
	Default string            `json:"default"`
	Guilds  map[string]string `json:"guilds"`
}

type FlagsResponse struct {
	GuildID string   `json:"guildId"`
	UserID  string   `json:"userId"`
	Flags   []string `json:"flags"`
}

func (srv *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	var errorMessage string
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		errorMessage = fmt.Sprintf("%s", he.Message)
	}
	if code >= 500 {
		srv.logger.Warn("bouncer-http-internal-error", "err", err)
	}
	if !c.Response().Committed {
		_ = c.JSON(code, GenericStatus{Status: "error", Daemon: "bouncer", Message: errorMessage})
	}
}

// requires header `Authorization: Bearer {admin token}`. With no admin token configured, the admin API is disabled.
func (srv *Server) requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if srv.adminToken == "" {
			return echo.NewHTTPError(http.StatusForbidden, "admin API disabled")
		}
		want := "Bearer " + srv.adminToken
		got := c.Request().Header.Get("Authorization")
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			srv.logger.Info("wrong admin auth header", "path", c.Path())
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid admin token")
		}
		return next(c)
	}
}

func (srv *Server) HandleHealthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, GenericStatus{Status: "ok", Daemon: "bouncer"})
}

// POST /events
//
// Body is either a normalized event or a raw gateway dispatch. The event is queued for processing; the response does not wait for policy evaluation.
func (srv *Server) HandleEvent(c echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	evt, err := consumer.Decode(raw)
	return srv.enqueue(c, evt, err, "http")
}

// POST /dispatch
//
// Body is a raw gateway dispatch ({"t": ..., "d": ...}). Dispatch types no policy cares about are accepted and ignored.
func (srv *Server) HandleDispatch(c echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	evt, err := event.FromDispatchJSON(raw)
	if errors.Is(err, event.ErrUnsupportedDispatch) {
		eventsIngested.WithLabelValues("dispatch", "ignored").Inc()
		return c.JSON(http.StatusAccepted, GenericStatus{Status: "ignored", Daemon: "bouncer", Message: err.Error()})
	}
	return srv.enqueue(c, evt, err, "dispatch")
}

func (srv *Server) enqueue(c echo.Context, evt *event.Event, err error, source string) error {
	if err == nil {
		err = evt.Validate()
	}
	if err != nil {
		eventsIngested.WithLabelValues(source, "invalid").Inc()
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := srv.Scheduler.AddWork(c.Request().Context(), evt); err != nil {
		eventsIngested.WithLabelValues(source, "error").Inc()
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	eventsIngested.WithLabelValues(source, "ok").Inc()
	return c.JSON(http.StatusAccepted, GenericStatus{Status: "queued", Daemon: "bouncer"})
}

// GET /admin/policies
func (srv *Server) HandleListPolicies(c echo.Context) error {
	return c.JSON(http.StatusOK, srv.Engine.Policies().All())
}

// PUT /admin/policies/:name
//
// Body is a partial policy: any of "enabled", "window" (Go duration string), "threshold", "comparison".
func (srv *Server) HandleUpdatePolicy(c echo.Context) error {
	var o automod.PolicyOverride
	if err := c.Bind(&o); err != nil {
		return err
	}
	name := c.Param("name")
	p, err := srv.Engine.UpdatePolicy(name, o)
	if errors.Is(err, engine.ErrUnknownPolicy) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	} else if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	srv.logger.Info("policy updated through admin API", "policy", name)
	return c.JSON(http.StatusOK, p)
}

// GET /admin/log-channel
func (srv *Server) HandleGetLogChannel(c echo.Context) error {
	lc := srv.Engine.Dispatcher.LogChannels
	return c.JSON(http.StatusOK, LogChannelsResponse{
		Default: lc.Default(),
		Guilds:  lc.All(),
	})
}

// PUT /admin/log-channel
//
// An empty guildId sets the default channel; an empty channelId removes the guild's entry.
func (srv *Server) HandleSetLogChannel(c echo.Context) error {
	var body LogChannelBody
	if err := c.Bind(&body); err != nil {
		return err
	}
	if body.GuildID == "" && body.ChannelID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "channelId is required for the default log channel")
	}
	lc := srv.Engine.Dispatcher.LogChannels
	lc.Set(body.GuildID, body.ChannelID)
	srv.logger.Info("log channel updated", slog.String("guild", body.GuildID), slog.String("channel", body.ChannelID))
	return c.JSON(http.StatusOK, LogChannelsResponse{
		Default: lc.Default(),
		Guilds:  lc.All(),
	})
}

// GET /admin/flags/:guild/:user
func (srv *Server) HandleGetFlags(c echo.Context) error {
	guildID := c.Param("guild")
	userID := c.Param("user")
	flags, err := srv.Engine.Flags.Get(c.Request().Context(), flagstore.SubjectKey(guildID, userID))
	if err != nil {
		return fmt.Errorf("fetching flags: %w", err)
	}
	if flags == nil {
		flags = []string{}
	}
	return c.JSON(http.StatusOK, FlagsResponse{GuildID: guildID, UserID: userID, Flags: flags})
}
