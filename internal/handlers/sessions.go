package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/telepix/telepix/internal/bots"
	"github.com/telepix/telepix/internal/session"
)

// Sessions is the lifecycle surface of *session.Manager.
type Sessions interface {
	StartTenant(ctx context.Context, botID string) error
	Stop(ctx context.Context, botID string) error
	RestartAll(ctx context.Context) error
	Status(botID string) session.Status
	Running() []string
}

// SessionsHandler exposes start, stop, restart and status of bot sessions to operators.
type SessionsHandler struct {
	sessions Sessions
	logger   *slog.Logger
}

func NewSessionsHandler(log *slog.Logger, sessions Sessions) *SessionsHandler {
	return &SessionsHandler{
		sessions: sessions,
		logger:   log.With(slog.String("handler", "sessions")),
	}
}

func (h *SessionsHandler) Register(e *echo.Echo) {
	group := e.Group(adminPrefix + "/bots")
	group.POST("/restart", h.RestartAll)
	group.POST("/:botId/start", h.Start)
	group.POST("/:botId/stop", h.Stop)
	group.GET("/:botId/status", h.Status)
}

type RestartResponse struct {
	Running []string `json:"running"`
}

// Start godoc
// @Summary Start a bot session
// @Description Stops any previous session, waits the start grace and opens a new inbound connection.
// @Tags sessions
// @Param botId path string true "Bot ID"
// @Success 200 {object} session.Status
// @Failure 404 {object} echo.HTTPError
// @Failure 409 {object} echo.HTTPError
// @Failure 502 {object} echo.HTTPError
// @Router /api/admin/bots/{botId}/start [post]
func (h *SessionsHandler) Start(c echo.Context) error {
	botID := c.Param("botId")
	// The start must run to completion even if the client goes away.
	ctx := context.WithoutCancel(c.Request().Context())
	if err := h.sessions.StartTenant(ctx, botID); err != nil {
		switch {
		case errors.Is(err, bots.ErrBotNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "bot not found")
		case errors.Is(err, session.ErrBotInactive), errors.Is(err, session.ErrLeaseHeld):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		default:
			h.logger.Error("start session failed", slog.String("bot_id", botID), slog.Any("error", err))
			return echo.NewHTTPError(http.StatusBadGateway, err.Error())
		}
	}
	return c.JSON(http.StatusOK, h.sessions.Status(botID))
}

// Stop godoc
// @Summary Stop a bot session
// @Tags sessions
// @Param botId path string true "Bot ID"
// @Success 200 {object} session.Status
// @Router /api/admin/bots/{botId}/stop [post]
func (h *SessionsHandler) Stop(c echo.Context) error {
	botID := c.Param("botId")
	if err := h.sessions.Stop(context.WithoutCancel(c.Request().Context()), botID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, h.sessions.Status(botID))
}

// RestartAll godoc
// @Summary Restart every active bot
// @Tags sessions
// @Success 200 {object} RestartResponse
// @Router /api/admin/bots/restart [post]
func (h *SessionsHandler) RestartAll(c echo.Context) error {
	if err := h.sessions.RestartAll(context.WithoutCancel(c.Request().Context())); err != nil {
		h.logger.Error("restart all failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, RestartResponse{Running: h.sessions.Running()})
}

func (h *SessionsHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, h.sessions.Status(c.Param("botId")))
}
