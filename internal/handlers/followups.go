package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"

	"github.com/telepix/telepix/internal/db"
	"github.com/telepix/telepix/internal/followup"
)

// FollowUpControl is the operator surface of *followup.Scheduler.
type FollowUpControl interface {
	Pause(ctx context.Context, botID, chatID string) error
	Resume(ctx context.Context, botID, chatID string) (bool, error)
	Stats(ctx context.Context) (followup.Stats, error)
}

type FollowUpHandler struct {
	scheduler FollowUpControl
	logger    *slog.Logger
}

func NewFollowUpHandler(log *slog.Logger, scheduler FollowUpControl) *FollowUpHandler {
	return &FollowUpHandler{
		scheduler: scheduler,
		logger:    log.With(slog.String("handler", "followups")),
	}
}

func (h *FollowUpHandler) Register(e *echo.Echo) {
	leads := e.Group(adminPrefix + "/leads/:botId/:chatId")
	leads.POST("/pause", h.Pause)
	leads.POST("/resume", h.Resume)
	e.GET(adminPrefix+"/queue/stats", h.Stats)
}

type ResumeResponse struct {
	Rearmed bool `json:"rearmed"`
}

// Pause godoc
// @Summary Pause follow-ups for a lead
// @Tags followups
// @Param botId path string true "Bot ID"
// @Param chatId path string true "Telegram chat ID"
// @Success 204
// @Failure 400 {object} echo.HTTPError
// @Failure 404 {object} echo.HTTPError
// @Router /api/admin/leads/{botId}/{chatId}/pause [post]
func (h *FollowUpHandler) Pause(c echo.Context) error {
	botID, chatID, err := leadParams(c)
	if err != nil {
		return err
	}
	if err := h.scheduler.Pause(c.Request().Context(), botID, chatID); err != nil {
		return h.leadError(err, botID, chatID)
	}
	return c.NoContent(http.StatusNoContent)
}

// Resume godoc
// @Summary Resume follow-ups for a lead
// @Description Re-arms follow-ups from the full delays unless the lead converted or paid.
// @Tags followups
// @Success 200 {object} ResumeResponse
// @Router /api/admin/leads/{botId}/{chatId}/resume [post]
func (h *FollowUpHandler) Resume(c echo.Context) error {
	botID, chatID, err := leadParams(c)
	if err != nil {
		return err
	}
	rearmed, err := h.scheduler.Resume(c.Request().Context(), botID, chatID)
	if err != nil {
		return h.leadError(err, botID, chatID)
	}
	return c.JSON(http.StatusOK, ResumeResponse{Rearmed: rearmed})
}

// Stats godoc
// @Summary Follow-up queue statistics
// @Tags followups
// @Success 200 {object} followup.Stats
// @Router /api/admin/queue/stats [get]
func (h *FollowUpHandler) Stats(c echo.Context) error {
	stats, err := h.scheduler.Stats(c.Request().Context())
	if err != nil {
		h.logger.Error("queue stats failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, stats)
}

func leadParams(c echo.Context) (string, string, error) {
	botID, chatID := c.Param("botId"), c.Param("chatId")
	if _, err := db.ParseUUID(botID); err != nil {
		return "", "", echo.NewHTTPError(http.StatusBadRequest, "invalid bot id")
	}
	if chatID == "" {
		return "", "", echo.NewHTTPError(http.StatusBadRequest, "chat id is required")
	}
	return botID, chatID, nil
}

func (h *FollowUpHandler) leadError(err error, botID, chatID string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return echo.NewHTTPError(http.StatusNotFound, "lead not found")
	}
	h.logger.Error("lead follow-up update failed",
		slog.String("bot_id", botID), slog.String("chat_id", chatID), slog.Any("error", err))
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
