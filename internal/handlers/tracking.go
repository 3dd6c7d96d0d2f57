package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"github.com/telepix/telepix/internal/attribution"
	"github.com/telepix/telepix/internal/bots"
)

const telegramLinkBase = "https://t.me/"

// AttributionSaver stores campaign parameters under a one-time token; *attribution.Store satisfies it.
type AttributionSaver interface {
	Save(ctx context.Context, p attribution.Params) (string, error)
}

// UsernameResolver finds a tenant bot's platform username; *session.Manager satisfies it.
type UsernameResolver interface {
	BotUsername(ctx context.Context, botID string) (string, error)
}

// TrackingHandler turns campaign links into bot deep links carrying the attribution token.
type TrackingHandler struct {
	store     AttributionSaver
	usernames UsernameResolver
	logger    *slog.Logger
}

func NewTrackingHandler(log *slog.Logger, store AttributionSaver, usernames UsernameResolver) *TrackingHandler {
	return &TrackingHandler{
		store:     store,
		usernames: usernames,
		logger:    log.With(slog.String("handler", "tracking")),
	}
}

func (h *TrackingHandler) Register(e *echo.Echo) {
	group := e.Group("/api/tracking")
	group.GET("/:botId", h.Link)
	group.GET("/:botId/redirect", h.Redirect)
}

type TrackingLinkResponse struct {
	Link  string `json:"link"`
	Token string `json:"token,omitempty"`
}

// Link godoc
// @Summary Build a tracked deep link
// @Tags tracking
// @Param botId path string true "Bot ID"
// @Success 200 {object} TrackingLinkResponse
// @Failure 404 {object} echo.HTTPError
// @Router /api/tracking/{botId} [get]
func (h *TrackingHandler) Link(c echo.Context) error {
	resp, err := h.build(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

// Redirect answers with a 302 to the same link Link returns.
func (h *TrackingHandler) Redirect(c echo.Context) error {
	resp, err := h.build(c)
	if err != nil {
		return err
	}
	return c.Redirect(http.StatusFound, resp.Link)
}

func (h *TrackingHandler) build(c echo.Context) (TrackingLinkResponse, error) {
	ctx := c.Request().Context()
	botID := c.Param("botId")
	username, err := h.usernames.BotUsername(ctx, botID)
	if err != nil {
		if errors.Is(err, bots.ErrBotNotFound) {
			return TrackingLinkResponse{}, echo.NewHTTPError(http.StatusNotFound, "bot not found")
		}
		h.logger.Error("resolve bot username failed", slog.String("bot_id", botID), slog.Any("error", err))
		return TrackingLinkResponse{}, echo.NewHTTPError(http.StatusBadGateway, "bot unavailable")
	}

	link := telegramLinkBase + username
	params := attribution.FromValues(c.QueryParams())
	if params.Empty() {
		return TrackingLinkResponse{Link: link}, nil
	}
	token, err := h.store.Save(ctx, params)
	if err != nil {
		h.logger.Warn("save attribution failed, falling back to direct link",
			slog.String("bot_id", botID), slog.Any("error", err))
		return TrackingLinkResponse{Link: link}, nil
	}
	return TrackingLinkResponse{Link: link + "?start=" + url.QueryEscape(token), Token: token}, nil
}
