package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/telepix/telepix/internal/version"
)

const adminPrefix = "/api/admin"

// Pinger checks a backing store; *pgxpool.Pool and the redis client adapter satisfy it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingHandler serves /ping, HEAD /health and /health/ready.
type PingHandler struct {
	deps   map[string]Pinger
	logger *slog.Logger
}

// NewPingHandler creates a ping handler. deps are probed by the readiness check.
func NewPingHandler(log *slog.Logger, deps map[string]Pinger) *PingHandler {
	return &PingHandler{deps: deps, logger: log.With(slog.String("handler", "ping"))}
}

func (h *PingHandler) Register(e *echo.Echo) {
	e.GET("/ping", h.Ping)
	e.HEAD("/health", h.PingHead)
	e.GET("/health/ready", h.Ready)
}

// Ping returns 200 JSON {"status":"ok","version":...}.
func (h *PingHandler) Ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.GetInfo(),
	})
}

func (h *PingHandler) PingHead(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// Ready probes every dependency and answers 503 listing the ones that failed.
func (h *PingHandler) Ready(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			h.logger.Warn("readiness probe failed", slog.String("dependency", name), slog.Any("error", err))
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{"status": "degraded", "failed": failed})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}
