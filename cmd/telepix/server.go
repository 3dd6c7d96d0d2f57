package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"github.com/telepix/telepix/internal/attribution"
	"github.com/telepix/telepix/internal/boot"
	"github.com/telepix/telepix/internal/db"
	"github.com/telepix/telepix/internal/followup"
	"github.com/telepix/telepix/internal/handlers"
	"github.com/telepix/telepix/internal/payments"
	"github.com/telepix/telepix/internal/server"
	"github.com/telepix/telepix/internal/session"
	"github.com/telepix/telepix/internal/version"
)

var ServerModule = fx.Module(
	"server",
	fx.Provide(
		provideServerHandler(providePingHandler),
		provideServerHandler(provideWebhookHandler),
		provideServerHandler(provideTrackingHandler),
		provideServerHandler(provideSessionsHandler),
		provideServerHandler(provideFollowUpHandler),
		provideServer,
	),
	fx.Invoke(startServer),
)

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

// redisPinger adapts the go-redis status command to handlers.Pinger.
type redisPinger struct{ rdb *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

func providePingHandler(log *slog.Logger, pool *pgxpool.Pool, rdb *redis.Client) *handlers.PingHandler {
	return handlers.NewPingHandler(log, map[string]handlers.Pinger{
		"postgres": pool,
		"redis":    redisPinger{rdb: rdb},
	})
}

func provideWebhookHandler(log *slog.Logger, reconciler *payments.Reconciler, queries *db.Queries) *handlers.WebhookHandler {
	return handlers.NewWebhookHandler(log, reconciler, queries)
}

func provideTrackingHandler(log *slog.Logger, store *attribution.Store, manager *session.Manager) *handlers.TrackingHandler {
	return handlers.NewTrackingHandler(log, store, manager)
}

func provideSessionsHandler(log *slog.Logger, manager *session.Manager) *handlers.SessionsHandler {
	return handlers.NewSessionsHandler(log, manager)
}

func provideFollowUpHandler(log *slog.Logger, scheduler *followup.Scheduler) *handlers.FollowUpHandler {
	return handlers.NewFollowUpHandler(log, scheduler)
}

type serverParams struct {
	fx.In

	Logger         *slog.Logger
	RuntimeConfig  *boot.RuntimeConfig
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	if params.RuntimeConfig.AdminAPIKey == "" {
		params.Logger.Warn("admin api key is empty; admin routes will reject every request")
	}
	return server.NewServer(params.Logger, params.RuntimeConfig.ServerAddr, params.RuntimeConfig.AdminAPIKey, params.ServerHandlers...)
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	fmt.Printf("Starting Telepix %s\n", version.GetInfo())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
