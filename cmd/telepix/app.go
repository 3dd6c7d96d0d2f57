package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/telepix/telepix/internal/attribution"
	"github.com/telepix/telepix/internal/boot"
	"github.com/telepix/telepix/internal/bots"
	"github.com/telepix/telepix/internal/compose"
	"github.com/telepix/telepix/internal/config"
	"github.com/telepix/telepix/internal/conversions"
	"github.com/telepix/telepix/internal/db"
	"github.com/telepix/telepix/internal/followup"
	"github.com/telepix/telepix/internal/gateway"
	"github.com/telepix/telepix/internal/logger"
	"github.com/telepix/telepix/internal/payments"
	"github.com/telepix/telepix/internal/session"
	"github.com/telepix/telepix/internal/telegram"
)

const connectTimeout = 15 * time.Second

func newApp() *fx.App {
	return fx.New(
		InfraModule,
		DomainModule,
		ServerModule,
		fx.Invoke(startFleet),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	)
}

var InfraModule = fx.Module(
	"infra",
	fx.Provide(
		provideConfig,
		provideLogger,
		boot.ProvideRuntimeConfig,
		provideDBConn,
		provideDBQueries,
		provideRedis,
	),
)

var DomainModule = fx.Module(
	"domain",
	fx.Provide(
		provideBotService,
		provideGateway,
		provideComposer,
		provideConversions,
		provideAttribution,
		provideScheduler,
		provideReconciler,
		providePoller,
		provideCharges,
		provideTelegram,
		provideSessionManager,
	),
)

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	conn, err := db.Open(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			conn.Close()
			return nil
		},
	})
	return conn, nil
}

func provideDBQueries(conn *pgxpool.Pool) *db.Queries {
	return db.New(conn)
}

func provideRedis(lc fx.Lifecycle, cfg config.Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connect: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return rdb.Close()
		},
	})
	return rdb, nil
}

func provideBotService(log *slog.Logger, queries *db.Queries) *bots.Service {
	return bots.NewService(log, queries)
}

func provideGateway(log *slog.Logger, cfg config.Config, rc *boot.RuntimeConfig) *gateway.Client {
	return gateway.NewClient(log, gateway.Config{
		BaseURL:     rc.GatewayBaseURL,
		Timeout:     cfg.Gateway.Timeout,
		TokenMargin: cfg.Gateway.TokenMargin,
	})
}

func provideComposer(log *slog.Logger, cfg config.Config, rc *boot.RuntimeConfig) *compose.Composer {
	return compose.New(log, compose.Config{
		UploadDir:    rc.UploadDir,
		InternalURL:  rc.InternalURL,
		PublicHost:   rc.PublicHost(),
		FetchTimeout: cfg.Media.FetchTimeout,
	})
}

func provideConversions(log *slog.Logger, cfg config.Config, rc *boot.RuntimeConfig) *conversions.Client {
	return conversions.NewClient(log, conversions.Config{
		GraphURL:       cfg.Conversions.GraphURL,
		EventSourceURL: rc.EventSourceURL,
		Timeout:        cfg.Conversions.Timeout,
	})
}

func provideAttribution(log *slog.Logger, rdb *redis.Client, cfg config.Config) *attribution.Store {
	return attribution.NewStore(log, rdb, cfg.Attribution.TTL)
}

func provideScheduler(log *slog.Logger, rdb *redis.Client, queries *db.Queries, cfg config.Config) *followup.Scheduler {
	return followup.New(log, rdb, queries, followup.Config{
		Workers:           cfg.FollowUp.Workers,
		MaxAttempts:       cfg.FollowUp.MaxAttempts,
		BackoffBase:       cfg.FollowUp.BackoffBase,
		StuckTimeout:      cfg.FollowUp.StuckTimeout,
		PromoteBatch:      cfg.FollowUp.PromoteBatch,
		DefaultFirstDelay: cfg.FollowUp.DefaultFirstDelay,
		DefaultInterval:   cfg.FollowUp.DefaultInterval,
	})
}

func provideReconciler(log *slog.Logger, queries *db.Queries, botService *bots.Service, scheduler *followup.Scheduler, conv *conversions.Client) *payments.Reconciler {
	return payments.NewReconciler(log, queries, botService, scheduler, conv)
}

func providePoller(log *slog.Logger, reconciler *payments.Reconciler, gw *gateway.Client, botService *bots.Service, queries *db.Queries, cfg config.Config) *payments.Poller {
	return payments.NewPoller(log, reconciler, gw, botService, queries, payments.PollerConfig{
		Interval: cfg.Payments.PollInterval,
		Ceiling:  cfg.Payments.PollCeiling,
	})
}

func provideCharges(log *slog.Logger, queries *db.Queries, gw *gateway.Client, poller *payments.Poller, rc *boot.RuntimeConfig) *payments.Charges {
	return payments.NewCharges(log, queries, gw, poller, rc.WebhookURL)
}

func provideTelegram(log *slog.Logger, cfg config.Config) *telegram.Client {
	return telegram.NewClient(log, telegram.Config{
		APIEndpoint:    cfg.Telegram.APIEndpoint,
		PollTimeout:    cfg.Telegram.PollTimeout,
		SendRate:       cfg.Telegram.SendRate,
		SendBurst:      cfg.Telegram.SendBurst,
		RequestTimeout: cfg.Telegram.RequestTimeout,
	})
}

type sessionParams struct {
	fx.In

	Logger      *slog.Logger
	Config      config.Config
	Redis       *redis.Client
	Queries     *db.Queries
	Telegram    *telegram.Client
	Bots        *bots.Service
	Composer    *compose.Composer
	Scheduler   *followup.Scheduler
	Charges     *payments.Charges
	Attribution *attribution.Store
}

func provideSessionManager(p sessionParams) *session.Manager {
	sc := p.Config.Session
	var lease *session.Lease
	if sc.LeaseEnabled {
		lease = session.NewLease(p.Logger, p.Redis, sc.LeaseTTL)
	}
	return session.NewManager(p.Logger, session.NewRegistry(), session.Deps{
		Dialer:      p.Telegram,
		Bots:        p.Bots,
		Leads:       p.Queries,
		Composer:    p.Composer,
		FollowUps:   p.Scheduler,
		Charges:     p.Charges,
		Attribution: p.Attribution,
		Lease:       lease,
	}, session.Config{
		StartGrace:       sc.StartGrace,
		StopSettle:       sc.StopSettle,
		RestartSettle:    sc.RestartSettle,
		InterTenantDelay: sc.InterTenantDelay,
		ConflictRetries:  sc.ConflictRetries,
		ConflictBackoff:  sc.ConflictBackoff,
	})
}

type fleetParams struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Logger     *slog.Logger
	Manager    *session.Manager
	Scheduler  *followup.Scheduler
	Reconciler *payments.Reconciler
	Poller     *payments.Poller
}

// startFleet closes the delivery loop (scheduler -> sessions, reconciler -> sessions) and brings
// the bots up once the process is serving.
func startFleet(p fleetParams) {
	p.Scheduler.SetSender(p.Manager)
	p.Scheduler.SetLocalTimers(p.Manager.Timers())
	p.Reconciler.SetNotifier(p.Manager)

	bootCtx, cancelBoot := context.WithCancel(context.Background())
	done := make(chan struct{})

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := p.Scheduler.Start(ctx); err != nil {
				return fmt.Errorf("start follow-up scheduler: %w", err)
			}
			go func() {
				defer close(done)
				bringUp(bootCtx, p)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancelBoot()
			select {
			case <-done:
			case <-ctx.Done():
			}
			if err := p.Poller.Shutdown(ctx); err != nil {
				p.Logger.Warn("payment pollers did not drain", slog.Any("error", err))
			}
			if err := p.Manager.StopAll(ctx); err != nil {
				p.Logger.Warn("sessions did not drain", slog.Any("error", err))
			}
			return p.Scheduler.Stop(ctx)
		},
	})
}

func bringUp(ctx context.Context, p fleetParams) {
	if err := p.Manager.RestartAll(ctx); err != nil {
		p.Logger.Error("start sessions failed", slog.Any("error", err))
	}
	if ctx.Err() != nil {
		return
	}
	if n, err := p.Scheduler.Restore(ctx); err != nil {
		p.Logger.Error("restore follow-ups failed", slog.Any("error", err))
	} else {
		p.Logger.Info("follow-ups restored", slog.Int("count", n))
	}
	if _, err := p.Poller.ResumePending(ctx); err != nil {
		p.Logger.Error("resume payment polling failed", slog.Any("error", err))
	}
}
