package payments

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/telepix/telepix/internal/db"
	"github.com/telepix/telepix/internal/gateway"
	"github.com/telepix/telepix/internal/paystatus"
)

const (
	DefaultPollInterval = 10 * time.Second
	DefaultPollCeiling  = 30 * time.Minute
)

// PollerConfig bounds each poll loop.
type PollerConfig struct {
	Interval time.Duration
	Ceiling  time.Duration
}

// Poller runs one bounded status loop per pending payment and feeds every answer through the
// reconciler. The webhook stays the final authority once a loop gives up.
type Poller struct {
	reconciler *Reconciler
	gateway    Gateway
	bots       BotSource
	store      Store
	cfg        PollerConfig
	logger     *slog.Logger

	mu     sync.Mutex
	loops  map[string]context.CancelFunc
	base   context.Context
	stop   context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

func NewPoller(log *slog.Logger, reconciler *Reconciler, gw Gateway, botSource BotSource, store Store, cfg PollerConfig) *Poller {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = DefaultPollCeiling
	}
	base, stop := context.WithCancel(context.Background())
	return &Poller{
		reconciler: reconciler,
		gateway:    gw,
		bots:       botSource,
		store:      store,
		cfg:        cfg,
		logger:     log.With(slog.String("service", "payment_poller")),
		loops:      make(map[string]context.CancelFunc),
		base:       base,
		stop:       stop,
	}
}

// Track starts polling chargeID until the payment settles or deadline passes. A payment that is
// already tracked is left alone.
func (p *Poller) Track(creds gateway.Credentials, paymentID, chargeID string, deadline time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	if _, ok := p.loops[paymentID]; ok {
		return false
	}
	ctx, cancel := context.WithDeadline(p.base, deadline)
	p.loops[paymentID] = cancel
	p.wg.Add(1)
	go p.loop(ctx, creds, paymentID, chargeID)
	return true
}

// Active returns how many loops are running.
func (p *Poller) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.loops)
}

func (p *Poller) loop(ctx context.Context, creds gateway.Credentials, paymentID, chargeID string) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		if cancel, ok := p.loops[paymentID]; ok {
			cancel()
			delete(p.loops, paymentID)
		}
		p.mu.Unlock()
	}()
	log := p.logger.With(slog.String("payment_id", paymentID), slog.String("charge_id", chargeID))

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				log.Info("payment polling gave up, waiting for webhook")
			}
			return
		case <-ticker.C:
		}
		if p.check(ctx, creds, paymentID, chargeID, log) {
			return
		}
	}
}

// check runs one probe and reports whether the loop is done.
func (p *Poller) check(ctx context.Context, creds gateway.Credentials, paymentID, chargeID string, log *slog.Logger) bool {
	status := p.gateway.CheckStatus(ctx, creds, chargeID)
	if ctx.Err() != nil {
		return true
	}
	res, err := p.reconciler.Reconcile(ctx, Lookup{ChargeID: chargeID, ExternalRef: paymentID}, status.String(), paystatus.Flags{}, SourcePoll)
	if errors.Is(err, ErrPaymentNotFound) {
		log.Warn("polled payment disappeared")
		return true
	}
	if err != nil {
		log.Warn("reconcile polled status failed", slog.Any("error", err))
		return false
	}
	return res.Status.Terminal()
}

// ResumePending restarts loops for charges created within the last ceiling that are still
// pending, each bounded by its original deadline.
func (p *Poller) ResumePending(ctx context.Context) (int, error) {
	since := time.Now().Add(-p.cfg.Ceiling)
	pending, err := p.store.ListPendingPayments(ctx, db.Timestamptz(since))
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, payment := range pending {
		bot, err := p.bots.Get(ctx, db.UUIDString(payment.BotID))
		if err != nil {
			p.logger.Warn("skip pending payment", slog.String("payment_id", db.UUIDString(payment.ID)), slog.Any("error", err))
			continue
		}
		deadline := db.TimeFromPg(payment.CreatedAt).Add(p.cfg.Ceiling)
		if p.Track(bot.Gateway, db.UUIDString(payment.ID), db.TextToString(payment.SyncpayID), deadline) {
			resumed++
		}
	}
	if resumed > 0 {
		p.logger.Info("payment polling resumed", slog.Int("count", resumed))
	}
	return resumed, nil
}

// Shutdown cancels every loop and waits for them, bounded by ctx. Track is refused afterwards.
func (p *Poller) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.stop()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
