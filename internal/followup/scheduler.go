// Package followup schedules the reminder messages sent to recipients who have not paid yet.
// Jobs live in Redis so they survive restarts and are shared by every process of the fleet.
package followup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/telepix/telepix/internal/bots"
	"github.com/telepix/telepix/internal/db"
	"github.com/telepix/telepix/internal/registry"
)

const claimBlock = time.Second

// Scheduler arms, cancels and executes follow-ups. Start runs the promoter, the stuck-job sweeper
// and the worker pool; the scheduling operations work without it.
type Scheduler struct {
	queue  *queue
	store  Store
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	mu      sync.RWMutex
	sender  Sender
	local   LocalTimers
	cron    *cron.Cron
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func New(log *slog.Logger, rdb *redis.Client, store Store, cfg Config) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.StuckTimeout <= 0 {
		cfg.StuckTimeout = 5 * time.Minute
	}
	if cfg.PromoteBatch <= 0 {
		cfg.PromoteBatch = 100
	}
	return &Scheduler{
		queue:  &queue{rdb: rdb},
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		logger: log.With(slog.String("service", "followup")),
	}
}

// SetSender wires the component that delivers messages. It is set after construction because
// the session manager also depends on the scheduler.
func (s *Scheduler) SetSender(sender Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

// SetLocalTimers wires the registry holding in-process timers so Cancel clears them too.
func (s *Scheduler) SetLocalTimers(local LocalTimers) {
	s.mu.Lock()
	s.local = local
	s.mu.Unlock()
}

// Schedule replaces any follow-ups of the pair with a one-shot after firstDelay and a recurring
// job every interval starting after the one-shot.
func (s *Scheduler) Schedule(ctx context.Context, tenantID, recipientID string, firstDelay, interval time.Duration) error {
	if firstDelay <= 0 || interval <= 0 {
		return fmt.Errorf("invalid follow-up delays: first=%s interval=%s", firstDelay, interval)
	}
	s.cancelLocal(tenantID, recipientID)
	now := s.now()
	keys := registry.PairKeys(tenantID, recipientID)
	generation := uuid.NewString()
	first := &Job{
		Key:         keys[0].String(),
		TenantID:    tenantID,
		RecipientID: recipientID,
		Kind:        registry.KindFirst,
		Generation:  generation,
		FireAt:      now.Add(firstDelay),
		Status:      JobStatusScheduled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	recurring := &Job{
		Key:         keys[1].String(),
		TenantID:    tenantID,
		RecipientID: recipientID,
		Kind:        registry.KindRecurring,
		Generation:  generation,
		Interval:    interval,
		FireAt:      now.Add(firstDelay + interval),
		Status:      JobStatusScheduled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.queue.replace(ctx, []string{first.Key, recurring.Key}, []*Job{first, recurring}); err != nil {
		return fmt.Errorf("schedule follow-ups: %w", err)
	}
	s.logger.Debug("follow-ups scheduled",
		slog.String("bot_id", tenantID),
		slog.String("chat_id", recipientID),
		slog.Time("first_at", first.FireAt),
		slog.Duration("interval", interval),
	)
	return nil
}

// Cancel removes both jobs of the pair and any in-process timers. Missing jobs are not an error.
func (s *Scheduler) Cancel(ctx context.Context, tenantID, recipientID string) error {
	s.cancelLocal(tenantID, recipientID)
	keys := registry.PairKeys(tenantID, recipientID)
	if err := s.queue.replace(ctx, []string{keys[0].String(), keys[1].String()}, nil); err != nil {
		return fmt.Errorf("cancel follow-ups: %w", err)
	}
	return nil
}

func (s *Scheduler) cancelLocal(tenantID, recipientID string) {
	s.mu.RLock()
	local := s.local
	s.mu.RUnlock()
	if local != nil {
		local.CancelTimers(tenantID, recipientID)
	}
}

// Pause stops follow-ups for a recipient until Resume.
func (s *Scheduler) Pause(ctx context.Context, tenantID, recipientID string) error {
	botID, err := db.ParseUUID(tenantID)
	if err != nil {
		return err
	}
	if _, err := s.store.SetLeadResendPaused(ctx, botID, recipientID, true); err != nil {
		return fmt.Errorf("pause lead: %w", err)
	}
	return s.Cancel(ctx, tenantID, recipientID)
}

// Resume clears the pause flag and re-arms from the full delays when the recipient is still a
// candidate. It reports whether follow-ups were armed.
func (s *Scheduler) Resume(ctx context.Context, tenantID, recipientID string) (bool, error) {
	botID, err := db.ParseUUID(tenantID)
	if err != nil {
		return false, err
	}
	lead, err := s.store.SetLeadResendPaused(ctx, botID, recipientID, false)
	if err != nil {
		return false, fmt.Errorf("resume lead: %w", err)
	}
	if lead.ConvertedAt.Valid {
		return false, nil
	}
	paid, err := s.store.HasPaidPayment(ctx, botID, recipientID)
	if err != nil {
		return false, err
	}
	if paid {
		return false, nil
	}
	bot, err := s.store.GetBotByID(ctx, botID)
	if err != nil {
		return false, err
	}
	if !bot.IsActive {
		return false, nil
	}
	err = s.Schedule(ctx, tenantID, recipientID,
		bots.Minutes(bot.ResendFirstDelay, s.cfg.DefaultFirstDelay),
		bots.Minutes(bot.ResendInterval, s.cfg.DefaultInterval))
	return err == nil, err
}

// Restore re-arms every eligible lead from its bot's full delays. Run it once after the session
// manager restarted all sessions. Elapsed time before the restart is not carried over.
func (s *Scheduler) Restore(ctx context.Context) (int, error) {
	candidates, err := s.store.ListFollowUpCandidates(ctx)
	if err != nil {
		return 0, fmt.Errorf("list follow-up candidates: %w", err)
	}
	restored := 0
	for _, c := range candidates {
		tenantID := db.UUIDString(c.BotID)
		err := s.Schedule(ctx, tenantID, c.TelegramChatID,
			bots.Minutes(c.ResendFirstDelay, s.cfg.DefaultFirstDelay),
			bots.Minutes(c.ResendInterval, s.cfg.DefaultInterval))
		if err != nil {
			s.logger.Error("restore follow-ups failed",
				slog.String("bot_id", tenantID),
				slog.String("chat_id", c.TelegramChatID),
				slog.Any("error", err),
			)
			continue
		}
		restored++
	}
	s.logger.Info("follow-ups restored", slog.Int("count", restored), slog.Int("candidates", len(candidates)))
	return restored, nil
}

// Stats returns queue sizes and counters.
func (s *Scheduler) Stats(ctx context.Context) (Stats, error) {
	return s.queue.stats(ctx)
}

// Execute runs the fire-time checks for a recipient and sends one follow-up when they pass.
// sent is false when a check failed; the pair's jobs are cancelled in that case.
func (s *Scheduler) Execute(ctx context.Context, tenantID, recipientID string) (bool, error) {
	ok, reason, err := s.eligible(ctx, tenantID, recipientID)
	if err != nil {
		return false, err
	}
	if !ok {
		s.logger.Info("follow-up no longer needed",
			slog.String("bot_id", tenantID),
			slog.String("chat_id", recipientID),
			slog.String("reason", reason),
		)
		if err := s.Cancel(ctx, tenantID, recipientID); err != nil {
			s.logger.Warn("cancel after failed check", slog.Any("error", err))
		}
		return false, nil
	}
	return true, s.send(ctx, tenantID, recipientID)
}

func (s *Scheduler) send(ctx context.Context, tenantID, recipientID string) error {
	s.mu.RLock()
	sender := s.sender
	s.mu.RUnlock()
	if sender == nil {
		return ErrNoSession
	}
	return sender.SendFollowUp(ctx, tenantID, recipientID)
}

// eligible checks the lead is neither paused nor converted, nothing was paid and the bot is active.
func (s *Scheduler) eligible(ctx context.Context, tenantID, recipientID string) (bool, string, error) {
	botID, err := db.ParseUUID(tenantID)
	if err != nil {
		return false, "invalid bot id", nil
	}
	lead, err := s.store.GetLead(ctx, botID, recipientID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, "lead not found", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("get lead: %w", err)
	}
	if lead.ResendPaused {
		return false, "paused", nil
	}
	if lead.ConvertedAt.Valid {
		return false, "converted", nil
	}
	paid, err := s.store.HasPaidPayment(ctx, botID, recipientID)
	if err != nil {
		return false, "", fmt.Errorf("check payments: %w", err)
	}
	if paid {
		return false, "paid", nil
	}
	bot, err := s.store.GetBotByID(ctx, botID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, "bot not found", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("get bot: %w", err)
	}
	if !bot.IsActive {
		return false, "bot inactive", nil
	}
	return true, "", nil
}
