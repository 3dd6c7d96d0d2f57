package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/telepix/telepix/internal/bots"
	"github.com/telepix/telepix/internal/followup"
	"github.com/telepix/telepix/internal/registry"
	"github.com/telepix/telepix/internal/telegram"
)

const (
	handlerTimeout = 2 * time.Minute
	usernameTTL    = 10 * time.Minute
)

type session struct {
	tenant    bots.Bot
	bot       telegram.Bot
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
}

// Deps groups the collaborators of a Manager.
type Deps struct {
	Dialer      telegram.Dialer
	Bots        BotSource
	Leads       LeadStore
	Composer    Composer
	FollowUps   FollowUps
	Charges     Charger
	Attribution Attribution
	// Lease is optional. Without it only the stop-then-wait pacing guards against two pollers.
	Lease *Lease
}

// Manager owns the live sessions of the fleet. Every lifecycle operation on a tenant runs under
// that tenant's lock, so start and stop of one tenant never interleave.
type Manager struct {
	logger   *slog.Logger
	deps     Deps
	cfg      Config
	registry *registry.Registry[*session]

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	states map[string]State

	usernames *cache.Cache
	lookups   singleflight.Group

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

func NewManager(log *slog.Logger, reg *registry.Registry[*session], deps Deps, cfg Config) *Manager {
	if log == nil {
		log = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger:     log.With(slog.String("service", "session")),
		deps:       deps,
		cfg:        cfg,
		registry:   reg,
		sleep:      sleepCtx,
		now:        time.Now,
		locks:      make(map[string]*sync.Mutex),
		states:     make(map[string]State),
		usernames:  cache.New(usernameTTL, 2*usernameTTL),
		baseCtx:    base,
		baseCancel: cancel,
	}
}

// NewRegistry builds the registry type the Manager stores its sessions in.
func NewRegistry() *registry.Registry[*session] {
	return registry.New[*session]()
}

// Timers exposes the in-process follow-up timers so the durable scheduler can cancel them.
func (m *Manager) Timers() followup.LocalTimers { return m.registry }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (m *Manager) tenantLock(tenantID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[tenantID] = l
	}
	return l
}

func (m *Manager) setState(tenantID string, st State) {
	m.mu.Lock()
	m.states[tenantID] = st
	m.mu.Unlock()
	m.logger.Debug("session state", slog.String("bot_id", tenantID), slog.String("state", string(st)))
}

func (m *Manager) state(tenantID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[tenantID]; ok {
		return st
	}
	return StateStopped
}

// Status reports the lifecycle state of a tenant.
func (m *Manager) Status(tenantID string) Status {
	st := Status{BotID: tenantID, State: m.state(tenantID)}
	if s, ok := m.registry.Session(tenantID); ok {
		st.Username = s.bot.Username()
		st.StartedAt = s.startedAt
	}
	return st
}

// Running lists tenants with a live session.
func (m *Manager) Running() []string {
	return m.registry.TenantIDs()
}

// StartTenant loads the bot and starts its session.
func (m *Manager) StartTenant(ctx context.Context, tenantID string) error {
	bot, err := m.deps.Bots.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	return m.Start(ctx, bot)
}

// Start opens the inbound connection of bot, stopping and waiting out any previous session first.
func (m *Manager) Start(ctx context.Context, bot bots.Bot) error {
	if !bot.IsActive {
		return ErrBotInactive
	}
	lock := m.tenantLock(bot.ID)
	lock.Lock()
	defer lock.Unlock()
	return m.startLocked(ctx, bot)
}

func (m *Manager) startLocked(ctx context.Context, bot bots.Bot) error {
	if _, ok := m.registry.Session(bot.ID); ok {
		m.stopLocked(ctx, bot.ID)
	}
	if err := m.sleep(ctx, m.cfg.StartGrace); err != nil {
		return err
	}
	m.setState(bot.ID, StateStarting)

	if m.deps.Lease != nil {
		ok, err := m.deps.Lease.Acquire(ctx, bot.ID)
		if err != nil {
			m.setState(bot.ID, StateStopped)
			return fmt.Errorf("acquire lease: %w", err)
		}
		if !ok {
			m.setState(bot.ID, StateStopped)
			return ErrLeaseHeld
		}
	}

	tb, err := m.deps.Dialer.Dial(ctx, bot.TelegramToken)
	if err != nil {
		m.releaseLease(bot.ID)
		m.setState(bot.ID, StateStopped)
		return fmt.Errorf("dial bot: %w", err)
	}

	runCtx, cancel := context.WithCancel(m.baseCtx)
	s := &session{
		tenant:    bot,
		bot:       tb,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: m.now(),
	}
	if !m.registry.PutSession(bot.ID, s) {
		cancel()
		tb.Close()
		m.releaseLease(bot.ID)
		m.setState(bot.ID, StateStopped)
		return fmt.Errorf("session for %s already registered", bot.ID)
	}
	m.usernames.SetDefault(bot.ID, tb.Username())
	m.setState(bot.ID, StateRunning)

	m.wg.Add(1)
	go m.run(runCtx, s)
	if m.deps.Lease != nil {
		m.wg.Add(1)
		go m.renewLease(runCtx, s)
	}
	m.logger.Info("session started", slog.String("bot_id", bot.ID), slog.String("username", tb.Username()))
	return nil
}

func (m *Manager) run(ctx context.Context, s *session) {
	defer m.wg.Done()
	defer close(s.done)
	err := s.bot.Poll(ctx, func(u telegram.Update) { m.dispatch(ctx, s, u) })
	if err == nil || ctx.Err() != nil {
		return
	}
	if errors.Is(err, telegram.ErrConflict) {
		m.logger.Warn("session conflict", slog.String("bot_id", s.tenant.ID))
		m.setState(s.tenant.ID, StateConflictDetected)
		m.wg.Add(1)
		go m.recoverConflict(s)
		return
	}
	m.logger.Error("session poll ended", slog.String("bot_id", s.tenant.ID), slog.Any("error", err))
	m.goDetach(s)
}

func (m *Manager) goDetach(s *session) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.detach(s)
	}()
}

// detach stops s if it is still the tenant's live session.
func (m *Manager) detach(s *session) bool {
	lock := m.tenantLock(s.tenant.ID)
	lock.Lock()
	defer lock.Unlock()
	if cur, ok := m.registry.Session(s.tenant.ID); !ok || cur != s {
		return false
	}
	m.stopLocked(m.baseCtx, s.tenant.ID)
	return true
}

func (m *Manager) recoverConflict(s *session) {
	defer m.wg.Done()
	if !m.detach(s) {
		return
	}
	tenantID := s.tenant.ID
	for attempt := 1; attempt <= m.cfg.ConflictRetries; attempt++ {
		if err := m.sleep(m.baseCtx, m.cfg.ConflictBackoff<<(attempt-1)); err != nil {
			return
		}
		bot, err := m.deps.Bots.Get(m.baseCtx, tenantID)
		if err != nil || !bot.IsActive {
			return
		}
		if _, ok := m.registry.Session(tenantID); ok {
			return
		}
		if err := m.Start(m.baseCtx, bot); err != nil {
			m.logger.Warn("conflict restart failed",
				slog.String("bot_id", tenantID), slog.Int("attempt", attempt), slog.Any("error", err))
			continue
		}
		return
	}
}

func (m *Manager) renewLease(ctx context.Context, s *session) {
	defer m.wg.Done()
	every := m.deps.Lease.TTL() / 3
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		ok, err := m.deps.Lease.Renew(ctx, s.tenant.ID)
		if err != nil {
			m.logger.Warn("lease renew failed", slog.String("bot_id", s.tenant.ID), slog.Any("error", err))
			continue
		}
		if !ok {
			m.logger.Warn("lease lost", slog.String("bot_id", s.tenant.ID))
			m.goDetach(s)
			return
		}
	}
}

func (m *Manager) releaseLease(tenantID string) {
	if m.deps.Lease == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.deps.Lease.Release(ctx, tenantID); err != nil {
		m.logger.Warn("lease release failed", slog.String("bot_id", tenantID), slog.Any("error", err))
	}
}

// Stop closes the tenant's session. Stopping a tenant without a session is a no-op.
func (m *Manager) Stop(ctx context.Context, tenantID string) error {
	lock := m.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()
	if _, ok := m.registry.Session(tenantID); !ok {
		m.setState(tenantID, StateStopped)
		return nil
	}
	m.stopLocked(ctx, tenantID)
	return nil
}

func (m *Manager) stopLocked(ctx context.Context, tenantID string) {
	s, ok := m.registry.Session(tenantID)
	if !ok {
		return
	}
	m.setState(tenantID, StateStopping)
	s.cancel()
	s.bot.Close()
	select {
	case <-s.done:
	case <-ctx.Done():
	}
	_ = m.sleep(ctx, m.cfg.StopSettle)
	m.teardown(tenantID, s)
	m.logger.Info("session stopped", slog.String("bot_id", tenantID))
}

func (m *Manager) teardown(tenantID string, s *session) {
	m.registry.RemoveSession(tenantID, s)
	if n := m.registry.CancelTenantTimers(tenantID); n > 0 {
		m.logger.Info("cancelled in-process follow-up timers", slog.String("bot_id", tenantID), slog.Int("count", n))
	}
	m.releaseLease(tenantID)
	m.setState(tenantID, StateStopped)
}

// RestartAll stops every active tenant's session, waits for the platform to let go of them and
// starts them again one by one. A tenant that fails to start is logged and skipped.
func (m *Manager) RestartAll(ctx context.Context) error {
	active, err := m.deps.Bots.ListActive(ctx)
	if err != nil {
		return err
	}
	stop := make(map[string]struct{}, len(active))
	for _, b := range active {
		stop[b.ID] = struct{}{}
	}
	for _, id := range m.registry.TenantIDs() {
		stop[id] = struct{}{}
	}
	for id := range stop {
		if err := m.Stop(ctx, id); err != nil {
			m.logger.Warn("stop before restart failed", slog.String("bot_id", id), slog.Any("error", err))
		}
	}
	if err := m.sleep(ctx, m.cfg.RestartSettle); err != nil {
		return err
	}
	started := 0
	for i, b := range active {
		if i > 0 {
			if err := m.sleep(ctx, m.cfg.InterTenantDelay); err != nil {
				return err
			}
		}
		if err := m.Start(ctx, b); err != nil {
			m.logger.Error("start bot failed", slog.String("bot_id", b.ID), slog.Any("error", err))
			continue
		}
		started++
	}
	m.logger.Info("sessions restarted", slog.Int("active", len(active)), slog.Int("started", started))
	return nil
}

// StopAll closes every session and waits for handlers to return, bounded by ctx.
func (m *Manager) StopAll(ctx context.Context) error {
	for _, id := range m.registry.TenantIDs() {
		lock := m.tenantLock(id)
		lock.Lock()
		s, ok := m.registry.Session(id)
		if ok {
			m.setState(id, StateStopping)
			s.cancel()
			s.bot.Close()
			m.teardown(id, s)
		}
		lock.Unlock()
	}
	m.baseCancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) dispatch(ctx context.Context, s *session, u telegram.Update) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("update handler panicked",
					slog.String("bot_id", s.tenant.ID), slog.Any("panic", r))
			}
		}()
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), handlerTimeout)
		defer cancel()
		switch u.Kind {
		case telegram.UpdateStart:
			m.handleStart(hctx, s, u)
		case telegram.UpdateCallback:
			m.handleCallback(hctx, s, u)
		}
	}()
}
