package followup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telepix/telepix/internal/db"
	"github.com/telepix/telepix/internal/registry"
)

const (
	tenant    = "0b6f3b8e-6c1f-4df4-9b43-3e2f0d1c9a10"
	recipient = "555001"
)

type fakeStore struct {
	mu        sync.Mutex
	bot       db.Bot
	leads     map[string]db.Lead
	paid      map[string]bool
	leadErr   error
	paused    []bool
	candidate []db.FollowUpCandidate
}

func newFakeStore(t *testing.T) *fakeStore {
	t.Helper()
	id, err := db.ParseUUID(tenant)
	require.NoError(t, err)
	return &fakeStore{
		bot:   db.Bot{ID: id, IsActive: true, ResendFirstDelay: 20, ResendInterval: 10},
		leads: map[string]db.Lead{recipient: {BotID: id, TelegramChatID: recipient}},
		paid:  map[string]bool{},
	}
}

func (f *fakeStore) GetBotByID(_ context.Context, id pgtype.UUID) (db.Bot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != f.bot.ID {
		return db.Bot{}, pgx.ErrNoRows
	}
	return f.bot, nil
}

func (f *fakeStore) GetLead(_ context.Context, _ pgtype.UUID, chatID string) (db.Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.leadErr != nil {
		return db.Lead{}, f.leadErr
	}
	lead, ok := f.leads[chatID]
	if !ok {
		return db.Lead{}, pgx.ErrNoRows
	}
	return lead, nil
}

func (f *fakeStore) HasPaidPayment(_ context.Context, _ pgtype.UUID, chatID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paid[chatID], nil
}

func (f *fakeStore) SetLeadResendPaused(_ context.Context, _ pgtype.UUID, chatID string, paused bool) (db.Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lead, ok := f.leads[chatID]
	if !ok {
		return db.Lead{}, pgx.ErrNoRows
	}
	lead.ResendPaused = paused
	f.leads[chatID] = lead
	f.paused = append(f.paused, paused)
	return lead, nil
}

func (f *fakeStore) ListFollowUpCandidates(context.Context) ([]db.FollowUpCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.candidate, nil
}

func (f *fakeStore) convert(chatID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lead := f.leads[chatID]
	lead.ConvertedAt = db.Timestamptz(time.Now())
	f.leads[chatID] = lead
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	err   error
	calls int
}

func (f *fakeSender) SendFollowUp(_ context.Context, tenantID, recipientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, tenantID+"/"+recipientID)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeTimers struct {
	mu        sync.Mutex
	cancelled int
}

func (f *fakeTimers) CancelTimers(string, string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled++
	return 0
}

type harness struct {
	mr     *miniredis.Miniredis
	rdb    *redis.Client
	store  *fakeStore
	sender *fakeSender
	timers *fakeTimers
	s      *Scheduler
	clock  time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	h := &harness{
		mr:     mr,
		rdb:    rdb,
		store:  newFakeStore(t),
		sender: &fakeSender{},
		timers: &fakeTimers{},
		clock:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.s = New(nil, rdb, h.store, Config{DefaultFirstDelay: 20, DefaultInterval: 10})
	h.s.now = func() time.Time { return h.clock }
	h.s.SetSender(h.sender)
	h.s.SetLocalTimers(h.timers)
	return h
}

func (h *harness) advance(d time.Duration) { h.clock = h.clock.Add(d) }

// tick promotes due jobs and processes everything ready.
func (h *harness) tick(t *testing.T) int {
	t.Helper()
	ctx := context.Background()
	_, err := h.s.queue.promote(ctx, h.clock, 100)
	require.NoError(t, err)
	handled := 0
	for {
		key, err := h.s.queue.claim(ctx, 0, h.clock)
		require.NoError(t, err)
		if key == "" {
			return handled
		}
		h.s.process(ctx, key)
		handled++
	}
}

func (h *harness) job(t *testing.T, kind registry.Kind) *Job {
	t.Helper()
	key := registry.JobKey{TenantID: tenant, RecipientID: recipient, Kind: kind}.String()
	job, err := h.s.queue.load(context.Background(), key)
	require.NoError(t, err)
	return job
}

func TestScheduleStoresPair(t *testing.T) {
	h := newHarness(t)
	start := h.clock
	require.NoError(t, h.s.Schedule(context.Background(), tenant, recipient, 20*time.Minute, 10*time.Minute))

	first := h.job(t, registry.KindFirst)
	recurring := h.job(t, registry.KindRecurring)
	require.NotNil(t, first)
	require.NotNil(t, recurring)
	assert.Equal(t, start.Add(20*time.Minute), first.FireAt.UTC())
	assert.Equal(t, start.Add(30*time.Minute), recurring.FireAt.UTC())
	assert.Equal(t, 10*time.Minute, recurring.Interval)
	assert.Equal(t, first.Generation, recurring.Generation)
	assert.Equal(t, 1, h.timers.cancelled, "local timers are cleared before arming")
}

func TestScheduleRejectsNonPositiveDelays(t *testing.T) {
	h := newHarness(t)
	assert.Error(t, h.s.Schedule(context.Background(), tenant, recipient, 0, time.Minute))
	assert.Error(t, h.s.Schedule(context.Background(), tenant, recipient, time.Minute, -time.Second))
}

func TestRescheduleReplacesPair(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.s.Schedule(ctx, tenant, recipient, 20*time.Minute, 10*time.Minute))
	before := h.job(t, registry.KindFirst).Generation

	h.advance(5 * time.Minute)
	require.NoError(t, h.s.Schedule(ctx, tenant, recipient, 20*time.Minute, 10*time.Minute))

	first := h.job(t, registry.KindFirst)
	assert.NotEqual(t, before, first.Generation)
	assert.Equal(t, h.clock.Add(20*time.Minute), first.FireAt.UTC())
	due, err := h.rdb.ZCard(ctx, DueKey).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 2, due)
}

func TestFirstAndRecurringSends(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Schedule(context.Background(), tenant, recipient, 20*time.Minute, 10*time.Minute))

	h.advance(19 * time.Minute)
	assert.Equal(t, 0, h.tick(t))

	h.advance(time.Minute)
	assert.Equal(t, 1, h.tick(t))
	assert.Equal(t, []string{tenant + "/" + recipient}, h.sender.sent)
	assert.Nil(t, h.job(t, registry.KindFirst), "one-shot is removed after sending")

	h.advance(10 * time.Minute)
	assert.Equal(t, 1, h.tick(t))
	assert.Equal(t, 2, h.sender.count())
	recurring := h.job(t, registry.KindRecurring)
	require.NotNil(t, recurring)
	assert.Equal(t, h.clock.Add(10*time.Minute), recurring.FireAt.UTC())

	stats, err := h.s.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Completed)
	assert.EqualValues(t, 1, stats.Due)
}

func TestCancelBeforeFirstFire(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.s.Schedule(ctx, tenant, recipient, 20*time.Minute, 10*time.Minute))

	h.advance(15 * time.Minute)
	require.NoError(t, h.s.Cancel(ctx, tenant, recipient))

	for i := 0; i < 6; i++ {
		h.advance(10 * time.Minute)
		h.tick(t)
	}
	assert.Zero(t, h.sender.calls)
	assert.Nil(t, h.job(t, registry.KindFirst))
	assert.Nil(t, h.job(t, registry.KindRecurring))
}

func TestCancelIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.s.Cancel(ctx, tenant, recipient))
	require.NoError(t, h.s.Cancel(ctx, tenant, recipient))
}

func TestCancelAfterClaimSkipsSend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.s.Schedule(ctx, tenant, recipient, 20*time.Minute, 10*time.Minute))
	h.advance(20 * time.Minute)
	_, err := h.s.queue.promote(ctx, h.clock, 100)
	require.NoError(t, err)
	key, err := h.s.queue.claim(ctx, 0, h.clock)
	require.NoError(t, err)
	require.NotEmpty(t, key)

	require.NoError(t, h.s.Cancel(ctx, tenant, recipient))
	h.s.process(ctx, key)

	assert.Zero(t, h.sender.calls)
	processing, err := h.rdb.LLen(ctx, ProcessingKey).Result()
	require.NoError(t, err)
	assert.Zero(t, processing)
}

func TestRescheduleAfterClaimWaitsForNewFireTime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.s.Schedule(ctx, tenant, recipient, 20*time.Minute, 10*time.Minute))
	h.advance(20 * time.Minute)
	_, err := h.s.queue.promote(ctx, h.clock, 100)
	require.NoError(t, err)
	key, err := h.s.queue.claim(ctx, 0, h.clock)
	require.NoError(t, err)

	require.NoError(t, h.s.Schedule(ctx, tenant, recipient, 20*time.Minute, 10*time.Minute))
	h.s.process(ctx, key)
	assert.Zero(t, h.sender.calls)

	h.advance(20 * time.Minute)
	assert.Equal(t, 1, h.tick(t))
	assert.Equal(t, 1, h.sender.count())
}

func TestIneligibleRecipientCancelsPair(t *testing.T) {
	cases := map[string]func(h *harness){
		"converted": func(h *harness) { h.store.convert(recipient) },
		"paid":      func(h *harness) { h.store.paid[recipient] = true },
		"inactive":  func(h *harness) { h.store.bot.IsActive = false },
		"no lead":   func(h *harness) { delete(h.store.leads, recipient) },
		"paused": func(h *harness) {
			lead := h.store.leads[recipient]
			lead.ResendPaused = true
			h.store.leads[recipient] = lead
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			require.NoError(t, h.s.Schedule(context.Background(), tenant, recipient, 20*time.Minute, 10*time.Minute))
			mutate(h)

			h.advance(20 * time.Minute)
			h.tick(t)

			assert.Zero(t, h.sender.calls)
			assert.Nil(t, h.job(t, registry.KindFirst))
			assert.Nil(t, h.job(t, registry.KindRecurring))
			stats, err := h.s.Stats(context.Background())
			require.NoError(t, err)
			assert.EqualValues(t, 1, stats.Skipped)
		})
	}
}

func TestRetryWithBackoffThenGiveUp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.sender.err = errors.New("telegram unavailable")
	require.NoError(t, h.s.Schedule(ctx, tenant, recipient, 20*time.Minute, 10*time.Minute))

	h.advance(20 * time.Minute)
	h.tick(t)
	first := h.job(t, registry.KindFirst)
	require.NotNil(t, first)
	assert.Equal(t, 1, first.Attempts)
	assert.Equal(t, JobStatusRetrying, first.Status)
	assert.Equal(t, h.clock.Add(2*time.Second), first.FireAt.UTC())
	assert.Equal(t, "telegram unavailable", first.LastError)

	h.advance(2 * time.Second)
	h.tick(t)
	first = h.job(t, registry.KindFirst)
	require.NotNil(t, first)
	assert.Equal(t, 2, first.Attempts)
	assert.Equal(t, h.clock.Add(4*time.Second), first.FireAt.UTC())

	h.advance(4 * time.Second)
	h.tick(t)
	assert.Nil(t, h.job(t, registry.KindFirst), "one-shot dropped after the last attempt")
	assert.NotNil(t, h.job(t, registry.KindRecurring), "recurring job keeps its cadence")

	stats, err := h.s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Retried)
	assert.EqualValues(t, 1, stats.Failed)
	assert.Equal(t, 3, h.sender.calls)
}

func TestStoreErrorIsRetried(t *testing.T) {
	h := newHarness(t)
	h.store.leadErr = errors.New("connection reset")
	require.NoError(t, h.s.Schedule(context.Background(), tenant, recipient, 20*time.Minute, 10*time.Minute))

	h.advance(20 * time.Minute)
	h.tick(t)
	first := h.job(t, registry.KindFirst)
	require.NotNil(t, first)
	assert.Equal(t, 1, first.Attempts)
	assert.Zero(t, h.sender.calls)
}

func TestNoSessionCancelsPair(t *testing.T) {
	h := newHarness(t)
	h.sender.err = ErrNoSession
	require.NoError(t, h.s.Schedule(context.Background(), tenant, recipient, 20*time.Minute, 10*time.Minute))

	h.advance(20 * time.Minute)
	h.tick(t)

	assert.Equal(t, 1, h.sender.calls)
	assert.Nil(t, h.job(t, registry.KindFirst))
	assert.Nil(t, h.job(t, registry.KindRecurring))
}

func TestPauseAndResume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.s.Schedule(ctx, tenant, recipient, 20*time.Minute, 10*time.Minute))

	require.NoError(t, h.s.Pause(ctx, tenant, recipient))
	assert.True(t, h.store.leads[recipient].ResendPaused)
	assert.Nil(t, h.job(t, registry.KindFirst))

	h.advance(time.Hour)
	armed, err := h.s.Resume(ctx, tenant, recipient)
	require.NoError(t, err)
	assert.True(t, armed)
	assert.False(t, h.store.leads[recipient].ResendPaused)
	first := h.job(t, registry.KindFirst)
	require.NotNil(t, first)
	assert.Equal(t, h.clock.Add(20*time.Minute), first.FireAt.UTC())
}

func TestResumeSkipsPaidRecipient(t *testing.T) {
	h := newHarness(t)
	h.store.paid[recipient] = true
	armed, err := h.s.Resume(context.Background(), tenant, recipient)
	require.NoError(t, err)
	assert.False(t, armed)
	assert.Nil(t, h.job(t, registry.KindFirst))
}

func TestPauseRejectsBadTenant(t *testing.T) {
	h := newHarness(t)
	assert.Error(t, h.s.Pause(context.Background(), "not-a-uuid", recipient))
}

func TestRestoreArmsCandidates(t *testing.T) {
	h := newHarness(t)
	h.store.candidate = []db.FollowUpCandidate{
		{BotID: h.store.bot.ID, TelegramChatID: recipient, ResendFirstDelay: 5, ResendInterval: 0},
	}
	n, err := h.s.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	first := h.job(t, registry.KindFirst)
	recurring := h.job(t, registry.KindRecurring)
	require.NotNil(t, first)
	require.NotNil(t, recurring)
	assert.Equal(t, h.clock.Add(5*time.Minute), first.FireAt.UTC())
	assert.Equal(t, 10*time.Minute, recurring.Interval, "zero interval falls back to the default")
}

func TestExecuteSharedPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sent, err := h.s.Execute(ctx, tenant, recipient)
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, 1, h.sender.count())

	h.store.convert(recipient)
	sent, err = h.s.Execute(ctx, tenant, recipient)
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Equal(t, 1, h.sender.count())
}

func TestSendWithoutSender(t *testing.T) {
	h := newHarness(t)
	h.s.SetSender(nil)
	_, err := h.s.Execute(context.Background(), tenant, recipient)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestSweepRecoversStuckJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.s.Schedule(ctx, tenant, recipient, 20*time.Minute, 10*time.Minute))
	h.advance(20 * time.Minute)
	_, err := h.s.queue.promote(ctx, h.clock, 100)
	require.NoError(t, err)
	key, err := h.s.queue.claim(ctx, 0, h.clock)
	require.NoError(t, err)
	require.NotEmpty(t, key)

	n, err := h.s.queue.sweep(ctx, h.clock.Add(-5*time.Minute), h.clock)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh claims are left alone")

	h.advance(6 * time.Minute)
	n, err = h.s.queue.sweep(ctx, h.clock.Add(-5*time.Minute), h.clock)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, 1, h.tick(t))
	assert.Equal(t, 1, h.sender.count())
}

func TestSweepStampsUnclaimedProcessingEntries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.s.Schedule(ctx, tenant, recipient, 20*time.Minute, 10*time.Minute))
	key := registry.JobKey{TenantID: tenant, RecipientID: recipient, Kind: registry.KindFirst}.String()
	require.NoError(t, h.rdb.LPush(ctx, ProcessingKey, key).Err())

	n, err := h.s.queue.sweep(ctx, h.clock.Add(-5*time.Minute), h.clock)
	require.NoError(t, err)
	assert.Zero(t, n)
	claimed, err := h.rdb.ZScore(ctx, ClaimedKey, key).Result()
	require.NoError(t, err)
	assert.Equal(t, score(h.clock), claimed)
}

func TestStartStopDeliversDueJobs(t *testing.T) {
	h := newHarness(t)
	h.s.now = time.Now
	ctx := context.Background()
	require.NoError(t, h.s.Start(ctx))
	require.NoError(t, h.s.Start(ctx), "second start is a no-op")

	require.NoError(t, h.s.Schedule(ctx, tenant, recipient, 10*time.Millisecond, time.Hour))
	require.Eventually(t, func() bool { return h.sender.count() == 1 }, 5*time.Second, 50*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.s.Stop(stopCtx))
	require.NoError(t, h.s.Stop(stopCtx))
}
