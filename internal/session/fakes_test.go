package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/telepix/telepix/internal/attribution"
	"github.com/telepix/telepix/internal/bots"
	"github.com/telepix/telepix/internal/compose"
	"github.com/telepix/telepix/internal/db"
	"github.com/telepix/telepix/internal/gateway"
	"github.com/telepix/telepix/internal/payments"
	"github.com/telepix/telepix/internal/telegram"
)

const (
	tenantA = "8b0f5bde-8f0c-4c55-9a0a-4f1d8f7f2a01"
	tenantB = "8b0f5bde-8f0c-4c55-9a0a-4f1d8f7f2a02"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sentMsg struct {
	chatID int64
	out    telegram.Outgoing
}

type fakeBot struct {
	username string
	updates  chan telegram.Update
	pollErr  chan error
	closed   chan struct{}
	once     sync.Once

	mu      sync.Mutex
	sent    []sentMsg
	answers []string
	sendErr func(telegram.Outgoing) error
}

func newFakeBot(username string) *fakeBot {
	return &fakeBot{
		username: username,
		updates:  make(chan telegram.Update, 8),
		pollErr:  make(chan error, 1),
		closed:   make(chan struct{}),
	}
}

func (b *fakeBot) Username() string { return b.username }

func (b *fakeBot) Poll(ctx context.Context, handle func(telegram.Update)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.closed:
			return nil
		case err := <-b.pollErr:
			return err
		case u := <-b.updates:
			handle(u)
		}
	}
}

func (b *fakeBot) Send(_ context.Context, chatID int64, out telegram.Outgoing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		if err := b.sendErr(out); err != nil {
			return err
		}
	}
	b.sent = append(b.sent, sentMsg{chatID: chatID, out: out})
	return nil
}

func (b *fakeBot) AnswerCallback(_ context.Context, _ string, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.answers = append(b.answers, text)
	return nil
}

func (b *fakeBot) Close() { b.once.Do(func() { close(b.closed) }) }

func (b *fakeBot) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}

func (b *fakeBot) messages() []sentMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sentMsg(nil), b.sent...)
}

func (b *fakeBot) answered() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.answers...)
}

// fakeDialer hands out a fresh fakeBot per dial; tokens listed in fail are rejected.
type fakeDialer struct {
	mu    sync.Mutex
	fail  map[string]error
	dials []string
	bots  []*fakeBot
}

func (d *fakeDialer) Dial(_ context.Context, token string) (telegram.Bot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, token)
	if err := d.fail[token]; err != nil {
		return nil, err
	}
	b := newFakeBot(token + "_bot")
	d.bots = append(d.bots, b)
	return b, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func (d *fakeDialer) last() *fakeBot {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.bots) == 0 {
		return nil
	}
	return d.bots[len(d.bots)-1]
}

type fakeBots struct {
	mu   sync.Mutex
	bots map[string]bots.Bot
}

func newFakeBots(list ...bots.Bot) *fakeBots {
	f := &fakeBots{bots: make(map[string]bots.Bot)}
	for _, b := range list {
		f.bots[b.ID] = b
	}
	return f
}

func (f *fakeBots) Get(_ context.Context, id string) (bots.Bot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bots[id]
	if !ok {
		return bots.Bot{}, bots.ErrBotNotFound
	}
	return b, nil
}

func (f *fakeBots) ListActive(context.Context) ([]bots.Bot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []bots.Bot
	for _, b := range f.bots {
		if b.IsActive {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeBots) setActive(id string, active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.bots[id]
	b.IsActive = active
	f.bots[id] = b
}

func activeBot(id, token string) bots.Bot {
	return bots.Bot{
		ID:            id,
		Name:          "bot " + token,
		TelegramToken: token,
		FirstDelay:    20 * time.Minute,
		Interval:      10 * time.Minute,
		IsActive:      true,
	}
}

type fakeLeads struct {
	mu      sync.Mutex
	upserts []db.UpsertLeadParams
	paid    bool
	err     error
}

func (f *fakeLeads) UpsertLead(_ context.Context, arg db.UpsertLeadParams) (db.Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, arg)
	return db.Lead{}, f.err
}

func (f *fakeLeads) HasPaidPayment(context.Context, pgtype.UUID, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paid, nil
}

func (f *fakeLeads) all() []db.UpsertLeadParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]db.UpsertLeadParams(nil), f.upserts...)
}

type fakeComposer struct {
	mu     sync.Mutex
	kinds  []compose.Kind
	media  *compose.Media
	panic  bool
	panics int
}

func (f *fakeComposer) setPanic(v bool) {
	f.mu.Lock()
	f.panic = v
	f.mu.Unlock()
}

func (f *fakeComposer) panicked() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.panics
}

func (f *fakeComposer) composed() []compose.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]compose.Kind(nil), f.kinds...)
}

func (f *fakeComposer) Compose(_ context.Context, bot bots.Bot, kind compose.Kind) compose.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panic {
		f.panics++
		panic("compose exploded")
	}
	f.kinds = append(f.kinds, kind)
	return compose.Message{
		Caption: string(kind) + " " + bot.Name,
		Media:   f.media,
		Buttons: []compose.Button{{Label: "VIP - R$ 19.90", Data: compose.PaymentCallbackData(1990)}},
	}
}

type scheduleCall struct {
	tenantID, recipientID string
	first, interval       time.Duration
}

type fakeFollowUps struct {
	mu          sync.Mutex
	schedules   []scheduleCall
	scheduleErr error
	executes    int32
	execute     func(n int32) (bool, error)
}

func (f *fakeFollowUps) Schedule(_ context.Context, tenantID, recipientID string, first, interval time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schedules = append(f.schedules, scheduleCall{tenantID, recipientID, first, interval})
	return f.scheduleErr
}

func (f *fakeFollowUps) Execute(context.Context, string, string) (bool, error) {
	n := atomic.AddInt32(&f.executes, 1)
	if f.execute == nil {
		return false, nil
	}
	return f.execute(n)
}

func (f *fakeFollowUps) scheduled() []scheduleCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]scheduleCall(nil), f.schedules...)
}

type fakeCharges struct {
	mu     sync.Mutex
	calls  []int64
	charge gateway.Charge
	err    error
}

func (f *fakeCharges) Create(_ context.Context, _ bots.Bot, _ string, amount int64) (*payments.Created, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, amount)
	if f.err != nil {
		return nil, f.err
	}
	return &payments.Created{PaymentID: "pay-1", AmountCents: amount, Charge: f.charge}, nil
}

type fakeAttribution struct{}

func (fakeAttribution) Resolve(_ context.Context, arg string) attribution.Params {
	if arg == "tok" {
		return attribution.Params{UTMSource: "instagram", Fbclid: "abc"}
	}
	return attribution.Literal(arg)
}

type harness struct {
	m         *Manager
	dialer    *fakeDialer
	bots      *fakeBots
	leads     *fakeLeads
	composer  *fakeComposer
	followups *fakeFollowUps
	charges   *fakeCharges

	mu     sync.Mutex
	sleeps []time.Duration
}

func newHarness(cfg Config, list ...bots.Bot) *harness {
	h := &harness{
		dialer:    &fakeDialer{fail: map[string]error{}},
		bots:      newFakeBots(list...),
		leads:     &fakeLeads{},
		composer:  &fakeComposer{},
		followups: &fakeFollowUps{},
		charges:   &fakeCharges{charge: gateway.Charge{ID: "ch_1", Code: "00020126PIX"}},
	}
	h.m = NewManager(discardLogger(), NewRegistry(), Deps{
		Dialer:      h.dialer,
		Bots:        h.bots,
		Leads:       h.leads,
		Composer:    h.composer,
		FollowUps:   h.followups,
		Charges:     h.charges,
		Attribution: fakeAttribution{},
	}, cfg)
	h.m.sleep = func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.sleeps = append(h.sleeps, d)
		h.mu.Unlock()
		return ctx.Err()
	}
	return h
}

func (h *harness) slept() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.sleeps...)
}

func (h *harness) session(tenantID string) *session {
	s, _ := h.m.registry.Session(tenantID)
	return s
}

func (h *harness) live(tenantID string) *fakeBot {
	s := h.session(tenantID)
	if s == nil {
		return nil
	}
	return s.bot.(*fakeBot)
}

var errDial = errors.New("dial refused")
