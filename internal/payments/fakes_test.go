package payments

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/telepix/telepix/internal/bots"
	"github.com/telepix/telepix/internal/conversions"
	"github.com/telepix/telepix/internal/db"
	"github.com/telepix/telepix/internal/gateway"
	"github.com/telepix/telepix/internal/paystatus"
)

const (
	tenantID = "7d4c2f0e-9a51-4b2e-8f6d-0c1b2a3d4e5f"
	chatID   = "424242"
)

func mustUUID(s string) pgtype.UUID {
	id, err := db.ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return id
}

type memStore struct {
	mu          sync.Mutex
	payments    map[pgtype.UUID]*db.Payment
	leads       map[string]*db.Lead
	conversions int
	markLeadErr error
	afterLookup func()
}

func newMemStore() *memStore {
	return &memStore{
		payments: map[pgtype.UUID]*db.Payment{},
		leads: map[string]*db.Lead{
			chatID: {BotID: mustUUID(tenantID), TelegramChatID: chatID, Fbclid: db.Text("IwAR-click")},
		},
	}
}

func (m *memStore) addPayment(status, chargeID string, amount int32) db.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := &db.Payment{
		ID:             pgtype.UUID{Bytes: uuid.New(), Valid: true},
		BotID:          mustUUID(tenantID),
		TelegramChatID: chatID,
		Amount:         amount,
		Status:         status,
		SyncpayID:      db.Text(chargeID),
		CreatedAt:      db.Timestamptz(time.Now()),
	}
	m.payments[p.ID] = p
	return *p
}

func (m *memStore) payment(id pgtype.UUID) db.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.payments[id]
}

func (m *memStore) lead() db.Lead {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.leads[chatID]
}

func (m *memStore) GetPaymentByID(_ context.Context, id pgtype.UUID) (db.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return db.Payment{}, pgx.ErrNoRows
	}
	return *p, nil
}

func (m *memStore) GetPaymentBySyncpayID(_ context.Context, syncpayID string) (db.Payment, error) {
	m.mu.Lock()
	var found *db.Payment
	for _, p := range m.payments {
		if p.SyncpayID.Valid && p.SyncpayID.String == syncpayID {
			cp := *p
			found = &cp
			break
		}
	}
	hook := m.afterLookup
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	if found == nil {
		return db.Payment{}, pgx.ErrNoRows
	}
	return *found, nil
}

func (m *memStore) TransitionPayment(_ context.Context, id pgtype.UUID, status string) (db.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok || p.Status != "pending" {
		return db.Payment{}, pgx.ErrNoRows
	}
	p.Status = status
	if status == "paid" && !p.PaidAt.Valid {
		p.PaidAt = db.Timestamptz(time.Now())
	}
	return *p, nil
}

func (m *memStore) GetLead(_ context.Context, _ pgtype.UUID, chat string) (db.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leads[chat]
	if !ok {
		return db.Lead{}, pgx.ErrNoRows
	}
	return *l, nil
}

func (m *memStore) MarkLeadConverted(_ context.Context, _ pgtype.UUID, chat string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markLeadErr != nil {
		return false, m.markLeadErr
	}
	l, ok := m.leads[chat]
	if !ok || l.ConvertedAt.Valid {
		return false, nil
	}
	l.ConvertedAt = db.Timestamptz(time.Now())
	m.conversions++
	return true, nil
}

func (m *memStore) ClaimPaymentConversion(_ context.Context, id pgtype.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok || p.ConversionSentAt.Valid {
		return false, nil
	}
	p.ConversionSentAt = db.Timestamptz(time.Now())
	return true, nil
}

func (m *memStore) MarkPaymentBuyerNotified(_ context.Context, id pgtype.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok || p.BuyerNotifiedAt.Valid {
		return false, nil
	}
	p.BuyerNotifiedAt = db.Timestamptz(time.Now())
	return true, nil
}

func (m *memStore) CreatePayment(_ context.Context, botID pgtype.UUID, chat string, amount int32) (db.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := &db.Payment{
		ID:             pgtype.UUID{Bytes: uuid.New(), Valid: true},
		BotID:          botID,
		TelegramChatID: chat,
		Amount:         amount,
		Status:         "pending",
		CreatedAt:      db.Timestamptz(time.Now()),
	}
	m.payments[p.ID] = p
	return *p, nil
}

func (m *memStore) SetPaymentCharge(_ context.Context, arg db.SetPaymentChargeParams) (db.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[arg.ID]
	if !ok {
		return db.Payment{}, pgx.ErrNoRows
	}
	p.SyncpayID, p.PixCode, p.QrCode, p.ExpiresAt = arg.SyncpayID, arg.PixCode, arg.QrCode, arg.ExpiresAt
	return *p, nil
}

func (m *memStore) ListPendingPayments(_ context.Context, since pgtype.Timestamptz) ([]db.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []db.Payment
	for _, p := range m.payments {
		if p.Status == "pending" && p.SyncpayID.Valid && p.CreatedAt.Time.After(since.Time) {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memStore) ListRecentPayments(context.Context, int32) ([]db.Payment, error) {
	return nil, nil
}

type fakeBots struct {
	bot bots.Bot
	err error
}

func (f *fakeBots) Get(_ context.Context, id string) (bots.Bot, error) {
	if f.err != nil {
		return bots.Bot{}, f.err
	}
	if id != f.bot.ID {
		return bots.Bot{}, bots.ErrBotNotFound
	}
	return f.bot, nil
}

func activeBot() *fakeBots {
	return &fakeBots{bot: bots.Bot{
		ID:                  tenantID,
		IsActive:            true,
		FacebookPixelID:     "pixel-1",
		FacebookAccessToken: "fb-token",
		Gateway:             gateway.Credentials{APIKey: "k", APISecret: "s"},
	}}
}

type fakeFollowUps struct {
	mu        sync.Mutex
	cancelled []string
}

func (f *fakeFollowUps) Cancel(_ context.Context, tenant, recipient string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, tenant+"/"+recipient)
	return nil
}

type fakeConverter struct {
	mu    sync.Mutex
	calls []conversions.Purchase
	err   error
}

func (f *fakeConverter) SendPurchase(_ context.Context, p conversions.Purchase) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, p)
	return f.err
}

func (f *fakeConverter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeNotifier struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (f *fakeNotifier) NotifyPaymentConfirmed(_ context.Context, _, _, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts)
}

type fakeGateway struct {
	mu       sync.Mutex
	statuses []paystatus.Status
	probes   int
	charge   *gateway.Charge
	err      error
	requests []gateway.ChargeRequest
}

func (f *fakeGateway) CreateCharge(_ context.Context, _ gateway.Credentials, req gateway.ChargeRequest) (*gateway.Charge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.charge, nil
}

func (f *fakeGateway) CheckStatus(context.Context, gateway.Credentials, string) paystatus.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	if len(f.statuses) == 0 {
		return paystatus.Pending
	}
	s := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return s
}

var errBoom = errors.New("boom")
