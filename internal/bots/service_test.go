package bots

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telepix/telepix/internal/db"
)

const testBotID = "8d5b1f0e-7c1a-4b7e-9f61-2a1c3f5e9b10"

type fakeQueries struct {
	bots    map[string]db.Bot
	buttons map[string][]db.PaymentButton
	err     error
}

func (f *fakeQueries) GetBotByID(_ context.Context, id pgtype.UUID) (db.Bot, error) {
	if f.err != nil {
		return db.Bot{}, f.err
	}
	b, ok := f.bots[db.UUIDString(id)]
	if !ok {
		return db.Bot{}, pgx.ErrNoRows
	}
	return b, nil
}

func (f *fakeQueries) ListActiveBots(context.Context) ([]db.Bot, error) {
	var out []db.Bot
	for _, b := range f.bots {
		if b.IsActive {
			out = append(out, b)
		}
	}
	return out, f.err
}

func (f *fakeQueries) ListPaymentButtonsByBot(_ context.Context, botID pgtype.UUID) ([]db.PaymentButton, error) {
	return f.buttons[db.UUIDString(botID)], nil
}

func newFake(t *testing.T) *fakeQueries {
	t.Helper()
	id, err := db.ParseUUID(testBotID)
	require.NoError(t, err)
	return &fakeQueries{
		bots: map[string]db.Bot{
			testBotID: {
				ID:               id,
				Name:             "vip",
				TelegramToken:    "123:abc",
				SyncpayApiKey:    "key",
				SyncpayApiSecret: "secret",
				StartCaption:     db.Text("Oi"),
				ResendFirstDelay: 0,
				ResendInterval:   15,
				FacebookPixelID:  db.Text("px"),
				IsActive:         true,
			},
		},
		buttons: map[string][]db.PaymentButton{
			testBotID: {
				{Text: "Mensal", Value: 1990, Type: "start"},
				{Text: "Oferta", Value: 990, Type: "resend"},
				{Text: "Anual", Value: 9990, Type: "bogus"},
			},
		},
	}
}

func TestGetMapsConfiguration(t *testing.T) {
	svc := NewService(nil, newFake(t))
	bot, err := svc.Get(context.Background(), testBotID)
	require.NoError(t, err)

	assert.Equal(t, testBotID, bot.ID)
	assert.Equal(t, "key", bot.Gateway.APIKey)
	assert.Equal(t, "Oi", bot.StartCaption)
	assert.Equal(t, 20*time.Minute, bot.FirstDelay, "non-positive delay falls back to default")
	assert.Equal(t, 15*time.Minute, bot.Interval)
	assert.False(t, bot.ConversionsEnabled(), "pixel without access token is not enough")

	start := bot.ButtonsFor(ButtonKindStart)
	require.Len(t, start, 2)
	assert.Equal(t, int64(1990), start[0].AmountCents)
	assert.Equal(t, "Anual", start[1].Text, "unknown kinds are treated as start buttons")
	require.Len(t, bot.ButtonsFor(ButtonKindResend), 1)
}

func TestGetNotFound(t *testing.T) {
	svc := NewService(nil, newFake(t))

	_, err := svc.Get(context.Background(), "5f1c1f0e-0000-4b7e-9f61-2a1c3f5e9b10")
	assert.ErrorIs(t, err, ErrBotNotFound)

	_, err = svc.Get(context.Background(), "not-a-uuid")
	assert.ErrorIs(t, err, ErrBotNotFound)
}

func TestGetWrapsStoreErrors(t *testing.T) {
	fake := newFake(t)
	fake.err = errors.New("connection reset")
	_, err := NewService(nil, fake).Get(context.Background(), testBotID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrBotNotFound)
}

func TestListActive(t *testing.T) {
	fake := newFake(t)
	inactiveID, _ := db.ParseUUID("11111111-2222-4333-8444-555555555555")
	fake.bots["inactive"] = db.Bot{ID: inactiveID, IsActive: false}

	items, err := NewService(nil, fake).ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, testBotID, items[0].ID)
	assert.Len(t, items[0].Buttons, 3)
}
