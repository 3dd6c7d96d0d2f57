package payments

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/telepix/telepix/internal/bots"
	"github.com/telepix/telepix/internal/db"
	"github.com/telepix/telepix/internal/gateway"
)

// Charges creates PIX charges for recipients and hands them to the poller.
type Charges struct {
	store      Store
	gateway    Gateway
	poller     *Poller
	webhookURL string
	ceiling    time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

func NewCharges(log *slog.Logger, store Store, gw Gateway, poller *Poller, webhookURL string) *Charges {
	if log == nil {
		log = slog.Default()
	}
	c := &Charges{
		store:      store,
		gateway:    gw,
		poller:     poller,
		webhookURL: webhookURL,
		ceiling:    DefaultPollCeiling,
		now:        time.Now,
		logger:     log.With(slog.String("service", "charges")),
	}
	if poller != nil {
		c.ceiling = poller.cfg.Ceiling
	}
	return c
}

// Created is a pending payment with its gateway charge.
type Created struct {
	PaymentID   string
	AmountCents int64
	Charge      gateway.Charge
}

// Create records a pending payment, requests the charge with the payment ID as external
// reference, stores the charge on the row and starts polling it.
func (c *Charges) Create(ctx context.Context, bot bots.Bot, chatID string, amountCents int64) (*Created, error) {
	if amountCents <= 0 || amountCents > math.MaxInt32 {
		return nil, ErrInvalidAmount
	}
	botID, err := db.ParseUUID(bot.ID)
	if err != nil {
		return nil, err
	}
	payment, err := c.store.CreatePayment(ctx, botID, chatID, int32(amountCents))
	if err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}
	paymentID := db.UUIDString(payment.ID)
	log := c.logger.With(slog.String("payment_id", paymentID), slog.String("bot_id", bot.ID), slog.String("chat_id", chatID))

	charge, err := c.gateway.CreateCharge(ctx, bot.Gateway, gateway.ChargeRequest{
		AmountCents: amountCents,
		Description: "Pagamento via Telegram Bot - " + bot.ID,
		WebhookURL:  c.webhookURL,
		ExternalRef: paymentID,
	})
	if err != nil {
		log.Error("gateway charge failed", slog.Any("error", err))
		return nil, fmt.Errorf("%w: %w", ErrChargeFailed, err)
	}
	if charge == nil {
		return nil, ErrChargeFailed
	}

	_, err = c.store.SetPaymentCharge(ctx, db.SetPaymentChargeParams{
		ID:        payment.ID,
		SyncpayID: db.Text(charge.ID),
		PixCode:   db.Text(charge.Code),
		QrCode:    db.Text(charge.QRCode),
		ExpiresAt: db.Timestamptz(charge.ExpiresAt),
	})
	if err != nil {
		// The charge exists upstream; the webhook can still resolve it by external reference.
		log.Error("store charge on payment failed", slog.Any("error", err))
	}
	if c.poller != nil {
		c.poller.Track(bot.Gateway, paymentID, charge.ID, c.now().Add(c.ceiling))
	}
	log.Info("charge created", slog.String("charge_id", charge.ID), slog.Int64("amount_cents", amountCents))
	return &Created{PaymentID: paymentID, AmountCents: amountCents, Charge: *charge}, nil
}
