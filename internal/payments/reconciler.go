package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/telepix/telepix/internal/bots"
	"github.com/telepix/telepix/internal/conversions"
	"github.com/telepix/telepix/internal/db"
	"github.com/telepix/telepix/internal/money"
	"github.com/telepix/telepix/internal/paystatus"
)

// Reconciler is the single entry point for payment status changes. Webhook and poll signals both
// land here.
//
// The idempotency guard compares the stored status with the incoming one before writing. It is
// check-then-act: two signals can both observe pending. The conditional status write lets only
// one of them persist the transition; the loser re-reads the row and still runs the paid side
// effects, each of which is idempotent on its own.
type Reconciler struct {
	store     Store
	bots      BotSource
	followups FollowUps
	converter Converter
	logger    *slog.Logger

	mu       sync.RWMutex
	notifier Notifier
}

func NewReconciler(log *slog.Logger, store Store, botSource BotSource, followups FollowUps, converter Converter) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		store:     store,
		bots:      botSource,
		followups: followups,
		converter: converter,
		logger:    log.With(slog.String("service", "payments")),
	}
}

// SetNotifier wires buyer notification. The session manager depends on the reconciler through the
// poller, so it is injected after construction.
func (r *Reconciler) SetNotifier(n Notifier) {
	r.mu.Lock()
	r.notifier = n
	r.mu.Unlock()
}

// Resolve finds the payment a lookup refers to. The first identifier that matches wins.
func (r *Reconciler) Resolve(ctx context.Context, lookup Lookup) (db.Payment, error) {
	var tried []string
	if lookup.ChargeID != "" {
		tried = append(tried, lookup.ChargeID)
		p, err := r.store.GetPaymentBySyncpayID(ctx, lookup.ChargeID)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return db.Payment{}, fmt.Errorf("find payment by charge id: %w", err)
		}
	}
	if lookup.TransactionID != "" && lookup.TransactionID != lookup.ChargeID {
		p, err := r.store.GetPaymentBySyncpayID(ctx, lookup.TransactionID)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return db.Payment{}, fmt.Errorf("find payment by transaction id: %w", err)
		}
	}
	if lookup.ExternalRef != "" {
		// Non-UUID references cannot be ours.
		if id, err := db.ParseUUID(lookup.ExternalRef); err == nil {
			p, err := r.store.GetPaymentByID(ctx, id)
			if err == nil {
				return p, nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return db.Payment{}, fmt.Errorf("find payment by reference: %w", err)
			}
		}
	}
	return db.Payment{}, ErrPaymentNotFound
}

// Reconcile applies a raw upstream status to the payment the lookup resolves to.
func (r *Reconciler) Reconcile(ctx context.Context, lookup Lookup, raw string, flags paystatus.Flags, source Source) (Result, error) {
	payment, err := r.Resolve(ctx, lookup)
	if err != nil {
		return Result{}, err
	}
	paymentID := db.UUIDString(payment.ID)
	log := r.logger.With(
		slog.String("payment_id", paymentID),
		slog.String("bot_id", db.UUIDString(payment.BotID)),
		slog.String("chat_id", payment.TelegramChatID),
		slog.String("source", string(source)),
	)

	next := paystatus.Normalize(raw, flags)
	current := paystatus.Parse(payment.Status)
	result := Result{PaymentID: paymentID, Status: current, Outcome: OutcomeAlreadyUpToDate}

	// Terminal rows never change status; only a repeated paid signal gets past here.
	if current.Terminal() && !(current == paystatus.Paid && next == paystatus.Paid) {
		return result, nil
	}
	if next == current && next != paystatus.Paid {
		return result, nil
	}

	written := false
	if current != next {
		updated, err := r.store.TransitionPayment(ctx, payment.ID, next.String())
		switch {
		case err == nil:
			payment, written = updated, true
			log.Info("payment status changed", slog.String("from", current.String()), slog.String("to", next.String()))
		case errors.Is(err, pgx.ErrNoRows):
			// Lost the race to a concurrent signal.
			payment, err = r.store.GetPaymentByID(ctx, payment.ID)
			if err != nil {
				return Result{}, fmt.Errorf("reload payment: %w", err)
			}
			if paystatus.Parse(payment.Status) != paystatus.Paid || next != paystatus.Paid {
				result.Status = paystatus.Parse(payment.Status)
				return result, nil
			}
		default:
			return Result{}, fmt.Errorf("update payment status: %w", err)
		}
	}
	result.Status = next
	if written {
		result.Outcome = OutcomeUpdated
	}
	if next != paystatus.Paid {
		return result, nil
	}
	if r.settle(ctx, payment, log) {
		result.Outcome = OutcomeUpdated
	}
	return result, nil
}

// settle runs the paid side effects. Each one is isolated: a failure is logged and the rest still
// run. It reports whether any effect was applied now.
func (r *Reconciler) settle(ctx context.Context, payment db.Payment, log *slog.Logger) bool {
	tenantID := db.UUIDString(payment.BotID)
	chatID := payment.TelegramChatID
	applied := false

	converted, err := r.store.MarkLeadConverted(ctx, payment.BotID, chatID)
	switch {
	case err != nil:
		log.Error("mark lead converted failed", slog.Any("error", err))
	case converted:
		applied = true
		log.Info("lead converted")
	}

	if r.followups != nil {
		if err := r.followups.Cancel(ctx, tenantID, chatID); err != nil {
			log.Error("cancel follow-ups failed", slog.Any("error", err))
		}
	}

	bot, err := r.bots.Get(ctx, tenantID)
	if err != nil {
		log.Error("load bot for paid side effects failed", slog.Any("error", err))
		return applied
	}
	if r.emitConversion(ctx, bot, payment, log) {
		applied = true
	}
	if r.notifyBuyer(ctx, bot, payment, log) {
		applied = true
	}
	return applied
}

// emitConversion claims the payment's conversion marker first, so at most one attempt is made
// per payment even when signals race.
func (r *Reconciler) emitConversion(ctx context.Context, bot bots.Bot, payment db.Payment, log *slog.Logger) bool {
	if r.converter == nil || !bot.ConversionsEnabled() || payment.ConversionSentAt.Valid {
		return false
	}
	won, err := r.store.ClaimPaymentConversion(ctx, payment.ID)
	if err != nil {
		log.Error("claim conversion failed", slog.Any("error", err))
		return false
	}
	if !won {
		return false
	}
	var fbclid string
	lead, err := r.store.GetLead(ctx, payment.BotID, payment.TelegramChatID)
	if err == nil {
		fbclid = db.TextToString(lead.Fbclid)
	} else if !errors.Is(err, pgx.ErrNoRows) {
		log.Warn("load lead attribution failed", slog.Any("error", err))
	}
	err = r.converter.SendPurchase(ctx, conversions.Purchase{
		PixelID:     bot.FacebookPixelID,
		AccessToken: bot.FacebookAccessToken,
		Value:       money.Reais(int64(payment.Amount)),
		Fbclid:      fbclid,
		EventTime:   db.TimeFromPg(payment.PaidAt),
	})
	if err != nil {
		log.Error("send conversion event failed", slog.Any("error", err))
		return true
	}
	log.Info("conversion event sent", slog.Bool("with_click_id", fbclid != ""))
	return true
}

func (r *Reconciler) notifyBuyer(ctx context.Context, bot bots.Bot, payment db.Payment, log *slog.Logger) bool {
	r.mu.RLock()
	notifier := r.notifier
	r.mu.RUnlock()
	if notifier == nil || !bot.IsActive || payment.BuyerNotifiedAt.Valid {
		return false
	}
	text := ConfirmationMessage(bot, int64(payment.Amount))
	if err := notifier.NotifyPaymentConfirmed(ctx, bot.ID, payment.TelegramChatID, text); err != nil {
		log.Error("notify buyer failed", slog.Any("error", err))
		return false
	}
	if _, err := r.store.MarkPaymentBuyerNotified(ctx, payment.ID); err != nil {
		log.Warn("mark buyer notified failed", slog.Any("error", err))
	}
	return true
}

const defaultConfirmation = "✅ Pagamento confirmado! Obrigado pela compra de R$ {amount}."

// ConfirmationMessage renders the bot's confirmation template, replacing {amount} with the value
// in reais.
func ConfirmationMessage(bot bots.Bot, amountCents int64) string {
	tmpl := bot.PaymentConfirmedMessage
	if strings.TrimSpace(tmpl) == "" {
		tmpl = defaultConfirmation
	}
	text := strings.ReplaceAll(tmpl, "{amount}", money.Format(amountCents))
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}
