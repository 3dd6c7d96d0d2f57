// Package payments owns the payment state machine: charge creation, reconciliation of gateway
// signals and the polling fallback to the webhook.
package payments

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/telepix/telepix/internal/bots"
	"github.com/telepix/telepix/internal/conversions"
	"github.com/telepix/telepix/internal/db"
	"github.com/telepix/telepix/internal/gateway"
	"github.com/telepix/telepix/internal/paystatus"
)

var (
	ErrPaymentNotFound = errors.New("payment not found")
	ErrChargeFailed    = errors.New("charge could not be created")
	ErrInvalidAmount   = errors.New("invalid payment amount")
)

// Source names where a status signal came from.
type Source string

const (
	SourceWebhook Source = "webhook"
	SourcePoll    Source = "poll"
)

// Outcome classifies what a reconcile call did.
type Outcome string

const (
	OutcomeUpdated         Outcome = "updated"
	OutcomeAlreadyUpToDate Outcome = "already_up_to_date"
)

// Lookup carries every identifier a signal may use to reference a payment. They are tried as
// gateway charge ID, alternate transaction ID, then our own payment ID.
type Lookup struct {
	ChargeID      string
	TransactionID string
	ExternalRef   string
}

func (l Lookup) Empty() bool {
	return l.ChargeID == "" && l.TransactionID == "" && l.ExternalRef == ""
}

// Result reports the payment a signal resolved to and its status after reconciliation.
type Result struct {
	Outcome   Outcome
	PaymentID string
	Status    paystatus.Status
}

// Store is the relational surface of the package; *db.Queries satisfies it.
type Store interface {
	GetPaymentByID(ctx context.Context, id pgtype.UUID) (db.Payment, error)
	GetPaymentBySyncpayID(ctx context.Context, syncpayID string) (db.Payment, error)
	TransitionPayment(ctx context.Context, id pgtype.UUID, status string) (db.Payment, error)
	GetLead(ctx context.Context, botID pgtype.UUID, chatID string) (db.Lead, error)
	MarkLeadConverted(ctx context.Context, botID pgtype.UUID, chatID string) (bool, error)
	ClaimPaymentConversion(ctx context.Context, id pgtype.UUID) (bool, error)
	MarkPaymentBuyerNotified(ctx context.Context, id pgtype.UUID) (bool, error)
	CreatePayment(ctx context.Context, botID pgtype.UUID, chatID string, amount int32) (db.Payment, error)
	SetPaymentCharge(ctx context.Context, arg db.SetPaymentChargeParams) (db.Payment, error)
	ListPendingPayments(ctx context.Context, since pgtype.Timestamptz) ([]db.Payment, error)
	ListRecentPayments(ctx context.Context, limit int32) ([]db.Payment, error)
}

// BotSource loads tenant configuration; *bots.Service satisfies it.
type BotSource interface {
	Get(ctx context.Context, botID string) (bots.Bot, error)
}

// FollowUps cancels a recipient's follow-ups; *followup.Scheduler satisfies it.
type FollowUps interface {
	Cancel(ctx context.Context, tenantID, recipientID string) error
}

// Converter emits ad-platform purchase events; *conversions.Client satisfies it.
type Converter interface {
	SendPurchase(ctx context.Context, p conversions.Purchase) error
}

// Notifier tells the buyer their payment was confirmed.
type Notifier interface {
	NotifyPaymentConfirmed(ctx context.Context, tenantID, recipientID, text string) error
}

// Gateway is the charge surface of *gateway.Client.
type Gateway interface {
	CreateCharge(ctx context.Context, creds gateway.Credentials, req gateway.ChargeRequest) (*gateway.Charge, error)
	CheckStatus(ctx context.Context, creds gateway.Credentials, chargeID string) paystatus.Status
}
