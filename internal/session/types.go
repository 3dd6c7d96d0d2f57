// Package session owns the live Telegram connection of every tenant bot and the inbound
// handlers that run on it.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/telepix/telepix/internal/attribution"
	"github.com/telepix/telepix/internal/bots"
	"github.com/telepix/telepix/internal/compose"
	"github.com/telepix/telepix/internal/db"
	"github.com/telepix/telepix/internal/payments"
)

var (
	ErrBotInactive   = errors.New("bot is not active")
	ErrLeaseHeld     = errors.New("session lease held by another process")
	ErrInvalidChatID = errors.New("invalid chat id")
)

// State is a tenant's position in the session lifecycle.
type State string

const (
	StateStopped          State = "stopped"
	StateStarting         State = "starting"
	StateRunning          State = "running"
	StateConflictDetected State = "conflict_detected"
	StateStopping         State = "stopping"
)

// Status is what the admin API reports for a tenant.
type Status struct {
	BotID     string    `json:"bot_id"`
	State     State     `json:"state"`
	Username  string    `json:"username,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
}

// Config paces stop and start so the platform sees at most one poller per bot.
type Config struct {
	StartGrace       time.Duration
	StopSettle       time.Duration
	RestartSettle    time.Duration
	InterTenantDelay time.Duration
	ConflictRetries  int
	ConflictBackoff  time.Duration
}

// BotSource loads tenant configuration; *bots.Service satisfies it.
type BotSource interface {
	Get(ctx context.Context, botID string) (bots.Bot, error)
	ListActive(ctx context.Context) ([]bots.Bot, error)
}

// LeadStore is the lead surface of *db.Queries used by the handlers.
type LeadStore interface {
	UpsertLead(ctx context.Context, arg db.UpsertLeadParams) (db.Lead, error)
	HasPaidPayment(ctx context.Context, botID pgtype.UUID, chatID string) (bool, error)
}

// Composer builds the welcome and follow-up messages; *compose.Composer satisfies it.
type Composer interface {
	Compose(ctx context.Context, bot bots.Bot, kind compose.Kind) compose.Message
}

// FollowUps is the scheduler capability the sessions need; *followup.Scheduler satisfies it.
type FollowUps interface {
	Schedule(ctx context.Context, tenantID, recipientID string, firstDelay, interval time.Duration) error
	Execute(ctx context.Context, tenantID, recipientID string) (bool, error)
}

// Charger creates PIX charges; *payments.Charges satisfies it.
type Charger interface {
	Create(ctx context.Context, bot bots.Bot, chatID string, amountCents int64) (*payments.Created, error)
}

// Attribution resolves a /start argument; *attribution.Store satisfies it.
type Attribution interface {
	Resolve(ctx context.Context, arg string) attribution.Params
}
