package followup

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/telepix/telepix/internal/db"
	"github.com/telepix/telepix/internal/registry"
)

// ErrNoSession is returned by a Sender when the tenant has no live session. It is not retried.
var ErrNoSession = errors.New("no live session for tenant")

// JobStatus is the lifecycle marker stored on a job document.
type JobStatus string

const (
	JobStatusScheduled JobStatus = "scheduled"
	JobStatusRetrying  JobStatus = "retrying"
)

// Job is the persisted form of one follow-up. Generation changes on every schedule call so a
// worker holding an older copy can tell it was superseded or cancelled.
type Job struct {
	Key         string        `json:"key"`
	TenantID    string        `json:"tenant_id"`
	RecipientID string        `json:"recipient_id"`
	Kind        registry.Kind `json:"kind"`
	Generation  string        `json:"generation"`
	Interval    time.Duration `json:"interval,omitempty"`
	FireAt      time.Time     `json:"fire_at"`
	Attempts    int           `json:"attempts"`
	Status      JobStatus     `json:"status"`
	LastError   string        `json:"last_error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Stats is a snapshot of queue sizes and lifetime counters.
type Stats struct {
	Due        int64 `json:"due"`
	Ready      int64 `json:"ready"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Skipped    int64 `json:"skipped"`
	Retried    int64 `json:"retried"`
}

// Sender delivers the follow-up message of a tenant to a recipient.
type Sender interface {
	SendFollowUp(ctx context.Context, tenantID, recipientID string) error
}

// LocalTimers cancels in-process follow-up timers that live outside the durable queue.
type LocalTimers interface {
	CancelTimers(tenantID, recipientID string) int
}

// Store is the relational surface read at fire time; *db.Queries satisfies it.
type Store interface {
	GetBotByID(ctx context.Context, id pgtype.UUID) (db.Bot, error)
	GetLead(ctx context.Context, botID pgtype.UUID, chatID string) (db.Lead, error)
	HasPaidPayment(ctx context.Context, botID pgtype.UUID, chatID string) (bool, error)
	SetLeadResendPaused(ctx context.Context, botID pgtype.UUID, chatID string, paused bool) (db.Lead, error)
	ListFollowUpCandidates(ctx context.Context) ([]db.FollowUpCandidate, error)
}

// Config holds scheduler tuning.
type Config struct {
	Workers           int
	MaxAttempts       int
	BackoffBase       time.Duration
	StuckTimeout      time.Duration
	PromoteBatch      int64
	DefaultFirstDelay int
	DefaultInterval   int
}
