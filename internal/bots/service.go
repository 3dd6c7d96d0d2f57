package bots

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/telepix/telepix/internal/config"
	"github.com/telepix/telepix/internal/db"
	"github.com/telepix/telepix/internal/gateway"
)

var ErrBotNotFound = errors.New("bot not found")

// Queries is the store surface the service reads from; *db.Queries satisfies it.
type Queries interface {
	GetBotByID(ctx context.Context, id pgtype.UUID) (db.Bot, error)
	ListActiveBots(ctx context.Context) ([]db.Bot, error)
	ListPaymentButtonsByBot(ctx context.Context, botID pgtype.UUID) ([]db.PaymentButton, error)
}

// Service loads tenant bot configuration. It is read-only; editing bots happens elsewhere.
type Service struct {
	queries Queries
	logger  *slog.Logger
}

func NewService(log *slog.Logger, queries Queries) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		queries: queries,
		logger:  log.With(slog.String("service", "bots")),
	}
}

// Get returns the bot with its payment buttons. Inactive bots are returned too.
func (s *Service) Get(ctx context.Context, botID string) (Bot, error) {
	id, err := db.ParseUUID(botID)
	if err != nil {
		return Bot{}, ErrBotNotFound
	}
	row, err := s.queries.GetBotByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bot{}, ErrBotNotFound
		}
		return Bot{}, fmt.Errorf("get bot: %w", err)
	}
	return s.withButtons(ctx, row)
}

// ListActive returns every bot flagged active.
func (s *Service) ListActive(ctx context.Context) ([]Bot, error) {
	rows, err := s.queries.ListActiveBots(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active bots: %w", err)
	}
	items := make([]Bot, 0, len(rows))
	for _, row := range rows {
		bot, err := s.withButtons(ctx, row)
		if err != nil {
			return nil, err
		}
		items = append(items, bot)
	}
	return items, nil
}

func (s *Service) withButtons(ctx context.Context, row db.Bot) (Bot, error) {
	bot := toBot(row)
	buttons, err := s.queries.ListPaymentButtonsByBot(ctx, row.ID)
	if err != nil {
		return Bot{}, fmt.Errorf("list payment buttons: %w", err)
	}
	for _, b := range buttons {
		bot.Buttons = append(bot.Buttons, PaymentButton{
			Text:        b.Text,
			AmountCents: int64(b.Value),
			Kind:        toButtonKind(b.Type),
		})
	}
	return bot, nil
}

func toBot(row db.Bot) Bot {
	return Bot{
		ID:            db.UUIDString(row.ID),
		Name:          row.Name,
		TelegramToken: row.TelegramToken,
		Gateway: gateway.Credentials{
			APIKey:    row.SyncpayApiKey,
			APISecret: row.SyncpayApiSecret,
		},
		StartMedia:              db.TextToString(row.StartImage),
		StartCaption:            db.TextToString(row.StartCaption),
		ResendMedia:             db.TextToString(row.ResendImage),
		ResendCaption:           db.TextToString(row.ResendCaption),
		FirstDelay:              Minutes(row.ResendFirstDelay, config.DefaultFirstDelayMinutes),
		Interval:                Minutes(row.ResendInterval, config.DefaultIntervalMinutes),
		PaymentConfirmedMessage: db.TextToString(row.PaymentConfirmedMessage),
		FacebookPixelID:         db.TextToString(row.FacebookPixelID),
		FacebookAccessToken:     db.TextToString(row.FacebookAccessToken),
		IsActive:                row.IsActive,
	}
}

func toButtonKind(raw string) ButtonKind {
	if ButtonKind(raw) == ButtonKindResend {
		return ButtonKindResend
	}
	return ButtonKindStart
}

// Minutes converts a stored delay to a duration, substituting def for non-positive values.
func Minutes(value int32, def int) time.Duration {
	if value <= 0 {
		return time.Duration(def) * time.Minute
	}
	return time.Duration(value) * time.Minute
}
