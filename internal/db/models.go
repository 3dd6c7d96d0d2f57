package db

import "github.com/jackc/pgx/v5/pgtype"

type Bot struct {
	ID                      pgtype.UUID
	Name                    string
	TelegramToken           string
	SyncpayApiKey           string
	SyncpayApiSecret        string
	StartImage              pgtype.Text
	StartCaption            pgtype.Text
	ResendImage             pgtype.Text
	ResendCaption           pgtype.Text
	ResendFirstDelay        int32
	ResendInterval          int32
	PaymentConfirmedMessage pgtype.Text
	FacebookPixelID         pgtype.Text
	FacebookAccessToken     pgtype.Text
	IsActive                bool
	CreatedAt               pgtype.Timestamptz
	UpdatedAt               pgtype.Timestamptz
}

type PaymentButton struct {
	ID       pgtype.UUID
	BotID    pgtype.UUID
	Text     string
	Value    int32
	Type     string
	Position int32
}

type Lead struct {
	ID               pgtype.UUID
	BotID            pgtype.UUID
	TelegramChatID   string
	TelegramUsername pgtype.Text
	FirstName        pgtype.Text
	LastName         pgtype.Text
	IsNew            bool
	ResendPaused     bool
	ConvertedAt      pgtype.Timestamptz
	UtmSource        pgtype.Text
	UtmMedium        pgtype.Text
	UtmCampaign      pgtype.Text
	UtmContent       pgtype.Text
	UtmTerm          pgtype.Text
	Fbclid           pgtype.Text
	Gclid            pgtype.Text
	Ref              pgtype.Text
	CreatedAt        pgtype.Timestamptz
	UpdatedAt        pgtype.Timestamptz
}

type Payment struct {
	ID               pgtype.UUID
	BotID            pgtype.UUID
	TelegramChatID   string
	Amount           int32
	Status           string
	SyncpayID        pgtype.Text
	PixCode          pgtype.Text
	QrCode           pgtype.Text
	ExpiresAt        pgtype.Timestamptz
	PaidAt           pgtype.Timestamptz
	ConversionSentAt pgtype.Timestamptz
	BuyerNotifiedAt  pgtype.Timestamptz
	CreatedAt        pgtype.Timestamptz
	UpdatedAt        pgtype.Timestamptz
}

// FollowUpCandidate is a lead eligible for follow-ups together with its bot's delays (minutes).
type FollowUpCandidate struct {
	BotID            pgtype.UUID
	TelegramChatID   string
	ResendFirstDelay int32
	ResendInterval   int32
}
