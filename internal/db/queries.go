package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// Queries is the SQL surface used by the bot fleet.
type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx returns a Queries bound to tx.
func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

const botColumns = `id, name, telegram_token, syncpay_api_key, syncpay_api_secret,
  start_image, start_caption, resend_image, resend_caption,
  resend_first_delay, resend_interval, payment_confirmed_message,
  facebook_pixel_id, facebook_access_token, is_active, created_at, updated_at`

func scanBot(row pgx.Row) (Bot, error) {
	var b Bot
	err := row.Scan(
		&b.ID, &b.Name, &b.TelegramToken, &b.SyncpayApiKey, &b.SyncpayApiSecret,
		&b.StartImage, &b.StartCaption, &b.ResendImage, &b.ResendCaption,
		&b.ResendFirstDelay, &b.ResendInterval, &b.PaymentConfirmedMessage,
		&b.FacebookPixelID, &b.FacebookAccessToken, &b.IsActive, &b.CreatedAt, &b.UpdatedAt,
	)
	return b, err
}

const getBotByID = `SELECT ` + botColumns + ` FROM bots WHERE id = $1`

func (q *Queries) GetBotByID(ctx context.Context, id pgtype.UUID) (Bot, error) {
	return scanBot(q.db.QueryRow(ctx, getBotByID, id))
}

const listActiveBots = `SELECT ` + botColumns + ` FROM bots WHERE is_active = true ORDER BY created_at`

func (q *Queries) ListActiveBots(ctx context.Context) ([]Bot, error) {
	rows, err := q.db.Query(ctx, listActiveBots)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	return items, rows.Err()
}

const listPaymentButtonsByBot = `SELECT id, bot_id, text, value, type, position
FROM payment_buttons WHERE bot_id = $1 ORDER BY type, position, created_at`

func (q *Queries) ListPaymentButtonsByBot(ctx context.Context, botID pgtype.UUID) ([]PaymentButton, error) {
	rows, err := q.db.Query(ctx, listPaymentButtonsByBot, botID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []PaymentButton
	for rows.Next() {
		var i PaymentButton
		if err := rows.Scan(&i.ID, &i.BotID, &i.Text, &i.Value, &i.Type, &i.Position); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

const leadColumns = `id, bot_id, telegram_chat_id, telegram_username, first_name, last_name,
  is_new, resend_paused, converted_at, utm_source, utm_medium, utm_campaign, utm_content,
  utm_term, fbclid, gclid, ref, created_at, updated_at`

func scanLead(row pgx.Row) (Lead, error) {
	var l Lead
	err := row.Scan(
		&l.ID, &l.BotID, &l.TelegramChatID, &l.TelegramUsername, &l.FirstName, &l.LastName,
		&l.IsNew, &l.ResendPaused, &l.ConvertedAt, &l.UtmSource, &l.UtmMedium, &l.UtmCampaign, &l.UtmContent,
		&l.UtmTerm, &l.Fbclid, &l.Gclid, &l.Ref, &l.CreatedAt, &l.UpdatedAt,
	)
	return l, err
}

type UpsertLeadParams struct {
	BotID            pgtype.UUID
	TelegramChatID   string
	TelegramUsername pgtype.Text
	FirstName        pgtype.Text
	LastName         pgtype.Text
	UtmSource        pgtype.Text
	UtmMedium        pgtype.Text
	UtmCampaign      pgtype.Text
	UtmContent       pgtype.Text
	UtmTerm          pgtype.Text
	Fbclid           pgtype.Text
	Gclid            pgtype.Text
	Ref              pgtype.Text
}

// Identity fields are always refreshed; attribution columns keep their stored value when the new one is NULL.
const upsertLead = `INSERT INTO leads (
  bot_id, telegram_chat_id, telegram_username, first_name, last_name,
  utm_source, utm_medium, utm_campaign, utm_content, utm_term, fbclid, gclid, ref
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (bot_id, telegram_chat_id) DO UPDATE SET
  telegram_username = EXCLUDED.telegram_username,
  first_name = EXCLUDED.first_name,
  last_name = EXCLUDED.last_name,
  is_new = true,
  utm_source = COALESCE(EXCLUDED.utm_source, leads.utm_source),
  utm_medium = COALESCE(EXCLUDED.utm_medium, leads.utm_medium),
  utm_campaign = COALESCE(EXCLUDED.utm_campaign, leads.utm_campaign),
  utm_content = COALESCE(EXCLUDED.utm_content, leads.utm_content),
  utm_term = COALESCE(EXCLUDED.utm_term, leads.utm_term),
  fbclid = COALESCE(EXCLUDED.fbclid, leads.fbclid),
  gclid = COALESCE(EXCLUDED.gclid, leads.gclid),
  ref = COALESCE(EXCLUDED.ref, leads.ref),
  updated_at = now()
RETURNING ` + leadColumns

func (q *Queries) UpsertLead(ctx context.Context, arg UpsertLeadParams) (Lead, error) {
	return scanLead(q.db.QueryRow(ctx, upsertLead,
		arg.BotID, arg.TelegramChatID, arg.TelegramUsername, arg.FirstName, arg.LastName,
		arg.UtmSource, arg.UtmMedium, arg.UtmCampaign, arg.UtmContent, arg.UtmTerm,
		arg.Fbclid, arg.Gclid, arg.Ref,
	))
}

const getLead = `SELECT ` + leadColumns + ` FROM leads WHERE bot_id = $1 AND telegram_chat_id = $2`

func (q *Queries) GetLead(ctx context.Context, botID pgtype.UUID, chatID string) (Lead, error) {
	return scanLead(q.db.QueryRow(ctx, getLead, botID, chatID))
}

const setLeadResendPaused = `UPDATE leads SET resend_paused = $3, updated_at = now()
WHERE bot_id = $1 AND telegram_chat_id = $2
RETURNING ` + leadColumns

func (q *Queries) SetLeadResendPaused(ctx context.Context, botID pgtype.UUID, chatID string, paused bool) (Lead, error) {
	return scanLead(q.db.QueryRow(ctx, setLeadResendPaused, botID, chatID, paused))
}

const markLeadConverted = `UPDATE leads SET is_new = false, converted_at = now(), updated_at = now()
WHERE bot_id = $1 AND telegram_chat_id = $2 AND converted_at IS NULL`

// MarkLeadConverted reports whether a row changed; false means missing or already converted.
func (q *Queries) MarkLeadConverted(ctx context.Context, botID pgtype.UUID, chatID string) (bool, error) {
	tag, err := q.db.Exec(ctx, markLeadConverted, botID, chatID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

const listFollowUpCandidates = `SELECT l.bot_id, l.telegram_chat_id, b.resend_first_delay, b.resend_interval
FROM leads l
JOIN bots b ON b.id = l.bot_id
WHERE b.is_active = true
  AND l.converted_at IS NULL
  AND l.resend_paused = false
  AND NOT EXISTS (
    SELECT 1 FROM payments p
    WHERE p.bot_id = l.bot_id AND p.telegram_chat_id = l.telegram_chat_id AND p.status = 'paid'
  )
ORDER BY l.created_at`

func (q *Queries) ListFollowUpCandidates(ctx context.Context) ([]FollowUpCandidate, error) {
	rows, err := q.db.Query(ctx, listFollowUpCandidates)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []FollowUpCandidate
	for rows.Next() {
		var i FollowUpCandidate
		if err := rows.Scan(&i.BotID, &i.TelegramChatID, &i.ResendFirstDelay, &i.ResendInterval); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

const paymentColumns = `id, bot_id, telegram_chat_id, amount, status, syncpay_id, pix_code, qr_code,
  expires_at, paid_at, conversion_sent_at, buyer_notified_at, created_at, updated_at`

func scanPayment(row pgx.Row) (Payment, error) {
	var p Payment
	err := row.Scan(
		&p.ID, &p.BotID, &p.TelegramChatID, &p.Amount, &p.Status, &p.SyncpayID, &p.PixCode, &p.QrCode,
		&p.ExpiresAt, &p.PaidAt, &p.ConversionSentAt, &p.BuyerNotifiedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	return p, err
}

func collectPayments(rows pgx.Rows, err error) ([]Payment, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

const createPayment = `INSERT INTO payments (bot_id, telegram_chat_id, amount, status)
VALUES ($1, $2, $3, 'pending')
RETURNING ` + paymentColumns

func (q *Queries) CreatePayment(ctx context.Context, botID pgtype.UUID, chatID string, amount int32) (Payment, error) {
	return scanPayment(q.db.QueryRow(ctx, createPayment, botID, chatID, amount))
}

type SetPaymentChargeParams struct {
	ID        pgtype.UUID
	SyncpayID pgtype.Text
	PixCode   pgtype.Text
	QrCode    pgtype.Text
	ExpiresAt pgtype.Timestamptz
}

const setPaymentCharge = `UPDATE payments
SET syncpay_id = $2, pix_code = $3, qr_code = $4, expires_at = $5, updated_at = now()
WHERE id = $1
RETURNING ` + paymentColumns

func (q *Queries) SetPaymentCharge(ctx context.Context, arg SetPaymentChargeParams) (Payment, error) {
	return scanPayment(q.db.QueryRow(ctx, setPaymentCharge, arg.ID, arg.SyncpayID, arg.PixCode, arg.QrCode, arg.ExpiresAt))
}

const getPaymentByID = `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`

func (q *Queries) GetPaymentByID(ctx context.Context, id pgtype.UUID) (Payment, error) {
	return scanPayment(q.db.QueryRow(ctx, getPaymentByID, id))
}

const getPaymentBySyncpayID = `SELECT ` + paymentColumns + `
FROM payments WHERE syncpay_id = $1 ORDER BY created_at DESC LIMIT 1`

func (q *Queries) GetPaymentBySyncpayID(ctx context.Context, syncpayID string) (Payment, error) {
	return scanPayment(q.db.QueryRow(ctx, getPaymentBySyncpayID, syncpayID))
}

const listRecentPayments = `SELECT ` + paymentColumns + ` FROM payments ORDER BY created_at DESC LIMIT $1`

func (q *Queries) ListRecentPayments(ctx context.Context, limit int32) ([]Payment, error) {
	return collectPayments(q.db.Query(ctx, listRecentPayments, limit))
}

const listPendingPayments = `SELECT ` + paymentColumns + `
FROM payments WHERE status = 'pending' AND syncpay_id IS NOT NULL AND created_at > $1
ORDER BY created_at`

// ListPendingPayments returns charges created after since that are still awaiting a final status.
func (q *Queries) ListPendingPayments(ctx context.Context, since pgtype.Timestamptz) ([]Payment, error) {
	return collectPayments(q.db.Query(ctx, listPendingPayments, since))
}

const hasPaidPayment = `SELECT EXISTS (
  SELECT 1 FROM payments WHERE bot_id = $1 AND telegram_chat_id = $2 AND status = 'paid'
)`

func (q *Queries) HasPaidPayment(ctx context.Context, botID pgtype.UUID, chatID string) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, hasPaidPayment, botID, chatID).Scan(&exists)
	return exists, err
}

// Status writes only leave 'pending'; a terminal row returns pgx.ErrNoRows.
const transitionPayment = `UPDATE payments
SET status = $2,
    paid_at = CASE WHEN $2 = 'paid' THEN COALESCE(paid_at, now()) ELSE paid_at END,
    updated_at = now()
WHERE id = $1 AND status = 'pending'
RETURNING ` + paymentColumns

func (q *Queries) TransitionPayment(ctx context.Context, id pgtype.UUID, status string) (Payment, error) {
	return scanPayment(q.db.QueryRow(ctx, transitionPayment, id, status))
}

const claimPaymentConversion = `UPDATE payments SET conversion_sent_at = now(), updated_at = now()
WHERE id = $1 AND conversion_sent_at IS NULL`

// ClaimPaymentConversion reports whether the caller won the right to emit the conversion event.
func (q *Queries) ClaimPaymentConversion(ctx context.Context, id pgtype.UUID) (bool, error) {
	tag, err := q.db.Exec(ctx, claimPaymentConversion, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

const markPaymentBuyerNotified = `UPDATE payments SET buyer_notified_at = now(), updated_at = now()
WHERE id = $1 AND buyer_notified_at IS NULL`

func (q *Queries) MarkPaymentBuyerNotified(ctx context.Context, id pgtype.UUID) (bool, error) {
	tag, err := q.db.Exec(ctx, markPaymentBuyerNotified, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
