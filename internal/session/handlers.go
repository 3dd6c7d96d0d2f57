package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/skip2/go-qrcode"

	"github.com/telepix/telepix/internal/attribution"
	"github.com/telepix/telepix/internal/bots"
	"github.com/telepix/telepix/internal/compose"
	"github.com/telepix/telepix/internal/db"
	"github.com/telepix/telepix/internal/followup"
	"github.com/telepix/telepix/internal/gateway"
	"github.com/telepix/telepix/internal/money"
	"github.com/telepix/telepix/internal/registry"
	"github.com/telepix/telepix/internal/telegram"
)

const (
	startErrorReply  = "❌ Erro ao processar comando. Tente novamente."
	chargeErrorReply = "Erro ao gerar PIX. Tente novamente."
	generatingAnswer = "Gerando PIX..."
	qrSize           = 256
)

var paymentData = regexp.MustCompile(`^payment_(\d+)$`)

// tenantConfig re-reads the bot so configuration edits apply without a restart.
func (m *Manager) tenantConfig(ctx context.Context, s *session) bots.Bot {
	bot, err := m.deps.Bots.Get(ctx, s.tenant.ID)
	if err != nil {
		m.logger.Warn("reload bot config failed, using session copy",
			slog.String("bot_id", s.tenant.ID), slog.Any("error", err))
		return s.tenant
	}
	return bot
}

func (m *Manager) handleStart(ctx context.Context, s *session, u telegram.Update) {
	log := m.logger.With(slog.String("bot_id", s.tenant.ID), slog.Int64("chat_id", u.ChatID))
	chatID := strconv.FormatInt(u.ChatID, 10)

	var params attribution.Params
	if m.deps.Attribution != nil {
		params = m.deps.Attribution.Resolve(ctx, u.Arg)
	} else {
		params = attribution.Literal(u.Arg)
	}
	m.upsertLead(ctx, log, s.tenant.ID, chatID, u, params)

	bot := m.tenantConfig(ctx, s)
	msg := m.deps.Composer.Compose(ctx, bot, compose.KindStart)
	if err := m.sendComposed(ctx, s.bot, u.ChatID, msg); err != nil {
		log.Error("send welcome failed", slog.Any("error", err))
		if err := s.bot.Send(ctx, u.ChatID, telegram.Outgoing{Text: startErrorReply}); err != nil {
			log.Error("send error reply failed", slog.Any("error", err))
		}
		return
	}

	paid, err := m.deps.Leads.HasPaidPayment(ctx, mustUUID(s.tenant.ID), chatID)
	if err != nil {
		log.Warn("paid check failed, scheduling anyway", slog.Any("error", err))
	}
	if paid {
		return
	}
	m.scheduleFollowUp(ctx, bot, chatID)
}

func (m *Manager) upsertLead(ctx context.Context, log *slog.Logger, tenantID, chatID string, u telegram.Update, p attribution.Params) {
	_, err := m.deps.Leads.UpsertLead(ctx, db.UpsertLeadParams{
		BotID:            mustUUID(tenantID),
		TelegramChatID:   chatID,
		TelegramUsername: db.Text(u.Username),
		FirstName:        db.Text(u.FirstName),
		LastName:         db.Text(u.LastName),
		UtmSource:        db.Text(p.UTMSource),
		UtmMedium:        db.Text(p.UTMMedium),
		UtmCampaign:      db.Text(p.UTMCampaign),
		UtmContent:       db.Text(p.UTMContent),
		UtmTerm:          db.Text(p.UTMTerm),
		Fbclid:           db.Text(p.Fbclid),
		Gclid:            db.Text(p.Gclid),
		Ref:              db.Text(p.Ref),
	})
	if err != nil {
		log.Error("upsert lead failed", slog.Any("error", err))
	}
}

func (m *Manager) scheduleFollowUp(ctx context.Context, bot bots.Bot, chatID string) {
	err := m.deps.FollowUps.Schedule(ctx, bot.ID, chatID, bot.FirstDelay, bot.Interval)
	if err == nil {
		return
	}
	m.logger.Warn("durable follow-up schedule failed, arming in-process timers",
		slog.String("bot_id", bot.ID), slog.String("chat_id", chatID), slog.Any("error", err))
	m.armLocal(bot.ID, chatID, bot.FirstDelay, bot.Interval)
}

// armLocal keeps a recipient's follow-ups alive in memory when the durable queue is unavailable.
// Both registry keys share one cancel, so cancelling either stops the pair.
func (m *Manager) armLocal(tenantID, recipientID string, first, interval time.Duration) {
	if first <= 0 || interval <= 0 {
		return
	}
	keys := registry.PairKeys(tenantID, recipientID)
	ctx, cancel := context.WithCancel(m.baseCtx)
	m.registry.ArmTimer(keys[0], cancel)
	m.registry.ArmTimer(keys[1], cancel)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		wait := first
		for {
			if err := m.sleep(ctx, wait); err != nil {
				return
			}
			sent, err := m.deps.FollowUps.Execute(ctx, tenantID, recipientID)
			if err != nil {
				m.logger.Warn("in-process follow-up failed",
					slog.String("bot_id", tenantID), slog.String("chat_id", recipientID), slog.Any("error", err))
			}
			if !sent && (err == nil || errors.Is(err, followup.ErrNoSession)) {
				if ctx.Err() == nil {
					m.registry.ReleaseTimer(keys[0])
					m.registry.ReleaseTimer(keys[1])
				}
				return
			}
			wait = interval
		}
	}()
}

func (m *Manager) handleCallback(ctx context.Context, s *session, u telegram.Update) {
	log := m.logger.With(slog.String("bot_id", s.tenant.ID), slog.Int64("chat_id", u.ChatID))
	amount, ok := parsePaymentData(u.Data)
	if !ok {
		return
	}
	if err := s.bot.AnswerCallback(ctx, u.CallbackID, generatingAnswer); err != nil {
		log.Warn("answer callback failed", slog.Any("error", err))
	}

	bot := m.tenantConfig(ctx, s)
	created, err := m.deps.Charges.Create(ctx, bot, strconv.FormatInt(u.ChatID, 10), amount)
	if err != nil {
		log.Error("create charge failed", slog.Int64("amount", amount), slog.Any("error", err))
		if err := s.bot.Send(ctx, u.ChatID, telegram.Outgoing{Text: chargeErrorReply}); err != nil {
			log.Error("send error reply failed", slog.Any("error", err))
		}
		return
	}

	out := telegram.Outgoing{
		Text:      ChargeMessage(created.AmountCents, created.Charge.Code),
		ParseMode: telegram.ParseModeMarkdown,
		Media:     m.qrMedia(created.Charge),
	}
	err = s.bot.Send(ctx, u.ChatID, out)
	if err != nil && out.Media != nil {
		log.Warn("send QR failed, sending code only", slog.Any("error", err))
		out.Media = nil
		err = s.bot.Send(ctx, u.ChatID, out)
	}
	if err != nil {
		log.Error("send charge failed", slog.String("payment_id", created.PaymentID), slog.Any("error", err))
	}
}

func parsePaymentData(data string) (int64, bool) {
	match := paymentData.FindStringSubmatch(data)
	if match == nil {
		return 0, false
	}
	amount, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil || amount <= 0 {
		return 0, false
	}
	return amount, true
}

// ChargeMessage is the Markdown text sent with a new PIX charge.
func ChargeMessage(amountCents int64, code string) string {
	return fmt.Sprintf("💰 PIX Gerado!\n\nValor: %s\n\nCódigo PIX:\n`%s`\n\nEscaneie o QR Code abaixo ou copie o código.",
		money.FormatBRL(amountCents), code)
}

// qrMedia picks the QR image of a charge: the gateway's URL or inline image, else a PNG rendered
// from the PIX code. nil means text only.
func (m *Manager) qrMedia(c gateway.Charge) *telegram.Media {
	qr := strings.TrimSpace(c.QRCode)
	switch {
	case strings.HasPrefix(qr, "http://"), strings.HasPrefix(qr, "https://"):
		return &telegram.Media{Kind: telegram.MediaPhoto, URL: qr}
	case qr != "":
		raw := qr
		if strings.HasPrefix(raw, "data:") {
			if i := strings.Index(raw, ","); i >= 0 {
				raw = raw[i+1:]
			}
		}
		if data, err := base64.StdEncoding.DecodeString(raw); err == nil && len(data) > 0 {
			return &telegram.Media{Kind: telegram.MediaPhoto, Name: "qrcode.png", Data: data}
		}
	}
	if c.Code == "" {
		return nil
	}
	png, err := qrcode.Encode(c.Code, qrcode.Medium, qrSize)
	if err != nil {
		m.logger.Warn("render QR failed", slog.Any("error", err))
		return nil
	}
	return &telegram.Media{Kind: telegram.MediaPhoto, Name: "qrcode.png", Data: png}
}

// sendComposed sends msg and retries without the attachment when the media send fails.
func (m *Manager) sendComposed(ctx context.Context, bot telegram.Bot, chatID int64, msg compose.Message) error {
	out := toOutgoing(msg)
	err := bot.Send(ctx, chatID, out)
	if err == nil || out.Media == nil || errors.Is(err, telegram.ErrUnauthorized) {
		return err
	}
	m.logger.Warn("send media failed, sending text only", slog.Int64("chat_id", chatID), slog.Any("error", err))
	out.Media = nil
	return bot.Send(ctx, chatID, out)
}

func toOutgoing(msg compose.Message) telegram.Outgoing {
	out := telegram.Outgoing{Text: msg.Caption}
	if msg.Media != nil {
		kind := telegram.MediaPhoto
		if msg.Media.Type == compose.MediaVideo {
			kind = telegram.MediaVideo
		}
		out.Media = &telegram.Media{Kind: kind, Name: msg.Media.Name, Data: msg.Media.Data, URL: msg.Media.URL}
	}
	for _, b := range msg.Buttons {
		out.Buttons = append(out.Buttons, telegram.Button{Label: b.Label, Data: b.Data})
	}
	return out
}

// mustUUID parses a bot ID that already passed through the store; invalid IDs map to NULL.
func mustUUID(id string) pgtype.UUID {
	u, _ := db.ParseUUID(id)
	return u
}
