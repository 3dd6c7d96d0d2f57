package session

import (
	"context"
	"fmt"
	"strconv"

	"github.com/telepix/telepix/internal/compose"
	"github.com/telepix/telepix/internal/followup"
	"github.com/telepix/telepix/internal/telegram"
)

// SendFollowUp sends the follow-up message of a tenant to one recipient through the live session.
func (m *Manager) SendFollowUp(ctx context.Context, tenantID, recipientID string) error {
	s, ok := m.registry.Session(tenantID)
	if !ok {
		return followup.ErrNoSession
	}
	chatID, err := parseChatID(recipientID)
	if err != nil {
		return err
	}
	msg := m.deps.Composer.Compose(ctx, m.tenantConfig(ctx, s), compose.KindFollowUp)
	return m.sendComposed(ctx, s.bot, chatID, msg)
}

// NotifyPaymentConfirmed tells the buyer their payment went through. Without a live session a
// send-only client is dialed for the one message.
func (m *Manager) NotifyPaymentConfirmed(ctx context.Context, tenantID, recipientID, text string) error {
	chatID, err := parseChatID(recipientID)
	if err != nil {
		return err
	}
	out := telegram.Outgoing{Text: text}
	if s, ok := m.registry.Session(tenantID); ok {
		return s.bot.Send(ctx, chatID, out)
	}
	bot, err := m.deps.Bots.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	tb, err := m.deps.Dialer.Dial(ctx, bot.TelegramToken)
	if err != nil {
		return fmt.Errorf("dial send-only client: %w", err)
	}
	defer tb.Close()
	return tb.Send(ctx, chatID, out)
}

// BotUsername returns the platform username of a tenant bot, used to build deep links.
func (m *Manager) BotUsername(ctx context.Context, tenantID string) (string, error) {
	if v, ok := m.usernames.Get(tenantID); ok {
		return v.(string), nil
	}
	if s, ok := m.registry.Session(tenantID); ok {
		name := s.bot.Username()
		m.usernames.SetDefault(tenantID, name)
		return name, nil
	}
	v, err, _ := m.lookups.Do(tenantID, func() (any, error) {
		bot, err := m.deps.Bots.Get(ctx, tenantID)
		if err != nil {
			return "", err
		}
		tb, err := m.deps.Dialer.Dial(ctx, bot.TelegramToken)
		if err != nil {
			return "", err
		}
		defer tb.Close()
		name := tb.Username()
		m.usernames.SetDefault(tenantID, name)
		return name, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func parseChatID(recipientID string) (int64, error) {
	id, err := strconv.ParseInt(recipientID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidChatID, recipientID)
	}
	return id, nil
}
