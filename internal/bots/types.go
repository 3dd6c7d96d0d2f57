package bots

import (
	"time"

	"github.com/telepix/telepix/internal/gateway"
)

// ButtonKind selects which message a payment option is attached to.
type ButtonKind string

const (
	ButtonKindStart  ButtonKind = "start"
	ButtonKindResend ButtonKind = "resend"
)

// PaymentButton is one purchasable option offered under a message.
type PaymentButton struct {
	Text        string     `json:"text"`
	AmountCents int64      `json:"amount_cents"`
	Kind        ButtonKind `json:"kind"`
}

// Bot is the configuration snapshot of one tenant bot.
type Bot struct {
	ID                      string              `json:"id"`
	Name                    string              `json:"name"`
	TelegramToken           string              `json:"-"`
	Gateway                 gateway.Credentials `json:"-"`
	StartMedia              string              `json:"start_media,omitempty"`
	StartCaption            string              `json:"start_caption,omitempty"`
	ResendMedia             string              `json:"resend_media,omitempty"`
	ResendCaption           string              `json:"resend_caption,omitempty"`
	FirstDelay              time.Duration       `json:"first_delay"`
	Interval                time.Duration       `json:"interval"`
	PaymentConfirmedMessage string              `json:"payment_confirmed_message,omitempty"`
	FacebookPixelID         string              `json:"facebook_pixel_id,omitempty"`
	FacebookAccessToken     string              `json:"-"`
	IsActive                bool                `json:"is_active"`
	Buttons                 []PaymentButton     `json:"buttons"`
}

// ButtonsFor returns the buttons of the given kind in display order.
func (b Bot) ButtonsFor(kind ButtonKind) []PaymentButton {
	var out []PaymentButton
	for _, btn := range b.Buttons {
		if btn.Kind == kind {
			out = append(out, btn)
		}
	}
	return out
}

// ConversionsEnabled reports whether purchase events can be sent for this bot.
func (b Bot) ConversionsEnabled() bool {
	return b.FacebookPixelID != "" && b.FacebookAccessToken != ""
}
