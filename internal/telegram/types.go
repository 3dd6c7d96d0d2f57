// Package telegram wraps the Bot API for the bot fleet: one Bot per tenant token with its own
// long-poll loop, rate-limited sends and session-conflict detection.
package telegram

import (
	"context"
	"errors"
)

var (
	// ErrConflict means another getUpdates consumer holds the bot's session (HTTP 409).
	ErrConflict = errors.New("telegram: conflicting getUpdates session")
	// ErrUnauthorized means the token was revoked or is wrong.
	ErrUnauthorized = errors.New("telegram: unauthorized token")
)

// UpdateKind tells which inbound event an Update carries.
type UpdateKind string

const (
	UpdateStart    UpdateKind = "start"
	UpdateCallback UpdateKind = "callback"
)

// Update is the normalized inbound event the sessions act on. Other updates are dropped.
type Update struct {
	Kind       UpdateKind
	ChatID     int64
	Username   string
	FirstName  string
	LastName   string
	Arg        string
	CallbackID string
	Data       string
}

// MediaKind selects the send method for an attachment.
type MediaKind string

const (
	MediaPhoto MediaKind = "photo"
	MediaVideo MediaKind = "video"
)

// Media is an attachment given either as raw bytes or as a URL the platform fetches itself.
type Media struct {
	Kind MediaKind
	Name string
	Data []byte
	URL  string
}

// Button is one inline keyboard button.
type Button struct {
	Label string
	Data  string
}

const ParseModeMarkdown = "Markdown"

// Outgoing is one message. With Media set, Text becomes the caption. Each button gets its own row.
type Outgoing struct {
	Text      string
	ParseMode string
	Media     *Media
	Buttons   []Button
}

// Bot is a connected bot identity.
type Bot interface {
	Username() string
	// Poll long-polls for updates and calls handle for each until ctx ends or the session fails.
	// It returns nil on cancellation and ErrConflict when another consumer took over.
	Poll(ctx context.Context, handle func(Update)) error
	Send(ctx context.Context, chatID int64, msg Outgoing) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
	Close()
}

// Dialer connects a token and verifies it with getMe.
type Dialer interface {
	Dial(ctx context.Context, token string) (Bot, error)
}
