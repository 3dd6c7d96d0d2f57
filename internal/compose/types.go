package compose

import (
	"fmt"
	"path"
	"strings"
)

// Kind selects which configured variant a message is built from.
type Kind string

const (
	KindStart    Kind = "start"
	KindFollowUp Kind = "followup"
)

// MediaType is how an attachment is delivered to the platform.
type MediaType string

const (
	MediaPhoto MediaType = "photo"
	MediaVideo MediaType = "video"
)

// Media is a resolved attachment: either raw bytes (Data) or a URL for the platform to fetch.
type Media struct {
	Type MediaType
	Name string
	Data []byte
	URL  string
}

// Button is one inline keyboard entry.
type Button struct {
	Label string
	Data  string
}

// Message is what a bot sends: caption, optional attachment and payment options (one per row).
type Message struct {
	Caption string
	Media   *Media
	Buttons []Button
}

// TextOnly returns a copy of m without its attachment.
func (m Message) TextOnly() Message {
	m.Media = nil
	return m
}

const (
	paymentCallbackPrefix = "payment_"
	defaultCaption        = "Bem-vindo!"
)

// PaymentCallbackData encodes the callback payload of a payment option.
func PaymentCallbackData(amountCents int64) string {
	return fmt.Sprintf("%s%d", paymentCallbackPrefix, amountCents)
}

var videoExts = map[string]bool{".mp4": true, ".webm": true, ".ogg": true, ".mov": true}

func mediaTypeOf(ref string) MediaType {
	clean := ref
	if i := strings.IndexAny(clean, "?#"); i >= 0 {
		clean = clean[:i]
	}
	if videoExts[strings.ToLower(path.Ext(clean))] {
		return MediaVideo
	}
	return MediaPhoto
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}
