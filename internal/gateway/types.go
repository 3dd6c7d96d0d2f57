package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Credentials is one tenant's partner API key pair.
type Credentials struct {
	APIKey    string
	APISecret string
}

func (c Credentials) valid() bool {
	return c.APIKey != "" && c.APISecret != ""
}

// cacheKey identifies the pair without keeping the secret as a map key.
func (c Credentials) cacheKey() string {
	sum := sha256.Sum256([]byte(c.APIKey + "\x00" + c.APISecret))
	return hex.EncodeToString(sum[:])
}

// ChargeRequest describes a PIX cash-in to create.
type ChargeRequest struct {
	AmountCents int64
	Description string
	WebhookURL  string
	ExternalRef string
}

// Charge is a created PIX cash-in. QRCode may be a URL, a data URI, raw base64 or empty.
type Charge struct {
	ID        string
	Code      string
	QRCode    string
	ExpiresAt time.Time
}

type tokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	ExpiresAt   string `json:"expires_at"`
}

type chargeRequest struct {
	Amount            float64 `json:"amount"`
	Description       string  `json:"description"`
	WebhookURL        string  `json:"webhook_url"`
	ExternalReference string  `json:"external_reference"`
}

type chargeResponse struct {
	Identifier   string `json:"identifier"`
	PixCode      string `json:"pix_code"`
	QRCodeImage  string `json:"qr_code_image"`
	QRCodeImage2 string `json:"qrCodeImage"`
	QRCode       string `json:"qr_code"`
	ExpiresAt    string `json:"expires_at"`
}

func (r chargeResponse) qr() string {
	for _, v := range []string{r.QRCodeImage, r.QRCodeImage2, r.QRCode} {
		if v != "" {
			return v
		}
	}
	return ""
}

// statusResponse covers the shapes seen across gateway API versions; some wrap the body in "data".
type statusResponse struct {
	Status        string          `json:"status"`
	PaymentStatus string          `json:"payment_status"`
	State         string          `json:"state"`
	Situation     string          `json:"situation"`
	Paid          bool            `json:"paid"`
	Expired       bool            `json:"expired"`
	Cancelled     bool            `json:"cancelled"`
	Data          *statusResponse `json:"data"`
}

func (r statusResponse) raw() string {
	for _, v := range []string{r.Status, r.PaymentStatus, r.State, r.Situation} {
		if v != "" {
			return v
		}
	}
	return ""
}
