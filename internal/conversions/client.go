// Package conversions reports purchases to the Facebook Conversions API.
package conversions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

const (
	EventPurchase = "Purchase"
	CurrencyBRL   = "BRL"

	actionSource = "other"
	contentName  = "Telegram Bot Purchase"
	contentType  = "product"
)

var (
	ErrNotConfigured = errors.New("pixel id or access token missing")
	ErrNotReceived   = errors.New("conversion event not received")
)

// Config holds client settings.
type Config struct {
	GraphURL       string
	EventSourceURL string
	Timeout        time.Duration
}

// Purchase is one paid charge to report.
type Purchase struct {
	PixelID     string
	AccessToken string
	Value       decimal.Decimal
	Fbclid      string
	EventTime   time.Time
}

type event struct {
	EventName      string     `json:"event_name"`
	EventTime      int64      `json:"event_time"`
	EventSourceURL string     `json:"event_source_url"`
	ActionSource   string     `json:"action_source"`
	UserData       userData   `json:"user_data"`
	CustomData     customData `json:"custom_data"`
}

type userData struct {
	Fbc string `json:"fbc,omitempty"`
}

type customData struct {
	Value       json.Number `json:"value"`
	Currency    string      `json:"currency"`
	ContentName string      `json:"content_name,omitempty"`
	ContentType string      `json:"content_type,omitempty"`
}

type eventsRequest struct {
	Data        []event `json:"data"`
	AccessToken string  `json:"access_token"`
}

type eventsResponse struct {
	EventsReceived int      `json:"events_received"`
	Messages       []string `json:"messages"`
	FbtraceID      string   `json:"fbtrace_id"`
}

type Client struct {
	http      *resty.Client
	sourceURL string
	now       func() time.Time
	logger    *slog.Logger
}

func NewClient(log *slog.Logger, cfg Config) *Client {
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	source := cfg.EventSourceURL
	if source == "" {
		source = "https://telegram.org"
	}
	return &Client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(cfg.GraphURL, "/")).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
		sourceURL: source,
		now:       time.Now,
		logger:    log.With(slog.String("service", "conversions")),
	}
}

// SendPurchase posts one Purchase event. It succeeds only when the API reports the event received.
func (c *Client) SendPurchase(ctx context.Context, p Purchase) error {
	if p.PixelID == "" || p.AccessToken == "" {
		return ErrNotConfigured
	}
	eventTime := p.EventTime
	if eventTime.IsZero() {
		eventTime = c.now()
	}
	body := eventsRequest{
		Data: []event{{
			EventName:      EventPurchase,
			EventTime:      eventTime.Unix(),
			EventSourceURL: c.sourceURL,
			ActionSource:   actionSource,
			UserData:       userData{Fbc: ClickID(p.Fbclid, eventTime)},
			CustomData: customData{
				Value:       json.Number(p.Value.StringFixed(2)),
				Currency:    CurrencyBRL,
				ContentName: contentName,
				ContentType: contentType,
			},
		}},
		AccessToken: p.AccessToken,
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("pixel", p.PixelID).
		SetBody(body).
		Post("/{pixel}/events")
	if err != nil {
		return fmt.Errorf("send conversion: %w", err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("send conversion: status %d: %s", resp.StatusCode(), truncate(resp.String(), 300))
	}
	var out eventsResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return fmt.Errorf("decode conversion response: %w", err)
	}
	if out.EventsReceived <= 0 {
		return ErrNotReceived
	}
	c.logger.Info("purchase event sent",
		slog.String("pixel_id", p.PixelID),
		slog.Int("events_received", out.EventsReceived),
		slog.String("fbtrace_id", out.FbtraceID),
	)
	return nil
}

// ClickID formats the fbc parameter as fb.1.<creation ms>.<fbclid>. Empty fbclid gives "".
func ClickID(fbclid string, at time.Time) string {
	if fbclid == "" {
		return ""
	}
	return "fb.1." + strconv.FormatInt(at.UnixMilli(), 10) + "." + fbclid
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
