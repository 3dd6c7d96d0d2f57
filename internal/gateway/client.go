// Package gateway talks to the SyncPay partner API: token exchange, PIX charge creation and
// best-effort status probes.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/telepix/telepix/internal/money"
	"github.com/telepix/telepix/internal/paystatus"
)

const (
	tokenPath  = "/api/partner/v1/auth-token"
	cashInPath = "/api/partner/v1/cash-in"

	defaultTokenLifetime = time.Hour
	defaultChargeTTL     = 30 * time.Minute
)

var (
	ErrNoCredentials = errors.New("gateway credentials not configured")
	ErrNoToken       = errors.New("gateway returned no access token")
	ErrBadCharge     = errors.New("gateway charge response missing identifier or pix code")
)

// statusPaths are probed in order; the first 2xx answer wins.
var statusPaths = []string{
	"/api/partner/v1/cash-in/%s",
	"/api/partner/v1/cash-in/%s/status",
	"/api/partner/v1/pix/%s",
	"/api/pix/%s",
	"/api/pix/status/%s",
	"/api/v1/pix/%s",
}

// Config holds client settings.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	TokenMargin time.Duration
}

// Client is safe for concurrent use by every tenant.
type Client struct {
	http   *resty.Client
	tokens *cache.Cache
	group  singleflight.Group
	margin time.Duration
	now    func() time.Time
	logger *slog.Logger
}

func NewClient(log *slog.Logger, cfg Config) *Client {
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	http := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &Client{
		http:   http,
		tokens: cache.New(cache.NoExpiration, 10*time.Minute),
		margin: cfg.TokenMargin,
		now:    time.Now,
		logger: log.With(slog.String("service", "gateway")),
	}
}

// Token returns a cached bearer token for creds, exchanging a new one once the cached token is
// within the safety margin of its expiry.
func (c *Client) Token(ctx context.Context, creds Credentials) (string, error) {
	if !creds.valid() {
		return "", ErrNoCredentials
	}
	key := creds.cacheKey()
	if v, ok := c.tokens.Get(key); ok {
		return v.(string), nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.tokens.Get(key); ok {
			return v, nil
		}
		token, expiresAt, err := c.exchange(ctx, creds)
		if err != nil {
			return "", err
		}
		if ttl := expiresAt.Sub(c.now()) - c.margin; ttl > 0 {
			c.tokens.Set(key, token, ttl)
		}
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) exchange(ctx context.Context, creds Credentials) (string, time.Time, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(tokenRequest{ClientID: creds.APIKey, ClientSecret: creds.APISecret}).
		Post(tokenPath)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token request: %w", err)
	}
	if !resp.IsSuccess() {
		return "", time.Time{}, fmt.Errorf("token request: status %d", resp.StatusCode())
	}
	var body tokenResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return "", time.Time{}, fmt.Errorf("decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", time.Time{}, ErrNoToken
	}
	return body.AccessToken, c.tokenExpiry(body), nil
}

func (c *Client) tokenExpiry(body tokenResponse) time.Time {
	if body.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, body.ExpiresAt); err == nil {
			return t
		}
	}
	if body.ExpiresIn > 0 {
		return c.now().Add(time.Duration(body.ExpiresIn) * time.Second)
	}
	return c.now().Add(defaultTokenLifetime)
}

// CreateCharge creates a PIX cash-in. Any failure (auth, transport, non-2xx, malformed body)
// returns a nil charge and the cause.
func (c *Client) CreateCharge(ctx context.Context, creds Credentials, req ChargeRequest) (*Charge, error) {
	token, err := c.Token(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(chargeRequest{
			Amount:            money.Float(req.AmountCents),
			Description:       req.Description,
			WebhookURL:        req.WebhookURL,
			ExternalReference: req.ExternalRef,
		}).
		Post(cashInPath)
	if err != nil {
		return nil, fmt.Errorf("create charge: %w", err)
	}
	if !resp.IsSuccess() {
		c.logger.Warn("charge rejected",
			slog.Int("status", resp.StatusCode()),
			slog.String("external_ref", req.ExternalRef),
			slog.String("body", truncate(resp.String(), 512)),
		)
		return nil, fmt.Errorf("create charge: status %d", resp.StatusCode())
	}
	var body chargeResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("decode charge response: %w", err)
	}
	if body.Identifier == "" || body.PixCode == "" {
		return nil, ErrBadCharge
	}
	expiresAt := c.now().Add(defaultChargeTTL)
	if body.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, body.ExpiresAt); err == nil {
			expiresAt = t
		}
	}
	return &Charge{
		ID:        body.Identifier,
		Code:      body.PixCode,
		QRCode:    body.qr(),
		ExpiresAt: expiresAt,
	}, nil
}

// CheckStatus probes the charge across the known endpoint shapes and returns the canonical status.
// It never fails: no token or no usable answer means Pending.
func (c *Client) CheckStatus(ctx context.Context, creds Credentials, chargeID string) paystatus.Status {
	token, err := c.Token(ctx, creds)
	if err != nil {
		c.logger.Debug("status probe skipped", slog.String("charge_id", chargeID), slog.Any("error", err))
		return paystatus.Pending
	}
	escaped := url.PathEscape(chargeID)
	for _, pattern := range statusPaths {
		if ctx.Err() != nil {
			break
		}
		resp, err := c.http.R().
			SetContext(ctx).
			SetAuthToken(token).
			Get(fmt.Sprintf(pattern, escaped))
		if err != nil || !resp.IsSuccess() {
			continue
		}
		var body statusResponse
		if err := json.Unmarshal(resp.Body(), &body); err != nil {
			continue
		}
		if body.Data != nil && body.raw() == "" {
			body = *body.Data
		}
		return paystatus.Normalize(body.raw(), paystatus.Flags{
			Paid:      body.Paid,
			Expired:   body.Expired,
			Cancelled: body.Cancelled,
		})
	}
	return paystatus.Pending
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
