// Package attribution captures acquisition parameters (UTM fields, click IDs, referrer) before a
// recipient reaches a bot, and resolves them from the bot's /start argument.
package attribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "attribution:"

// Params are the acquisition fields stored on a lead.
type Params struct {
	UTMSource   string `json:"utm_source,omitempty"`
	UTMMedium   string `json:"utm_medium,omitempty"`
	UTMCampaign string `json:"utm_campaign,omitempty"`
	UTMContent  string `json:"utm_content,omitempty"`
	UTMTerm     string `json:"utm_term,omitempty"`
	Fbclid      string `json:"fbclid,omitempty"`
	Gclid       string `json:"gclid,omitempty"`
	Ref         string `json:"ref,omitempty"`
}

// Empty reports whether no field is set.
func (p Params) Empty() bool {
	return p == Params{}
}

// FromValues reads the tracked keys from a query string.
func FromValues(v url.Values) Params {
	get := func(k string) string { return strings.TrimSpace(v.Get(k)) }
	return Params{
		UTMSource:   get("utm_source"),
		UTMMedium:   get("utm_medium"),
		UTMCampaign: get("utm_campaign"),
		UTMContent:  get("utm_content"),
		UTMTerm:     get("utm_term"),
		Fbclid:      get("fbclid"),
		Gclid:       get("gclid"),
		Ref:         get("ref"),
	}
}

// Store keeps one-time tokens in Redis. A token can be redeemed once and expires after its TTL.
type Store struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewStore(log *slog.Logger, rdb *redis.Client, ttl time.Duration) *Store {
	if log == nil {
		log = slog.Default()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{
		rdb:    rdb,
		ttl:    ttl,
		logger: log.With(slog.String("service", "attribution")),
	}
}

// Save stores p and returns a token usable as a Telegram start parameter ([A-Za-z0-9], 32 chars).
func (s *Store) Save(ctx context.Context, p Params) (string, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := s.rdb.Set(ctx, keyPrefix+token, payload, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("save attribution token: %w", err)
	}
	return token, nil
}

// Redeem returns and deletes the params stored under token. ok is false for unknown or expired tokens.
func (s *Store) Redeem(ctx context.Context, token string) (Params, bool, error) {
	raw, err := s.rdb.GetDel(ctx, keyPrefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return Params{}, false, nil
	}
	if err != nil {
		return Params{}, false, fmt.Errorf("redeem attribution token: %w", err)
	}
	var p Params
	if err := json.Unmarshal(raw, &p); err != nil {
		return Params{}, false, fmt.Errorf("decode attribution token: %w", err)
	}
	return p, true, nil
}

// Resolve interprets a /start argument: a stored token first, then a raw query string
// ("utm_source=x&ref=y"), and otherwise the argument itself as the referrer.
// A Redis failure degrades to the literal interpretations.
func (s *Store) Resolve(ctx context.Context, arg string) Params {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return Params{}
	}
	if s != nil && s.rdb != nil {
		p, ok, err := s.Redeem(ctx, arg)
		if err != nil {
			s.logger.Warn("attribution lookup failed", slog.Any("error", err))
		}
		if ok {
			return p
		}
	}
	return Literal(arg)
}

// Literal parses arg without consulting the token store.
func Literal(arg string) Params {
	if strings.Contains(arg, "=") {
		if v, err := url.ParseQuery(arg); err == nil {
			return FromValues(v)
		}
	}
	return Params{Ref: arg}
}
