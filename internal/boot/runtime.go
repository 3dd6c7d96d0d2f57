// Package boot derives runtime settings from the loaded config and the process environment.
package boot

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/telepix/telepix/internal/config"
)

// WebhookPath is where the payment gateway posts charge updates.
const WebhookPath = "/api/webhooks/syncpay"

// RuntimeConfig holds settings resolved at startup. Environment variables win over the TOML file
// (HTTP_ADDR, PUBLIC_URL/API_URL, WEBHOOK_URL, ADMIN_API_KEY, UPLOAD_DIR, SYNCPAY_API_URL, FACEBOOK_EVENT_SOURCE_URL).
type RuntimeConfig struct {
	ServerAddr     string
	PublicURL      string
	WebhookURL     string
	AdminAPIKey    string
	UploadDir      string
	InternalURL    string
	GatewayBaseURL string
	EventSourceURL string
}

// ProvideRuntimeConfig builds RuntimeConfig from cfg and applies env overrides.
func ProvideRuntimeConfig(cfg config.Config) (*RuntimeConfig, error) {
	ret := &RuntimeConfig{
		ServerAddr:     cfg.Server.Addr,
		PublicURL:      cfg.Server.PublicURL,
		WebhookURL:     cfg.Server.WebhookURL,
		AdminAPIKey:    cfg.Server.AdminAPIKey,
		UploadDir:      cfg.Media.UploadDir,
		InternalURL:    cfg.Media.InternalURL,
		GatewayBaseURL: cfg.Gateway.BaseURL,
		EventSourceURL: cfg.Conversions.EventSourceURL,
	}

	overrides := []struct {
		env    []string
		target *string
	}{
		{[]string{"HTTP_ADDR"}, &ret.ServerAddr},
		{[]string{"PUBLIC_URL", "API_URL"}, &ret.PublicURL},
		{[]string{"WEBHOOK_URL"}, &ret.WebhookURL},
		{[]string{"ADMIN_API_KEY"}, &ret.AdminAPIKey},
		{[]string{"UPLOAD_DIR"}, &ret.UploadDir},
		{[]string{"SYNCPAY_API_URL"}, &ret.GatewayBaseURL},
		{[]string{"FACEBOOK_EVENT_SOURCE_URL"}, &ret.EventSourceURL},
	}
	for _, o := range overrides {
		for _, name := range o.env {
			if value := strings.TrimSpace(os.Getenv(name)); value != "" {
				*o.target = value
				break
			}
		}
	}

	ret.PublicURL = strings.TrimRight(ret.PublicURL, "/")
	if ret.WebhookURL == "" {
		if ret.PublicURL == "" {
			return nil, errors.New("public url or webhook url is required")
		}
		ret.WebhookURL = ret.PublicURL + WebhookPath
	}
	if _, err := url.ParseRequestURI(ret.WebhookURL); err != nil {
		return nil, fmt.Errorf("invalid webhook url: %w", err)
	}
	if ret.InternalURL == "" {
		ret.InternalURL = internalURL(ret.ServerAddr)
	}
	return ret, nil
}

// PublicHost returns the hostname of PublicURL, or "" when unset.
func (r *RuntimeConfig) PublicHost() string {
	if r == nil || r.PublicURL == "" {
		return ""
	}
	u, err := url.Parse(r.PublicURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func internalURL(addr string) string {
	port := "8080"
	if _, p, err := net.SplitHostPort(addr); err == nil && p != "" {
		port = p
	}
	return "http://localhost:" + port
}
