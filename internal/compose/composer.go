// Package compose builds outbound bot messages from tenant configuration and resolves their media.
package compose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/telepix/telepix/internal/bots"
	"github.com/telepix/telepix/internal/money"
)

const dockerUploadDir = "/app/backend/uploads"

// Config tells the composer where locally hosted uploads live.
type Config struct {
	UploadDir    string
	InternalURL  string
	PublicHost   string
	FetchTimeout time.Duration
}

// Composer is stateless apart from its HTTP client and safe for concurrent use.
type Composer struct {
	cfg      Config
	http     *resty.Client
	readFile func(string) ([]byte, error)
	logger   *slog.Logger
}

func New(log *slog.Logger, cfg Config) *Composer {
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Composer{
		cfg:      cfg,
		http:     resty.New().SetTimeout(timeout),
		readFile: os.ReadFile,
		logger:   log.With(slog.String("service", "compose")),
	}
}

// Compose builds the message of the given kind. Follow-ups fall back to the start variant for
// every element they leave unset. Media that cannot be resolved is dropped, never the message.
func (c *Composer) Compose(ctx context.Context, bot bots.Bot, kind Kind) Message {
	caption, mediaRef, buttons := bot.StartCaption, bot.StartMedia, bot.ButtonsFor(bots.ButtonKindStart)
	if kind == KindFollowUp {
		if bot.ResendCaption != "" {
			caption = bot.ResendCaption
		}
		if bot.ResendMedia != "" {
			mediaRef = bot.ResendMedia
		}
		if resend := bot.ButtonsFor(bots.ButtonKindResend); len(resend) > 0 {
			buttons = resend
		}
	}
	if strings.TrimSpace(caption) == "" {
		caption = defaultCaption
	}

	msg := Message{
		Caption: normalizeNewlines(caption),
		Buttons: keyboard(buttons),
	}
	if mediaRef = strings.TrimSpace(mediaRef); mediaRef != "" {
		media, err := c.resolve(ctx, mediaRef)
		if err != nil {
			c.logger.Warn("media unavailable, sending text only",
				slog.String("bot_id", bot.ID),
				slog.String("kind", string(kind)),
				slog.String("media", mediaRef),
				slog.Any("error", err),
			)
		} else {
			msg.Media = media
		}
	}
	return msg
}

func keyboard(buttons []bots.PaymentButton) []Button {
	out := make([]Button, 0, len(buttons))
	for _, b := range buttons {
		out = append(out, Button{
			Label: fmt.Sprintf("%s - %s", b.Text, money.FormatBRL(b.AmountCents)),
			Data:  PaymentCallbackData(b.AmountCents),
		})
	}
	return out
}

// resolve turns a media reference into bytes for local uploads, or a pass-through URL otherwise.
func (c *Composer) resolve(ctx context.Context, ref string) (*Media, error) {
	typ := mediaTypeOf(ref)
	if !c.isLocal(ref) {
		return &Media{Type: typ, Name: fileName(ref), URL: ref}, nil
	}
	name := fileName(ref)
	if name == "" {
		return nil, fmt.Errorf("no file name in %q", ref)
	}
	for _, p := range c.candidatePaths(name) {
		data, err := c.readFile(p)
		if err == nil && len(data) > 0 {
			return &Media{Type: typ, Name: name, Data: data}, nil
		}
	}
	data, err := c.fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	return &Media{Type: typ, Name: name, Data: data}, nil
}

func (c *Composer) candidatePaths(name string) []string {
	var paths []string
	if c.cfg.UploadDir != "" {
		paths = append(paths, filepath.Join(c.cfg.UploadDir, name))
	}
	if wd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(wd, "uploads", name))
	}
	return append(paths, filepath.Join(dockerUploadDir, name))
}

// fetch downloads a local upload through the internal base URL so it does not depend on
// the public address being reachable from inside the deployment.
func (c *Composer) fetch(ctx context.Context, ref string) ([]byte, error) {
	if c.cfg.InternalURL == "" {
		return nil, errors.New("no internal url configured")
	}
	target := strings.TrimRight(c.cfg.InternalURL, "/")
	if u, err := url.Parse(ref); err == nil && u.Host != "" {
		target += u.RequestURI()
	} else {
		target += "/" + strings.TrimLeft(ref, "/")
	}
	resp, err := c.http.R().SetContext(ctx).Get(target)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	if !resp.IsSuccess() || len(resp.Body()) == 0 {
		return nil, fmt.Errorf("fetch %s: status %d", target, resp.StatusCode())
	}
	return resp.Body(), nil
}

func (c *Composer) isLocal(ref string) bool {
	if strings.HasPrefix(ref, "/uploads/") || !strings.Contains(ref, "://") {
		return true
	}
	u, err := url.Parse(ref)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || (c.cfg.PublicHost != "" && host == c.cfg.PublicHost)
}

func fileName(ref string) string {
	p := ref
	if u, err := url.Parse(ref); err == nil {
		p = u.Path
	}
	name := path.Base(p)
	if name == "." || name == "/" {
		return ""
	}
	return name
}
