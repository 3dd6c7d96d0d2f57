package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"
)

const (
	DefaultPollTimeout = 30
	pollRetryDelay     = 3 * time.Second
)

var allowedUpdates = []string{"message", "callback_query"}

// Config tunes every Bot created by a Client.
type Config struct {
	APIEndpoint    string
	PollTimeout    int
	SendRate       float64
	SendBurst      int
	RequestTimeout time.Duration
}

var setLoggerOnce sync.Once

// libLogger routes tgbotapi's package-level logger through slog.
type libLogger struct {
	log *slog.Logger
}

func (l libLogger) Println(v ...any) { l.log.Debug(strings.TrimSpace(fmt.Sprintln(v...))) }

func (l libLogger) Printf(format string, v ...any) { l.log.Debug(fmt.Sprintf(format, v...)) }

// Client dials Bot API identities.
type Client struct {
	cfg    Config
	logger *slog.Logger
}

func NewClient(log *slog.Logger, cfg Config) *Client {
	if log == nil {
		log = slog.Default()
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.SendRate <= 0 {
		cfg.SendRate = 25
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = 5
	}
	if floor := time.Duration(cfg.PollTimeout+10) * time.Second; cfg.RequestTimeout < floor {
		cfg.RequestTimeout = floor
	}
	log = log.With(slog.String("service", "telegram"))
	setLoggerOnce.Do(func() {
		_ = tgbotapi.SetLogger(libLogger{log: log})
	})
	return &Client{cfg: cfg, logger: log}
}

// Dial verifies token with getMe. Every request of the returned Bot is bound to its lifetime, so
// Close also aborts an in-flight long poll.
func (c *Client) Dial(ctx context.Context, token string) (Bot, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrUnauthorized
	}
	life, cancel := context.WithCancel(context.WithoutCancel(ctx))
	httpClient := &http.Client{
		Timeout:   c.cfg.RequestTimeout,
		Transport: lifetimeTransport{ctx: life, base: http.DefaultTransport},
	}
	type dialResult struct {
		api *tgbotapi.BotAPI
		err error
	}
	done := make(chan dialResult, 1)
	go func() {
		api, err := tgbotapi.NewBotAPIWithClient(token, c.cfg.APIEndpoint, httpClient)
		done <- dialResult{api, err}
	}()
	var res dialResult
	select {
	case res = <-done:
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}
	if res.err != nil {
		cancel()
		return nil, classify(res.err)
	}
	return &bot{
		api:     res.api,
		cfg:     c.cfg,
		limiter: rate.NewLimiter(rate.Limit(c.cfg.SendRate), c.cfg.SendBurst),
		cancel:  cancel,
		logger:  c.logger.With(slog.String("bot", res.api.Self.UserName)),
	}, nil
}

// lifetimeTransport cancels each request the library makes once the bot's lifetime ends.
type lifetimeTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t lifetimeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithCancel(req.Context())
	stop := context.AfterFunc(t.ctx, cancel)
	release := func() {
		stop()
		cancel()
	}
	resp, err := t.base.RoundTrip(req.WithContext(ctx))
	if err != nil {
		release()
		return nil, err
	}
	resp.Body = &releaseBody{ReadCloser: resp.Body, release: release}
	return resp, nil
}

type releaseBody struct {
	io.ReadCloser
	release func()
}

func (b *releaseBody) Close() error {
	err := b.ReadCloser.Close()
	b.release()
	return err
}

type bot struct {
	api     *tgbotapi.BotAPI
	cfg     Config
	limiter *rate.Limiter
	cancel  context.CancelFunc
	logger  *slog.Logger
}

func (b *bot) Username() string { return b.api.Self.UserName }

func (b *bot) Close() { b.cancel() }

func (b *bot) Poll(ctx context.Context, handle func(Update)) error {
	offset := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		cfg := tgbotapi.NewUpdate(offset)
		cfg.Timeout = b.cfg.PollTimeout
		cfg.AllowedUpdates = allowedUpdates
		updates, err := b.api.GetUpdates(cfg)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			err = classify(err)
			if errors.Is(err, ErrConflict) || errors.Is(err, ErrUnauthorized) {
				return err
			}
			if errors.Is(err, context.Canceled) {
				// Closed underneath us.
				return nil
			}
			b.logger.Warn("get updates failed, retrying", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(pollRetryDelay):
			}
			continue
		}
		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			if normalized, ok := normalize(u); ok {
				handle(normalized)
			}
		}
	}
}

func normalize(u tgbotapi.Update) (Update, bool) {
	switch {
	case u.Message != nil && u.Message.IsCommand() && u.Message.Command() == "start":
		m := u.Message
		out := Update{Kind: UpdateStart, Arg: strings.TrimSpace(m.CommandArguments())}
		if m.Chat != nil {
			out.ChatID = m.Chat.ID
		}
		if m.From != nil {
			out.Username, out.FirstName, out.LastName = m.From.UserName, m.From.FirstName, m.From.LastName
			if out.ChatID == 0 {
				out.ChatID = m.From.ID
			}
		}
		return out, out.ChatID != 0
	case u.CallbackQuery != nil:
		q := u.CallbackQuery
		out := Update{Kind: UpdateCallback, CallbackID: q.ID, Data: q.Data}
		if q.Message != nil && q.Message.Chat != nil {
			out.ChatID = q.Message.Chat.ID
		}
		if q.From != nil {
			out.Username, out.FirstName, out.LastName = q.From.UserName, q.From.FirstName, q.From.LastName
			if out.ChatID == 0 {
				out.ChatID = q.From.ID
			}
		}
		return out, true
	default:
		return Update{}, false
	}
}

func (b *bot) Send(ctx context.Context, chatID int64, msg Outgoing) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := b.api.Send(build(chatID, msg))
	return classify(err)
}

func (b *bot) AnswerCallback(ctx context.Context, callbackID, text string) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := b.api.Request(tgbotapi.NewCallback(callbackID, text))
	return classify(err)
}

func build(chatID int64, msg Outgoing) tgbotapi.Chattable {
	markup := keyboard(msg.Buttons)
	if msg.Media == nil {
		m := tgbotapi.NewMessage(chatID, msg.Text)
		m.ParseMode = msg.ParseMode
		if markup != nil {
			m.ReplyMarkup = *markup
		}
		return m
	}
	var file tgbotapi.RequestFileData
	if len(msg.Media.Data) > 0 {
		file = tgbotapi.FileBytes{Name: msg.Media.Name, Bytes: msg.Media.Data}
	} else {
		file = tgbotapi.FileURL(msg.Media.URL)
	}
	if msg.Media.Kind == MediaVideo {
		v := tgbotapi.NewVideo(chatID, file)
		v.Caption = msg.Text
		v.ParseMode = msg.ParseMode
		if markup != nil {
			v.ReplyMarkup = *markup
		}
		return v
	}
	p := tgbotapi.NewPhoto(chatID, file)
	p.Caption = msg.Text
	p.ParseMode = msg.ParseMode
	if markup != nil {
		p.ReplyMarkup = *markup
	}
	return p
}

func keyboard(buttons []Button) *tgbotapi.InlineKeyboardMarkup {
	if len(buttons) == 0 {
		return nil
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(buttons))
	for _, b := range buttons {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Data)))
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &markup
}

// classify maps Bot API error codes to the package sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusConflict:
			return fmt.Errorf("%w: %s", ErrConflict, apiErr.Message)
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Message)
		}
		return err
	}
	if strings.Contains(err.Error(), "Unauthorized") {
		return fmt.Errorf("%w: %s", ErrUnauthorized, err.Error())
	}
	return err
}
