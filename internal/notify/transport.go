package notify

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	tele "gopkg.in/telebot.v4"

	logx "hireflow/pkg/logx"
)

// LogTransport writes messages to the log instead of an external channel.
type LogTransport struct {
	log logx.Logger
}

func NewLogTransport(log logx.Logger) *LogTransport {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogTransport{log: log}
}

func (t *LogTransport) Name() string { return "log" }

func (t *LogTransport) Deliver(_ context.Context, text string) error {
	t.log.Info("notification", logx.String("text", text))
	return nil
}

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API endpoint.
	APIURL string
}

// TelegramTransport posts messages to one chat (and optional forum topic).
type TelegramTransport struct {
	bot      *tele.Bot
	chat     tele.ChatID
	threadID int
}

func NewTelegram(cfg TelegramConfig) (*TelegramTransport, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	// Offline skips the getMe round trip; the bot only sends.
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "telegram bot")
	}
	return &TelegramTransport{bot: b, chat: tele.ChatID(cfg.ChatID), threadID: cfg.ThreadID}, nil
}

func (t *TelegramTransport) Name() string { return "telegram" }

func (t *TelegramTransport) Deliver(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(t.chat, text, &tele.SendOptions{
		ThreadID:              t.threadID,
		DisableWebPagePreview: true,
	})
	return err
}

// NewTransport builds the transport named by driver ("log" or "telegram").
func NewTransport(driver string, tg TelegramConfig, log logx.Logger) (Transport, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "log":
		return NewLogTransport(log), nil
	case "telegram":
		return NewTelegram(tg)
	}
	return nil, errors.Newf("unknown notify driver %q", driver)
}
