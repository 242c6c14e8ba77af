package alert

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// telegramTextLimit is Telegram's maximum message length.
const telegramTextLimit = 4096

// TelegramConfig selects the bot and the operator chat.
type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	Timeout  time.Duration
}

// Telegram sends alerts through the Bot API. It never polls for updates.
type Telegram struct {
	bot      *tele.Bot
	chat     *tele.Chat
	threadID int
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, chat: &tele.Chat{ID: cfg.ChatID}, threadID: cfg.ThreadID}, nil
}

func (t *Telegram) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r := []rune(text); len(r) > telegramTextLimit {
		text = string(r[:telegramTextLimit-1]) + "…"
	}
	_, err := t.bot.Send(t.chat, text, &tele.SendOptions{
		ThreadID:              t.threadID,
		DisableWebPagePreview: true,
	})
	return err
}
