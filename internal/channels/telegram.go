package channels

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramChannel implements the Channel interface for Telegram. It is
// send-only: alerts go to one configured chat, no updates are consumed.
type TelegramChannel struct {
	token  string
	chatID int64
	logger *slog.Logger
	bot    *tgbotapi.BotAPI
}

// NewTelegramChannel creates a new Telegram channel.
func NewTelegramChannel(token string, chatID int64, logger *slog.Logger) *TelegramChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{token: token, chatID: chatID, logger: logger}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// Connect authenticates with the Bot API. Called once before the first
// Notify.
func (t *TelegramChannel) Connect() error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram channel connected", "user", bot.Self.UserName)
	return nil
}

func (t *TelegramChannel) Notify(ctx context.Context, text string) error {
	if t.bot == nil {
		if err := t.Connect(); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}
	return nil
}
