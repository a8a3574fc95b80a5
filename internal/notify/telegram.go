package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// ChatResolver maps a recipient id to a Telegram chat id.
type ChatResolver func(recipientID string) (int64, bool)

// NumericChatResolver treats recipient ids as chat ids.
func NumericChatResolver(recipientID string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(recipientID), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Telegram sends notifications through a Telegram bot.
type Telegram struct {
	bot     telegramSender
	resolve ChatResolver
}

func NewTelegram(token string, resolve ChatResolver) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	return newTelegram(bot, resolve), nil
}

func newTelegram(bot telegramSender, resolve ChatResolver) *Telegram {
	if resolve == nil {
		resolve = NumericChatResolver
	}
	return &Telegram{bot: bot, resolve: resolve}
}

func (t *Telegram) Notify(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chatID, ok := t.resolve(msg.RecipientID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRecipient, msg.RecipientID)
	}

	m := tgbotapi.NewMessage(chatID, msg.Text)
	if msg.ActionURL != "" {
		label := msg.ActionLabel
		if label == "" {
			label = "Open"
		}
		keyboard := tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonURL(label, msg.ActionURL),
			),
		)
		m.ReplyMarkup = keyboard
	}
	if _, err := t.bot.Send(m); err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}
	return nil
}
