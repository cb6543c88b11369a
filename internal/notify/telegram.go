package notify

import (
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const maxTelegramMessage = 4096

// TelegramChannel delivers operator notifications to Telegram chats.
// Targets look like "telegram:<chat_id>".
type TelegramChannel struct {
	bot *tgbotapi.BotAPI
}

func NewTelegramChannel(token string) (*TelegramChannel, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &TelegramChannel{bot: bot}, nil
}

// Send delivers the message, splitting it when it exceeds Telegram's
// message size limit.
func (t *TelegramChannel) Send(target, subject, message string) error {
	chatID, err := strconv.ParseInt(strings.TrimPrefix(target, "telegram:"), 10, 64)
	if err != nil {
		return fmt.Errorf("malformed telegram target %q: %w", target, err)
	}
	text := message
	if subject != "" {
		text = subject + "\n\n" + message
	}
	for _, part := range splitMessage(text) {
		msg := tgbotapi.NewMessage(chatID, part)
		if _, err := t.bot.Send(msg); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}
