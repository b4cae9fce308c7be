package notify

import (
	"context"
	"fmt"
	"html"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"rental-hunter/models"
)

// telegramCaptionLimit is the Bot API limit for photo captions
const telegramCaptionLimit = 1024

type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts listings to a chat through a bot
type Telegram struct {
	bot    telegramSender
	chatID int64
}

// NewTelegram authenticates the bot token against the Bot API
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return newTelegram(bot, chatID), nil
}

func newTelegram(bot telegramSender, chatID int64) *Telegram {
	return &Telegram{bot: bot, chatID: chatID}
}

func (t *Telegram) Name() string { return "telegram" }

// Send posts the listing as HTML, as a photo with caption when the policy
// shows images and the listing has one
func (t *Telegram) Send(ctx context.Context, listing models.Listing, policy RenderPolicy) error {
	msg := Render(listing, policy)
	text := telegramText(msg)

	var keyboard *tgbotapi.InlineKeyboardMarkup
	if msg.URL != "" {
		k := tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonURL("🔗 View Listing", msg.URL),
			),
		)
		keyboard = &k
	}

	var chattable tgbotapi.Chattable
	if msg.ImageURL != "" && len([]rune(text)) <= telegramCaptionLimit {
		photo := tgbotapi.NewPhoto(t.chatID, tgbotapi.FileURL(msg.ImageURL))
		photo.Caption = text
		photo.ParseMode = tgbotapi.ModeHTML
		if keyboard != nil {
			photo.ReplyMarkup = keyboard
		}
		chattable = photo
	} else {
		message := tgbotapi.NewMessage(t.chatID, text)
		message.ParseMode = tgbotapi.ModeHTML
		if keyboard != nil {
			message.ReplyMarkup = keyboard
		}
		chattable = message
	}

	return runWithContext(ctx, func() error {
		if _, err := t.bot.Send(chattable); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
		return nil
	})
}

func (t *Telegram) Test(ctx context.Context) error {
	message := tgbotapi.NewMessage(t.chatID, "🏠 Rental Hunter is connected!\n\nYou will receive notifications when new listings match your criteria.")
	return runWithContext(ctx, func() error {
		if _, err := t.bot.Send(message); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
		return nil
	})
}

func telegramText(msg Message) string {
	var b strings.Builder
	b.WriteString("🏠 <b>")
	b.WriteString(html.EscapeString(msg.Title))
	b.WriteString("</b>")
	for _, line := range msg.Lines {
		b.WriteString("\n")
		b.WriteString(html.EscapeString(line))
	}
	return b.String()
}
