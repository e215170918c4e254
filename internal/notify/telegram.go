package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"clinicbook/internal/config"
	"clinicbook/internal/events"
	"clinicbook/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// TelegramSender is the part of the bot API the notifier uses.
type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier posts booking events to the clinic's staff chat.
type TelegramNotifier struct {
	sender TelegramSender
	chatID int64
	logger *zerolog.Logger
}

// NewTelegramBot connects to the bot API with cfg's token.
func NewTelegramBot(cfg config.TelegramConfig) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	bot.Debug = cfg.Debug
	return bot, nil
}

func NewTelegramNotifier(sender TelegramSender, chatID int64, logger *zerolog.Logger) *TelegramNotifier {
	return &TelegramNotifier{sender: sender, chatID: chatID, logger: logger}
}

// Handle sends one message per event.
func (n *TelegramNotifier) Handle(_ context.Context, e *models.BookingEvent) error {
	p, err := events.DecodePayload(e)
	if err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(n.chatID, FormatEvent(e.Type, p))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if _, err := n.sender.Send(msg); err != nil {
		return fmt.Errorf("telegram send for event %d: %w", e.ID, err)
	}
	if n.logger != nil {
		n.logger.Debug().Int64("event_id", e.ID).Str("type", e.Type).Msg("telegram notification sent")
	}
	return nil
}

var titles = map[string]string{
	events.BookingConfirmed:   "New appointment",
	events.BookingCancelled:   "Appointment cancelled",
	events.BookingRescheduled: "Appointment rescheduled",
	events.AdminCancelled:     "Appointment cancelled by staff",
	events.AdminRescheduled:   "Appointment moved by staff",
}

// FormatEvent renders the staff-facing message text in Telegram HTML.
func FormatEvent(eventType string, p events.Payload) string {
	title, ok := titles[eventType]
	if !ok {
		title = eventType
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "<b>%s</b>\n", escape(title))
	if p.UID != "" {
		fmt.Fprintf(&sb, "Code: <code>%s</code>\n", escape(p.UID))
	}
	fmt.Fprintf(&sb, "When: %s %s (%s)\n", p.Date, p.Time, escape(p.Timezone))
	if p.PreviousStartAt != nil {
		prev := p.PreviousStartAt.UTC().Format(time.RFC3339)
		if loc, err := time.LoadLocation(p.Timezone); err == nil {
			prev = p.PreviousStartAt.In(loc).Format("2006-01-02 15:04")
		}
		fmt.Fprintf(&sb, "Was: %s\n", prev)
	}
	if p.Contact != nil {
		fmt.Fprintf(&sb, "Who: %s &lt;%s&gt;\n", escape(p.Contact.Name), escape(p.Contact.Email))
		if p.Contact.Phone != "" {
			fmt.Fprintf(&sb, "Phone: %s\n", escape(p.Contact.Phone))
		}
		if p.Contact.Clinic != "" {
			fmt.Fprintf(&sb, "Clinic: %s\n", escape(p.Contact.Clinic))
		}
	}
	if p.Reason != "" {
		fmt.Fprintf(&sb, "Reason: %s\n", escape(p.Reason))
	}
	return strings.TrimRight(sb.String(), "\n")
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escape(s string) string {
	return htmlEscaper.Replace(s)
}
