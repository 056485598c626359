// Package notify implements a best-effort, fire-and-forget external relay
// for CRITICAL/EMERGENCY events: a one-way Telegram notifier. The Execution
// Core acts autonomously, so there is no approval workflow for it to drive.
package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Notifier implements telemetry.CriticalNotifier; telemetry.NotifierSubscriber
// wraps it so that only CRITICAL events reach it.
type Notifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// New builds a Notifier, or nil if no bot token is configured.
func New(token string, chatID int64) *Notifier {
	if token == "" {
		return nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil
	}
	return &Notifier{bot: bot, chatID: chatID}
}

// NotifyCritical sends a CRITICAL/EMERGENCY message. Fire-and-forget: a
// delivery failure here never blocks the caller.
func (n *Notifier) NotifyCritical(eventType, symbol, details string) {
	if n == nil || n.bot == nil || n.chatID == 0 {
		return
	}
	go func() {
		text := fmt.Sprintf("CRITICAL %s %s: %s", eventType, symbol, details)
		msg := tgbotapi.NewMessage(n.chatID, text)
		_, _ = n.bot.Send(msg)
	}()
}
