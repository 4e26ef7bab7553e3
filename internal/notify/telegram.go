package notify

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// telegramGateway sends reminders through a Telegram bot. The daemon only
// sends, so the bot is created without a poller.
type telegramGateway struct {
	bot *tele.Bot
}

func NewTelegram(token string) (Gateway, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram: token is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: token, Offline: false})
	if err != nil {
		return nil, err
	}
	return &telegramGateway{bot: b}, nil
}

func (g *telegramGateway) Name() string { return "telegram" }

func (g *telegramGateway) Send(_ context.Context, msg Message) error {
	if msg.ChatID == 0 {
		return ErrNoRecipient
	}
	text := msg.Title
	if msg.Body != "" {
		text += "\n" + msg.Body
	}
	_, err := g.bot.Send(&tele.Chat{ID: msg.ChatID}, text)
	return err
}
