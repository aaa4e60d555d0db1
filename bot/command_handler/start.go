package command_handler

import (
	"context"
	"errors"
	"time"

	"github.com/tobyprime/VerificationBot/bot"
	"github.com/tobyprime/VerificationBot/model"
	"github.com/tobyprime/VerificationBot/pkg/log"
	tb "gopkg.in/tucnak/telebot.v2"
)

func init() {
	bot.RegisterCommands("start", Start)
}

// Start answers the deep link of the join notice with the challenge button.
func Start(b *bot.Bot, m *tb.Message, params []string) {
	if !m.Private() || m.Sender == nil {
		return
	}
	if len(params) < 1 || params[0] != "verify" {
		Help(b, m, params)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err := b.Engine.Remind(ctx, m.Sender.ID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		_, _ = b.Bot.Reply(m, "You have no pending verification.", tb.Silent)
	case err != nil:
		log.Warn("remind user %v: %v", m.Sender.ID, err)
	}
}
