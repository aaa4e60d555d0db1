package command_handler

import (
	"github.com/tobyprime/VerificationBot/bot"
	tb "gopkg.in/tucnak/telebot.v2"
)

func init() {
	bot.RegisterCommands("help", Help)
}

func Help(b *bot.Bot, m *tb.Message, params []string) {
	if !m.Private() {
		return
	}
	_, _ = b.Bot.Reply(m, "I verify new members of the groups I administer. "+
		"When you join one of them, press the button in the group to start your verification here.", tb.Silent)
}
