package command_handler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tobyprime/VerificationBot/bot"
	"github.com/tobyprime/VerificationBot/model"
	"github.com/tobyprime/VerificationBot/pkg/log"
	"github.com/tobyprime/VerificationBot/service"
	tb "gopkg.in/tucnak/telebot.v2"
)

const defaultOutcomeLimit = 10

func init() {
	bot.RegisterCommands("outcomes", Outcomes)
}

// Outcomes lists the latest verification results of the group to its administrators.
func Outcomes(b *bot.Bot, m *tb.Message, params []string) {
	if m.Private() || !b.Allowed(m.Chat) || !b.IsSenderAdmin(m) {
		return
	}
	limit := defaultOutcomeLimit
	if len(params) > 0 {
		n, err := strconv.Atoi(params[0])
		if err != nil || n <= 0 {
			_, _ = b.Bot.Reply(m, "Invalid outcomes params. Format:\n/outcomes [count]", tb.Silent)
			return
		}
		limit = n
	}
	outcomes, err := service.GetOutcomesByChat(nil, m.Chat.ID)
	if err != nil {
		log.Warn("Outcomes: chat %v: %v", m.Chat.ID, err)
		_, _ = b.Bot.Reply(m, "internal error", tb.Silent)
		return
	}
	pending := 0
	b.Engine.Store().Range(func(sess model.Session) bool {
		if sess.ChatID == m.Chat.ID && sess.State == model.StatePending {
			pending++
		}
		return true
	})
	_, _ = b.Bot.Reply(m, FormatOutcomes(outcomes, limit, pending), tb.Silent, tb.NoPreview)
}

func FormatOutcomes(outcomes []model.Outcome, limit int, pending int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Pending verifications: %d\n", pending)
	if len(outcomes) == 0 {
		sb.WriteString("No verification results recorded.")
		return sb.String()
	}
	if len(outcomes) > limit {
		outcomes = outcomes[:limit]
	}
	for _, o := range outcomes {
		fmt.Fprintf(&sb, "%v user %v: %v", o.ResolvedAt.Format("2006-01-02 15:04:05"), o.UserID, o.State)
		if o.BanPolicy != "" {
			fmt.Fprintf(&sb, " (%v)", o.BanPolicy)
		}
		if len(o.Errors) > 0 {
			fmt.Fprintf(&sb, " errors: %v", strings.Join(o.Errors, "; "))
		}
		sb.WriteString("\n")
	}
	return strings.TrimSuffix(sb.String(), "\n")
}
