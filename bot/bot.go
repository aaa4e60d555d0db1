package bot

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/tobyprime/VerificationBot/model"
	"github.com/tobyprime/VerificationBot/pkg/log"
	"github.com/tobyprime/VerificationBot/session"
	tb "gopkg.in/tucnak/telebot.v2"
)

type Bot struct {
	Bot      *tb.Bot
	Actuator *Actuator
	Engine   *session.Engine
	// Groups is the chat allow-list. Empty allows every chat.
	Groups map[int64]struct{}
}

type CommandHandler func(b *Bot, m *tb.Message, params []string)

var GlobalCommandMapper = make(map[string]CommandHandler)

func RegisterCommands(command string, f CommandHandler) {
	GlobalCommandMapper[command] = f
}

// New creates the telegram bot without starting it. A nil poller means long polling.
func New(token string, poller tb.Poller, client *http.Client) (*Bot, error) {
	if poller == nil {
		poller = &tb.LongPoller{Timeout: 15 * time.Second}
	}
	settings := tb.Settings{
		Token:  token,
		Poller: poller,
		Reporter: func(err error) {
			log.Warn("telegram: %v", err)
		},
	}
	if client != nil {
		settings.Client = client
	}
	b, err := tb.NewBot(settings)
	if err != nil {
		return nil, err
	}
	return &Bot{
		Bot:      b,
		Actuator: NewActuator(b),
	}, nil
}

func (b *Bot) Username() string {
	if b.Bot.Me == nil {
		return ""
	}
	return b.Bot.Me.Username
}

// Start registers the handlers and blocks until Stop is called.
func (b *Bot) Start(engine *session.Engine, groups map[int64]struct{}) {
	b.Engine = engine
	b.Groups = groups
	b.Bot.Handle(tb.OnText, b.onText)
	b.Bot.Handle(tb.OnUserJoined, b.onUserJoined)
	b.Bot.Start()
}

func (b *Bot) Stop() {
	b.Bot.Stop()
}

func (b *Bot) onText(m *tb.Message) {
	if !strings.HasPrefix(m.Text, "/") || len(m.Text) <= 1 {
		return
	}
	fields := strings.Fields(strings.TrimPrefix(m.Text, "/"))
	if len(fields) == 0 {
		return
	}
	command := fields[0]
	if i := strings.Index(command, "@"); i >= 0 {
		// commands addressed to other bots
		if !strings.EqualFold(command[i+1:], b.Username()) {
			return
		}
		command = command[:i]
	}
	if handler, ok := GlobalCommandMapper[command]; ok {
		handler(b, m, fields[1:])
	}
}

func (b *Bot) onUserJoined(m *tb.Message) {
	u := m.UserJoined
	if u == nil || u.IsBot || m.Chat == nil {
		return
	}
	if !b.Allowed(m.Chat) {
		log.Debug("ignore join in chat %v: not in the allow-list", m.Chat.ID)
		return
	}
	if !b.IsAdmin(m.Chat) {
		log.Warn("ignore join in chat %v: the bot is not an administrator of a supergroup", m.Chat.ID)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var perms *model.Permissions
	if p, err := b.Actuator.ChatPermissions(ctx, m.Chat.ID); err != nil {
		log.Debug("get permissions of chat %v: %v", m.Chat.ID, err)
	} else {
		perms = &p
	}
	_, err := b.Engine.Join(ctx, session.JoinRequest{
		ChatID:      m.Chat.ID,
		UserID:      u.ID,
		UserName:    FullName(u),
		Permissions: perms,
	})
	switch {
	case errors.Is(err, model.ErrAlreadyPending):
		log.Info("user %v joined chat %v again while a verification is pending", u.ID, m.Chat.ID)
	case err != nil:
		log.Warn("start verification of user %v in chat %v: %v", u.ID, m.Chat.ID, err)
	}
}

// Allowed reports whether the chat is protected by this bot.
func (b *Bot) Allowed(c *tb.Chat) bool {
	if len(b.Groups) == 0 {
		return true
	}
	_, ok := b.Groups[c.ID]
	return ok
}

// IsAdmin reports whether the bot administers the supergroup.
func (b *Bot) IsAdmin(c *tb.Chat) bool {
	if c.Type != tb.ChatSuperGroup {
		return false
	}
	member, err := b.Bot.ChatMemberOf(c, b.Bot.Me)
	if err != nil {
		log.Warn("get bot membership in chat %v: %v", c.ID, err)
		return false
	}
	return member.Role == tb.Administrator || member.Role == tb.Creator
}

// IsSenderAdmin reports whether the sender of m administers the chat of m.
func (b *Bot) IsSenderAdmin(m *tb.Message) bool {
	if m.Sender == nil || m.Chat == nil {
		return false
	}
	member, err := b.Bot.ChatMemberOf(m.Chat, m.Sender)
	if err != nil {
		return false
	}
	return member.Role == tb.Administrator || member.Role == tb.Creator
}

func FullName(u *tb.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.Username
	}
	return name
}
