package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tobyprime/VerificationBot/model"
	"github.com/tobyprime/VerificationBot/session"
	tb "gopkg.in/tucnak/telebot.v2"
)

// Actuator applies moderation decisions through the Telegram Bot API.
// telebot.v2 calls are not cancellable, so the context is only checked before each call.
type Actuator struct {
	bot *tb.Bot
}

var _ session.Actuator = (*Actuator)(nil)

func NewActuator(b *tb.Bot) *Actuator {
	return &Actuator{bot: b}
}

func chat(id int64) *tb.Chat {
	return &tb.Chat{ID: id}
}

func member(userID int64, rights tb.Rights, until int64) *tb.ChatMember {
	return &tb.ChatMember{
		User:            &tb.User{ID: userID},
		Rights:          rights,
		RestrictedUntil: until,
	}
}

func (a *Actuator) Restrict(ctx context.Context, chatID, userID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.bot.Restrict(chat(chatID), member(userID, tb.NoRights(), tb.Forever()))
}

func (a *Actuator) RestoreDefaultPermissions(ctx context.Context, chatID, userID int64, perms model.Permissions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.bot.Restrict(chat(chatID), member(userID, ToRights(perms), tb.Forever()))
}

func (a *Actuator) ChatPermissions(ctx context.Context, chatID int64) (model.Permissions, error) {
	if err := ctx.Err(); err != nil {
		return model.Permissions{}, err
	}
	c, err := a.bot.ChatByID(strconv.FormatInt(chatID, 10))
	if err != nil {
		return model.Permissions{}, err
	}
	if c.Permissions == nil {
		return model.Permissions{}, fmt.Errorf("chat %v reports no default permissions", chatID)
	}
	return FromRights(*c.Permissions), nil
}

func (a *Actuator) Remove(ctx context.Context, chatID, userID int64, until time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	untilDate := tb.Forever()
	if !until.IsZero() {
		untilDate = until.Unix()
	}
	return a.bot.Ban(chat(chatID), member(userID, tb.NoRights(), untilDate))
}

func (a *Actuator) Unban(ctx context.Context, chatID, userID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.bot.Unban(chat(chatID), &tb.User{ID: userID})
}

func (a *Actuator) SendMessage(ctx context.Context, chatID int64, text string, buttons ...model.Button) (model.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return model.MessageRef{}, err
	}
	opts := &tb.SendOptions{DisableWebPagePreview: true}
	if len(buttons) > 0 {
		rows := make([][]tb.InlineButton, 0, len(buttons))
		for _, btn := range buttons {
			rows = append(rows, []tb.InlineButton{{Text: btn.Text, URL: btn.URL}})
		}
		opts.ReplyMarkup = &tb.ReplyMarkup{InlineKeyboard: rows}
	}
	msg, err := a.bot.Send(chat(chatID), text, opts)
	if err != nil {
		if chatID > 0 && Undeliverable(err) {
			return model.MessageRef{}, fmt.Errorf("%w: %v", model.ErrUndeliverable, err)
		}
		return model.MessageRef{}, err
	}
	return model.MessageRef{ChatID: msg.Chat.ID, MessageID: msg.ID}, nil
}

func (a *Actuator) DeleteMessage(ctx context.Context, ref model.MessageRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.bot.Delete(tb.StoredMessage{
		MessageID: strconv.Itoa(ref.MessageID),
		ChatID:    ref.ChatID,
	})
}

// Undeliverable reports whether err means the user never started a private
// conversation with the bot or blocked it.
func Undeliverable(err error) bool {
	s := err.Error()
	return strings.Contains(s, "Forbidden") ||
		strings.Contains(s, "chat not found") ||
		strings.Contains(s, "bot can't initiate conversation")
}

func ToRights(p model.Permissions) tb.Rights {
	return tb.Rights{
		CanSendMessages: p.CanSendMessages,
		CanSendMedia:    p.CanSendMedia,
		CanSendPolls:    p.CanSendPolls,
		CanSendOther:    p.CanSendOther,
		CanAddPreviews:  p.CanAddPreviews,
		CanChangeInfo:   p.CanChangeInfo,
		CanInviteUsers:  p.CanInviteUsers,
		CanPinMessages:  p.CanPinMessages,
	}
}

func FromRights(r tb.Rights) model.Permissions {
	return model.Permissions{
		CanSendMessages: r.CanSendMessages,
		CanSendMedia:    r.CanSendMedia,
		CanSendPolls:    r.CanSendPolls,
		CanSendOther:    r.CanSendOther,
		CanAddPreviews:  r.CanAddPreviews,
		CanChangeInfo:   r.CanChangeInfo,
		CanInviteUsers:  r.CanInviteUsers,
		CanPinMessages:  r.CanPinMessages,
	}
}
