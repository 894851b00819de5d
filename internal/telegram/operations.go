// Package telegram wraps the Bot API calls the enforcement handlers need.
package telegram

import (
	"context"
	"strings"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Operations provides the Telegram calls used by the admission and
// subscription handlers.
type Operations struct {
	bot *api.BotAPI
}

func NewOperations(bot *api.BotAPI) *Operations {
	return &Operations{bot: bot}
}

// SendMessage sends a silent HTML message and retries once on a transient
// failure. Service messages from this bot never trigger notifications.
func (o *Operations) SendMessage(ctx context.Context, chatID int64, text string, replyMarkup interface{}) (*api.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	msg := api.NewMessage(chatID, text)
	msg.ParseMode = api.ModeHTML
	msg.DisableNotification = true
	if replyMarkup != nil {
		msg.ReplyMarkup = replyMarkup
	}

	sent, err := o.bot.Send(msg)
	if err != nil {
		if IsForbidden(err) || IsNotFound(err) {
			return nil, errors.WithMessage(err, "cant send")
		}
		log.WithField("chat_id", chatID).WithError(err).Warn("send failed, retrying")
		time.Sleep(time.Second)
		sent, err = o.bot.Send(msg)
		if err != nil {
			return nil, errors.WithMessage(err, "cant send")
		}
	}
	return &sent, nil
}

// EditMessage rewrites a previously sent message in place, keeping its
// inline keyboard if one is supplied.
func (o *Operations) EditMessage(ctx context.Context, chatID int64, messageID int, text string, replyMarkup *api.InlineKeyboardMarkup) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	edit := api.NewEditMessageText(chatID, messageID, text)
	edit.ParseMode = api.ModeHTML
	edit.ReplyMarkup = replyMarkup
	if _, err := o.bot.Request(edit); err != nil {
		if IsNotModified(err) {
			return nil
		}
		return errors.WithMessage(err, "cant edit")
	}
	return nil
}

// DeleteMessage removes a message. A message that is already gone is not an
// error, cleanup timers race with manual deletion all the time.
func (o *Operations) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if _, err := o.bot.Request(api.NewDeleteMessage(chatID, messageID)); err != nil {
		if IsMessageGone(err) {
			return nil
		}
		return errors.WithMessage(err, "cant delete")
	}
	return nil
}

// RestrictMember strips every chat permission from the user until the given
// time.
func (o *Operations) RestrictMember(ctx context.Context, userID, chatID int64, until time.Time) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if _, err := o.bot.Request(api.RestrictChatMemberConfig{
		ChatMemberConfig: api.ChatMemberConfig{
			ChatConfig: api.ChatConfig{
				ChatID: chatID,
			},
			UserID: userID,
		},
		UntilDate:   until.Unix(),
		Permissions: allPermissions(false),
	}); err != nil {
		return errors.WithMessage(err, "cant restrict")
	}
	return nil
}

// LiftRestrictions restores every chat permission for the user. Granting the
// full set supersedes any earlier restriction immediately.
func (o *Operations) LiftRestrictions(ctx context.Context, userID, chatID int64) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if _, err := o.bot.Request(api.RestrictChatMemberConfig{
		ChatMemberConfig: api.ChatMemberConfig{
			ChatConfig: api.ChatConfig{
				ChatID: chatID,
			},
			UserID: userID,
		},
		Permissions: allPermissions(true),
	}); err != nil {
		return errors.WithMessage(err, "cant unrestrict")
	}
	return nil
}

// GetChatMember fetches the user's membership record in a chat or channel.
func (o *Operations) GetChatMember(ctx context.Context, chatID, userID int64) (*api.ChatMember, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	member, err := o.bot.GetChatMember(api.GetChatMemberConfig{
		ChatConfigWithUser: api.ChatConfigWithUser{
			ChatConfig: api.ChatConfig{
				ChatID: chatID,
			},
			UserID: userID,
		},
	})
	if err != nil {
		return nil, err
	}
	return &member, nil
}

// GetChat fetches full chat info, used to discover a group's linked channel.
func (o *Operations) GetChat(ctx context.Context, chatID int64) (*api.ChatFullInfo, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	chat, err := o.bot.GetChat(api.ChatInfoConfig{
		ChatConfig: api.ChatConfig{
			ChatID: chatID,
		},
	})
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

// AnswerCallback closes a callback query spinner, optionally with an alert.
func (o *Operations) AnswerCallback(ctx context.Context, callbackID, text string, showAlert bool) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	answer := api.NewCallback(callbackID, text)
	answer.ShowAlert = showAlert
	if _, err := o.bot.Request(answer); err != nil {
		return errors.WithMessage(err, "cant answer callback")
	}
	return nil
}

func allPermissions(allowed bool) *api.ChatPermissions {
	return &api.ChatPermissions{
		CanSendMessages:       allowed,
		CanSendAudios:         allowed,
		CanSendDocuments:      allowed,
		CanSendPhotos:         allowed,
		CanSendVideos:         allowed,
		CanSendVideoNotes:     allowed,
		CanSendVoiceNotes:     allowed,
		CanSendPolls:          allowed,
		CanSendOtherMessages:  allowed,
		CanAddWebPagePreviews: allowed,
		CanChangeInfo:         allowed,
		CanInviteUsers:        allowed,
		CanPinMessages:        allowed,
		CanManageTopics:       allowed,
	}
}

// IsMessageGone matches errors for messages that no longer exist or cannot be
// removed again.
func IsMessageGone(err error) bool {
	if err == nil {
		return false
	}
	errText := strings.ToLower(err.Error())
	return strings.Contains(errText, "message to delete not found") ||
		strings.Contains(errText, "message can't be deleted") ||
		strings.Contains(errText, "message to edit not found")
}

func IsNotModified(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "message is not modified")
}

// IsNotFound matches errors for chats, channels and members Telegram cannot
// resolve.
func IsNotFound(err error) bool {
	return IsChatNotFound(err) || IsUserNotFound(err)
}

// IsUserNotFound matches errors for users Telegram does not know.
func IsUserNotFound(err error) bool {
	if err == nil {
		return false
	}
	errText := strings.ToLower(err.Error())
	return strings.Contains(errText, "user not found") ||
		strings.Contains(errText, "participant_id_invalid")
}

// IsChatNotFound matches errors for chats and channels Telegram cannot
// resolve.
func IsChatNotFound(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "chat not found")
}

// IsForbidden matches errors for chats the bot was removed from or users that
// blocked it.
func IsForbidden(err error) bool {
	if err == nil {
		return false
	}
	errText := strings.ToLower(err.Error())
	return strings.Contains(errText, "forbidden") ||
		strings.Contains(errText, "kicked") ||
		strings.Contains(errText, "not enough rights")
}
