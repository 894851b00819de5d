package handlers

import (
	"context"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
)

// platform is the slice of Telegram operations the chat handlers use,
// implemented by telegram.Operations.
type platform interface {
	SendMessage(ctx context.Context, chatID int64, text string, replyMarkup interface{}) (*api.Message, error)
	EditMessage(ctx context.Context, chatID int64, messageID int, text string, replyMarkup *api.InlineKeyboardMarkup) error
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	RestrictMember(ctx context.Context, userID, chatID int64, until time.Time) error
	LiftRestrictions(ctx context.Context, userID, chatID int64) error
	GetChatMember(ctx context.Context, chatID, userID int64) (*api.ChatMember, error)
	GetChat(ctx context.Context, chatID int64) (*api.ChatFullInfo, error)
	AnswerCallback(ctx context.Context, callbackID, text string, showAlert bool) error
}
