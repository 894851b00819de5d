package db

import (
	"context"
	"time"
)

type Client interface {
	Close() error

	GetSettings(ctx context.Context, chatID int64) (*Settings, error)
	SetSettings(ctx context.Context, settings *Settings) error
	DeleteChat(ctx context.Context, chatID int64) error

	UpsertUser(ctx context.Context, user *User) error

	GetLinkedChannels(ctx context.Context, chatID int64) ([]int64, error)
	AddLinkedChannel(ctx context.Context, chatID, channelID, addedBy int64) error
	RemoveLinkedChannel(ctx context.Context, chatID, channelID int64) error
	SyncLinkedChannels(ctx context.Context, chatID int64, channelIDs []int64, addedBy int64) (added, removed []int64, err error)

	GetStatus(ctx context.Context, userID, chatID int64) (*UserChatStatus, error)
	SetCaptchaPassed(ctx context.Context, userID, chatID int64, passed bool) error
	IncrementFailCount(ctx context.Context, userID, chatID int64) (int, error)
	ResetFailCount(ctx context.Context, userID, chatID int64) error
	SetBan(ctx context.Context, userID, chatID int64, until time.Time, reason string) error
	ClearBan(ctx context.Context, userID, chatID int64) error
	SetGrantedAccess(ctx context.Context, userID, chatID int64, until time.Time) error
	GetGrantedAccess(ctx context.Context, userID, chatID int64) (time.Time, error)
	TouchActivity(ctx context.Context, userID, chatID int64, when time.Time) error

	GetChatsWithSubscriptionCheck(ctx context.Context) ([]int64, error)
	GetActiveChatUsers(ctx context.Context, chatID int64, days int) ([]int64, error)
}
