package db

import (
	"database/sql"
	"time"
)

type (
	// Settings is the per-chat enforcement configuration row.
	Settings struct {
		ID                       int64  `db:"id"`
		Title                    string `db:"title"`
		CaptchaEnabled           bool   `db:"captcha_enabled"`
		SubscriptionCheckEnabled bool   `db:"subscription_check_enabled"`
		MaxSubscriptionFails     int    `db:"max_subscription_fails"`
		MuteMinutes              int    `db:"mute_minutes"`
	}

	// User mirrors the last observed Telegram profile of a user.
	User struct {
		ID        int64  `db:"id"`
		UserName  string `db:"username"`
		FirstName string `db:"first_name"`
		LastName  string `db:"last_name"`
		IsBot     bool   `db:"is_bot"`
	}

	// UserChatStatus is the per-(user, chat) enforcement record. A row is
	// created lazily on the first observed event and removed only by the
	// chat-removal cascade.
	UserChatStatus struct {
		UserID               int64          `db:"user_id"`
		ChatID               int64          `db:"chat_id"`
		CaptchaPassed        bool           `db:"captcha_passed"`
		SubscriptionFails    int            `db:"subscription_fail_count"`
		BanUntilTS           sql.NullInt64  `db:"ban_until_ts"`
		BanReason            sql.NullString `db:"ban_reason"`
		GrantedAccessUntilTS sql.NullInt64  `db:"granted_access_until_ts"`
		LastActivityTS       int64          `db:"last_activity_ts"`
	}

	LinkedChannel struct {
		ChatID    int64 `db:"chat_id"`
		ChannelID int64 `db:"channel_id"`
		AddedBy   int64 `db:"added_by"`
	}
)

const (
	BanReasonCaptcha      = "captcha"
	BanReasonSubscription = "subscription"
)

// MutedFor reports whether the record carries an active mute with the given
// reason at the supplied instant.
func (s *UserChatStatus) MutedFor(reason string, now time.Time) bool {
	if s == nil || !s.BanUntilTS.Valid || !s.BanReason.Valid {
		return false
	}
	return s.BanReason.String == reason && s.BanUntilTS.Int64 > now.Unix()
}

// GrantedAccessActive reports whether a manual exemption is in force.
func (s *UserChatStatus) GrantedAccessActive(now time.Time) bool {
	if s == nil || !s.GrantedAccessUntilTS.Valid {
		return false
	}
	return s.GrantedAccessUntilTS.Int64 > now.Unix()
}
