package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iamwavecut/tool"

	"github.com/crosspostly/subscribe-checker/internal/db"
)

func (c *sqliteClient) GetStatus(ctx context.Context, userID, chatID int64) (*db.UserChatStatus, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	res := &db.UserChatStatus{}
	err := c.db.GetContext(ctx, res, `
		SELECT user_id, chat_id, captcha_passed, subscription_fail_count,
		       ban_until_ts, ban_reason, granted_access_until_ts, last_activity_ts
		FROM user_chat_status WHERE user_id = ? AND chat_id = ?
	`, userID, chatID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return res, nil
}

func (c *sqliteClient) SetCaptchaPassed(ctx context.Context, userID, chatID int64, passed bool) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	query := `
		INSERT INTO user_chat_status (user_id, chat_id, captcha_passed)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id, chat_id) DO UPDATE SET captcha_passed = excluded.captcha_passed
	`
	return tool.Err(c.db.ExecContext(ctx, query, userID, chatID, passed))
}

// IncrementFailCount bumps the fail counter in a single statement, so
// concurrent callers each observe a distinct value.
func (c *sqliteClient) IncrementFailCount(ctx context.Context, userID, chatID int64) (int, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	var count int
	err := c.db.GetContext(ctx, &count, `
		INSERT INTO user_chat_status (user_id, chat_id, subscription_fail_count)
		VALUES (?, ?, 1)
		ON CONFLICT(user_id, chat_id) DO UPDATE SET subscription_fail_count = subscription_fail_count + 1
		RETURNING subscription_fail_count
	`, userID, chatID)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (c *sqliteClient) ResetFailCount(ctx context.Context, userID, chatID int64) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	query := `
		INSERT INTO user_chat_status (user_id, chat_id, subscription_fail_count)
		VALUES (?, ?, 0)
		ON CONFLICT(user_id, chat_id) DO UPDATE SET subscription_fail_count = 0
	`
	return tool.Err(c.db.ExecContext(ctx, query, userID, chatID))
}

func (c *sqliteClient) SetBan(ctx context.Context, userID, chatID int64, until time.Time, reason string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	query := `
		INSERT INTO user_chat_status (user_id, chat_id, ban_until_ts, ban_reason)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, chat_id) DO UPDATE SET
			ban_until_ts = excluded.ban_until_ts,
			ban_reason = excluded.ban_reason
	`
	return tool.Err(c.db.ExecContext(ctx, query, userID, chatID, until.Unix(), reason))
}

func (c *sqliteClient) ClearBan(ctx context.Context, userID, chatID int64) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	query := `
		UPDATE user_chat_status SET ban_until_ts = NULL, ban_reason = NULL
		WHERE user_id = ? AND chat_id = ?
	`
	return tool.Err(c.db.ExecContext(ctx, query, userID, chatID))
}

func (c *sqliteClient) SetGrantedAccess(ctx context.Context, userID, chatID int64, until time.Time) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	query := `
		INSERT INTO user_chat_status (user_id, chat_id, granted_access_until_ts)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id, chat_id) DO UPDATE SET granted_access_until_ts = excluded.granted_access_until_ts
	`
	return tool.Err(c.db.ExecContext(ctx, query, userID, chatID, until.Unix()))
}

func (c *sqliteClient) GetGrantedAccess(ctx context.Context, userID, chatID int64) (time.Time, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var ts sql.NullInt64
	err := c.db.GetContext(ctx, &ts, `
		SELECT granted_access_until_ts FROM user_chat_status
		WHERE user_id = ? AND chat_id = ?
	`, userID, chatID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.Unix(ts.Int64, 0), nil
}

func (c *sqliteClient) TouchActivity(ctx context.Context, userID, chatID int64, when time.Time) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	query := `
		INSERT INTO user_chat_status (user_id, chat_id, last_activity_ts)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id, chat_id) DO UPDATE SET
			last_activity_ts = MAX(last_activity_ts, excluded.last_activity_ts)
	`
	return tool.Err(c.db.ExecContext(ctx, query, userID, chatID, when.Unix()))
}
