package sqlite

import (
	"context"
	"time"

	"github.com/iamwavecut/tool"
)

func (c *sqliteClient) GetLinkedChannels(ctx context.Context, chatID int64) ([]int64, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var res []int64
	err := c.db.SelectContext(ctx, &res, `
		SELECT channel_id FROM linked_channels WHERE chat_id = ? ORDER BY channel_id
	`, chatID)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (c *sqliteClient) AddLinkedChannel(ctx context.Context, chatID, channelID, addedBy int64) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	query := `
		INSERT INTO linked_channels (chat_id, channel_id, added_by)
		VALUES (?, ?, ?)
		ON CONFLICT(chat_id, channel_id) DO NOTHING
	`
	return tool.Err(c.db.ExecContext(ctx, query, chatID, channelID, addedBy))
}

func (c *sqliteClient) RemoveLinkedChannel(ctx context.Context, chatID, channelID int64) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return tool.Err(c.db.ExecContext(ctx, `
		DELETE FROM linked_channels WHERE chat_id = ? AND channel_id = ?
	`, chatID, channelID))
}

// SyncLinkedChannels replaces the stored channel set with the supplied one in
// a single transaction and reports the diff, so callers can log what changed
// without re-reading.
func (c *sqliteClient) SyncLinkedChannels(ctx context.Context, chatID int64, channelIDs []int64, addedBy int64) (added, removed []int64, err error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	var current []int64
	if err = tx.SelectContext(ctx, &current, `
		SELECT channel_id FROM linked_channels WHERE chat_id = ?
	`, chatID); err != nil {
		return nil, nil, err
	}

	currentSet := make(map[int64]struct{}, len(current))
	for _, id := range current {
		currentSet[id] = struct{}{}
	}
	wantedSet := make(map[int64]struct{}, len(channelIDs))
	for _, id := range channelIDs {
		wantedSet[id] = struct{}{}
	}

	for _, id := range channelIDs {
		if _, ok := currentSet[id]; ok {
			continue
		}
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO linked_channels (chat_id, channel_id, added_by) VALUES (?, ?, ?)
		`, chatID, id, addedBy); err != nil {
			return nil, nil, err
		}
		added = append(added, id)
	}
	for _, id := range current {
		if _, ok := wantedSet[id]; ok {
			continue
		}
		if _, err = tx.ExecContext(ctx, `
			DELETE FROM linked_channels WHERE chat_id = ? AND channel_id = ?
		`, chatID, id); err != nil {
			return nil, nil, err
		}
		removed = append(removed, id)
	}

	if err = tx.Commit(); err != nil {
		return nil, nil, err
	}
	return added, removed, nil
}

func (c *sqliteClient) GetChatsWithSubscriptionCheck(ctx context.Context) ([]int64, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var res []int64
	err := c.db.SelectContext(ctx, &res, `
		SELECT id FROM chats WHERE subscription_check_enabled = 1 ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (c *sqliteClient) GetActiveChatUsers(ctx context.Context, chatID int64, days int) ([]int64, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var res []int64
	cutoff := time.Now().AddDate(0, 0, -days).Unix()
	err := c.db.SelectContext(ctx, &res, `
		SELECT user_id FROM user_chat_status
		WHERE chat_id = ? AND last_activity_ts >= ?
		ORDER BY user_id
	`, chatID, cutoff)
	if err != nil {
		return nil, err
	}
	return res, nil
}
