package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"

	"github.com/iamwavecut/tool"
	"github.com/jmoiron/sqlx"
	migrate "github.com/rubenv/sql-migrate"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/crosspostly/subscribe-checker/internal/db"
	"github.com/crosspostly/subscribe-checker/resources"
)

type sqliteClient struct {
	db    *sqlx.DB
	mutex sync.RWMutex
}

func NewSQLiteClient(ctx context.Context, workDir, dbPath string) (*sqliteClient, error) {
	dbx, err := sqlx.Open("sqlite", filepath.Join(workDir, dbPath))
	if err != nil {
		return nil, err
	}
	dbx.SetMaxOpenConns(1)

	migrationsSource := &migrate.EmbedFileSystemMigrationSource{
		FileSystem: resources.FS,
		Root:       "migrations",
	}
	n, err := migrate.ExecContext(ctx, dbx.DB, "sqlite3", migrationsSource, migrate.Up)
	if err != nil {
		_ = dbx.Close()
		return nil, err
	}
	if n > 0 {
		log.Infof("applied %d migrations!", n)
	}

	return &sqliteClient{db: dbx}, nil
}

func (c *sqliteClient) Close() error {
	return c.db.Close()
}

func (c *sqliteClient) GetSettings(ctx context.Context, chatID int64) (*db.Settings, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	res := &db.Settings{}
	err := c.db.GetContext(ctx, res, `
		SELECT id, title, captcha_enabled, subscription_check_enabled, max_subscription_fails, mute_minutes
		FROM chats WHERE id = ?
	`, chatID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return res, nil
}

func (c *sqliteClient) SetSettings(ctx context.Context, settings *db.Settings) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	query := `
		INSERT INTO chats (id, title, captcha_enabled, subscription_check_enabled, max_subscription_fails, mute_minutes)
		VALUES (:id, :title, :captcha_enabled, :subscription_check_enabled, :max_subscription_fails, :mute_minutes)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			captcha_enabled = excluded.captcha_enabled,
			subscription_check_enabled = excluded.subscription_check_enabled,
			max_subscription_fails = excluded.max_subscription_fails,
			mute_minutes = excluded.mute_minutes
	`
	return tool.Err(c.db.NamedExecContext(ctx, query, settings))
}

// DeleteChat cascades through the chat row, its channel links and every
// per-user enforcement record. This is the only path that removes
// user_chat_status rows.
func (c *sqliteClient) DeleteChat(ctx context.Context, chatID int64) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, query := range []string{
		`DELETE FROM user_chat_status WHERE chat_id = ?`,
		`DELETE FROM linked_channels WHERE chat_id = ?`,
		`DELETE FROM chats WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, query, chatID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (c *sqliteClient) UpsertUser(ctx context.Context, user *db.User) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	query := `
		INSERT INTO users (id, username, first_name, last_name, is_bot)
		VALUES (:id, :username, :first_name, :last_name, :is_bot)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			is_bot = excluded.is_bot
	`
	return tool.Err(c.db.NamedExecContext(ctx, query, user))
}
