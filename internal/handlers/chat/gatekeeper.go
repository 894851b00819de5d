package handlers

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/crosspostly/subscribe-checker/internal/bot"
	"github.com/crosspostly/subscribe-checker/internal/cleanup"
	"github.com/crosspostly/subscribe-checker/internal/config"
	"github.com/crosspostly/subscribe-checker/internal/db"
	"github.com/crosspostly/subscribe-checker/internal/observability"
)

const captchaCallbackPrefix = "captcha"

type gatekeeperStore interface {
	GetSettings(ctx context.Context, chatID int64) (*db.Settings, error)
	GetStatus(ctx context.Context, userID, chatID int64) (*db.UserChatStatus, error)
	SetCaptchaPassed(ctx context.Context, userID, chatID int64, passed bool) error
	UpsertUser(ctx context.Context, user *db.User) error
	TouchActivity(ctx context.Context, userID, chatID int64, when time.Time) error
}

type pendingChallenge struct {
	nonce     string
	messageID int
}

// Gatekeeper runs the human-verification gate. A joining user is restricted
// up front, challenged with a single-button prompt and released once the
// named user presses the button. An unanswered challenge simply expires, the
// up-front restriction decays on its own.
type Gatekeeper struct {
	store   gatekeeperStore
	tg      platform
	cleanup *cleanup.Registry
	cfg     *config.Config

	mu      sync.Mutex
	pending map[mutexKey]pendingChallenge

	logger *log.Entry
}

func NewGatekeeper(s bot.ServiceDB, tg platform, registry *cleanup.Registry, cfg *config.Config) *Gatekeeper {
	return &Gatekeeper{
		store:   s.GetDB(),
		tg:      tg,
		cleanup: registry,
		cfg:     cfg,
		pending: make(map[mutexKey]pendingChallenge),
	}
}

func (g *Gatekeeper) Handle(ctx context.Context, u *api.Update, chat *api.Chat, user *api.User) (proceed bool, err error) {
	entry := g.getLogEntry()

	if chat == nil || user == nil {
		return true, nil
	}
	entry = entry.WithFields(log.Fields{"chat_id": chat.ID, "user_id": user.ID})

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	if u.CallbackQuery != nil {
		if !isCaptchaCallbackData(u.CallbackQuery.Data) {
			return true, nil
		}
		return false, g.handleChallengeCallback(ctx, u.CallbackQuery, user)
	}

	if u.Message == nil || !(chat.IsGroup() || chat.IsSuperGroup()) {
		return true, nil
	}
	if bot.IsIgnorableAccount(user) {
		return true, nil
	}

	if len(u.Message.NewChatMembers) > 0 {
		return true, g.handleNewChatMembers(ctx, chat, u.Message.NewChatMembers)
	}

	if err := g.recordActivity(ctx, chat.ID, user); err != nil {
		entry.WithError(err).Warn("cant record activity")
	}

	settings, err := g.fetchAndValidateSettings(ctx, chat.ID)
	if err != nil {
		return true, err
	}

	status, err := g.store.GetStatus(ctx, user.ID, chat.ID)
	if err != nil {
		return true, errors.WithMessage(err, "get status")
	}

	if !settings.CaptchaEnabled {
		if status != nil && !status.CaptchaPassed {
			if err := g.store.SetCaptchaPassed(ctx, user.ID, chat.ID, true); err != nil {
				entry.WithError(err).Warn("cant retro-pass captcha")
			}
		}
		return true, nil
	}

	if status != nil && status.CaptchaPassed {
		return true, nil
	}

	member, err := g.tg.GetChatMember(ctx, chat.ID, user.ID)
	if err != nil {
		entry.WithError(err).Warn("cant get chat member")
	}
	if isPrivileged(member) {
		return true, nil
	}

	if err := g.tg.DeleteMessage(ctx, chat.ID, u.Message.MessageID); err != nil {
		entry.WithError(err).Warn("cant delete message from unverified user")
	}

	g.mu.Lock()
	_, alreadyChallenged := g.pending[mutexKey{userID: user.ID, chatID: chat.ID}]
	g.mu.Unlock()
	if alreadyChallenged {
		return false, nil
	}

	return false, g.challenge(ctx, chat.ID, user, g.cfg.Captcha.MessageTimeout)
}

func (g *Gatekeeper) handleNewChatMembers(ctx context.Context, chat *api.Chat, members []api.User) error {
	entry := g.getLogEntry().WithField("chat_id", chat.ID)

	settings, err := g.fetchAndValidateSettings(ctx, chat.ID)
	if err != nil {
		return err
	}
	if !settings.CaptchaEnabled {
		entry.Debug("captcha is disabled for this chat")
		return nil
	}

	for i := range members {
		user := &members[i]
		if bot.IsIgnorableAccount(user) {
			continue
		}
		if err := g.recordActivity(ctx, chat.ID, user); err != nil {
			entry.WithError(err).Warn("cant record joiner")
		}

		status, err := g.store.GetStatus(ctx, user.ID, chat.ID)
		if err != nil {
			return errors.WithMessage(err, "get status")
		}
		if status != nil && status.CaptchaPassed {
			continue
		}

		member, err := g.tg.GetChatMember(ctx, chat.ID, user.ID)
		if err != nil {
			entry.WithField("user_id", user.ID).WithError(err).Warn("cant get chat member")
		}
		if isPrivileged(member) {
			continue
		}

		if err := g.challenge(ctx, chat.ID, user, g.cfg.Captcha.JoinTimeout); err != nil {
			entry.WithField("user_id", user.ID).WithError(err).Error("cant challenge joiner")
		}
	}
	return nil
}

// challenge restricts the user until the safety ceiling, posts the prompt and
// arms its expiry. The ceiling outlives the prompt on purpose, an expired
// challenge fails open and the restriction decays by itself.
func (g *Gatekeeper) challenge(ctx context.Context, chatID int64, user *api.User, timeout time.Duration) error {
	entry := g.getLogEntry().WithFields(log.Fields{"chat_id": chatID, "user_id": user.ID})

	if err := g.tg.RestrictMember(ctx, user.ID, chatID, time.Now().Add(g.cfg.Captcha.SafetyCeiling)); err != nil {
		return errors.WithMessage(err, "cant restrict joiner")
	}

	nonce := uuid.New()
	keyboard := api.NewInlineKeyboardMarkup(
		api.NewInlineKeyboardRow(
			api.NewInlineKeyboardButtonData(
				"I'm human",
				fmt.Sprintf("%s;%d;%s", captchaCallbackPrefix, user.ID, nonce),
			),
		),
	)
	text := fmt.Sprintf("Welcome, %s! Press the button below to prove you're human.", bot.GetUN(user))
	msg, err := g.tg.SendMessage(ctx, chatID, text, keyboard)
	if err != nil {
		return errors.WithMessage(err, "cant send challenge")
	}

	key := mutexKey{userID: user.ID, chatID: chatID}
	g.mu.Lock()
	g.pending[key] = pendingChallenge{nonce: nonce, messageID: msg.MessageID}
	g.mu.Unlock()

	observability.RecordCaptchaOutcome("challenged")
	g.cleanup.Schedule(cleanup.Key{ChatID: chatID, MessageID: msg.MessageID}, timeout, func(k cleanup.Key) {
		g.expireChallenge(key, k)
	})
	entry.WithField("message_id", msg.MessageID).Debug("challenge sent")
	return nil
}

// expireChallenge fires from the cleanup registry when the prompt outlives
// its timeout. The user is not kicked.
func (g *Gatekeeper) expireChallenge(key mutexKey, msgKey cleanup.Key) {
	g.mu.Lock()
	pending, ok := g.pending[key]
	if ok && pending.messageID == msgKey.MessageID {
		delete(g.pending, key)
	}
	g.mu.Unlock()
	if !ok || pending.messageID != msgKey.MessageID {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.tg.DeleteMessage(ctx, msgKey.ChatID, msgKey.MessageID); err != nil {
		g.getLogEntry().WithFields(log.Fields{
			"chat_id":    msgKey.ChatID,
			"message_id": msgKey.MessageID,
		}).WithError(err).Warn("cant delete expired challenge")
	}
	observability.RecordCaptchaOutcome("expired")
}

func (g *Gatekeeper) handleChallengeCallback(ctx context.Context, cb *api.CallbackQuery, user *api.User) error {
	entry := g.getLogEntry().WithField("user_id", user.ID)

	parts := strings.Split(cb.Data, ";")
	targetID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return errors.WithMessage(err, "malformed callback data")
	}
	if cb.Message == nil {
		return nil
	}
	chatID := cb.Message.Chat.ID

	if user.ID != targetID {
		return g.tg.AnswerCallback(ctx, cb.ID, "This challenge is not for you.", true)
	}

	key := mutexKey{userID: user.ID, chatID: chatID}
	g.mu.Lock()
	pending, ok := g.pending[key]
	if ok && pending.nonce == parts[2] {
		delete(g.pending, key)
	}
	g.mu.Unlock()

	if !ok || pending.nonce != parts[2] {
		return g.tg.AnswerCallback(ctx, cb.ID, "This challenge has expired.", true)
	}

	if err := g.store.SetCaptchaPassed(ctx, user.ID, chatID, true); err != nil {
		return errors.WithMessage(err, "cant mark captcha passed")
	}
	if err := g.tg.LiftRestrictions(ctx, user.ID, chatID); err != nil {
		entry.WithError(err).Warn("cant lift restrictions")
	}
	g.cleanup.Cancel(cleanup.Key{ChatID: chatID, MessageID: pending.messageID})
	if err := g.tg.DeleteMessage(ctx, chatID, pending.messageID); err != nil {
		entry.WithError(err).Warn("cant delete challenge message")
	}
	observability.RecordCaptchaOutcome("passed")
	return g.tg.AnswerCallback(ctx, cb.ID, "Welcome!", false)
}

func (g *Gatekeeper) recordActivity(ctx context.Context, chatID int64, user *api.User) error {
	if err := g.store.UpsertUser(ctx, &db.User{
		ID:        user.ID,
		UserName:  user.UserName,
		FirstName: user.FirstName,
		LastName:  user.LastName,
		IsBot:     user.IsBot,
	}); err != nil {
		return errors.WithMessage(err, "upsert user")
	}
	return g.store.TouchActivity(ctx, user.ID, chatID, time.Now())
}

func (g *Gatekeeper) fetchAndValidateSettings(ctx context.Context, chatID int64) (*db.Settings, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	settings, err := g.store.GetSettings(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}
	if settings == nil {
		settings = db.DefaultSettings(chatID)
	}
	return settings, nil
}

func isCaptchaCallbackData(data string) bool {
	parts := strings.Split(data, ";")
	if len(parts) != 3 || parts[0] != captchaCallbackPrefix {
		return false
	}
	if _, err := strconv.ParseInt(parts[1], 10, 64); err != nil {
		return false
	}
	return parts[2] != ""
}

func (g *Gatekeeper) getLogEntry() *log.Entry {
	if g.logger == nil {
		g.logger = log.WithField("handler", "gatekeeper")
	}
	return g.logger
}
