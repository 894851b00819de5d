package handlers

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/crosspostly/subscribe-checker/internal/bot"
	"github.com/crosspostly/subscribe-checker/internal/cache"
	"github.com/crosspostly/subscribe-checker/internal/cleanup"
	"github.com/crosspostly/subscribe-checker/internal/config"
	"github.com/crosspostly/subscribe-checker/internal/db"
	"github.com/crosspostly/subscribe-checker/internal/observability"
	"github.com/crosspostly/subscribe-checker/internal/telegram"
)

const subscriptionCallbackPrefix = "subcheck"

type enforcerStore interface {
	GetSettings(ctx context.Context, chatID int64) (*db.Settings, error)
	GetLinkedChannels(ctx context.Context, chatID int64) ([]int64, error)
	GetStatus(ctx context.Context, userID, chatID int64) (*db.UserChatStatus, error)
	IncrementFailCount(ctx context.Context, userID, chatID int64) (int, error)
	ResetFailCount(ctx context.Context, userID, chatID int64) error
	SetBan(ctx context.Context, userID, chatID int64, until time.Time, reason string) error
	ClearBan(ctx context.Context, userID, chatID int64) error
}

type checkResult struct {
	member    bool
	cacheable bool
}

// Enforcer deletes messages from senders who are not subscribed to every
// linked channel and escalates repeated offences up to a temporary mute.
type Enforcer struct {
	store   enforcerStore
	tg      platform
	cache   *cache.Membership
	cleanup *cleanup.Registry
	cfg     *config.Config

	flight singleflight.Group
	locks  *keyedMutex

	logger *log.Entry
}

func NewEnforcer(s bot.ServiceDB, tg platform, membership *cache.Membership, registry *cleanup.Registry, cfg *config.Config) *Enforcer {
	return &Enforcer{
		store:   s.GetDB(),
		tg:      tg,
		cache:   membership,
		cleanup: registry,
		cfg:     cfg,
		locks:   newKeyedMutex(),
	}
}

func (e *Enforcer) Handle(ctx context.Context, u *api.Update, chat *api.Chat, user *api.User) (proceed bool, err error) {
	entry := e.getLogEntry()

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
		if !isSubscriptionCallbackData(u.CallbackQuery.Data) {
			return true, nil
		}
		return false, e.handleRecheckCallback(ctx, u.CallbackQuery, user)
	}

	if u.Message == nil || !(chat.IsGroup() || chat.IsSuperGroup()) {
		return true, nil
	}
	if len(u.Message.NewChatMembers) > 0 {
		return true, nil
	}
	if bot.IsIgnorableAccount(user) {
		return true, nil
	}

	settings, err := e.store.GetSettings(ctx, chat.ID)
	if err != nil {
		return true, errors.WithMessage(err, "get settings")
	}
	if settings == nil {
		settings = db.DefaultSettings(chat.ID)
	}
	if !settings.SubscriptionCheckEnabled {
		return true, nil
	}

	channels, err := e.store.GetLinkedChannels(ctx, chat.ID)
	if err != nil {
		return true, errors.WithMessage(err, "get linked channels")
	}
	if len(channels) == 0 {
		return true, nil
	}

	status, err := e.store.GetStatus(ctx, user.ID, chat.ID)
	if err != nil {
		return true, errors.WithMessage(err, "get status")
	}
	if status.GrantedAccessActive(time.Now()) {
		return true, nil
	}

	member, err := e.tg.GetChatMember(ctx, chat.ID, user.ID)
	if err != nil {
		entry.WithError(err).Warn("cant get chat member")
	}
	if isPrivileged(member) {
		return true, nil
	}

	missing := e.evaluate(ctx, user.ID, channels, false)
	if len(missing) == 0 {
		observability.RecordSubscriptionCheck("compliant")
		return true, e.restoreCompliant(ctx, user.ID, chat.ID, status)
	}
	observability.RecordSubscriptionCheck("missing")

	return false, e.escalate(ctx, u.Message, chat, user, settings, missing)
}

// evaluate resolves the user's membership in every linked channel, in order.
// forced bypasses the cache read but still writes fresh verdicts through.
func (e *Enforcer) evaluate(ctx context.Context, userID int64, channels []int64, forced bool) (missing []int64) {
	for _, channelID := range channels {
		key := cache.Key{UserID: userID, ChannelID: channelID}
		if !forced {
			if isMember, cached := e.cache.Get(key); cached {
				if !isMember {
					missing = append(missing, channelID)
				}
				continue
			}
		}

		res := e.fetchMembership(ctx, userID, channelID)
		if res.cacheable {
			e.cache.Put(key, res.member)
		}
		if !res.member {
			missing = append(missing, channelID)
		}
	}
	return missing
}

// fetchMembership performs the API lookup behind a singleflight gate, so
// concurrent checks for the same pair collapse into one request. A user
// Telegram does not know is cached as a non-member; a channel the bot cannot
// read yields an uncacheable non-member verdict.
func (e *Enforcer) fetchMembership(ctx context.Context, userID, channelID int64) checkResult {
	flightKey := strconv.FormatInt(userID, 10) + ":" + strconv.FormatInt(channelID, 10)
	v, err, _ := e.flight.Do(flightKey, func() (interface{}, error) {
		member, err := e.tg.GetChatMember(ctx, channelID, userID)
		if err != nil {
			if telegram.IsNotFound(err) {
				return checkResult{member: false, cacheable: true}, nil
			}
			e.getLogEntry().WithFields(log.Fields{
				"user_id":    userID,
				"channel_id": channelID,
			}).WithError(err).Warn("cant check channel membership")
			return checkResult{member: false, cacheable: false}, nil
		}
		return checkResult{member: isSubscribed(member), cacheable: true}, nil
	})
	if err != nil {
		return checkResult{member: false, cacheable: false}
	}
	return v.(checkResult)
}

// restoreCompliant clears the leftovers of earlier offences once the user is
// fully subscribed again.
func (e *Enforcer) restoreCompliant(ctx context.Context, userID, chatID int64, status *db.UserChatStatus) error {
	if status == nil {
		return nil
	}
	if status.SubscriptionFails > 0 {
		if err := e.store.ResetFailCount(ctx, userID, chatID); err != nil {
			return errors.WithMessage(err, "reset fail count")
		}
	}
	if status.MutedFor(db.BanReasonSubscription, time.Now()) {
		if err := e.store.ClearBan(ctx, userID, chatID); err != nil {
			return errors.WithMessage(err, "clear ban")
		}
		if err := e.tg.LiftRestrictions(ctx, userID, chatID); err != nil {
			e.getLogEntry().WithFields(log.Fields{"user_id": userID, "chat_id": chatID}).
				WithError(err).Warn("cant lift restrictions")
		}
	}
	return nil
}

// escalate deletes the offending message and applies the branch for the new
// fail count: first offence warns, intermediate ones stay silent, the
// configured maximum mutes.
func (e *Enforcer) escalate(ctx context.Context, msg *api.Message, chat *api.Chat, user *api.User, settings *db.Settings, missing []int64) error {
	entry := e.getLogEntry().WithFields(log.Fields{"chat_id": chat.ID, "user_id": user.ID})

	unlock := e.locks.Lock(user.ID, chat.ID)
	defer unlock()

	count, err := e.store.IncrementFailCount(ctx, user.ID, chat.ID)
	if err != nil {
		return errors.WithMessage(err, "increment fail count")
	}

	if err := e.tg.DeleteMessage(ctx, chat.ID, msg.MessageID); err != nil {
		entry.WithError(err).Warn("cant delete offending message")
	}

	maxFails := settings.MaxSubscriptionFails
	if maxFails <= 0 {
		maxFails = e.cfg.Subscription.MaxFails
	}

	switch {
	case count >= maxFails:
		return e.mute(ctx, chat.ID, user, settings, missing)
	case count == 1:
		return e.warn(ctx, chat.ID, user, missing)
	default:
		entry.WithField("fail_count", count).Debug("deleted message, silent strike")
		return nil
	}
}

func (e *Enforcer) warn(ctx context.Context, chatID int64, user *api.User, missing []int64) error {
	text := fmt.Sprintf(
		"%s, your message was removed. Subscribe to %s to post here.",
		bot.GetUN(user), e.describeChannels(ctx, missing),
	)
	keyboard := recheckKeyboard(user.ID)
	msg, err := e.tg.SendMessage(ctx, chatID, text, keyboard)
	if err != nil {
		return errors.WithMessage(err, "cant send warning")
	}
	e.cleanup.Schedule(cleanup.Key{ChatID: chatID, MessageID: msg.MessageID}, e.cfg.Subscription.WarningTTL, e.deleteLater)
	return nil
}

func (e *Enforcer) mute(ctx context.Context, chatID int64, user *api.User, settings *db.Settings, missing []int64) error {
	entry := e.getLogEntry().WithFields(log.Fields{"chat_id": chatID, "user_id": user.ID})

	muteDuration := e.cfg.Subscription.MuteDuration
	if settings.MuteMinutes > 0 {
		muteDuration = time.Duration(settings.MuteMinutes) * time.Minute
	}
	until := time.Now().Add(muteDuration)

	if err := e.store.SetBan(ctx, user.ID, chatID, until, db.BanReasonSubscription); err != nil {
		return errors.WithMessage(err, "set ban")
	}
	if err := e.store.ResetFailCount(ctx, user.ID, chatID); err != nil {
		return errors.WithMessage(err, "reset fail count")
	}
	if err := e.tg.RestrictMember(ctx, user.ID, chatID, until); err != nil {
		entry.WithError(err).Warn("cant restrict offender")
	}
	observability.RecordSubscriptionMute()

	text := fmt.Sprintf(
		"%s is muted for %s. Subscribe to %s to get your voice back.",
		bot.GetUN(user), muteDuration, e.describeChannels(ctx, missing),
	)
	msg, err := e.tg.SendMessage(ctx, chatID, text, nil)
	if err != nil {
		return errors.WithMessage(err, "cant send mute notice")
	}
	e.cleanup.Schedule(cleanup.Key{ChatID: chatID, MessageID: msg.MessageID}, e.cfg.Subscription.MuteNoticeTTL, e.deleteLater)
	return nil
}

func (e *Enforcer) handleRecheckCallback(ctx context.Context, cb *api.CallbackQuery, user *api.User) error {
	entry := e.getLogEntry().WithField("user_id", user.ID)

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
		return e.tg.AnswerCallback(ctx, cb.ID, "This check is not for you.", true)
	}

	channels, err := e.store.GetLinkedChannels(ctx, chatID)
	if err != nil {
		return errors.WithMessage(err, "get linked channels")
	}

	missing := e.evaluate(ctx, user.ID, channels, true)
	promptKey := cleanup.Key{ChatID: chatID, MessageID: cb.Message.MessageID}

	if len(missing) > 0 {
		observability.RecordSubscriptionCheck("recheck_missing")
		if err := e.tg.AnswerCallback(ctx, cb.ID, "You are still missing some channels.", true); err != nil {
			entry.WithError(err).Warn("cant answer callback")
		}
		text := fmt.Sprintf(
			"%s, you still need to subscribe to %s.",
			bot.GetUN(user), e.describeChannels(ctx, missing),
		)
		keyboard := recheckKeyboard(user.ID)
		if err := e.tg.EditMessage(ctx, chatID, cb.Message.MessageID, text, &keyboard); err != nil {
			entry.WithError(err).Warn("cant edit recheck prompt")
		}
		e.cleanup.Schedule(promptKey, e.cfg.Subscription.RecheckPromptTTL, e.deleteLater)
		return nil
	}

	observability.RecordSubscriptionCheck("recheck_compliant")
	if err := e.tg.AnswerCallback(ctx, cb.ID, "Thanks, you are all set!", false); err != nil {
		entry.WithError(err).Warn("cant answer callback")
	}
	e.cleanup.Cancel(promptKey)
	if err := e.tg.DeleteMessage(ctx, chatID, cb.Message.MessageID); err != nil {
		entry.WithError(err).Warn("cant delete recheck prompt")
	}

	status, err := e.store.GetStatus(ctx, user.ID, chatID)
	if err != nil {
		return errors.WithMessage(err, "get status")
	}
	if err := e.restoreCompliant(ctx, user.ID, chatID, status); err != nil {
		return err
	}

	confirmation, err := e.tg.SendMessage(ctx, chatID, fmt.Sprintf("%s is verified.", bot.GetUN(user)), nil)
	if err != nil {
		entry.WithError(err).Warn("cant send confirmation")
		return nil
	}
	e.cleanup.Schedule(
		cleanup.Key{ChatID: chatID, MessageID: confirmation.MessageID},
		e.cfg.Subscription.ConfirmationTTL,
		e.deleteLater,
	)
	return nil
}

// deleteLater is the shared cleanup-registry action for transient service
// messages.
func (e *Enforcer) deleteLater(key cleanup.Key) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.tg.DeleteMessage(ctx, key.ChatID, key.MessageID); err != nil {
		e.getLogEntry().WithFields(log.Fields{
			"chat_id":    key.ChatID,
			"message_id": key.MessageID,
		}).WithError(err).Warn("cant delete service message")
	}
}

// describeChannels renders the missing channel list for user-facing notices,
// falling back to raw IDs for channels the bot cannot read.
func (e *Enforcer) describeChannels(ctx context.Context, channelIDs []int64) string {
	names := make([]string, 0, len(channelIDs))
	for _, channelID := range channelIDs {
		chat, err := e.tg.GetChat(ctx, channelID)
		if err != nil || chat.Title == "" {
			names = append(names, strconv.FormatInt(channelID, 10))
			continue
		}
		if chat.UserName != "" {
			names = append(names, "@"+chat.UserName)
			continue
		}
		names = append(names, chat.Title)
	}
	return strings.Join(names, ", ")
}

func recheckKeyboard(userID int64) api.InlineKeyboardMarkup {
	return api.NewInlineKeyboardMarkup(
		api.NewInlineKeyboardRow(
			api.NewInlineKeyboardButtonData(
				"I've subscribed",
				fmt.Sprintf("%s;%d", subscriptionCallbackPrefix, userID),
			),
		),
	)
}

func isSubscriptionCallbackData(data string) bool {
	parts := strings.Split(data, ";")
	if len(parts) != 2 || parts[0] != subscriptionCallbackPrefix {
		return false
	}
	_, err := strconv.ParseInt(parts[1], 10, 64)
	return err == nil
}

func (e *Enforcer) getLogEntry() *log.Entry {
	if e.logger == nil {
		e.logger = log.WithField("handler", "enforcer")
	}
	return e.logger
}
