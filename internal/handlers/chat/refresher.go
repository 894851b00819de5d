package handlers

import (
	"context"
	"sync"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/crosspostly/subscribe-checker/internal/bot"
	"github.com/crosspostly/subscribe-checker/internal/cache"
	"github.com/crosspostly/subscribe-checker/internal/config"
	"github.com/crosspostly/subscribe-checker/internal/observability"
	"github.com/crosspostly/subscribe-checker/internal/telegram"
)

type refresherStore interface {
	GetChatsWithSubscriptionCheck(ctx context.Context) ([]int64, error)
	GetLinkedChannels(ctx context.Context, chatID int64) ([]int64, error)
	GetActiveChatUsers(ctx context.Context, chatID int64, days int) ([]int64, error)
}

type memberFetcher interface {
	GetChatMember(ctx context.Context, chatID, userID int64) (*api.ChatMember, error)
}

// Refresher keeps the membership cache warm so the morning message burst does
// not turn into an API request burst. It runs a daily bulk warm-up plus a
// periodic TTL sweep.
type Refresher struct {
	store refresherStore
	tg    memberFetcher
	cache *cache.Membership
	cfg   *config.Config

	workerCancel   context.CancelFunc
	workerWG       sync.WaitGroup
	startStopMutex sync.Mutex
	started        bool

	logger *log.Entry
}

func NewRefresher(s bot.ServiceDB, tg memberFetcher, membership *cache.Membership, cfg *config.Config) *Refresher {
	return &Refresher{
		store: s.GetDB(),
		tg:    tg,
		cache: membership,
		cfg:   cfg,
	}
}

func (r *Refresher) Start(ctx context.Context) error {
	r.startStopMutex.Lock()
	defer r.startStopMutex.Unlock()
	if r.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.workerCancel = cancel

	r.workerWG.Add(1)
	go func() {
		defer r.workerWG.Done()
		for {
			wait := time.Until(nextWarmup(time.Now(), r.cfg.Cache.WarmupHour))
			select {
			case <-runCtx.Done():
				return
			case <-time.After(wait):
				if err := r.warmUp(runCtx); err != nil && !errors.Is(err, context.Canceled) {
					r.getLogEntry().WithField("error", err.Error()).Error("warm-up run failed")
				}
			}
		}
	}()

	r.workerWG.Add(1)
	go func() {
		defer r.workerWG.Done()
		ticker := time.NewTicker(r.cfg.Cache.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				evicted := r.cache.InvalidateExpired()
				observability.RecordCacheSweep(evicted)
				r.getLogEntry().WithField("evicted", evicted).Debug("cache sweep done")
			}
		}
	}()

	r.started = true
	return nil
}

func (r *Refresher) Stop(ctx context.Context) error {
	r.startStopMutex.Lock()
	if !r.started {
		r.startStopMutex.Unlock()
		return nil
	}
	r.started = false
	cancel := r.workerCancel
	r.startStopMutex.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.workerWG.Wait()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// warmUp refreshes the cache for every (active user, linked channel) pair of
// every chat with checking enabled, pacing API calls with the configured
// delay. A channel the bot cannot read aborts only that channel's loop.
func (r *Refresher) warmUp(ctx context.Context) error {
	entry := r.getLogEntry()

	chats, err := r.store.GetChatsWithSubscriptionCheck(ctx)
	if err != nil {
		return errors.WithMessage(err, "get chats")
	}

	written := 0
	for _, chatID := range chats {
		channels, err := r.store.GetLinkedChannels(ctx, chatID)
		if err != nil {
			entry.WithField("chat_id", chatID).WithError(err).Warn("cant get linked channels")
			continue
		}
		users, err := r.store.GetActiveChatUsers(ctx, chatID, r.cfg.Cache.ActiveUserDays)
		if err != nil {
			entry.WithField("chat_id", chatID).WithError(err).Warn("cant get active users")
			continue
		}

		for _, channelID := range channels {
			n, err := r.refreshChannel(ctx, channelID, users)
			written += n
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				entry.WithField("channel_id", channelID).WithError(err).Warn("channel warm-up aborted")
			}
		}
	}

	observability.RecordCacheRefresh(written)
	entry.WithField("entries", written).Info("warm-up done")
	return nil
}

func (r *Refresher) refreshChannel(ctx context.Context, channelID int64, users []int64) (int, error) {
	written := 0
	for _, userID := range users {
		if userID == bot.TelegramServiceAccountID {
			continue
		}

		select {
		case <-ctx.Done():
			return written, ctx.Err()
		case <-time.After(r.cfg.Cache.APIRequestDelay):
		}

		member, err := r.tg.GetChatMember(ctx, channelID, userID)
		if err != nil {
			if telegram.IsUserNotFound(err) {
				r.cache.Put(cache.Key{UserID: userID, ChannelID: channelID}, false)
				written++
				continue
			}
			return written, err
		}
		if member.User != nil && member.User.IsBot {
			continue
		}

		r.cache.Put(cache.Key{UserID: userID, ChannelID: channelID}, isSubscribed(member))
		written++
	}
	return written, nil
}

func nextWarmup(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (r *Refresher) getLogEntry() *log.Entry {
	if r.logger == nil {
		r.logger = log.WithField("handler", "refresher")
	}
	return r.logger
}
