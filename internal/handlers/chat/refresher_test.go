package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"

	"github.com/crosspostly/subscribe-checker/internal/cache"
)

type fetcherFunc func(ctx context.Context, chatID, userID int64) (*api.ChatMember, error)

func (f fetcherFunc) GetChatMember(ctx context.Context, chatID, userID int64) (*api.ChatMember, error) {
	return f(ctx, chatID, userID)
}

func newTestRefresher(t *testing.T, store *stubStore, fetch fetcherFunc) *Refresher {
	t.Helper()

	membership, err := cache.NewMembership(128, 24*time.Hour)
	if err != nil {
		t.Fatalf("new membership cache: %v", err)
	}
	return &Refresher{
		store: store,
		tg:    fetch,
		cache: membership,
		cfg:   testConfig(),
	}
}

func TestWarmUpFillsCacheAndSkipsServiceAccount(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	store.activeChats = []int64{testChatID}
	store.channels[testChatID] = []int64{testChannelID}
	store.activeUsers[testChatID] = []int64{777, 777000, 888}

	var calls []int64
	r := newTestRefresher(t, store, func(_ context.Context, chatID, userID int64) (*api.ChatMember, error) {
		calls = append(calls, userID)
		if userID == 888 {
			return &api.ChatMember{Status: "left"}, nil
		}
		return &api.ChatMember{Status: "member"}, nil
	})

	if err := r.warmUp(context.Background()); err != nil {
		t.Fatalf("warm up: %v", err)
	}

	for _, userID := range calls {
		if userID == 777000 {
			t.Fatal("service account queried during warm-up")
		}
	}
	if isMember, cached := r.cache.Get(cache.Key{UserID: 777, ChannelID: testChannelID}); !cached || !isMember {
		t.Fatalf("member verdict not cached: member=%v cached=%v", isMember, cached)
	}
	if isMember, cached := r.cache.Get(cache.Key{UserID: 888, ChannelID: testChannelID}); !cached || isMember {
		t.Fatalf("non-member verdict not cached: member=%v cached=%v", isMember, cached)
	}
}

func TestWarmUpCachesUnknownUserAsNonMember(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	store.activeChats = []int64{testChatID}
	store.channels[testChatID] = []int64{testChannelID}
	store.activeUsers[testChatID] = []int64{777}

	r := newTestRefresher(t, store, func(context.Context, int64, int64) (*api.ChatMember, error) {
		return nil, errors.New("Bad Request: user not found")
	})

	if err := r.warmUp(context.Background()); err != nil {
		t.Fatalf("warm up: %v", err)
	}
	if isMember, cached := r.cache.Get(cache.Key{UserID: 777, ChannelID: testChannelID}); !cached || isMember {
		t.Fatalf("unknown user not cached as non-member: member=%v cached=%v", isMember, cached)
	}
}

func TestWarmUpInaccessibleChannelAbortsOnlyItsOwnLoop(t *testing.T) {
	t.Parallel()

	const goodChannelID = int64(-100902)

	store := newStubStore()
	store.activeChats = []int64{testChatID}
	store.channels[testChatID] = []int64{testChannelID, goodChannelID}
	store.activeUsers[testChatID] = []int64{777, 888}

	badCalls := 0
	r := newTestRefresher(t, store, func(_ context.Context, chatID, _ int64) (*api.ChatMember, error) {
		if chatID == testChannelID {
			badCalls++
			return nil, errors.New("Bad Request: chat not found")
		}
		return &api.ChatMember{Status: "member"}, nil
	})

	if err := r.warmUp(context.Background()); err != nil {
		t.Fatalf("warm up: %v", err)
	}

	if badCalls != 1 {
		t.Fatalf("inaccessible channel queried %d times, want 1", badCalls)
	}
	for _, userID := range []int64{777, 888} {
		if isMember, cached := r.cache.Get(cache.Key{UserID: userID, ChannelID: goodChannelID}); !cached || !isMember {
			t.Fatalf("good channel skipped for user %d", userID)
		}
	}
}

func TestRefresherStartStop(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	r := newTestRefresher(t, store, func(context.Context, int64, int64) (*api.ChatMember, error) {
		return &api.ChatMember{Status: "member"}, nil
	})

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestNextWarmupRollsOverMidnight(t *testing.T) {
	t.Parallel()

	loc := time.UTC
	before := time.Date(2026, 8, 28, 3, 0, 0, 0, loc)
	after := time.Date(2026, 8, 28, 7, 0, 0, 0, loc)

	if got := nextWarmup(before, 5); !got.Equal(time.Date(2026, 8, 28, 5, 0, 0, 0, loc)) {
		t.Fatalf("nextWarmup before hour = %v", got)
	}
	if got := nextWarmup(after, 5); !got.Equal(time.Date(2026, 8, 29, 5, 0, 0, 0, loc)) {
		t.Fatalf("nextWarmup after hour = %v", got)
	}
}
