package sqlite

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/crosspostly/subscribe-checker/internal/db"
)

func TestSyncLinkedChannelsReportsDiff(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newTestClient(t)

	const chatID = -100111
	for _, channelID := range []int64{-100901, -100902} {
		if err := client.AddLinkedChannel(ctx, chatID, channelID, 1); err != nil {
			t.Fatalf("add linked channel: %v", err)
		}
	}

	added, removed, err := client.SyncLinkedChannels(ctx, chatID, []int64{-100902, -100903}, 1)
	if err != nil {
		t.Fatalf("sync linked channels: %v", err)
	}
	if !reflect.DeepEqual(added, []int64{-100903}) {
		t.Fatalf("unexpected added set: %v", added)
	}
	if !reflect.DeepEqual(removed, []int64{-100901}) {
		t.Fatalf("unexpected removed set: %v", removed)
	}

	channels, err := client.GetLinkedChannels(ctx, chatID)
	if err != nil {
		t.Fatalf("get linked channels: %v", err)
	}
	if !reflect.DeepEqual(channels, []int64{-100903, -100902}) {
		t.Fatalf("unexpected stored set: %v", channels)
	}
}

func TestDeleteChatCascades(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newTestClient(t)

	const chatID = -100111
	settings := db.DefaultSettings(chatID)
	settings.Title = "test group"
	if err := client.SetSettings(ctx, settings); err != nil {
		t.Fatalf("set settings: %v", err)
	}
	if err := client.AddLinkedChannel(ctx, chatID, -100901, 1); err != nil {
		t.Fatalf("add linked channel: %v", err)
	}
	if _, err := client.IncrementFailCount(ctx, 777, chatID); err != nil {
		t.Fatalf("increment fail count: %v", err)
	}

	if err := client.DeleteChat(ctx, chatID); err != nil {
		t.Fatalf("delete chat: %v", err)
	}

	got, err := client.GetSettings(ctx, chatID)
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	if got != nil {
		t.Fatalf("settings survived delete: %#v", got)
	}
	channels, err := client.GetLinkedChannels(ctx, chatID)
	if err != nil {
		t.Fatalf("get linked channels: %v", err)
	}
	if len(channels) != 0 {
		t.Fatalf("linked channels survived delete: %v", channels)
	}
	status, err := client.GetStatus(ctx, 777, chatID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status != nil {
		t.Fatalf("status survived delete: %#v", status)
	}
}

func TestGetChatsWithSubscriptionCheckFiltersDisabled(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newTestClient(t)

	enabled := db.DefaultSettings(-100111)
	disabled := db.DefaultSettings(-100222)
	disabled.SubscriptionCheckEnabled = false
	for _, s := range []*db.Settings{enabled, disabled} {
		if err := client.SetSettings(ctx, s); err != nil {
			t.Fatalf("set settings: %v", err)
		}
	}

	chats, err := client.GetChatsWithSubscriptionCheck(ctx)
	if err != nil {
		t.Fatalf("get chats: %v", err)
	}
	if !reflect.DeepEqual(chats, []int64{-100111}) {
		t.Fatalf("unexpected chat set: %v", chats)
	}
}

func TestGetActiveChatUsersHonorsCutoff(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newTestClient(t)

	const chatID = -100111
	now := time.Now()
	if err := client.TouchActivity(ctx, 777, chatID, now); err != nil {
		t.Fatalf("touch activity: %v", err)
	}
	if err := client.TouchActivity(ctx, 888, chatID, now.AddDate(0, 0, -30)); err != nil {
		t.Fatalf("touch activity: %v", err)
	}

	users, err := client.GetActiveChatUsers(ctx, chatID, 7)
	if err != nil {
		t.Fatalf("get active users: %v", err)
	}
	if !reflect.DeepEqual(users, []int64{777}) {
		t.Fatalf("unexpected active set: %v", users)
	}
}
