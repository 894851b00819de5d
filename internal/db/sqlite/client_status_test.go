package sqlite

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/crosspostly/subscribe-checker/internal/db"
)

func newTestClient(t *testing.T) *sqliteClient {
	t.Helper()

	client, err := NewSQLiteClient(context.Background(), t.TempDir(), "test.db")
	if err != nil {
		t.Fatalf("new sqlite client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestGetStatusReturnsNilForUnknownPair(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newTestClient(t)

	status, err := client.GetStatus(ctx, 777, -100111)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status != nil {
		t.Fatalf("expected nil status, got %#v", status)
	}
}

func TestConcurrentIncrementsYieldDistinctCounts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newTestClient(t)

	const workers = 16
	counts := make(chan int, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := client.IncrementFailCount(ctx, 777, -100111)
			if err != nil {
				t.Errorf("increment fail count: %v", err)
				return
			}
			counts <- n
		}()
	}
	wg.Wait()
	close(counts)

	seen := make(map[int]struct{}, workers)
	for n := range counts {
		if _, dup := seen[n]; dup {
			t.Fatalf("count %d observed twice", n)
		}
		seen[n] = struct{}{}
	}
	if len(seen) != workers {
		t.Fatalf("expected %d distinct counts, got %d", workers, len(seen))
	}

	status, err := client.GetStatus(ctx, 777, -100111)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status == nil || status.SubscriptionFails != workers {
		t.Fatalf("unexpected status after increments: %#v", status)
	}
}

func TestResetFailCountSurvivesMissingRow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newTestClient(t)

	if err := client.ResetFailCount(ctx, 777, -100111); err != nil {
		t.Fatalf("reset on missing row: %v", err)
	}

	if _, err := client.IncrementFailCount(ctx, 777, -100111); err != nil {
		t.Fatalf("increment fail count: %v", err)
	}
	if err := client.ResetFailCount(ctx, 777, -100111); err != nil {
		t.Fatalf("reset fail count: %v", err)
	}

	status, err := client.GetStatus(ctx, 777, -100111)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status == nil || status.SubscriptionFails != 0 {
		t.Fatalf("unexpected status after reset: %#v", status)
	}
}

func TestBanLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newTestClient(t)

	until := time.Now().Add(30 * time.Minute)
	if err := client.SetBan(ctx, 777, -100111, until, db.BanReasonSubscription); err != nil {
		t.Fatalf("set ban: %v", err)
	}

	status, err := client.GetStatus(ctx, 777, -100111)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if !status.MutedFor(db.BanReasonSubscription, time.Now()) {
		t.Fatalf("expected active subscription mute, got %#v", status)
	}
	if status.MutedFor(db.BanReasonCaptcha, time.Now()) {
		t.Fatalf("mute reason leaked across reasons: %#v", status)
	}

	if err := client.ClearBan(ctx, 777, -100111); err != nil {
		t.Fatalf("clear ban: %v", err)
	}
	status, err = client.GetStatus(ctx, 777, -100111)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status.MutedFor(db.BanReasonSubscription, time.Now()) {
		t.Fatalf("mute survived clear: %#v", status)
	}
}

func TestGrantedAccessRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newTestClient(t)

	got, err := client.GetGrantedAccess(ctx, 777, -100111)
	if err != nil {
		t.Fatalf("get granted access: %v", err)
	}
	if !got.IsZero() {
		t.Fatalf("expected zero time for unknown pair, got %v", got)
	}

	until := time.Now().Add(48 * time.Hour).Truncate(time.Second)
	if err := client.SetGrantedAccess(ctx, 777, -100111, until); err != nil {
		t.Fatalf("set granted access: %v", err)
	}
	got, err = client.GetGrantedAccess(ctx, 777, -100111)
	if err != nil {
		t.Fatalf("get granted access: %v", err)
	}
	if !got.Equal(until) {
		t.Fatalf("granted access mismatch: want %v, got %v", until, got)
	}
}

func TestTouchActivityKeepsLatestTimestamp(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newTestClient(t)

	later := time.Now()
	earlier := later.Add(-time.Hour)

	if err := client.TouchActivity(ctx, 777, -100111, later); err != nil {
		t.Fatalf("touch activity: %v", err)
	}
	if err := client.TouchActivity(ctx, 777, -100111, earlier); err != nil {
		t.Fatalf("touch activity: %v", err)
	}

	status, err := client.GetStatus(ctx, 777, -100111)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status.LastActivityTS != later.Unix() {
		t.Fatalf("stale activity won: want %d, got %d", later.Unix(), status.LastActivityTS)
	}
}
