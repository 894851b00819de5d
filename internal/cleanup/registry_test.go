package cleanup

import (
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestScheduledTimerFiresOnce(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	defer r.StopAll()

	var fired atomic.Int32
	key := Key{ChatID: -100111, MessageID: 42}
	r.Schedule(key, 10*time.Millisecond, func(Key) { fired.Add(1) })

	deadline := time.After(2 * time.Second)
	for fired.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("timer never fired")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if r.Len() != 0 {
		t.Fatalf("fired timer left registered, len=%d", r.Len())
	}
	if got := fired.Load(); got != 1 {
		t.Fatalf("expected exactly one fire, got %d", got)
	}
}

func TestCancelPreventsFire(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	defer r.StopAll()

	var fired atomic.Int32
	key := Key{ChatID: -100111, MessageID: 42}
	r.Schedule(key, 50*time.Millisecond, func(Key) { fired.Add(1) })

	if !r.Cancel(key) {
		t.Fatal("cancel reported no armed timer")
	}
	time.Sleep(100 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Fatalf("cancelled timer fired %d times", got)
	}
	if r.Cancel(key) {
		t.Fatal("second cancel reported an armed timer")
	}
}

func TestRescheduleReplacesPreviousTimer(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	defer r.StopAll()

	var first, second atomic.Int32
	key := Key{ChatID: -100111, MessageID: 42}
	r.Schedule(key, time.Hour, func(Key) { first.Add(1) })
	r.Schedule(key, 10*time.Millisecond, func(Key) { second.Add(1) })

	deadline := time.After(2 * time.Second)
	for second.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("replacement timer never fired")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if got := first.Load(); got != 0 {
		t.Fatalf("replaced timer fired %d times", got)
	}
}

func TestStopAllDisarmsEverything(t *testing.T) {
	t.Parallel()

	r := NewRegistry()

	var fired atomic.Int32
	for i := 0; i < 10; i++ {
		r.Schedule(Key{ChatID: -100111, MessageID: i}, time.Hour, func(Key) { fired.Add(1) })
	}
	r.StopAll()

	if r.Len() != 0 {
		t.Fatalf("timers left after stop, len=%d", r.Len())
	}
	if got := fired.Load(); got != 0 {
		t.Fatalf("stopped timers fired %d times", got)
	}

	r.Schedule(Key{ChatID: -100111, MessageID: 99}, time.Millisecond, func(Key) { fired.Add(1) })
	time.Sleep(20 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Fatalf("schedule after stop fired %d times", got)
	}
}
