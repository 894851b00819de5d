// Package cleanup tracks messages that must be deleted after a deadline:
// captcha prompts, warnings, confirmations and mute notices. Each message is
// keyed by (chat, message) and carries one pending timer at a time.
package cleanup

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type Key struct {
	ChatID    int64
	MessageID int
}

type timerEntry struct {
	timer *time.Timer
	token uint64
}

// Registry owns the pending deletion timers. Scheduling the same key again
// replaces the previous timer, and a timer that fires only runs its callback
// if it is still the current one for its key.
type Registry struct {
	mu      sync.Mutex
	entries map[Key]timerEntry
	nextTok uint64
	stopped bool
	wg      sync.WaitGroup
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[Key]timerEntry)}
}

// Schedule arms a deletion for the key after the delay. A previously armed
// timer for the same key is cancelled first.
func (r *Registry) Schedule(key Key, delay time.Duration, fn func(Key)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		log.WithField("context", "cleanup").Warn("schedule after stop, ignoring")
		return
	}
	if prev, ok := r.entries[key]; ok {
		if prev.timer.Stop() {
			r.wg.Done()
		}
	}
	r.nextTok++
	token := r.nextTok
	r.wg.Add(1)
	timer := time.AfterFunc(delay, func() {
		defer r.wg.Done()
		if !r.claim(key, token) {
			return
		}
		fn(key)
	})
	r.entries[key] = timerEntry{timer: timer, token: token}
}

// claim removes the key iff the firing timer is still the registered one.
func (r *Registry) claim(key Key, token uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || entry.token != token {
		return false
	}
	delete(r.entries, key)
	return true
}

// Cancel disarms the pending deletion for the key, if any. It reports whether
// a timer was actually cancelled before firing.
func (r *Registry) Cancel(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok {
		return false
	}
	delete(r.entries, key)
	if entry.timer.Stop() {
		r.wg.Done()
		return true
	}
	return false
}

// Len reports the number of armed timers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.entries)
}

// StopAll disarms every pending timer and waits for in-flight callbacks to
// finish. The registry accepts no further schedules afterwards.
func (r *Registry) StopAll() {
	r.mu.Lock()
	r.stopped = true
	for key, entry := range r.entries {
		delete(r.entries, key)
		if entry.timer.Stop() {
			r.wg.Done()
		}
	}
	r.mu.Unlock()
	r.wg.Wait()
}
