package handlers

import "sync"

type mutexKey struct {
	userID int64
	chatID int64
}

// keyedMutex serializes the increment-then-branch escalation per (user, chat)
// pair, so bursts of messages from the same sender cannot interleave their
// fail-count decisions.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[mutexKey]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[mutexKey]*lockEntry)}
}

// Lock acquires the pair's mutex and returns its unlock func. Entries are
// dropped once the last holder releases, so the map stays bounded by the
// number of in-flight pairs.
func (k *keyedMutex) Lock(userID, chatID int64) func() {
	key := mutexKey{userID: userID, chatID: chatID}

	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
