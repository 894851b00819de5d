// Package cache holds the in-memory channel membership cache. Entries are
// bounded both by a TTL and by an LRU capacity cap, so a bot serving many
// large groups cannot grow the cache without limit.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type Key struct {
	UserID    int64
	ChannelID int64
}

type Entry struct {
	IsMember  bool
	CheckedAt time.Time
}

type Membership struct {
	mu  sync.Mutex
	lru *lru.Cache[Key, Entry]
	ttl time.Duration
	now func() time.Time
}

func NewMembership(capacity int, ttl time.Duration) (*Membership, error) {
	c, err := lru.New[Key, Entry](capacity)
	if err != nil {
		return nil, err
	}
	return &Membership{lru: c, ttl: ttl, now: time.Now}, nil
}

// Get returns the cached verdict for the pair. A stale entry is treated as
// absent but left in place for InvalidateExpired to collect.
func (m *Membership) Get(key Key) (isMember, cached bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.lru.Get(key)
	if !ok {
		return false, false
	}
	if m.now().Sub(entry.CheckedAt) >= m.ttl {
		return false, false
	}
	return entry.IsMember, true
}

func (m *Membership) Put(key Key, isMember bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lru.Add(key, Entry{IsMember: isMember, CheckedAt: m.now()})
}

// InvalidateExpired drops every entry older than the TTL and returns how many
// were removed.
func (m *Membership) InvalidateExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for _, key := range m.lru.Keys() {
		entry, ok := m.lru.Peek(key)
		if !ok {
			continue
		}
		if m.now().Sub(entry.CheckedAt) >= m.ttl {
			m.lru.Remove(key)
			removed++
		}
	}
	return removed
}

func (m *Membership) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lru.Len()
}
