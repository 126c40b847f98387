package router

import (
	"time"

	"github.com/nbd-wtf/go-nostr"
)

type (
	pendingEntry struct {
		event      *nostr.Event
		receivedAt time.Time
	}

	// Buffer holds events that matched no conversation yet. Entries expire
	// after ttl; when full the oldest entry is dropped.
	Buffer struct {
		ttl     time.Duration
		limit   int
		entries []pendingEntry
		ids     map[string]struct{}
	}
)

func NewBuffer(ttl time.Duration, limit int) *Buffer {
	if limit <= 0 {
		limit = 1
	}
	return &Buffer{
		ttl:   ttl,
		limit: limit,
		ids:   make(map[string]struct{}),
	}
}

// Add queues ev unless an event with the same id is already held.
func (b *Buffer) Add(ev *nostr.Event, now time.Time) bool {
	if _, ok := b.ids[ev.ID]; ok {
		return false
	}
	if len(b.entries) >= b.limit {
		delete(b.ids, b.entries[0].event.ID)
		b.entries = b.entries[1:]
	}
	b.entries = append(b.entries, pendingEntry{event: ev, receivedAt: now})
	b.ids[ev.ID] = struct{}{}
	return true
}

func (b *Buffer) Has(id string) bool {
	_, ok := b.ids[id]
	return ok
}

func (b *Buffer) Len() int {
	return len(b.entries)
}

// Expire drops entries older than the TTL and returns how many were dropped.
func (b *Buffer) Expire(now time.Time) int {
	kept := b.entries[:0]
	dropped := 0
	for _, e := range b.entries {
		if now.Sub(e.receivedAt) >= b.ttl {
			delete(b.ids, e.event.ID)
			dropped++
			continue
		}
		kept = append(kept, e)
	}
	b.entries = kept
	return dropped
}

// Retry expires stale entries, then offers each remaining event to resolve.
// Events for which resolve returns true leave the buffer. Ids stay held while
// resolve runs, so a resolve that re-adds its event is a no-op.
func (b *Buffer) Retry(now time.Time, resolve func(ev *nostr.Event) bool) int {
	b.Expire(now)

	current := append([]pendingEntry(nil), b.entries...)
	resolved := 0
	for _, e := range current {
		if !resolve(e.event) {
			continue
		}
		resolved++
		b.remove(e.event.ID)
	}
	return resolved
}

func (b *Buffer) remove(id string) {
	if _, ok := b.ids[id]; !ok {
		return
	}
	delete(b.ids, id)
	for i, e := range b.entries {
		if e.event.ID == id {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return
		}
	}
}
