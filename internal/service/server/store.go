package server

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

type (
	// EventStore persists relay events. Save reports false for duplicates and
	// for replaceable events older than the stored version.
	EventStore interface {
		Save(ctx context.Context, ev *nostr.Event) (bool, error)
		Query(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error)
	}

	MemoryStore struct {
		mu     sync.RWMutex
		events map[string]*nostr.Event
		addrs  map[string]string
	}
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string]*nostr.Event),
		addrs:  make(map[string]string),
	}
}

func (s *MemoryStore) Save(_ context.Context, ev *nostr.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[ev.ID]; ok {
		return false, nil
	}
	if addr, ok := replaceableAddress(ev); ok {
		if prevID, ok := s.addrs[addr]; ok {
			if !supersedes(ev, s.events[prevID]) {
				return false, nil
			}
			delete(s.events, prevID)
		}
		s.addrs[addr] = ev.ID
	}
	s.events[ev.ID] = ev
	return true, nil
}

func (s *MemoryStore) Query(_ context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*nostr.Event
	for _, ev := range s.events {
		if filter.Matches(ev) {
			out = append(out, ev)
		}
	}
	return newestFirst(out, filter.Limit), nil
}

// replaceableAddress returns the identity under which a newer event replaces
// an older one: pubkey and kind, plus the d tag for parameterized kinds.
func replaceableAddress(ev *nostr.Event) (string, bool) {
	switch {
	case ev.Kind == 0 || ev.Kind == 3 || (ev.Kind >= 10000 && ev.Kind < 20000):
		return ev.PubKey + ":" + strconv.Itoa(ev.Kind), true
	case ev.Kind >= 30000 && ev.Kind < 40000:
		return ev.PubKey + ":" + strconv.Itoa(ev.Kind) + ":" + ev.Tags.GetD(), true
	}
	return "", false
}

func replaceableKind(kind int) bool {
	_, ok := replaceableAddress(&nostr.Event{Kind: kind})
	return ok
}

func supersedes(ev *nostr.Event, prev *nostr.Event) bool {
	if prev == nil {
		return true
	}
	if ev.CreatedAt != prev.CreatedAt {
		return ev.CreatedAt > prev.CreatedAt
	}
	return ev.ID < prev.ID
}

func newestFirst(events []*nostr.Event, limit int) []*nostr.Event {
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt > events[j].CreatedAt
		}
		return events[i].ID < events[j].ID
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events
}
