package app

import (
	"bytes"
	"encoding/json"
	"sort"

	"incognito_chat/internal/model"
	"incognito_chat/internal/service/relay"
	"incognito_chat/internal/utils/log"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

func (a *App) handleProfile(ev *nostr.Event) {
	author, err := model.ParseKey(ev.PubKey)
	if err != nil {
		return
	}
	var md model.ProfileMetadata
	if err := json.Unmarshal([]byte(ev.Content), &md); err != nil {
		log.Debug("ignoring malformed profile", zap.String("id", ev.ID), zap.Error(err))
		return
	}
	a.updateProfile(author, model.Profile{Metadata: md, UpdatedAt: int64(ev.CreatedAt)})
}

// updateProfile caches p unless a newer profile is already known.
func (a *App) updateProfile(pubkey model.Key, p model.Profile) bool {
	if cur, ok := a.profiles[pubkey]; ok && p.UpdatedAt < cur.UpdatedAt {
		return false
	}
	a.profiles[pubkey] = p
	a.display.ProfileUpdated(pubkey, p)
	return true
}

// requestProfile asks relays for pubkey's profile. Requests are debounced,
// batched and limited to one per cooldown per pubkey.
func (a *App) requestProfile(pubkey model.Key) {
	if pubkey.Equal(a.self) {
		return
	}
	if last, ok := a.profileAsked[pubkey]; ok && a.now().Sub(last) < a.cfg.Profile.Cooldown.Duration {
		return
	}
	a.profileWant[pubkey] = struct{}{}
	if a.profileTimer == nil {
		a.profileTimer = a.after(a.cfg.Profile.Debounce.Duration, a.flushProfileRequests)
	}
}

func (a *App) flushProfileRequests() {
	a.profileTimer = nil
	if len(a.profileWant) == 0 {
		return
	}

	now := a.now()
	authors := make([]model.Key, 0, len(a.profileWant))
	for k := range a.profileWant {
		authors = append(authors, k)
		a.profileAsked[k] = now
	}
	clear(a.profileWant)
	sort.Slice(authors, func(i, j int) bool {
		return bytes.Compare(authors[i][:], authors[j][:]) < 0
	})

	connected := a.relays.Connected()
	for _, filters := range relay.ProfileFilters(authors, a.cfg.Profile.BatchSize) {
		id := "profile-" + uuid.NewString()
		if err := a.relays.Subscribe(id, filters); err != nil {
			log.Error("subscribe profiles failed", zap.Error(err))
			continue
		}
		// Relays that open later get the REQ replayed; the sub stays until
		// every relay asked now has sent EOSE, or the first EOSE when none
		// were open.
		waiting := make(map[string]struct{}, len(connected))
		for _, url := range connected {
			waiting[url] = struct{}{}
		}
		a.profileSubs[id] = waiting
	}
	log.Debug("requested profiles", zap.Int("authors", len(authors)))
}

func (a *App) closeProfileSubIfDone(id string) {
	if len(a.profileSubs[id]) > 0 {
		return
	}
	delete(a.profileSubs, id)
	a.relays.Unsubscribe(id)
}

// profileRelayGone stops waiting on url for profile subscriptions.
func (a *App) profileRelayGone(url string) {
	for id, waiting := range a.profileSubs {
		if _, ok := waiting[url]; !ok {
			continue
		}
		delete(waiting, url)
		a.closeProfileSubIfDone(id)
	}
}

// setProfile stores and publishes the local profile.
func (a *App) setProfile(md model.ProfileMetadata) error {
	now := a.now()
	content, err := json.Marshal(md)
	if err != nil {
		return err
	}
	ev := &nostr.Event{
		Kind:      model.KindProfile,
		CreatedAt: nostr.Timestamp(now.Unix()),
		Tags:      nostr.Tags{},
		Content:   string(content),
	}
	if err := a.signer.Sign(ev); err != nil {
		return err
	}

	a.store.Profile = &model.Profile{Metadata: md, UpdatedAt: now.Unix()}
	if _, _, err := a.dispatch(ev); err != nil {
		return err
	}
	a.save()
	return nil
}
