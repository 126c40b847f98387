package app

import (
	"context"
	"strings"

	"incognito_chat/internal/config"
	"incognito_chat/internal/model"
)

// SendMessage sends text to recipient, publishing an invitation first when
// no conversation exists yet. It returns the wire event id tracked by
// DeliveryStatus.
func (a *App) SendMessage(ctx context.Context, recipient model.Key, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyMessage
	}
	if recipient.Equal(a.self) {
		return "", ErrSelfConversation
	}

	var (
		id  string
		err error
	)
	if cerr := a.call(ctx, func() { id, err = a.send(recipient, text) }); cerr != nil {
		return "", cerr
	}
	return id, err
}

func (a *App) AcceptInvitation(ctx context.Context, sender model.Key) error {
	var err error
	if cerr := a.call(ctx, func() { err = a.acceptInvitation(sender) }); cerr != nil {
		return cerr
	}
	return err
}

func (a *App) Invitations(ctx context.Context) ([]model.PendingInvitation, error) {
	var out []model.PendingInvitation
	err := a.call(ctx, func() {
		for _, inv := range a.store.Invitations() {
			out = append(out, *inv)
		}
	})
	return out, err
}

func (a *App) Conversations(ctx context.Context) ([]model.ConversationRecord, error) {
	var out []model.ConversationRecord
	err := a.call(ctx, func() {
		for _, rec := range a.store.Conversations() {
			out = append(out, *rec.Clone())
		}
	})
	return out, err
}

// Timeline returns the history with counterparty in signed-time order.
func (a *App) Timeline(ctx context.Context, counterparty model.Key) ([]model.Message, error) {
	var out []model.Message
	err := a.call(ctx, func() {
		if t, ok := a.timelines[counterparty]; ok {
			out = t.snapshot()
		}
	})
	return out, err
}

func (a *App) DeliveryStatus(ctx context.Context, eventID string) (model.OutboundMessageStatus, bool, error) {
	var (
		out model.OutboundMessageStatus
		ok  bool
	)
	err := a.call(ctx, func() {
		var s *model.OutboundMessageStatus
		if s, ok = a.tracker.Get(eventID); ok {
			out = s.Snapshot()
		}
	})
	return out, ok, err
}

func (a *App) RetryFailed(ctx context.Context, eventID string) error {
	var err error
	if cerr := a.call(ctx, func() { err = a.retryFailed(eventID) }); cerr != nil {
		return cerr
	}
	return err
}

// DeleteConversation forgets the record and its history. The conversation
// index is not reused.
func (a *App) DeleteConversation(ctx context.Context, counterparty model.Key) error {
	var err error
	cerr := a.call(ctx, func() {
		if !a.store.DeleteConversation(counterparty) {
			err = ErrUnknownConversation
			return
		}
		delete(a.timelines, counterparty)
		for id, out := range a.outbound {
			if !out.counterparty.Equal(counterparty) {
				continue
			}
			if t, ok := a.retryTimers[id]; ok {
				t.Stop()
				delete(a.retryTimers, id)
			}
			a.tracker.Drop(id)
			delete(a.outbound, id)
		}
		a.save()
		a.resubscribe()
		a.notifyConversations()
	})
	if cerr != nil {
		return cerr
	}
	return err
}

// MarkRead moves the conversation's read marker, which also advances the
// subscription watermark on the next resubscribe.
func (a *App) MarkRead(ctx context.Context, counterparty model.Key) error {
	var err error
	cerr := a.call(ctx, func() {
		rec, ok := a.store.Conversation(counterparty)
		if !ok {
			err = ErrUnknownConversation
			return
		}
		ts := a.now().Unix()
		if last, ok := a.timelineFor(counterparty).last(); ok && last.CreatedAt > ts {
			ts = last.CreatedAt
		}
		rec.LastReadAt = ts
		a.save()
	})
	if cerr != nil {
		return cerr
	}
	return err
}

func (a *App) ConnectRelay(ctx context.Context, rawURL string) error {
	return a.relayOp(ctx, rawURL, func(url string) {
		a.relays.Connect(url)
		a.setRelayEnabled(url, true)
	})
}

func (a *App) DisconnectRelay(ctx context.Context, rawURL string) error {
	return a.relayOp(ctx, rawURL, func(url string) {
		a.relays.Disconnect(url)
		a.setRelayEnabled(url, false)
		a.display.RelayStatus(url, false)
	})
}

func (a *App) AddRelay(ctx context.Context, rawURL string) error {
	return a.relayOp(ctx, rawURL, func(url string) {
		a.relays.Add(url)
		a.setRelayEnabled(url, true)
	})
}

func (a *App) RemoveRelay(ctx context.Context, rawURL string) error {
	return a.relayOp(ctx, rawURL, func(url string) {
		a.relays.Remove(url)
		kept := a.cfg.Relays[:0]
		for _, r := range a.cfg.Relays {
			if r.URL != url {
				kept = append(kept, r)
			}
		}
		a.cfg.Relays = kept
		a.display.RelayStatus(url, false)
	})
}

// Relays lists the known relay urls and the ones currently open.
func (a *App) Relays() (known []string, connected []string) {
	return a.relays.Relays(), a.relays.Connected()
}

func (a *App) PublishBackup(ctx context.Context) error {
	var err error
	if cerr := a.call(ctx, func() { err = a.publishBackup() }); cerr != nil {
		return cerr
	}
	return err
}

func (a *App) SetProfile(ctx context.Context, md model.ProfileMetadata) error {
	var err error
	if cerr := a.call(ctx, func() { err = a.setProfile(md) }); cerr != nil {
		return cerr
	}
	return err
}

// Profile returns the cached profile of pubkey.
func (a *App) Profile(ctx context.Context, pubkey model.Key) (model.Profile, bool, error) {
	var (
		p  model.Profile
		ok bool
	)
	err := a.call(ctx, func() {
		if pubkey.Equal(a.self) && a.store.Profile != nil {
			p, ok = *a.store.Profile, true
			return
		}
		p, ok = a.profiles[pubkey]
	})
	return p, ok, err
}

func (a *App) relayOp(ctx context.Context, rawURL string, fn func(url string)) error {
	url, err := config.NormalizeRelayURL(rawURL)
	if err != nil {
		return err
	}
	return a.call(ctx, func() { fn(url) })
}

func (a *App) setRelayEnabled(url string, enabled bool) {
	for i := range a.cfg.Relays {
		if a.cfg.Relays[i].URL == url {
			a.cfg.Relays[i].Enabled = enabled
			return
		}
	}
	a.cfg.Relays = append(a.cfg.Relays, config.Relay{URL: url, Enabled: enabled})
}
