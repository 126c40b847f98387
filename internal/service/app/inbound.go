package app

import (
	"incognito_chat/internal/cryptographic/signature"
	"incognito_chat/internal/metrics"
	"incognito_chat/internal/model"
	"incognito_chat/internal/protocol/envelope"
	"incognito_chat/internal/protocol/router"
	"incognito_chat/internal/protocol/wire"
	"incognito_chat/internal/service/relay"
	"incognito_chat/internal/utils/log"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

func (a *App) handleFrame(url string, frame wire.RelayFrame) {
	switch f := frame.(type) {
	case wire.EventFrame:
		a.handleEvent(f.Event)
	case wire.OKFrame:
		a.handleAck(url, f)
	case wire.NoticeFrame:
		log.Warn("relay notice", zap.String("relay", url), zap.String("message", f.Message))
		a.display.Notice(url, f.Message)
	case wire.EOSEFrame:
		a.handleEOSE(url, f.SubscriptionID)
	case wire.ClosedFrame:
		log.Warn("subscription closed by relay",
			zap.String("relay", url),
			zap.String("subscription", f.SubscriptionID),
			zap.String("reason", f.Reason),
		)
	}
}

func (a *App) handleEvent(ev *nostr.Event) {
	if ev == nil || !signature.Verify(ev) {
		log.Debug("dropping event with bad signature")
		return
	}
	if !a.seen.Add(ev.ID) {
		return
	}

	switch ev.Kind {
	case model.KindDirectMessage:
		if !a.route(ev) && a.pending.Add(ev, a.now()) {
			log.Debug("buffered unresolved event", zap.String("id", ev.ID))
			metrics.SetPendingBufferSize(a.pending.Len())
		}
	case model.KindProfile:
		a.handleProfile(ev)
	case model.KindBackup:
		a.handleBackup(ev)
	}
}

func (a *App) handleEOSE(url string, id string) {
	if id == a.convSub {
		a.retryPending()
		return
	}
	if waiting, ok := a.profileSubs[id]; ok {
		delete(waiting, url)
		a.closeProfileSubIfDone(id)
	}
}

// route resolves ev to a conversation or an invitation. It reports false when
// ev should wait in the pending buffer.
func (a *App) route(ev *nostr.Event) bool {
	author, err := model.ParseKey(ev.PubKey)
	if err != nil {
		return true
	}
	if !a.cfg.Router.SyncOwnEcho && a.store.OwnsIdentity(author) {
		return true
	}

	priv := a.signer.PrivateKey()
	res := router.Resolve(ev, a.store.Conversations(), router.OpenerFunc(func(ev *nostr.Event) (*model.EnvelopePayload, bool) {
		return envelope.Open(ev, priv, author)
	}))

	switch res.Outcome {
	case router.Matched:
		metrics.RouterResolution(res.Via.String())
		a.deliver(ev, res)
		return true
	case router.Ambiguous:
		metrics.RouterResolution("ambiguous")
		log.Warn("event matches several conversations",
			zap.String("id", ev.ID),
			zap.Stringer("via", res.Via),
			zap.Int("candidates", len(res.Candidates)),
		)
		return true
	}

	// A payload means the event is an envelope from someone we have no
	// conversation with yet, not an invitation.
	if res.Payload == nil {
		if to, ok := envelope.Addressee(ev); ok && to.Equal(a.self) {
			return a.receiveInvitation(ev)
		}
	}
	// Nothing can ever claim it without a conversation to match against.
	return a.store.Len() == 0
}

func (a *App) deliver(ev *nostr.Event, res router.Result) {
	rec, ok := a.store.Conversation(res.Counterparty)
	if !ok {
		return
	}
	if res.Via == router.ViaSenderIdentity {
		// Our own invitation coming back.
		return
	}

	outgoing := res.Via.Own()
	payload := res.Payload
	if outgoing {
		to, ok := envelope.Addressee(ev)
		if !ok {
			return
		}
		if payload, ok = envelope.Open(ev, rec.ConversationIdentity.PrivateKey, to); !ok {
			metrics.DecryptFailure()
			log.Debug("cannot decrypt own echo", zap.String("id", ev.ID))
			return
		}
	} else if payload == nil {
		author, err := model.ParseKey(ev.PubKey)
		if err != nil {
			return
		}
		if payload, ok = envelope.Open(ev, a.signer.PrivateKey(), author); !ok {
			metrics.DecryptFailure()
			log.Debug("cannot decrypt envelope", zap.String("id", ev.ID), log.Pubkey("counterparty", rec.Recipient.Hex()))
			return
		}
	}

	inner, ok := envelope.Author(payload)
	if !ok {
		return
	}
	if (outgoing && !inner.Equal(a.self)) || (!outgoing && !inner.Equal(rec.Recipient)) {
		log.Warn("envelope signed by unexpected author",
			zap.String("id", ev.ID),
			log.Pubkey("author", inner.Hex()),
			log.Pubkey("counterparty", rec.Recipient.Hex()),
		)
		return
	}

	changed := false
	if res.LearnReplyIdentity {
		author, err := model.ParseKey(ev.PubKey)
		if err != nil {
			return
		}
		rec.RecipientReplyIdentity = &author
		changed = true
		log.Info("learned reply identity",
			log.Pubkey("counterparty", rec.Recipient.Hex()),
			log.Pubkey("identity", author.Hex()),
		)
	}
	if !outgoing && rec.Status == model.ConversationPending {
		rec.Status = model.ConversationActive
		changed = true
	}
	if !outgoing && payload.Profile != nil {
		a.updateProfile(rec.Recipient, model.Profile{Metadata: *payload.Profile, UpdatedAt: payload.ProfileUpdatedAt})
	}

	msg := model.Message{
		ID:           payload.Event.ID,
		WireID:       ev.ID,
		Counterparty: rec.Recipient,
		Author:       inner,
		Outgoing:     outgoing,
		Content:      payload.Event.Content,
		CreatedAt:    int64(payload.Event.CreatedAt),
		Delivery:     model.DeliverySent,
	}
	if a.timelineFor(rec.Recipient).add(msg) {
		a.display.MessageAdded(rec.Recipient, msg)
	}

	if changed {
		a.save()
		if res.LearnReplyIdentity {
			a.resubscribe()
		}
		a.notifyConversations()
	}
}

// resubscribe replaces the conversation subscription with one covering every
// identity we currently expect traffic from.
func (a *App) resubscribe() {
	since := relay.Watermark(a.store.Conversations(), a.now(), a.cfg.Router.HistoryFallback.Duration, a.cfg.Router.WatermarkMargin.Duration)
	var outgoing []model.Key
	if a.cfg.Router.SyncOwnEcho {
		outgoing = a.store.OutgoingAuthors()
	}
	filters := relay.ConversationFilters(a.self, a.store.IncomingAuthors(), outgoing, since)

	id := "conversations-" + uuid.NewString()
	if err := a.relays.Subscribe(id, filters); err != nil {
		log.Error("subscribe conversations failed", zap.Error(err))
		return
	}
	if a.convSub != "" {
		a.relays.Unsubscribe(a.convSub)
	}
	a.convSub = id
	log.Debug("conversation subscription issued", zap.String("id", id), zap.Int64("since", int64(since)))
}

func (a *App) subscribeBackup() {
	id := "backup-" + uuid.NewString()
	if err := a.relays.Subscribe(id, relay.BackupFilters(a.self)); err != nil {
		log.Error("subscribe backup failed", zap.Error(err))
		return
	}
	a.backupSub = id
}

// retryPending offers every buffered event to the router again. Calls made
// while a pass is running fold into one extra pass.
func (a *App) retryPending() {
	if a.retrying {
		a.retryAgain = true
		return
	}
	a.retrying = true
	defer func() { a.retrying = false }()

	for {
		a.retryAgain = false
		if n := a.pending.Retry(a.now(), a.route); n > 0 {
			log.Debug("resolved buffered events", zap.Int("count", n))
		}
		if !a.retryAgain {
			break
		}
	}
	metrics.SetPendingBufferSize(a.pending.Len())
}

func (a *App) armSweep() {
	a.sweepTimer = a.after(a.cfg.Router.PendingSweepInterval.Duration, a.sweep)
}

func (a *App) sweep() {
	a.retryPending()

	if n := a.tracker.Prune(a.now().Add(-deliveryRetention)); n > 0 {
		for id := range a.outbound {
			if _, ok := a.tracker.Get(id); !ok {
				delete(a.outbound, id)
			}
		}
	}
	a.armSweep()
}
