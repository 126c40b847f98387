package app

import (
	"errors"

	"incognito_chat/internal/model"
	"incognito_chat/internal/protocol/handshake"
	"incognito_chat/internal/service/relay"
	"incognito_chat/internal/utils/log"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// initiate allocates a conversation index for recipient, stores the record
// and publishes the invitation.
func (a *App) initiate(recipient model.Key) (*model.ConversationRecord, error) {
	relayURL := a.primaryRelay()
	if relayURL == "" {
		return nil, relay.ErrNoRelays
	}

	var profile *model.ProfileMetadata
	if a.store.Profile != nil {
		md := a.store.Profile.Metadata
		profile = &md
	}

	now := a.now()
	index := a.store.AllocateIndex()
	rec, ev, err := handshake.Initiate(a.signer, a.deriver, recipient, index, relayURL, profile, now)
	if err != nil {
		return nil, err
	}
	a.store.PutConversation(rec)
	a.timelineFor(recipient)

	payload, sent, err := a.dispatch(ev)
	if err != nil {
		return nil, err
	}
	a.tracker.Register(ev.ID, payload, sent, now)
	a.outbound[ev.ID] = outboundEntry{counterparty: recipient}

	log.Info("conversation initiated",
		log.Pubkey("recipient", recipient.Hex()),
		zap.Uint32("index", index),
		zap.Int("relays", len(sent)),
	)

	a.save()
	a.resubscribe()
	a.notifyConversations()
	a.requestProfile(recipient)
	return rec, nil
}

// receiveInvitation tries ev as an invitation addressed to us. It reports
// false when ev is not an invitation at all.
func (a *App) receiveInvitation(ev *nostr.Event) bool {
	inv, err := handshake.Open(ev, a.signer.PrivateKey(), a.self)
	switch {
	case errors.Is(err, handshake.ErrSignatureInvalid):
		log.Warn("rejected invitation with invalid signature", zap.String("id", ev.ID))
		return true
	case err != nil:
		return false
	}

	if inv.SenderPubkey.Equal(a.self) || a.store.InvitationAccepted(inv.ConversationPubkey) {
		return true
	}
	if _, ok := a.store.Conversation(inv.SenderPubkey); ok {
		log.Debug("ignoring invitation for existing conversation", log.Pubkey("sender", inv.SenderPubkey.Hex()))
		return true
	}
	if prev, ok := a.store.Invitation(inv.SenderPubkey); ok && prev.ConversationPubkey.Equal(inv.ConversationPubkey) {
		return true
	}

	pi := &model.PendingInvitation{
		SenderPubkey:       inv.SenderPubkey,
		ConversationPubkey: inv.ConversationPubkey,
		Relay:              inv.Relay,
		ConversationIndex:  inv.ConversationIndex,
		ReceivedAt:         a.now().Unix(),
		Status:             model.InvitationReceived,
		Profile:            inv.Profile,
	}
	a.store.PutInvitation(pi)
	if inv.Profile != nil {
		a.updateProfile(inv.SenderPubkey, model.Profile{Metadata: *inv.Profile, UpdatedAt: int64(ev.CreatedAt)})
	}

	log.Info("invitation received",
		log.Pubkey("sender", inv.SenderPubkey.Hex()),
		zap.Uint32("index", inv.ConversationIndex),
		zap.Bool("legacy", inv.Legacy),
	)
	a.save()
	a.display.InvitationReceived(*pi)

	if a.cfg.Router.AutoAccept {
		sender := inv.SenderPubkey
		if t, ok := a.acceptTimers[sender]; ok {
			t.Stop()
		}
		a.acceptTimers[sender] = a.after(a.cfg.Router.AutoAcceptDelay.Duration, func() {
			delete(a.acceptTimers, sender)
			if err := a.acceptInvitation(sender); err != nil && !errors.Is(err, ErrConversationExists) {
				log.Warn("auto-accept failed", log.Pubkey("sender", sender.Hex()), zap.Error(err))
			}
		})
	}
	return true
}

func (a *App) acceptInvitation(sender model.Key) error {
	pi, ok := a.store.Invitation(sender)
	if !ok {
		return ErrUnknownInvitation
	}
	if pi.Status == model.InvitationAccepted {
		return nil
	}
	if _, ok := a.store.Conversation(sender); ok {
		pi.Status = model.InvitationAccepted
		return ErrConversationExists
	}

	rec, err := handshake.Accept(a.deriver, a.self, &handshake.Invitation{
		SenderPubkey:       pi.SenderPubkey,
		ConversationPubkey: pi.ConversationPubkey,
		Relay:              pi.Relay,
		ConversationIndex:  pi.ConversationIndex,
		Profile:            pi.Profile,
	}, a.now())
	if err != nil {
		return err
	}
	a.store.PutConversation(rec)
	a.timelineFor(sender)
	pi.Status = model.InvitationAccepted

	log.Info("invitation accepted", log.Pubkey("sender", sender.Hex()))

	a.save()
	a.resubscribe()
	a.retryPending()
	a.notifyConversations()
	a.requestProfile(sender)
	return nil
}

// primaryRelay is announced in invitations: the first open relay, else the
// first known one.
func (a *App) primaryRelay() string {
	if connected := a.relays.Connected(); len(connected) > 0 {
		return connected[0]
	}
	if known := a.relays.Relays(); len(known) > 0 {
		return known[0]
	}
	if enabled := a.cfg.EnabledRelays(); len(enabled) > 0 {
		return enabled[0]
	}
	return ""
}
