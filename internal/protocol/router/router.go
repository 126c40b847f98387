package router

import (
	"incognito_chat/internal/model"
	"incognito_chat/internal/protocol/envelope"

	"github.com/nbd-wtf/go-nostr"
)

type (
	Outcome uint8

	// Via names the rule that matched.
	Via uint8

	// Opener decrypts an inbound envelope with the local long-term key and
	// the event author. It is used to disambiguate and to learn reply
	// identities.
	Opener interface {
		Open(ev *nostr.Event) (*model.EnvelopePayload, bool)
	}

	OpenerFunc func(ev *nostr.Event) (*model.EnvelopePayload, bool)

	Result struct {
		Outcome      Outcome
		Via          Via
		Counterparty model.Key
		// Payload is set when resolution already had to decrypt the event.
		Payload *model.EnvelopePayload
		// LearnReplyIdentity asks the caller to bind the event author as the
		// record's reply identity.
		LearnReplyIdentity bool
		Candidates         []model.Key
	}
)

const (
	Unmatched Outcome = iota
	Matched
	Ambiguous
)

const (
	ViaNone Via = iota
	// ViaPeerConversation: author is the identity the peer announced.
	ViaPeerConversation
	// ViaOwnConversation: author is our own conversation identity (echo).
	ViaOwnConversation
	// ViaSenderIdentity: author is our own invitation identity (echo).
	ViaSenderIdentity
	// ViaReplyIdentity: author is the peer's learned reply identity.
	ViaReplyIdentity
	// ViaFallback: decrypted and bound to a record without a reply identity.
	ViaFallback
)

func (f OpenerFunc) Open(ev *nostr.Event) (*model.EnvelopePayload, bool) {
	return f(ev)
}

func (o Outcome) String() string {
	switch o {
	case Matched:
		return "matched"
	case Ambiguous:
		return "ambiguous"
	}
	return "unmatched"
}

func (v Via) String() string {
	switch v {
	case ViaPeerConversation:
		return "peer_conversation"
	case ViaOwnConversation:
		return "own_conversation"
	case ViaSenderIdentity:
		return "sender_identity"
	case ViaReplyIdentity:
		return "reply_identity"
	case ViaFallback:
		return "fallback"
	}
	return "none"
}

// Own reports whether the match means the event is our own echoed traffic.
func (v Via) Own() bool {
	return v == ViaOwnConversation || v == ViaSenderIdentity
}

// Resolve maps an inbound event to a conversation. Rules are tried in
// priority order and the first rule with any hit decides the result:
//
//  1. author is a record's peer conversation identity, or our own
//     conversation identity
//  2. author is our sender identity for a record
//  3. author is a record's learned reply identity
//  4. the event decrypts under our long-term key and its inner author is the
//     counterparty of a record still lacking a reply identity
//
// Resolve never mutates records.
func Resolve(ev *nostr.Event, records []*model.ConversationRecord, opener Opener) Result {
	author, err := model.ParseKey(ev.PubKey)
	if err != nil {
		return Result{Outcome: Unmatched}
	}

	var peer, own []*model.ConversationRecord
	for _, rec := range records {
		if rec.PeerConversationKey != nil && rec.PeerConversationKey.Equal(author) {
			peer = append(peer, rec)
		}
		if rec.ConversationIdentity.PublicKey.Equal(author) {
			own = append(own, rec)
		}
	}
	if len(peer) > 0 {
		return pickInbound(ev, peer, ViaPeerConversation, opener)
	}
	if len(own) > 0 {
		return pickOwn(ev, own, ViaOwnConversation)
	}

	var sender []*model.ConversationRecord
	for _, rec := range records {
		if rec.SenderIdentity.PublicKey.Equal(author) {
			sender = append(sender, rec)
		}
	}
	if len(sender) > 0 {
		return pickOwn(ev, sender, ViaSenderIdentity)
	}

	var reply []*model.ConversationRecord
	for _, rec := range records {
		if rec.RecipientReplyIdentity != nil && rec.RecipientReplyIdentity.Equal(author) {
			reply = append(reply, rec)
		}
	}
	if len(reply) > 0 {
		return pickInbound(ev, reply, ViaReplyIdentity, opener)
	}

	return fallback(ev, records, opener)
}

// pickInbound settles a peer-authored match. When several records share the
// identity the inner author decides.
func pickInbound(ev *nostr.Event, candidates []*model.ConversationRecord, via Via, opener Opener) Result {
	if len(candidates) == 1 {
		return Result{Outcome: Matched, Via: via, Counterparty: candidates[0].Recipient}
	}
	if opener != nil {
		if payload, ok := opener.Open(ev); ok {
			if inner, ok := envelope.Author(payload); ok {
				for _, rec := range candidates {
					if rec.Recipient.Equal(inner) {
						return Result{Outcome: Matched, Via: via, Counterparty: rec.Recipient, Payload: payload}
					}
				}
			}
		}
	}
	return ambiguous(via, candidates)
}

// pickOwn settles an echo of our own traffic by its addressee.
func pickOwn(ev *nostr.Event, candidates []*model.ConversationRecord, via Via) Result {
	if len(candidates) == 1 {
		return Result{Outcome: Matched, Via: via, Counterparty: candidates[0].Recipient}
	}
	if to, ok := envelope.Addressee(ev); ok {
		for _, rec := range candidates {
			if rec.Recipient.Equal(to) {
				return Result{Outcome: Matched, Via: via, Counterparty: rec.Recipient}
			}
		}
	}
	return ambiguous(via, candidates)
}

func fallback(ev *nostr.Event, records []*model.ConversationRecord, opener Opener) Result {
	if opener == nil {
		return Result{Outcome: Unmatched}
	}
	open := false
	for _, rec := range records {
		if rec.RecipientReplyIdentity == nil {
			open = true
			break
		}
	}
	if !open {
		return Result{Outcome: Unmatched}
	}

	payload, ok := opener.Open(ev)
	if !ok {
		return Result{Outcome: Unmatched}
	}
	inner, ok := envelope.Author(payload)
	if !ok {
		return Result{Outcome: Unmatched}
	}
	for _, rec := range records {
		if rec.RecipientReplyIdentity == nil && rec.Recipient.Equal(inner) {
			return Result{
				Outcome:            Matched,
				Via:                ViaFallback,
				Counterparty:       rec.Recipient,
				Payload:            payload,
				LearnReplyIdentity: true,
			}
		}
	}
	return Result{Outcome: Unmatched, Payload: payload}
}

func ambiguous(via Via, candidates []*model.ConversationRecord) Result {
	keys := make([]model.Key, 0, len(candidates))
	for _, rec := range candidates {
		keys = append(keys, rec.Recipient)
	}
	return Result{Outcome: Ambiguous, Via: via, Candidates: keys}
}
