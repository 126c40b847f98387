package state

import (
	"bytes"
	"sort"

	"incognito_chat/internal/model"
)

// Store is the single owned conversation state of a node. It is not safe for
// concurrent use; the engine's worker goroutine owns it.
type Store struct {
	Seed                model.Key
	ConversationCounter uint32
	Profile             *model.Profile

	conversations map[model.Key]*model.ConversationRecord
	invitations   map[model.Key]*model.PendingInvitation
}

func New(seed model.Key) *Store {
	return &Store{
		Seed:          seed,
		conversations: make(map[model.Key]*model.ConversationRecord),
		invitations:   make(map[model.Key]*model.PendingInvitation),
	}
}

func (s *Store) Conversation(counterparty model.Key) (*model.ConversationRecord, bool) {
	rec, ok := s.conversations[counterparty]
	return rec, ok
}

func (s *Store) PutConversation(rec *model.ConversationRecord) {
	s.conversations[rec.Recipient] = rec
}

func (s *Store) DeleteConversation(counterparty model.Key) bool {
	if _, ok := s.conversations[counterparty]; !ok {
		return false
	}
	delete(s.conversations, counterparty)
	return true
}

func (s *Store) Len() int {
	return len(s.conversations)
}

// Conversations returns records ordered by creation time, then counterparty.
func (s *Store) Conversations() []*model.ConversationRecord {
	out := make([]*model.ConversationRecord, 0, len(s.conversations))
	for _, rec := range s.conversations {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return bytes.Compare(out[i].Recipient[:], out[j].Recipient[:]) < 0
	})
	return out
}

// AllocateIndex hands out the next conversation index. Indexes are never
// reused.
func (s *Store) AllocateIndex() uint32 {
	index := s.ConversationCounter
	s.ConversationCounter++
	return index
}

// OwnsIdentity reports whether pub is one of our disposable identities.
func (s *Store) OwnsIdentity(pub model.Key) bool {
	for _, rec := range s.conversations {
		for _, own := range rec.OwnIdentities() {
			if own.Equal(pub) {
				return true
			}
		}
	}
	return false
}

// IncomingAuthors lists every peer identity we expect traffic from.
func (s *Store) IncomingAuthors() []model.Key {
	var out []model.Key
	for _, rec := range s.Conversations() {
		out = append(out, rec.IncomingIdentities()...)
	}
	return dedupe(out)
}

// OutgoingAuthors lists our conversation identities.
func (s *Store) OutgoingAuthors() []model.Key {
	var out []model.Key
	for _, rec := range s.Conversations() {
		out = append(out, rec.ConversationIdentity.PublicKey)
	}
	return dedupe(out)
}

func (s *Store) Invitation(sender model.Key) (*model.PendingInvitation, bool) {
	inv, ok := s.invitations[sender]
	return inv, ok
}

func (s *Store) PutInvitation(inv *model.PendingInvitation) {
	s.invitations[inv.SenderPubkey] = inv
}

func (s *Store) Invitations() []*model.PendingInvitation {
	out := make([]*model.PendingInvitation, 0, len(s.invitations))
	for _, inv := range s.invitations {
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ReceivedAt < out[j].ReceivedAt
	})
	return out
}

// InvitationAccepted reports whether an invitation announcing conversation
// was already accepted.
func (s *Store) InvitationAccepted(conversation model.Key) bool {
	for _, inv := range s.invitations {
		if inv.Status == model.InvitationAccepted && inv.ConversationPubkey.Equal(conversation) {
			return true
		}
	}
	return false
}

func dedupe(keys []model.Key) []model.Key {
	seen := make(map[model.Key]struct{}, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
