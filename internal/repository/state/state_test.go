package state

import (
	"context"
	"strings"
	"testing"

	"incognito_chat/internal/model"
	"incognito_chat/internal/protocol/identity"
	"incognito_chat/internal/repository/kv"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	seed   = model.MustParseKey(strings.Repeat("5a", 32))
	ownPub = model.MustParseKey(strings.Repeat("0c", 32))
	alice  = model.MustParseKey(strings.Repeat("a1", 32))
	bob    = model.MustParseKey(strings.Repeat("b2", 32))
)

func record(t *testing.T, peer model.Key, role model.Role, index uint32, createdAt int64) *model.ConversationRecord {
	t.Helper()
	counterparty := peer
	if role == model.RoleRecipient {
		counterparty = ownPub
	}
	sender, err := identity.Derive(seed, counterparty, index, identity.SenderRole)
	require.NoError(t, err)
	conv, err := identity.Derive(seed, counterparty, index, identity.ConversationRole)
	require.NoError(t, err)
	return &model.ConversationRecord{
		Recipient:            peer,
		Role:                 role,
		ConversationIndex:    index,
		SenderIdentity:       sender,
		ConversationIdentity: conv,
		Relay:                "wss://relay.example",
		Status:               model.ConversationActive,
		CreatedAt:            createdAt,
	}
}

func TestStoreOrderingAndIndexes(t *testing.T) {
	s := New(seed)
	assert.Equal(t, uint32(0), s.AllocateIndex())
	assert.Equal(t, uint32(1), s.AllocateIndex())

	s.PutConversation(record(t, bob, model.RoleInitiator, 1, 20))
	s.PutConversation(record(t, alice, model.RoleInitiator, 0, 10))

	recs := s.Conversations()
	require.Len(t, recs, 2)
	assert.Equal(t, alice, recs[0].Recipient)
	assert.Equal(t, bob, recs[1].Recipient)

	assert.True(t, s.OwnsIdentity(recs[0].SenderIdentity.PublicKey))
	assert.False(t, s.OwnsIdentity(alice))

	assert.True(t, s.DeleteConversation(alice))
	assert.False(t, s.DeleteConversation(alice))
	assert.Equal(t, 1, s.Len())
}

func TestStoreAuthors(t *testing.T) {
	s := New(seed)
	assert.Empty(t, s.IncomingAuthors())

	rec := record(t, alice, model.RoleRecipient, 3, 1)
	peer := model.MustParseKey(strings.Repeat("d4", 32))
	rec.PeerConversationKey = &peer
	s.PutConversation(rec)

	other := record(t, bob, model.RoleInitiator, 0, 2)
	reply := model.MustParseKey(strings.Repeat("e5", 32))
	other.RecipientReplyIdentity = &reply
	s.PutConversation(other)

	assert.Equal(t, []model.Key{peer, reply}, s.IncomingAuthors())
	assert.Equal(t, []model.Key{rec.ConversationIdentity.PublicKey, other.ConversationIdentity.PublicKey}, s.OutgoingAuthors())
}

func TestInvitationAccepted(t *testing.T) {
	s := New(seed)
	conv := model.MustParseKey(strings.Repeat("d4", 32))
	s.PutInvitation(&model.PendingInvitation{SenderPubkey: alice, ConversationPubkey: conv, Status: model.InvitationReceived})
	assert.False(t, s.InvitationAccepted(conv))

	inv, ok := s.Invitation(alice)
	require.True(t, ok)
	inv.Status = model.InvitationAccepted
	assert.True(t, s.InvitationAccepted(conv))
}

func TestRepoRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := NewRepo(kv.NewMemoryStore())

	loaded, migrated, err := repo.Load(ctx, ownPub)
	require.NoError(t, err)
	assert.Nil(t, loaded)
	assert.False(t, migrated)

	s := New(seed)
	s.ConversationCounter = 4
	s.Profile = &model.Profile{Metadata: model.ProfileMetadata{Name: "carol"}, UpdatedAt: 99}
	rec := record(t, alice, model.RoleRecipient, 2, 10)
	peer := model.MustParseKey(strings.Repeat("d4", 32))
	rec.PeerConversationKey = &peer
	rec.LastReadAt = 12
	s.PutConversation(rec)
	s.PutInvitation(&model.PendingInvitation{SenderPubkey: alice, ConversationPubkey: peer, Relay: "wss://relay.example", ConversationIndex: 2, Status: model.InvitationAccepted})

	require.NoError(t, repo.Save(ctx, s))

	loaded, migrated, err = repo.Load(ctx, ownPub)
	require.NoError(t, err)
	assert.False(t, migrated)
	assert.Equal(t, seed, loaded.Seed)
	assert.Equal(t, uint32(4), loaded.ConversationCounter)
	assert.Equal(t, s.Profile, loaded.Profile)
	assert.Equal(t, s.Conversations(), loaded.Conversations())
	assert.Equal(t, s.Invitations(), loaded.Invitations())
}

func TestRepoIdentity(t *testing.T) {
	ctx := context.Background()
	repo := NewRepo(kv.NewMemoryStore())

	_, ok, err := repo.LoadIdentity(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.SaveIdentity(ctx, alice))
	got, ok, err := repo.LoadIdentity(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, alice, got)
}

func TestDecodeMigratesSchemaOne(t *testing.T) {
	initiator := record(t, alice, model.RoleInitiator, 0, 10)
	recipient := record(t, bob, model.RoleRecipient, 1, 20)
	reply := model.MustParseKey(strings.Repeat("e5", 32))

	old := diskState{
		SchemaVersion:       1,
		Seed:                seed.Bytes(),
		ConversationCounter: 2,
		Conversations: []diskConversation{
			{Recipient: alice.Bytes(), Role: uint8(model.RoleInitiator), ConversationIndex: 0, LegacyReplyIdentity: reply.Hex(), Relay: "wss://relay.example", Status: uint8(model.ConversationActive), CreatedAt: 10},
			{Recipient: bob.Bytes(), Role: uint8(model.RoleRecipient), ConversationIndex: 1, Relay: "wss://relay.example", Status: uint8(model.ConversationActive), CreatedAt: 20},
		},
	}
	data, err := cbor.Marshal(old)
	require.NoError(t, err)

	s, migrated, err := Decode(data, ownPub)
	require.NoError(t, err)
	assert.True(t, migrated)

	got, ok := s.Conversation(alice)
	require.True(t, ok)
	assert.Equal(t, initiator.SenderIdentity, got.SenderIdentity)
	assert.Equal(t, initiator.ConversationIdentity, got.ConversationIdentity)
	require.NotNil(t, got.RecipientReplyIdentity)
	assert.Equal(t, reply, *got.RecipientReplyIdentity)

	got, ok = s.Conversation(bob)
	require.True(t, ok)
	assert.Equal(t, recipient.ConversationIdentity, got.ConversationIdentity)

	// A second pass over the migrated encoding is a no-op.
	again, err := Encode(s)
	require.NoError(t, err)
	s2, migrated, err := Decode(again, ownPub)
	require.NoError(t, err)
	assert.False(t, migrated)
	assert.Equal(t, s.Conversations(), s2.Conversations())
}

func TestDecodeRejectsNewerSchema(t *testing.T) {
	data, err := cbor.Marshal(diskState{SchemaVersion: SchemaVersion + 1, Seed: seed.Bytes()})
	require.NoError(t, err)
	_, _, err = Decode(data, ownPub)
	assert.Error(t, err)
}
