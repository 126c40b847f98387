package state

import (
	"context"
	"fmt"

	"incognito_chat/internal/cryptographic/dh"
	"incognito_chat/internal/model"
	"incognito_chat/internal/protocol/identity"
	"incognito_chat/internal/repository/kv"
	"incognito_chat/internal/utils/log"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"
)

const (
	SchemaVersion = 2

	StateKey    = "incognito/state"
	IdentityKey = "incognito/identity"
)

type (
	Repo struct {
		kv kv.Store
	}

	diskState struct {
		SchemaVersion       int                        `cbor:"schemaVersion"`
		Seed                []byte                     `cbor:"seed"`
		ConversationCounter uint32                     `cbor:"conversationCounter"`
		Conversations       []diskConversation         `cbor:"conversations"`
		Invitations         []*model.PendingInvitation `cbor:"invitations,omitempty"`
		Profile             *model.Profile             `cbor:"profile,omitempty"`
	}

	diskConversation struct {
		Recipient              []byte `cbor:"recipient"`
		Role                   uint8  `cbor:"role"`
		ConversationIndex      uint32 `cbor:"conversationIndex"`
		SenderPrivateKey       []byte `cbor:"senderPrivateKey,omitempty"`
		ConversationPrivateKey []byte `cbor:"conversationPrivateKey,omitempty"`
		PeerConversationKey    []byte `cbor:"peerConversationKey,omitempty"`
		ReplyIdentity          []byte `cbor:"replyIdentity,omitempty"`
		// Schema 1 kept the learned reply identity as hex text.
		LegacyReplyIdentity string `cbor:"recipientReplyIdentity,omitempty"`
		Relay               string `cbor:"relay"`
		Status              uint8  `cbor:"status"`
		CreatedAt           int64  `cbor:"createdAt"`
		LastReadAt          int64  `cbor:"lastReadAt,omitempty"`
	}
)

func NewRepo(store kv.Store) *Repo {
	return &Repo{kv: store}
}

// Load returns nil, false, nil when nothing was saved yet. migrated reports
// that the stored schema was upgraded and should be saved back.
func (r *Repo) Load(ctx context.Context, ownPub model.Key) (*Store, bool, error) {
	data, err := r.kv.Load(ctx, StateKey)
	if err != nil {
		return nil, false, fmt.Errorf("load state: %w", err)
	}
	if data == nil {
		return nil, false, nil
	}
	return Decode(data, ownPub)
}

func (r *Repo) Save(ctx context.Context, s *Store) error {
	data, err := Encode(s)
	if err != nil {
		return err
	}
	if err := r.kv.Save(ctx, StateKey, data); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func (r *Repo) LoadIdentity(ctx context.Context) (model.Key, bool, error) {
	data, err := r.kv.Load(ctx, IdentityKey)
	if err != nil {
		return model.Key{}, false, fmt.Errorf("load identity: %w", err)
	}
	if data == nil {
		return model.Key{}, false, nil
	}
	k, err := model.KeyFromBytes(data)
	if err != nil {
		return model.Key{}, false, fmt.Errorf("load identity: %w", err)
	}
	return k, true, nil
}

func (r *Repo) SaveIdentity(ctx context.Context, priv model.Key) error {
	if err := r.kv.Save(ctx, IdentityKey, priv.Bytes()); err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}

func Encode(s *Store) ([]byte, error) {
	d := diskState{
		SchemaVersion:       SchemaVersion,
		Seed:                s.Seed.Bytes(),
		ConversationCounter: s.ConversationCounter,
		Invitations:         s.Invitations(),
		Profile:             s.Profile,
	}
	for _, rec := range s.Conversations() {
		dc := diskConversation{
			Recipient:              rec.Recipient.Bytes(),
			Role:                   uint8(rec.Role),
			ConversationIndex:      rec.ConversationIndex,
			SenderPrivateKey:       rec.SenderIdentity.PrivateKey.Bytes(),
			ConversationPrivateKey: rec.ConversationIdentity.PrivateKey.Bytes(),
			Relay:                  rec.Relay,
			Status:                 uint8(rec.Status),
			CreatedAt:              rec.CreatedAt,
			LastReadAt:             rec.LastReadAt,
		}
		if rec.PeerConversationKey != nil {
			dc.PeerConversationKey = rec.PeerConversationKey.Bytes()
		}
		if rec.RecipientReplyIdentity != nil {
			dc.ReplyIdentity = rec.RecipientReplyIdentity.Bytes()
		}
		d.Conversations = append(d.Conversations, dc)
	}

	data, err := cbor.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return data, nil
}

// Decode parses a stored state and runs the schema migration once.
func Decode(data []byte, ownPub model.Key) (*Store, bool, error) {
	var d diskState
	if err := cbor.Unmarshal(data, &d); err != nil {
		return nil, false, fmt.Errorf("decode state: %w", err)
	}
	if d.SchemaVersion > SchemaVersion {
		return nil, false, fmt.Errorf("decode state: schema %d is newer than %d", d.SchemaVersion, SchemaVersion)
	}

	seed, err := model.KeyFromBytes(d.Seed)
	if err != nil {
		return nil, false, fmt.Errorf("decode state seed: %w", err)
	}
	s := New(seed)
	s.ConversationCounter = d.ConversationCounter
	s.Profile = d.Profile
	for _, inv := range d.Invitations {
		s.PutInvitation(inv)
	}

	migrated := d.SchemaVersion < SchemaVersion
	for _, dc := range d.Conversations {
		rec, err := decodeConversation(dc, seed, ownPub, migrated)
		if err != nil {
			log.Warn("dropping unreadable conversation record", zap.Error(err))
			continue
		}
		s.PutConversation(rec)
	}
	return s, migrated, nil
}

func decodeConversation(dc diskConversation, seed model.Key, ownPub model.Key, migrate bool) (*model.ConversationRecord, error) {
	recipient, err := model.KeyFromBytes(dc.Recipient)
	if err != nil {
		return nil, fmt.Errorf("recipient: %w", err)
	}
	rec := &model.ConversationRecord{
		Recipient:         recipient,
		Role:              model.Role(dc.Role),
		ConversationIndex: dc.ConversationIndex,
		Relay:             dc.Relay,
		Status:            model.ConversationStatus(dc.Status),
		CreatedAt:         dc.CreatedAt,
		LastReadAt:        dc.LastReadAt,
	}

	if len(dc.PeerConversationKey) > 0 {
		k, err := model.KeyFromBytes(dc.PeerConversationKey)
		if err != nil {
			return nil, fmt.Errorf("peer conversation key: %w", err)
		}
		rec.PeerConversationKey = &k
	}
	switch {
	case len(dc.ReplyIdentity) > 0:
		k, err := model.KeyFromBytes(dc.ReplyIdentity)
		if err != nil {
			return nil, fmt.Errorf("reply identity: %w", err)
		}
		rec.RecipientReplyIdentity = &k
	case migrate && dc.LegacyReplyIdentity != "":
		k, err := model.ParseKey(dc.LegacyReplyIdentity)
		if err != nil {
			return nil, fmt.Errorf("legacy reply identity: %w", err)
		}
		rec.RecipientReplyIdentity = &k
	}

	counterparty := rec.Recipient
	if rec.Role == model.RoleRecipient {
		counterparty = ownPub
	}
	rec.SenderIdentity, err = restoreIdentity(dc.SenderPrivateKey, seed, counterparty, rec.ConversationIndex, identity.SenderRole, migrate)
	if err != nil {
		return nil, err
	}
	rec.ConversationIdentity, err = restoreIdentity(dc.ConversationPrivateKey, seed, counterparty, rec.ConversationIndex, identity.ConversationRole, migrate)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// restoreIdentity prefers stored key material. Records written before the
// keys were persisted are re-derived, during migration only.
func restoreIdentity(priv []byte, seed model.Key, counterparty model.Key, index uint32, role identity.RoleIndex, migrate bool) (model.DisposableIdentity, error) {
	if len(priv) > 0 {
		k, err := model.KeyFromBytes(priv)
		if err != nil {
			return model.DisposableIdentity{}, err
		}
		return dh.NewIdentity(k)
	}
	if !migrate {
		return model.DisposableIdentity{}, fmt.Errorf("record without key material at schema %d", SchemaVersion)
	}
	return identity.Derive(seed, counterparty, index, role)
}
