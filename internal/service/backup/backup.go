// Package backup publishes the conversation store as a self-encrypted,
// replaceable event and merges fetched snapshots back into local state.
package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"incognito_chat/internal/cryptographic/dh"
	"incognito_chat/internal/cryptographic/signature"
	"incognito_chat/internal/model"
	"incognito_chat/internal/protocol/envelope"
	"incognito_chat/internal/protocol/identity"
	"incognito_chat/internal/repository/state"

	"github.com/nbd-wtf/go-nostr"
)

var (
	ErrNotBackup          = errors.New("not a backup event")
	ErrForeignBackup      = errors.New("backup authored by another key")
	ErrUndecryptable      = errors.New("backup cannot be decrypted")
	ErrUnsupportedVersion = errors.New("unsupported backup version")
)

type MergeResult struct {
	SeedRestored   bool
	Restored       int
	Skipped        int
	ProfileUpdated bool
}

// BuildSnapshot copies everything needed to rebuild s on another device.
func BuildSnapshot(s *state.Store, now time.Time) *model.BackupSnapshot {
	snap := &model.BackupSnapshot{
		Version:             model.BackupVersion,
		Seed:                s.Seed.Hex(),
		ConversationCounter: s.ConversationCounter,
		CreatedAt:           now.Unix(),
	}
	if s.Profile != nil {
		md := s.Profile.Metadata
		snap.Profile = &md
		snap.ProfileUpdatedAt = s.Profile.UpdatedAt
	}
	for _, rec := range s.Conversations() {
		entry := model.ConversationBackupEntry{
			Recipient:              rec.Recipient.Hex(),
			Role:                   rec.Role,
			ConversationIndex:      rec.ConversationIndex,
			SenderPrivateKey:       rec.SenderIdentity.PrivateKey.Hex(),
			ConversationPrivateKey: rec.ConversationIdentity.PrivateKey.Hex(),
			Relay:                  rec.Relay,
			Status:                 rec.Status,
			CreatedAt:              rec.CreatedAt,
			LastReadAt:             rec.LastReadAt,
		}
		if rec.PeerConversationKey != nil {
			entry.PeerConversationPubkey = rec.PeerConversationKey.Hex()
		}
		if rec.RecipientReplyIdentity != nil {
			entry.RecipientReplyIdentity = rec.RecipientReplyIdentity.Hex()
		}
		snap.Conversations = append(snap.Conversations, entry)
	}
	return snap
}

// Seal encrypts snap to the owner of priv and signs the replaceable event.
func Seal(snap *model.BackupSnapshot, priv model.Key, now time.Time) (*nostr.Event, error) {
	pub, err := dh.PublicKey(priv)
	if err != nil {
		return nil, err
	}
	plaintext, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal backup: %w", err)
	}
	content, err := envelope.Encrypt(string(plaintext), priv, pub)
	if err != nil {
		return nil, fmt.Errorf("encrypt backup: %w", err)
	}

	ev := &nostr.Event{
		Kind:      model.KindBackup,
		CreatedAt: nostr.Timestamp(now.Unix()),
		Tags:      nostr.Tags{{"d", model.BackupTag}},
		Content:   content,
	}
	if err := signature.SignWith(ev, priv); err != nil {
		return nil, err
	}
	return ev, nil
}

// Open verifies and decrypts a backup event published by the owner of priv.
func Open(ev *nostr.Event, priv model.Key) (*model.BackupSnapshot, error) {
	if ev.Kind != model.KindBackup || ev.Tags.GetD() != model.BackupTag {
		return nil, ErrNotBackup
	}
	pub, err := dh.PublicKey(priv)
	if err != nil {
		return nil, err
	}
	if ev.PubKey != pub.Hex() || !signature.Verify(ev) {
		return nil, ErrForeignBackup
	}

	plaintext, ok := envelope.Decrypt(ev.Content, priv, pub)
	if !ok {
		return nil, ErrUndecryptable
	}
	var snap model.BackupSnapshot
	if err := json.Unmarshal([]byte(plaintext), &snap); err != nil {
		return nil, fmt.Errorf("parse backup: %w", err)
	}
	if snap.Version < 1 || snap.Version > model.BackupVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, snap.Version)
	}
	return &snap, nil
}

// Merge folds snap into s without overwriting anything present locally. The
// seed and counter are only taken while s holds no conversation.
func Merge(s *state.Store, snap *model.BackupSnapshot, ownPub model.Key) (MergeResult, error) {
	var res MergeResult

	seed := s.Seed
	if snap.Seed != "" {
		backupSeed, err := model.ParseKey(snap.Seed)
		if err != nil {
			return res, fmt.Errorf("backup seed: %w", err)
		}
		if s.Len() == 0 {
			if !backupSeed.Equal(s.Seed) {
				s.Seed = backupSeed
				res.SeedRestored = true
			}
			s.ConversationCounter = max(s.ConversationCounter, snap.ConversationCounter)
		}
		seed = backupSeed
	}

	for _, entry := range snap.Conversations {
		rec, err := restore(entry, seed, ownPub)
		if err != nil {
			return res, err
		}
		if _, ok := s.Conversation(rec.Recipient); ok {
			res.Skipped++
			continue
		}
		s.PutConversation(rec)
		res.Restored++
		if rec.Role == model.RoleInitiator && rec.ConversationIndex >= s.ConversationCounter {
			s.ConversationCounter = rec.ConversationIndex + 1
		}
	}

	if snap.Profile != nil && (s.Profile == nil || snap.ProfileUpdatedAt > s.Profile.UpdatedAt) {
		s.Profile = &model.Profile{Metadata: *snap.Profile, UpdatedAt: snap.ProfileUpdatedAt}
		res.ProfileUpdated = true
	}
	return res, nil
}

func restore(entry model.ConversationBackupEntry, seed model.Key, ownPub model.Key) (*model.ConversationRecord, error) {
	recipient, err := model.ParseKey(entry.Recipient)
	if err != nil {
		return nil, fmt.Errorf("backup recipient: %w", err)
	}
	rec := &model.ConversationRecord{
		Recipient:         recipient,
		Role:              entry.Role,
		ConversationIndex: entry.ConversationIndex,
		Relay:             entry.Relay,
		Status:            entry.Status,
		CreatedAt:         entry.CreatedAt,
		LastReadAt:        entry.LastReadAt,
	}
	if rec.PeerConversationKey, err = optionalKey(entry.PeerConversationPubkey); err != nil {
		return nil, fmt.Errorf("backup peer conversation key: %w", err)
	}
	if rec.RecipientReplyIdentity, err = optionalKey(entry.RecipientReplyIdentity); err != nil {
		return nil, fmt.Errorf("backup reply identity: %w", err)
	}

	counterparty := recipient
	if rec.Role == model.RoleRecipient {
		counterparty = ownPub
	}
	if rec.SenderIdentity, err = identityFrom(entry.SenderPrivateKey, seed, counterparty, rec.ConversationIndex, identity.SenderRole); err != nil {
		return nil, err
	}
	if rec.ConversationIdentity, err = identityFrom(entry.ConversationPrivateKey, seed, counterparty, rec.ConversationIndex, identity.ConversationRole); err != nil {
		return nil, err
	}
	return rec, nil
}

// identityFrom prefers embedded key material and derives only without it.
func identityFrom(privHex string, seed model.Key, counterparty model.Key, index uint32, role identity.RoleIndex) (model.DisposableIdentity, error) {
	if privHex != "" {
		priv, err := model.ParseKey(privHex)
		if err != nil {
			return model.DisposableIdentity{}, fmt.Errorf("backup private key: %w", err)
		}
		return dh.NewIdentity(priv)
	}
	return identity.Derive(seed, counterparty, index, role)
}

func optionalKey(s string) (*model.Key, error) {
	if s == "" {
		return nil, nil
	}
	k, err := model.ParseKey(s)
	if err != nil {
		return nil, err
	}
	return &k, nil
}
