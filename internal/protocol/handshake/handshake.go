package handshake

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"incognito_chat/internal/cryptographic/encryption"
	"incognito_chat/internal/cryptographic/signature"
	"incognito_chat/internal/model"
	"incognito_chat/internal/protocol/identity"

	"github.com/nbd-wtf/go-nostr"
)

// Preamble is shown by clients that do not understand invitations.
const Preamble = "Someone wants to start an incognito conversation with you. " +
	"Your client may not support this behavior, you can find a list of clients here " +
	"who support incognito messaging: https://nostrincognito.com/clients"

const profileMarker = "\nprofile:"

var (
	ErrMalformedInvitation = errors.New("malformed invitation")
	ErrSignatureInvalid    = errors.New("invitation signature invalid")

	invitePattern       = regexp.MustCompile(`invite:([a-f0-9]{64}):([a-f0-9]{64}):(wss?://[^\s:]+(?::\d+)?):(\d+):([a-f0-9]+)`)
	legacyInvitePattern = regexp.MustCompile(`invite:([a-f0-9]{64}):([a-f0-9]{64}):(wss?://[^\s:]+(?::\d+)?):([a-f0-9]+)`)
)

type (
	Invitation struct {
		SenderPubkey       model.Key
		ConversationPubkey model.Key
		Relay              string
		ConversationIndex  uint32
		Signature          string
		Profile            *model.ProfileMetadata
		// Legacy is set when the encoding carried no conversation index.
		Legacy bool
	}
)

// Initiate allocates the identities for a new conversation with recipient and
// builds the invitation event, authored by the sender identity.
func Initiate(signer signature.Signer, deriver *identity.Deriver, recipient model.Key, index uint32, relay string, profile *model.ProfileMetadata, now time.Time) (*model.ConversationRecord, *nostr.Event, error) {
	sender, err := deriver.Derive(recipient, index, identity.SenderRole)
	if err != nil {
		return nil, nil, err
	}
	conversation, err := deriver.Derive(recipient, index, identity.ConversationRole)
	if err != nil {
		return nil, nil, err
	}

	sig, err := Sign(signer, recipient, conversation.PublicKey)
	if err != nil {
		return nil, nil, err
	}

	inv := &Invitation{
		SenderPubkey:       signer.PublicKey(),
		ConversationPubkey: conversation.PublicKey,
		Relay:              relay,
		ConversationIndex:  index,
		Signature:          sig,
		Profile:            profile,
	}
	ev, err := Seal(inv, sender, recipient, now)
	if err != nil {
		return nil, nil, err
	}

	rec := &model.ConversationRecord{
		Recipient:            recipient,
		Role:                 model.RoleInitiator,
		ConversationIndex:    index,
		SenderIdentity:       sender,
		ConversationIdentity: conversation,
		Relay:                relay,
		Status:               model.ConversationPending,
		CreatedAt:            now.Unix(),
	}
	return rec, ev, nil
}

// Seal encrypts the invitation text to recipient under the sender identity.
func Seal(inv *Invitation, sender model.DisposableIdentity, recipient model.Key, now time.Time) (*nostr.Event, error) {
	key, err := encryption.ConversationKey(sender.PrivateKey, recipient)
	if err != nil {
		return nil, err
	}
	content, err := encryption.Encrypt(inv.Text(), key)
	if err != nil {
		return nil, err
	}

	ev := &nostr.Event{
		Kind:      model.KindDirectMessage,
		CreatedAt: nostr.Timestamp(now.Unix()),
		Tags:      nostr.Tags{{"p", recipient.Hex()}},
		Content:   content,
	}
	if err := signature.SignWith(ev, sender.PrivateKey); err != nil {
		return nil, err
	}
	return ev, nil
}

// Open decrypts a candidate invitation addressed to the local identity and
// verifies it. Decryption errors are returned wrapped so callers can tell a
// foreign event apart from a forged invitation.
func Open(ev *nostr.Event, ownPriv model.Key, ownPub model.Key) (*Invitation, error) {
	author, err := signature.Author(ev)
	if err != nil {
		return nil, fmt.Errorf("%w: author: %v", ErrMalformedInvitation, err)
	}
	key, err := encryption.ConversationKey(ownPriv, author)
	if err != nil {
		return nil, err
	}
	text, err := encryption.Decrypt(ev.Content, key)
	if err != nil {
		return nil, err
	}

	inv, err := Parse(text)
	if err != nil {
		return nil, err
	}
	if !inv.Verify(ownPub) {
		return nil, ErrSignatureInvalid
	}
	return inv, nil
}

// Accept builds the recipient-side record. The recipient derives its own
// identities with its own pubkey as counterparty.
func Accept(deriver *identity.Deriver, ownPub model.Key, inv *Invitation, now time.Time) (*model.ConversationRecord, error) {
	sender, err := deriver.Derive(ownPub, inv.ConversationIndex, identity.SenderRole)
	if err != nil {
		return nil, err
	}
	conversation, err := deriver.Derive(ownPub, inv.ConversationIndex, identity.ConversationRole)
	if err != nil {
		return nil, err
	}

	peer := inv.ConversationPubkey
	return &model.ConversationRecord{
		Recipient:            inv.SenderPubkey,
		Role:                 model.RoleRecipient,
		ConversationIndex:    inv.ConversationIndex,
		SenderIdentity:       sender,
		ConversationIdentity: conversation,
		PeerConversationKey:  &peer,
		Relay:                inv.Relay,
		Status:               model.ConversationActive,
		CreatedAt:            now.Unix(),
	}, nil
}

// Sign produces the invitation signature: a zero-content, zero-timestamp
// template tagging recipient and the conversation identity.
func Sign(signer signature.Signer, recipient model.Key, conversation model.Key) (string, error) {
	ev := template(recipient, conversation)
	if err := signer.Sign(ev); err != nil {
		return "", err
	}
	return ev.Sig, nil
}

// Verify checks the embedded signature against the claimed sender.
func (inv *Invitation) Verify(recipient model.Key) bool {
	ev := template(recipient, inv.ConversationPubkey)
	ev.PubKey = inv.SenderPubkey.Hex()
	ev.Sig = inv.Signature
	ev.ID = ev.GetID()
	return signature.Verify(ev)
}

func (inv *Invitation) Code() string {
	if inv.Legacy {
		return fmt.Sprintf("invite:%s:%s:%s:%s", inv.SenderPubkey.Hex(), inv.ConversationPubkey.Hex(), inv.Relay, inv.Signature)
	}
	return fmt.Sprintf("invite:%s:%s:%s:%d:%s", inv.SenderPubkey.Hex(), inv.ConversationPubkey.Hex(), inv.Relay, inv.ConversationIndex, inv.Signature)
}

// Text is the plaintext carried by the invitation event.
func (inv *Invitation) Text() string {
	var b strings.Builder
	b.WriteString(Preamble)
	b.WriteString("\n\n")
	b.WriteString(inv.Code())
	if inv.Profile != nil {
		if data, err := json.Marshal(inv.Profile); err == nil {
			b.WriteString(profileMarker)
			b.Write(data)
		}
	}
	return b.String()
}

func Parse(text string) (*Invitation, error) {
	var profile *model.ProfileMetadata
	if i := strings.Index(text, profileMarker); i >= 0 {
		var meta model.ProfileMetadata
		if err := json.Unmarshal([]byte(strings.TrimSpace(text[i+len(profileMarker):])), &meta); err == nil {
			profile = &meta
		}
		text = text[:i]
	}

	inv := &Invitation{Profile: profile}
	var sender, conversation string
	if m := invitePattern.FindStringSubmatch(text); m != nil {
		index, err := strconv.ParseUint(m[4], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: index: %v", ErrMalformedInvitation, err)
		}
		sender, conversation, inv.Relay, inv.Signature = m[1], m[2], m[3], m[5]
		inv.ConversationIndex = uint32(index)
	} else if m := legacyInvitePattern.FindStringSubmatch(text); m != nil {
		sender, conversation, inv.Relay, inv.Signature = m[1], m[2], m[3], m[4]
		inv.Legacy = true
	} else {
		return nil, fmt.Errorf("%w: no invitation code", ErrMalformedInvitation)
	}

	if _, err := hex.DecodeString(inv.Signature); err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrMalformedInvitation, err)
	}
	var err error
	if inv.SenderPubkey, err = model.ParseKey(sender); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInvitation, err)
	}
	if inv.ConversationPubkey, err = model.ParseKey(conversation); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInvitation, err)
	}
	return inv, nil
}

func template(recipient model.Key, conversation model.Key) *nostr.Event {
	return &nostr.Event{
		Kind:      model.KindProfile,
		CreatedAt: 0,
		Tags:      nostr.Tags{{"p", recipient.Hex()}, {"p", conversation.Hex()}},
		Content:   "",
	}
}
