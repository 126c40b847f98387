package model

type (
	Role uint8

	ConversationStatus uint8

	InvitationStatus uint8

	// ConversationRecord is keyed by the counterparty's long-term pubkey.
	ConversationRecord struct {
		Recipient            Key                `json:"recipient"`
		Role                 Role               `json:"role"`
		ConversationIndex    uint32             `json:"conversation_index"`
		SenderIdentity       DisposableIdentity `json:"sender_identity"`
		ConversationIdentity DisposableIdentity `json:"conversation_identity"`

		// PeerConversationKey is the identity the peer announced in its
		// invitation. Only set on the recipient side.
		PeerConversationKey    *Key               `json:"peer_conversation_key,omitempty"`
		RecipientReplyIdentity *Key               `json:"recipient_reply_identity,omitempty"`
		Relay                  string             `json:"relay"`
		Status                 ConversationStatus `json:"status"`
		CreatedAt              int64              `json:"created_at"`
		LastReadAt             int64              `json:"last_read_at,omitempty"`
	}

	PendingInvitation struct {
		SenderPubkey       Key              `json:"sender_pubkey"`
		ConversationPubkey Key              `json:"conversation_pubkey"`
		Relay              string           `json:"relay"`
		ConversationIndex  uint32           `json:"conversation_index"`
		ReceivedAt         int64            `json:"received_at"`
		Status             InvitationStatus `json:"status"`
		Profile            *ProfileMetadata `json:"profile,omitempty"`
	}
)

const (
	RoleInitiator Role = iota
	RoleRecipient
)

const (
	ConversationPending ConversationStatus = iota
	ConversationActive
)

const (
	InvitationReceived InvitationStatus = iota
	InvitationAccepted
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleRecipient:
		return "recipient"
	}
	return "unknown"
}

func (s ConversationStatus) String() string {
	if s == ConversationActive {
		return "active"
	}
	return "pending"
}

func (s InvitationStatus) String() string {
	if s == InvitationAccepted {
		return "accepted"
	}
	return "received"
}

// OwnIdentities lists the pubkeys this side holds private keys for.
func (r *ConversationRecord) OwnIdentities() []Key {
	return []Key{r.SenderIdentity.PublicKey, r.ConversationIdentity.PublicKey}
}

// IncomingIdentities lists the peer identities traffic may arrive from.
func (r *ConversationRecord) IncomingIdentities() []Key {
	var keys []Key
	if r.PeerConversationKey != nil {
		keys = append(keys, *r.PeerConversationKey)
	}
	if r.RecipientReplyIdentity != nil {
		keys = append(keys, *r.RecipientReplyIdentity)
	}
	return keys
}

func (r *ConversationRecord) Clone() *ConversationRecord {
	c := *r
	if r.PeerConversationKey != nil {
		k := *r.PeerConversationKey
		c.PeerConversationKey = &k
	}
	if r.RecipientReplyIdentity != nil {
		k := *r.RecipientReplyIdentity
		c.RecipientReplyIdentity = &k
	}
	return &c
}
