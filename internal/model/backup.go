package model

const BackupVersion = 1

type (
	BackupSnapshot struct {
		Version             int                       `json:"version"`
		Seed                string                    `json:"seed"`
		ConversationCounter uint32                    `json:"conversationCounter"`
		Profile             *ProfileMetadata          `json:"profile,omitempty"`
		ProfileUpdatedAt    int64                     `json:"profileUpdatedAt,omitempty"`
		Conversations       []ConversationBackupEntry `json:"conversations"`
		CreatedAt           int64                     `json:"createdAt"`
	}

	// ConversationBackupEntry carries private key material so a record can
	// be rebuilt without re-deriving it.
	ConversationBackupEntry struct {
		Recipient              string             `json:"recipient"`
		Role                   Role               `json:"role"`
		ConversationIndex      uint32             `json:"conversationIndex"`
		SenderPrivateKey       string             `json:"senderPrivateKey,omitempty"`
		ConversationPrivateKey string             `json:"conversationPrivateKey,omitempty"`
		PeerConversationPubkey string             `json:"peerConversationPubkey,omitempty"`
		RecipientReplyIdentity string             `json:"recipientReplyIdentity,omitempty"`
		Relay                  string             `json:"relay"`
		Status                 ConversationStatus `json:"status"`
		CreatedAt              int64              `json:"createdAt"`
		LastReadAt             int64              `json:"lastReadAt,omitempty"`
	}
)
