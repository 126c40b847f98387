package model

import "github.com/nbd-wtf/go-nostr"

const (
	KindProfile       = 0
	KindDirectMessage = 4
	KindBackup        = 30078

	BackupTag = "incognito-backup"
)

type (
	// EnvelopePayload is the plaintext carried inside an envelope. Event is
	// signed by the real sender's long-term key.
	EnvelopePayload struct {
		Event            *nostr.Event     `json:"event"`
		Profile          *ProfileMetadata `json:"profile,omitempty"`
		ProfileUpdatedAt int64            `json:"profileUpdatedAt,omitempty"`
	}
)
