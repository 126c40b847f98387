package model

type (
	// Message is one decrypted inner message of a conversation timeline.
	Message struct {
		ID           string         `json:"id"`
		WireID       string         `json:"wire_id"`
		Counterparty Key            `json:"counterparty"`
		Author       Key            `json:"author"`
		Outgoing     bool           `json:"outgoing"`
		Content      string         `json:"content"`
		CreatedAt    int64          `json:"created_at"`
		Delivery     DeliveryStatus `json:"delivery"`
	}

	ProfileMetadata struct {
		Name        string `json:"name,omitempty"`
		DisplayName string `json:"display_name,omitempty"`
		About       string `json:"about,omitempty"`
		Picture     string `json:"picture,omitempty"`
		Nip05       string `json:"nip05,omitempty"`
	}

	Profile struct {
		Metadata  ProfileMetadata `json:"metadata"`
		UpdatedAt int64           `json:"updated_at"`
	}
)

// Less orders messages by signed timestamp, then id.
func (m Message) Less(o Message) bool {
	if m.CreatedAt != o.CreatedAt {
		return m.CreatedAt < o.CreatedAt
	}
	return m.ID < o.ID
}

func (p ProfileMetadata) Label() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Name
}
