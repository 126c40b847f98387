package model

import "time"

type (
	DeliveryStatus uint8

	RejectClass uint8

	RelayAck struct {
		Accepted bool        `json:"accepted"`
		Reason   string      `json:"reason,omitempty"`
		Class    RejectClass `json:"class,omitempty"`
	}

	OutboundMessageStatus struct {
		EventID        string              `json:"event_id"`
		Status         DeliveryStatus      `json:"status"`
		RetryCount     int                 `json:"retry_count"`
		PendingRelays  map[string]struct{} `json:"-"`
		RelayAcks      map[string]RelayAck `json:"relay_acks"`
		AcceptedRelays []string            `json:"accepted_relays"`
		RejectedRelays []string            `json:"rejected_relays"`
		LastReason     string              `json:"last_reason,omitempty"`
		LastClass      RejectClass         `json:"last_class,omitempty"`

		// Payload is the raw EVENT frame re-broadcast on retry.
		Payload   []byte    `json:"-"`
		RetryAt   time.Time `json:"-"`
		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`
	}
)

const (
	DeliveryPending DeliveryStatus = iota
	DeliverySent
	DeliveryFailed
)

const (
	RejectNone RejectClass = iota
	RejectRateLimited
	RejectPoWRequired
	RejectAuthRequired
	RejectOther
)

func (s DeliveryStatus) String() string {
	switch s {
	case DeliveryPending:
		return "pending"
	case DeliverySent:
		return "sent"
	case DeliveryFailed:
		return "failed"
	}
	return "unknown"
}

func (s DeliveryStatus) Terminal() bool {
	return s == DeliverySent || s == DeliveryFailed
}

func (c RejectClass) String() string {
	switch c {
	case RejectNone:
		return "none"
	case RejectRateLimited:
		return "rate-limited"
	case RejectPoWRequired:
		return "pow-required"
	case RejectAuthRequired:
		return "auth-required"
	}
	return "other"
}

// RetryScheduled reports whether a retry timer is armed.
func (s *OutboundMessageStatus) RetryScheduled() bool {
	return !s.RetryAt.IsZero()
}

// Snapshot copies the status without the live maps being shared.
func (s *OutboundMessageStatus) Snapshot() OutboundMessageStatus {
	c := *s
	c.PendingRelays = make(map[string]struct{}, len(s.PendingRelays))
	for k := range s.PendingRelays {
		c.PendingRelays[k] = struct{}{}
	}
	c.RelayAcks = make(map[string]RelayAck, len(s.RelayAcks))
	for k, v := range s.RelayAcks {
		c.RelayAcks[k] = v
	}
	c.AcceptedRelays = append([]string(nil), s.AcceptedRelays...)
	c.RejectedRelays = append([]string(nil), s.RejectedRelays...)
	return c
}
