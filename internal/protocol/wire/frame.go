// Package wire maps relay protocol messages onto typed frames. Encoding and
// decoding are done by the go-nostr envelopes.
package wire

import (
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

var ErrMalformedFrame = errors.New("malformed frame")

type (
	// RelayFrame is a frame sent by a relay to a client.
	RelayFrame interface {
		relayFrame()
	}

	// ClientFrame is a frame sent by a client to a relay.
	ClientFrame interface {
		clientFrame()
	}

	EventFrame struct {
		SubscriptionID string
		Event          *nostr.Event
	}

	OKFrame struct {
		EventID  string
		Accepted bool
		Reason   string
	}

	NoticeFrame struct {
		Message string
	}

	EOSEFrame struct {
		SubscriptionID string
	}

	ClosedFrame struct {
		SubscriptionID string
		Reason         string
	}

	PublishFrame struct {
		Event *nostr.Event
	}

	ReqFrame struct {
		SubscriptionID string
		Filters        nostr.Filters
	}

	CloseFrame struct {
		SubscriptionID string
	}
)

func (EventFrame) relayFrame()  {}
func (OKFrame) relayFrame()     {}
func (NoticeFrame) relayFrame() {}
func (EOSEFrame) relayFrame()   {}
func (ClosedFrame) relayFrame() {}

func (PublishFrame) clientFrame() {}
func (ReqFrame) clientFrame()     {}
func (CloseFrame) clientFrame()   {}

func ParseRelayFrame(data []byte) (RelayFrame, error) {
	switch env := nostr.ParseMessage(data).(type) {
	case *nostr.EventEnvelope:
		if env.SubscriptionID == nil {
			return nil, fmt.Errorf("%w: EVENT without subscription id", ErrMalformedFrame)
		}
		ev := env.Event
		return EventFrame{SubscriptionID: *env.SubscriptionID, Event: &ev}, nil
	case *nostr.OKEnvelope:
		return OKFrame{EventID: env.EventID, Accepted: env.OK, Reason: env.Reason}, nil
	case *nostr.NoticeEnvelope:
		return NoticeFrame{Message: string(*env)}, nil
	case *nostr.EOSEEnvelope:
		return EOSEFrame{SubscriptionID: string(*env)}, nil
	case *nostr.ClosedEnvelope:
		return ClosedFrame{SubscriptionID: env.SubscriptionID, Reason: env.Reason}, nil
	case nil:
		return nil, fmt.Errorf("%w: %.64q", ErrMalformedFrame, data)
	default:
		return nil, fmt.Errorf("%w: unexpected %s from relay", ErrMalformedFrame, env.Label())
	}
}

func ParseClientFrame(data []byte) (ClientFrame, error) {
	switch env := nostr.ParseMessage(data).(type) {
	case *nostr.EventEnvelope:
		if env.SubscriptionID != nil {
			return nil, fmt.Errorf("%w: EVENT with subscription id from client", ErrMalformedFrame)
		}
		ev := env.Event
		return PublishFrame{Event: &ev}, nil
	case *nostr.ReqEnvelope:
		return ReqFrame{SubscriptionID: env.SubscriptionID, Filters: env.Filters}, nil
	case *nostr.CloseEnvelope:
		return CloseFrame{SubscriptionID: string(*env)}, nil
	case nil:
		return nil, fmt.Errorf("%w: %.64q", ErrMalformedFrame, data)
	default:
		return nil, fmt.Errorf("%w: unexpected %s from client", ErrMalformedFrame, env.Label())
	}
}

func (f EventFrame) MarshalJSON() ([]byte, error) {
	id := f.SubscriptionID
	return nostr.EventEnvelope{SubscriptionID: &id, Event: *f.Event}.MarshalJSON()
}

func (f OKFrame) MarshalJSON() ([]byte, error) {
	return nostr.OKEnvelope{EventID: f.EventID, OK: f.Accepted, Reason: f.Reason}.MarshalJSON()
}

func (f NoticeFrame) MarshalJSON() ([]byte, error) {
	return nostr.NoticeEnvelope(f.Message).MarshalJSON()
}

func (f EOSEFrame) MarshalJSON() ([]byte, error) {
	return nostr.EOSEEnvelope(f.SubscriptionID).MarshalJSON()
}

func (f ClosedFrame) MarshalJSON() ([]byte, error) {
	return nostr.ClosedEnvelope{SubscriptionID: f.SubscriptionID, Reason: f.Reason}.MarshalJSON()
}

func (f PublishFrame) MarshalJSON() ([]byte, error) {
	return nostr.EventEnvelope{Event: *f.Event}.MarshalJSON()
}

func (f ReqFrame) MarshalJSON() ([]byte, error) {
	return nostr.ReqEnvelope{SubscriptionID: f.SubscriptionID, Filters: f.Filters}.MarshalJSON()
}

func (f CloseFrame) MarshalJSON() ([]byte, error) {
	return nostr.CloseEnvelope(f.SubscriptionID).MarshalJSON()
}
