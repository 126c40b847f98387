package delivery

import (
	"errors"
	"time"

	"incognito_chat/internal/model"
)

var (
	ErrUnknownEvent = errors.New("unknown event id")
	ErrNotFailed    = errors.New("event has not failed")
)

type (
	// Tracker keeps one state machine per outbound event id. It owns no
	// timers: every transition tells the caller which timer to arm or cancel.
	Tracker struct {
		retryDelay time.Duration
		maxRetries int
		entries    map[string]*model.OutboundMessageStatus
	}

	Transition struct {
		Status model.DeliveryStatus
		// Changed is set when Status differs from the previous status.
		Changed bool
		Class   model.RejectClass
		Reason  string
		// ScheduleRetry asks for a retry timer firing at RetryAt.
		ScheduleRetry bool
		RetryAt       time.Time
		// CancelRetry asks for the armed retry timer to be stopped.
		CancelRetry bool
	}
)

func NewTracker(retryDelay time.Duration, maxRetries int) *Tracker {
	return &Tracker{
		retryDelay: retryDelay,
		maxRetries: maxRetries,
		entries:    make(map[string]*model.OutboundMessageStatus),
	}
}

// Register starts tracking an event that was just sent to relays.
func (t *Tracker) Register(eventID string, payload []byte, relays []string, now time.Time) *model.OutboundMessageStatus {
	s := &model.OutboundMessageStatus{
		EventID:       eventID,
		Status:        model.DeliveryPending,
		PendingRelays: make(map[string]struct{}, len(relays)),
		RelayAcks:     make(map[string]model.RelayAck),
		Payload:       payload,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, r := range relays {
		s.PendingRelays[r] = struct{}{}
	}
	t.entries[eventID] = s
	return s
}

func (t *Tracker) Get(eventID string) (*model.OutboundMessageStatus, bool) {
	s, ok := t.entries[eventID]
	return s, ok
}

func (t *Tracker) Len() int {
	return len(t.entries)
}

// OnAck records one relay's OK frame. Acks for unknown ids return false.
func (t *Tracker) OnAck(eventID string, relay string, accepted bool, reason string, now time.Time) (Transition, bool) {
	s, ok := t.entries[eventID]
	if !ok {
		return Transition{}, false
	}
	prev := s.Status
	s.UpdatedAt = now
	delete(s.PendingRelays, relay)

	if accepted {
		s.RelayAcks[relay] = model.RelayAck{Accepted: true, Reason: reason}
		s.AcceptedRelays = appendUnique(s.AcceptedRelays, relay)
		tr := Transition{CancelRetry: s.RetryScheduled()}
		s.RetryAt = time.Time{}
		if s.Status == model.DeliveryPending {
			s.Status = model.DeliverySent
		}
		tr.Status = s.Status
		tr.Changed = prev != s.Status
		return tr, true
	}

	class := Classify(reason)
	s.RelayAcks[relay] = model.RelayAck{Accepted: false, Reason: reason, Class: class}
	s.RejectedRelays = appendUnique(s.RejectedRelays, relay)
	s.LastReason = reason
	s.LastClass = class

	tr := Transition{Status: s.Status, Class: class, Reason: reason}
	if s.Status != model.DeliveryPending {
		return tr, true
	}

	switch {
	case s.RetryScheduled():
	case s.RetryCount < t.maxRetries:
		s.RetryAt = now.Add(t.retryDelay)
		tr.ScheduleRetry = true
		tr.RetryAt = s.RetryAt
	case len(s.PendingRelays) == 0 && len(s.AcceptedRelays) == 0:
		// Budget spent and every contacted relay has answered.
		s.Status = model.DeliveryFailed
	}
	tr.Status = s.Status
	tr.Changed = prev != s.Status
	return tr, true
}

// RetryDue is called when the retry timer fires. It returns the payload to
// re-broadcast to connected, or false when there is nothing to send. With no
// relay connected the attempt counts and may fail the entry.
func (t *Tracker) RetryDue(eventID string, connected []string, now time.Time) ([]byte, Transition, bool) {
	s, ok := t.entries[eventID]
	if !ok || s.Status != model.DeliveryPending || !s.RetryScheduled() {
		return nil, Transition{}, false
	}
	s.RetryAt = time.Time{}
	s.RetryCount++
	s.UpdatedAt = now

	if len(connected) == 0 {
		tr := Transition{Status: s.Status, Class: s.LastClass, Reason: s.LastReason}
		if s.RetryCount < t.maxRetries {
			s.RetryAt = now.Add(t.retryDelay)
			tr.ScheduleRetry = true
			tr.RetryAt = s.RetryAt
		} else {
			s.Status = model.DeliveryFailed
			tr.Status = s.Status
			tr.Changed = true
		}
		return nil, tr, false
	}

	s.PendingRelays = make(map[string]struct{}, len(connected))
	for _, r := range connected {
		s.PendingRelays[r] = struct{}{}
	}
	return s.Payload, Transition{Status: s.Status}, true
}

// Dispatched records extra relays a payload was sent to, e.g. a relay that
// opened after the first broadcast.
func (t *Tracker) Dispatched(eventID string, relays []string) {
	s, ok := t.entries[eventID]
	if !ok {
		return
	}
	for _, r := range relays {
		s.PendingRelays[r] = struct{}{}
	}
}

// Consume removes a terminal entry and returns it.
func (t *Tracker) Consume(eventID string) (*model.OutboundMessageStatus, bool) {
	s, ok := t.entries[eventID]
	if !ok || !s.Status.Terminal() {
		return nil, false
	}
	delete(t.entries, eventID)
	return s, true
}

// Drop removes the entry whatever its status.
func (t *Tracker) Drop(eventID string) bool {
	if _, ok := t.entries[eventID]; !ok {
		return false
	}
	delete(t.entries, eventID)
	return true
}

// Restart re-registers a failed entry with a fresh retry budget.
func (t *Tracker) Restart(eventID string, relays []string, now time.Time) (*model.OutboundMessageStatus, error) {
	s, ok := t.entries[eventID]
	if !ok {
		return nil, ErrUnknownEvent
	}
	if s.Status != model.DeliveryFailed {
		return nil, ErrNotFailed
	}
	return t.Register(eventID, s.Payload, relays, now), nil
}

// Prune drops terminal entries last updated before cutoff.
func (t *Tracker) Prune(cutoff time.Time) int {
	n := 0
	for id, s := range t.entries {
		if s.Status.Terminal() && s.UpdatedAt.Before(cutoff) {
			delete(t.entries, id)
			n++
		}
	}
	return n
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
