package app

import (
	"encoding/json"
	"fmt"
	"time"

	"incognito_chat/internal/metrics"
	"incognito_chat/internal/model"
	"incognito_chat/internal/protocol/delivery"
	"incognito_chat/internal/protocol/envelope"
	"incognito_chat/internal/protocol/wire"
	"incognito_chat/internal/utils/log"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// send seals text for recipient, starting the conversation first when none
// exists, and returns the wire event id.
func (a *App) send(recipient model.Key, text string) (string, error) {
	rec, ok := a.store.Conversation(recipient)
	if !ok {
		var err error
		if rec, err = a.initiate(recipient); err != nil {
			return "", err
		}
	}

	now := a.now()
	sealed, err := envelope.Seal(a.signer, rec.ConversationIdentity, recipient, text, a.store.Profile, now)
	if err != nil {
		return "", err
	}
	payload, sent, err := a.dispatch(sealed.Outer)
	if err != nil {
		return "", err
	}

	id := sealed.Outer.ID
	a.tracker.Register(id, payload, sent, now)
	a.outbound[id] = outboundEntry{counterparty: recipient, messageID: sealed.Inner.ID}

	msg := model.Message{
		ID:           sealed.Inner.ID,
		WireID:       id,
		Counterparty: recipient,
		Author:       a.self,
		Outgoing:     true,
		Content:      text,
		CreatedAt:    int64(sealed.Inner.CreatedAt),
		Delivery:     model.DeliveryPending,
	}
	if a.timelineFor(recipient).add(msg) {
		a.display.MessageAdded(recipient, msg)
	}

	log.Debug("message sent",
		zap.String("id", id),
		log.Pubkey("recipient", recipient.Hex()),
		zap.Strings("relays", sent),
	)
	return id, nil
}

// dispatch writes ev to every open relay, or queues it for the next relay
// that opens.
func (a *App) dispatch(ev *nostr.Event) ([]byte, []string, error) {
	payload, err := json.Marshal(wire.PublishFrame{Event: ev})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal event: %w", err)
	}
	sent := a.relays.Queue(payload)
	if len(sent) == 0 {
		a.queued[ev.ID] = struct{}{}
		log.Info("no relay connected, event queued", zap.String("id", ev.ID))
	}
	metrics.EventPublished()
	return payload, sent, nil
}

func (a *App) handleAck(url string, f wire.OKFrame) {
	tr, ok := a.tracker.OnAck(f.EventID, url, f.Accepted, f.Reason, a.now())
	if !ok {
		return
	}
	metrics.RelayAck(f.Accepted, tr.Class.String())
	if !f.Accepted {
		log.Warn("relay rejected event",
			zap.String("relay", url),
			zap.String("id", f.EventID),
			zap.String("reason", f.Reason),
			zap.Stringer("class", tr.Class),
		)
	}
	a.applyTransition(f.EventID, tr)
}

// applyTransition arms or cancels the retry timer a transition asks for and
// publishes status changes.
func (a *App) applyTransition(id string, tr delivery.Transition) {
	if tr.CancelRetry {
		if t, ok := a.retryTimers[id]; ok {
			t.Stop()
			delete(a.retryTimers, id)
		}
	}
	if tr.ScheduleRetry {
		a.armRetry(id, tr.RetryAt)
	}
	if !tr.Changed {
		return
	}

	if tr.Status.Terminal() {
		metrics.DeliveryFinal(tr.Status.String())
	}
	a.setDelivery(id, tr.Status)
}

func (a *App) setDelivery(id string, status model.DeliveryStatus) {
	if out, ok := a.outbound[id]; ok && out.messageID != "" {
		if t, ok := a.timelines[out.counterparty]; ok {
			t.setDelivery(id, status)
		}
	}
	if s, ok := a.tracker.Get(id); ok {
		a.display.DeliveryChanged(s.Snapshot())
	}
}

func (a *App) armRetry(id string, at time.Time) {
	if t, ok := a.retryTimers[id]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = a.after(at.Sub(a.now()), func() {
		if a.retryTimers[id] != timer {
			return
		}
		delete(a.retryTimers, id)
		a.retryDue(id)
	})
	a.retryTimers[id] = timer
}

func (a *App) retryDue(id string) {
	payload, tr, ok := a.tracker.RetryDue(id, a.relays.Connected(), a.now())
	if ok {
		sent, err := a.relays.Broadcast(payload)
		if err != nil {
			log.Warn("rebroadcast failed", zap.String("id", id), zap.Error(err))
		} else {
			a.tracker.Dispatched(id, sent)
			log.Info("rebroadcast event", zap.String("id", id), zap.Strings("relays", sent))
		}
	}
	a.applyTransition(id, tr)
}

// retryFailed re-sends the stored payload of a failed event with a fresh
// retry budget.
func (a *App) retryFailed(id string) error {
	s, ok := a.tracker.Get(id)
	if !ok {
		return delivery.ErrUnknownEvent
	}
	if s.Status != model.DeliveryFailed {
		return delivery.ErrNotFailed
	}

	sent := a.relays.Queue(s.Payload)
	if len(sent) == 0 {
		a.queued[id] = struct{}{}
	}
	if _, err := a.tracker.Restart(id, sent, a.now()); err != nil {
		return err
	}
	metrics.EventPublished()
	a.setDelivery(id, model.DeliveryPending)
	log.Info("retrying failed event", zap.String("id", id), zap.Strings("relays", sent))
	return nil
}
