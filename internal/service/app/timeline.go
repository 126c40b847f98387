package app

import (
	"sort"

	"incognito_chat/internal/model"
)

// timeline is one conversation's history ordered by inner timestamp, then
// inner id, whatever order relays deliver it in.
type timeline struct {
	messages []model.Message
	byWire   map[string]string
}

func newTimeline() *timeline {
	return &timeline{byWire: make(map[string]string)}
}

// add inserts msg unless its inner id is already present.
func (t *timeline) add(msg model.Message) bool {
	if t.index(msg.ID) >= 0 {
		return false
	}
	i := sort.Search(len(t.messages), func(i int) bool {
		return msg.Less(t.messages[i])
	})
	t.messages = append(t.messages, model.Message{})
	copy(t.messages[i+1:], t.messages[i:])
	t.messages[i] = msg
	if msg.WireID != "" {
		t.byWire[msg.WireID] = msg.ID
	}
	return true
}

// setDelivery updates the outgoing message published as wireID.
func (t *timeline) setDelivery(wireID string, status model.DeliveryStatus) (model.Message, bool) {
	id, ok := t.byWire[wireID]
	if !ok {
		return model.Message{}, false
	}
	i := t.index(id)
	if i < 0 {
		return model.Message{}, false
	}
	t.messages[i].Delivery = status
	return t.messages[i], true
}

func (t *timeline) index(id string) int {
	for i := range t.messages {
		if t.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (t *timeline) snapshot() []model.Message {
	return append([]model.Message(nil), t.messages...)
}

func (t *timeline) last() (model.Message, bool) {
	if len(t.messages) == 0 {
		return model.Message{}, false
	}
	return t.messages[len(t.messages)-1], true
}
