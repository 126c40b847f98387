package tui

import (
	"context"
	"strings"
	"sync"
	"testing"

	"incognito_chat/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	mu    sync.Mutex
	calls []string
	sent  map[model.Key][]string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{sent: make(map[model.Key][]string)}
}

func (e *fakeEngine) record(call string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, call)
}

func (e *fakeEngine) Self() model.Key { return model.Key{1} }

func (e *fakeEngine) SendMessage(_ context.Context, to model.Key, text string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sent[to] = append(e.sent[to], text)
	return "id", nil
}

func (e *fakeEngine) AcceptInvitation(_ context.Context, sender model.Key) error {
	e.record("accept " + sender.Short())
	return nil
}

func (e *fakeEngine) Timeline(_ context.Context, to model.Key) ([]model.Message, error) {
	e.record("timeline " + to.Short())
	return []model.Message{{ID: "m1", Counterparty: to, Content: "earlier", CreatedAt: 1}}, nil
}

func (e *fakeEngine) MarkRead(_ context.Context, to model.Key) error {
	e.record("read " + to.Short())
	return nil
}

func (e *fakeEngine) DeleteConversation(_ context.Context, to model.Key) error {
	e.record("delete " + to.Short())
	return nil
}

func (e *fakeEngine) RetryFailed(_ context.Context, id string) error {
	e.record("retry " + id)
	return nil
}

func (e *fakeEngine) AddRelay(_ context.Context, url string) error {
	e.record("add " + url)
	return nil
}

func (e *fakeEngine) RemoveRelay(_ context.Context, url string) error {
	e.record("remove " + url)
	return nil
}

func (e *fakeEngine) ConnectRelay(_ context.Context, url string) error {
	e.record("connect " + url)
	return nil
}

func (e *fakeEngine) DisconnectRelay(_ context.Context, url string) error {
	e.record("disconnect " + url)
	return nil
}

func (e *fakeEngine) PublishBackup(context.Context) error {
	e.record("backup")
	return nil
}

func (e *fakeEngine) SetProfile(_ context.Context, md model.ProfileMetadata) error {
	e.record("profile " + md.Name)
	return nil
}

func (e *fakeEngine) history() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func TestCommands(t *testing.T) {
	engine := newFakeEngine()
	u := New()
	u.Attach(engine)

	bob := model.MustParseKey(strings.Repeat("b0", 32))

	u.submit("hello")
	assert.Empty(t, engine.sent, "no conversation selected")

	u.submit("/to " + bob.Hex())
	to, ok := u.currentConversation()
	require.True(t, ok)
	assert.Equal(t, bob, to)

	u.submit("hello")
	assert.Equal(t, []string{"hello"}, engine.sent[bob])

	u.submit("/relay add wss://relay.example")
	u.submit("/relay disconnect wss://relay.example")
	u.submit("/retry abc")
	u.submit("/name Bob Builder")
	u.submit("/backup")
	u.submit("/delete")

	assert.Equal(t, []string{
		"timeline " + bob.Short(),
		"read " + bob.Short(),
		"add wss://relay.example",
		"disconnect wss://relay.example",
		"retry abc",
		"profile Bob Builder",
		"backup",
		"delete " + bob.Short(),
	}, engine.history())

	_, ok = u.currentConversation()
	assert.False(t, ok)
}

func TestMessageAddedTracksCurrentConversation(t *testing.T) {
	engine := newFakeEngine()
	u := New()
	u.Attach(engine)

	bob := model.MustParseKey(strings.Repeat("b0", 32))
	carol := model.MustParseKey(strings.Repeat("c0", 32))
	u.open(bob)

	u.MessageAdded(bob, model.Message{ID: "m0", Counterparty: bob, Content: "first", CreatedAt: 0})
	u.MessageAdded(bob, model.Message{ID: "m1", Counterparty: bob, Content: "duplicate", CreatedAt: 1})
	u.MessageAdded(carol, model.Message{ID: "c1", Counterparty: carol, Content: "hey", CreatedAt: 2})

	u.mu.Lock()
	defer u.mu.Unlock()
	require.Len(t, u.messages, 2)
	assert.Equal(t, "first", u.messages[0].Content)
	assert.Equal(t, "earlier", u.messages[1].Content)
	assert.Equal(t, 1, u.unread[carol])
}

func TestFormatMessage(t *testing.T) {
	in := formatMessage(model.Message{Content: "hi [there]", CreatedAt: 0}, "bob")
	assert.Contains(t, in, "bob:")
	assert.Contains(t, in, "hi [there[]")

	pending := formatMessage(model.Message{Outgoing: true, Content: "x", Delivery: model.DeliveryPending}, "")
	assert.Contains(t, pending, "You:")
	assert.Contains(t, pending, "(sending)")

	failed := formatMessage(model.Message{Outgoing: true, Content: "x", WireID: "abc", Delivery: model.DeliveryFailed}, "")
	assert.Contains(t, failed, "/retry abc")
}

func TestInsertMessageOrdersAndDedupes(t *testing.T) {
	var msgs []model.Message
	msgs = insertMessage(msgs, model.Message{ID: "b", CreatedAt: 2})
	msgs = insertMessage(msgs, model.Message{ID: "a", CreatedAt: 1})
	msgs = insertMessage(msgs, model.Message{ID: "c", CreatedAt: 2})
	msgs = insertMessage(msgs, model.Message{ID: "a", CreatedAt: 1})

	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}
