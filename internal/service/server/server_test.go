package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"incognito_chat/internal/cryptographic/signature"
	"incognito_chat/internal/model"
	"incognito_chat/internal/protocol/wire"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRelay(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewHttpServer(NewMemoryStore(), opts).Router())
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame json.Marshaler) {
	t.Helper()
	data, err := frame.MarshalJSON()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func read(t *testing.T, conn *websocket.Conn) wire.RelayFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	frame, err := wire.ParseRelayFrame(data)
	require.NoError(t, err)
	return frame
}

func signed(t *testing.T, signer *signature.LocalSigner, kind int, tags nostr.Tags, content string, at int64) *nostr.Event {
	t.Helper()
	ev := &nostr.Event{Kind: kind, Tags: tags, Content: content, CreatedAt: nostr.Timestamp(at)}
	require.NoError(t, signer.Sign(ev))
	return ev
}

func TestPublishAndQuery(t *testing.T) {
	srv := startRelay(t, Options{})
	signer, err := signature.GenerateSigner()
	require.NoError(t, err)
	conn := dial(t, srv)

	ev := signed(t, signer, model.KindDirectMessage, nostr.Tags{{"p", strings.Repeat("ab", 32)}}, "ciphertext", 100)
	send(t, conn, wire.PublishFrame{Event: ev})
	assert.Equal(t, wire.OKFrame{EventID: ev.ID, Accepted: true}, read(t, conn))

	send(t, conn, wire.PublishFrame{Event: ev})
	ok, isOK := read(t, conn).(wire.OKFrame)
	require.True(t, isOK)
	assert.True(t, ok.Accepted)
	assert.Contains(t, ok.Reason, "duplicate")

	send(t, conn, wire.ReqFrame{SubscriptionID: "s1", Filters: nostr.Filters{{
		Kinds: []int{model.KindDirectMessage},
		Tags:  nostr.TagMap{"p": []string{strings.Repeat("ab", 32)}},
	}}})
	got, isEvent := read(t, conn).(wire.EventFrame)
	require.True(t, isEvent)
	assert.Equal(t, "s1", got.SubscriptionID)
	assert.Equal(t, ev.ID, got.Event.ID)
	assert.Equal(t, wire.EOSEFrame{SubscriptionID: "s1"}, read(t, conn))
}

func TestRejectsBadSignature(t *testing.T) {
	srv := startRelay(t, Options{})
	signer, err := signature.GenerateSigner()
	require.NoError(t, err)
	conn := dial(t, srv)

	ev := signed(t, signer, model.KindDirectMessage, nil, "hello", 100)
	ev.Content = "tampered"
	send(t, conn, wire.PublishFrame{Event: ev})

	ok, isOK := read(t, conn).(wire.OKFrame)
	require.True(t, isOK)
	assert.False(t, ok.Accepted)
	assert.True(t, strings.HasPrefix(ok.Reason, "invalid:"))
}

func TestLiveSubscriptionAndClose(t *testing.T) {
	srv := startRelay(t, Options{})
	signer, err := signature.GenerateSigner()
	require.NoError(t, err)
	publisher, listener := dial(t, srv), dial(t, srv)

	send(t, listener, wire.ReqFrame{SubscriptionID: "live", Filters: nostr.Filters{{Authors: []string{signer.PublicKey().Hex()}}}})
	assert.Equal(t, wire.EOSEFrame{SubscriptionID: "live"}, read(t, listener))

	ev := signed(t, signer, model.KindDirectMessage, nil, "first", 100)
	send(t, publisher, wire.PublishFrame{Event: ev})
	read(t, publisher)
	pushed, isEvent := read(t, listener).(wire.EventFrame)
	require.True(t, isEvent)
	assert.Equal(t, ev.ID, pushed.Event.ID)

	send(t, listener, wire.CloseFrame{SubscriptionID: "live"})
	// A REQ after CLOSE proves the CLOSE was processed in order.
	send(t, listener, wire.ReqFrame{SubscriptionID: "watch", Filters: nostr.Filters{{Kinds: []int{1}}}})
	assert.Equal(t, wire.EOSEFrame{SubscriptionID: "watch"}, read(t, listener))

	second := signed(t, signer, model.KindDirectMessage, nil, "second", 101)
	send(t, publisher, wire.PublishFrame{Event: second})
	read(t, publisher)

	require.NoError(t, listener.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err = listener.ReadMessage()
	assert.Error(t, err)
}

func TestRateLimit(t *testing.T) {
	srv := startRelay(t, Options{RateLimit: 1})
	signer, err := signature.GenerateSigner()
	require.NoError(t, err)
	conn := dial(t, srv)

	send(t, conn, wire.PublishFrame{Event: signed(t, signer, 1, nil, "a", 100)})
	first := read(t, conn).(wire.OKFrame)
	assert.True(t, first.Accepted)

	send(t, conn, wire.PublishFrame{Event: signed(t, signer, 1, nil, "b", 100)})
	second := read(t, conn).(wire.OKFrame)
	assert.False(t, second.Accepted)
	assert.True(t, strings.HasPrefix(second.Reason, "rate-limited:"))
}

func TestMalformedFrameGetsNotice(t *testing.T) {
	srv := startRelay(t, Options{})
	conn := dial(t, srv)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`["BOGUS"]`)))
	_, isNotice := read(t, conn).(wire.NoticeFrame)
	assert.True(t, isNotice)
}

func TestHealthz(t *testing.T) {
	srv := startRelay(t, Options{})
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestMemoryStoreReplaceable(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	signer, err := signature.GenerateSigner()
	require.NoError(t, err)
	dTag := nostr.Tags{{"d", model.BackupTag}}

	older := signed(t, signer, model.KindBackup, dTag, "v1", 100)
	newer := signed(t, signer, model.KindBackup, dTag, "v2", 200)
	other := signed(t, signer, model.KindBackup, nostr.Tags{{"d", "other"}}, "x", 150)

	for _, ev := range []*nostr.Event{newer, older, other} {
		_, err := store.Save(ctx, ev)
		require.NoError(t, err)
	}
	stale := signed(t, signer, model.KindBackup, dTag, "v0", 50)
	saved, err := store.Save(ctx, stale)
	require.NoError(t, err)
	assert.False(t, saved)

	got, err := store.Query(ctx, nostr.Filter{Kinds: []int{model.KindBackup}, Tags: nostr.TagMap{"d": []string{model.BackupTag}}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "v2", got[0].Content)

	got, err = store.Query(ctx, nostr.Filter{Kinds: []int{model.KindBackup}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, newer.ID, got[0].ID)
}
