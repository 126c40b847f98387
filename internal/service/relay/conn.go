package relay

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

type (
	// Conn is the subset of *websocket.Conn the manager drives.
	Conn interface {
		ReadMessage() (messageType int, p []byte, err error)
		WriteMessage(messageType int, data []byte) error
		SetWriteDeadline(t time.Time) error
		Close() error
	}

	Dialer interface {
		Dial(ctx context.Context, url string) (Conn, error)
	}

	WebsocketDialer struct {
		HandshakeTimeout time.Duration
	}
)

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
