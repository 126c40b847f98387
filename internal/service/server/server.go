// Package server is a small development relay speaking the client wire
// protocol. It is meant for local testing, not for production traffic.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"incognito_chat/internal/cryptographic/signature"
	"incognito_chat/internal/metrics"
	"incognito_chat/internal/protocol/wire"
	"incognito_chat/internal/utils/log"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type (
	Options struct {
		// RateLimit caps EVENT frames per connection per second. Zero
		// disables the limit.
		RateLimit int
	}

	HttpServer struct {
		store    EventStore
		opts     Options
		upgrader websocket.Upgrader

		mu       sync.Mutex
		sessions map[*session]struct{}
	}

	session struct {
		srv  *HttpServer
		conn *websocket.Conn

		writeMu sync.Mutex

		mu          sync.Mutex
		subs        map[string]nostr.Filters
		windowStart time.Time
		windowCount int
	}
)

func NewHttpServer(store EventStore, opts Options) *HttpServer {
	return &HttpServer{
		store: store,
		opts:  opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
		sessions: make(map[*session]struct{}),
	}
}

func (s *HttpServer) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/", s.HandleWS()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.HandleHealth()).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return r
}

// Run serves on addr until ctx is cancelled.
func (s *HttpServer) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("relay listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.closeSessions()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *HttpServer) HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "ok",
			"sessions": s.sessionCount(),
		})
	}
}

func (s *HttpServer) HandleWS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !websocket.IsWebSocketUpgrade(r) {
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte("incognito development relay\n"))
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("websocket upgrade failed", zap.Error(err))
			return
		}

		sess := &session{
			srv:  s,
			conn: conn,
			subs: make(map[string]nostr.Filters),
		}
		s.mu.Lock()
		s.sessions[sess] = struct{}{}
		s.mu.Unlock()

		sess.processWSMessage(context.WithoutCancel(r.Context()))
	}
}

func (s *HttpServer) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *HttpServer) closeSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.sessions {
		_ = sess.conn.Close()
	}
}

func (s *HttpServer) remove(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()

	sess.mu.Lock()
	for range sess.subs {
		metrics.RelaySubscriptionClosed()
	}
	sess.subs = nil
	sess.mu.Unlock()
}

// fanOut pushes a freshly stored event to every live subscription it matches.
func (s *HttpServer) fanOut(ev *nostr.Event) {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		for _, id := range sess.matching(ev) {
			sess.write(wire.EventFrame{SubscriptionID: id, Event: ev})
		}
	}
}

func (c *session) processWSMessage(ctx context.Context) {
	defer c.srv.remove(c)
	defer c.conn.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Debug("relay session closed", zap.Error(err))
			return
		}

		frame, err := wire.ParseClientFrame(data)
		if err != nil {
			c.write(wire.NoticeFrame{Message: "error: " + err.Error()})
			continue
		}

		switch f := frame.(type) {
		case wire.PublishFrame:
			c.handleEvent(ctx, f.Event)
		case wire.ReqFrame:
			c.handleReq(ctx, f)
		case wire.CloseFrame:
			c.handleClose(f.SubscriptionID)
		}
	}
}

func (c *session) handleEvent(ctx context.Context, ev *nostr.Event) {
	if !signature.Verify(ev) {
		c.write(wire.OKFrame{EventID: ev.ID, Accepted: false, Reason: "invalid: bad id or signature"})
		return
	}
	if !c.allow(time.Now()) {
		c.write(wire.OKFrame{EventID: ev.ID, Accepted: false, Reason: "rate-limited: slow down"})
		return
	}

	stored, err := c.srv.store.Save(ctx, ev)
	if err != nil {
		log.Error("store event failed", zap.String("id", ev.ID), zap.Error(err))
		c.write(wire.OKFrame{EventID: ev.ID, Accepted: false, Reason: "error: could not store event"})
		return
	}
	if !stored {
		c.write(wire.OKFrame{EventID: ev.ID, Accepted: true, Reason: "duplicate: already have this event"})
		return
	}

	metrics.RelayEventStored()
	c.write(wire.OKFrame{EventID: ev.ID, Accepted: true})
	c.srv.fanOut(ev)
}

func (c *session) handleReq(ctx context.Context, f wire.ReqFrame) {
	c.mu.Lock()
	if c.subs == nil {
		c.mu.Unlock()
		return
	}
	if _, ok := c.subs[f.SubscriptionID]; !ok {
		metrics.RelaySubscriptionOpened()
	}
	c.subs[f.SubscriptionID] = f.Filters
	c.mu.Unlock()

	seen := make(map[string]struct{})
	for _, filter := range f.Filters {
		events, err := c.srv.store.Query(ctx, filter)
		if err != nil {
			log.Error("query events failed", zap.Error(err))
			c.write(wire.ClosedFrame{SubscriptionID: f.SubscriptionID, Reason: "error: query failed"})
			return
		}
		for _, ev := range events {
			if _, dup := seen[ev.ID]; dup {
				continue
			}
			seen[ev.ID] = struct{}{}
			c.write(wire.EventFrame{SubscriptionID: f.SubscriptionID, Event: ev})
		}
	}
	c.write(wire.EOSEFrame{SubscriptionID: f.SubscriptionID})
}

func (c *session) handleClose(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[id]; ok {
		delete(c.subs, id)
		metrics.RelaySubscriptionClosed()
	}
}

func (c *session) matching(ev *nostr.Event) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for id, filters := range c.subs {
		if filters.Match(ev) {
			ids = append(ids, id)
		}
	}
	return ids
}

// allow applies the per-connection EVENT rate limit over one second windows.
func (c *session) allow(now time.Time) bool {
	limit := c.srv.opts.RateLimit
	if limit <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Sub(c.windowStart) >= time.Second {
		c.windowStart = now
		c.windowCount = 0
	}
	c.windowCount++
	return c.windowCount <= limit
}

func (c *session) write(frame json.Marshaler) {
	data, err := frame.MarshalJSON()
	if err != nil {
		log.Error("marshal frame failed", zap.Error(err))
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Debug("relay write failed", zap.Error(err))
	}
}
