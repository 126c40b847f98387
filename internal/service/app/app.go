// Package app is the conversation engine of one local node. Every piece of
// mutable state is owned by a single worker goroutine; relay frames, timers
// and API calls all reach it as operations on one queue.
package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"incognito_chat/internal/config"
	"incognito_chat/internal/cryptographic/signature"
	"incognito_chat/internal/model"
	"incognito_chat/internal/protocol/delivery"
	"incognito_chat/internal/protocol/identity"
	"incognito_chat/internal/protocol/router"
	"incognito_chat/internal/repository/kv"
	"incognito_chat/internal/repository/state"
	"incognito_chat/internal/service/relay"
	"incognito_chat/internal/utils/log"

	"go.uber.org/zap"
)

const (
	persistTimeout    = 5 * time.Second
	deliveryRetention = 10 * time.Minute
)

var (
	ErrMissingSeed         = identity.ErrMissingSeed
	ErrNotStarted          = errors.New("engine not started")
	ErrStopped             = errors.New("engine stopped")
	ErrEmptyMessage        = errors.New("empty message")
	ErrSelfConversation    = errors.New("cannot start a conversation with yourself")
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrUnknownInvitation   = errors.New("unknown invitation")
	ErrConversationExists  = errors.New("conversation already exists")
)

type (
	Deps struct {
		// Signer holds the long-term key. When nil the key is loaded from KV,
		// or generated and saved on first run.
		Signer  *signature.LocalSigner
		KV      kv.Store
		Dialer  relay.Dialer
		Display Display
		Clock   func() time.Time
	}

	App struct {
		cfg     *config.Config
		signer  *signature.LocalSigner
		self    model.Key
		repo    *state.Repo
		display Display
		now     func() time.Time

		relays *relay.Manager

		// Owned by the worker goroutine.
		store     *state.Store
		deriver   *identity.Deriver
		tracker   *delivery.Tracker
		pending   *router.Buffer
		seen      *router.Seen
		timelines map[model.Key]*timeline
		outbound  map[string]outboundEntry
		queued    map[string]struct{}

		retryTimers  map[string]*time.Timer
		acceptTimers map[model.Key]*time.Timer
		sweepTimer   *time.Timer
		backupTimer  *time.Timer
		backupDue    bool

		profiles     map[model.Key]model.Profile
		profileAsked map[model.Key]time.Time
		profileWant  map[model.Key]struct{}
		profileTimer *time.Timer
		profileSubs  map[string]map[string]struct{}
		convSub      string
		backupSub    string
		retrying     bool
		retryAgain   bool

		opCh     chan func()
		haltCh   chan struct{}
		haltOnce sync.Once
		started  atomic.Bool
		wg       sync.WaitGroup
	}

	// outboundEntry maps a published wire event back to its conversation.
	// messageID is empty for invitations.
	outboundEntry struct {
		counterparty model.Key
		messageID    string
	}
)

func New(cfg *config.Config, deps Deps) (*App, error) {
	if deps.KV == nil {
		deps.KV = kv.NewMemoryStore()
	}
	if deps.Dialer == nil {
		deps.Dialer = relay.WebsocketDialer{HandshakeTimeout: cfg.Network.WriteTimeout.Duration}
	}
	if deps.Display == nil {
		deps.Display = NopDisplay{}
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	repo := state.NewRepo(deps.KV)
	signer := deps.Signer
	if signer == nil {
		var err error
		signer, err = getSignerAndCreateIfNotExist(ctx, repo)
		if err != nil {
			return nil, err
		}
	}
	self := signer.PublicKey()

	store, err := getStateAndCreateIfNotExist(ctx, repo, self)
	if err != nil {
		return nil, err
	}
	deriver, err := identity.NewDeriver(store.Seed)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:     cfg,
		signer:  signer,
		self:    self,
		repo:    repo,
		display: deps.Display,
		now:     deps.Clock,
		relays: relay.NewManager(deps.Dialer, relay.Options{
			AutoReconnect: cfg.Network.AutoReconnect,
			BaseDelay:     cfg.Network.ReconnectBaseDelay.Duration,
			MaxDelay:      cfg.Network.ReconnectMaxDelay.Duration,
			Jitter:        cfg.Network.ReconnectJitter.Duration,
			WriteTimeout:  cfg.Network.WriteTimeout.Duration,
		}),
		store:        store,
		deriver:      deriver,
		tracker:      delivery.NewTracker(cfg.Delivery.RetryDelay.Duration, cfg.Delivery.MaxRetries),
		pending:      router.NewBuffer(cfg.Router.PendingTTL.Duration, cfg.Router.PendingLimit),
		seen:         router.NewSeen(cfg.Router.DedupLimit),
		timelines:    make(map[model.Key]*timeline),
		outbound:     make(map[string]outboundEntry),
		queued:       make(map[string]struct{}),
		retryTimers:  make(map[string]*time.Timer),
		acceptTimers: make(map[model.Key]*time.Timer),
		profiles:     make(map[model.Key]model.Profile),
		profileAsked: make(map[model.Key]time.Time),
		profileWant:  make(map[model.Key]struct{}),
		profileSubs:  make(map[string]map[string]struct{}),
		opCh:         make(chan func()),
		haltCh:       make(chan struct{}),
	}
	for _, rec := range store.Conversations() {
		a.timelines[rec.Recipient] = newTimeline()
	}

	log.Info("engine ready",
		log.Pubkey("pubkey", self.Hex()),
		zap.Int("conversations", store.Len()),
	)
	return a, nil
}

// Self is the local long-term public key.
func (a *App) Self() model.Key {
	return a.self
}

// Start launches the worker, issues the subscriptions and connects every
// enabled relay.
func (a *App) Start(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return nil
	}
	a.wg.Add(1)
	go a.worker()

	return a.call(ctx, func() {
		a.resubscribe()
		a.subscribeBackup()
		for _, rec := range a.store.Conversations() {
			a.requestProfile(rec.Recipient)
		}
		a.notifyConversations()
		a.armSweep()
		for _, url := range a.cfg.EnabledRelays() {
			a.relays.Add(url)
		}
	})
}

// Stop saves state, halts the worker and closes every relay connection.
func (a *App) Stop() {
	a.haltOnce.Do(func() {
		if a.started.Load() {
			_ = a.call(context.Background(), a.shutdown)
		}
		close(a.haltCh)
		a.wg.Wait()
		a.relays.Close()
		log.Info("engine stopped")
	})
}

func (a *App) shutdown() {
	for _, t := range a.retryTimers {
		t.Stop()
	}
	for _, t := range a.acceptTimers {
		t.Stop()
	}
	for _, t := range []*time.Timer{a.sweepTimer, a.backupTimer, a.profileTimer} {
		if t != nil {
			t.Stop()
		}
	}
	a.persist()
}

func (a *App) worker() {
	defer a.wg.Done()
	events := a.relays.Events()
	for {
		select {
		case <-a.haltCh:
			return
		case op := <-a.opCh:
			op()
		case ev := <-events:
			a.handleRelayEvent(ev)
		}
	}
}

// call runs fn on the worker and waits for it to finish.
func (a *App) call(ctx context.Context, fn func()) error {
	if !a.started.Load() {
		return ErrNotStarted
	}
	done := make(chan struct{})
	op := func() {
		defer close(done)
		fn()
	}
	select {
	case a.opCh <- op:
	case <-a.haltCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// post queues fn from a timer goroutine. It is dropped once the engine halts.
func (a *App) post(fn func()) {
	select {
	case a.opCh <- fn:
	case <-a.haltCh:
	}
}

// after runs fn on the worker once d has elapsed.
func (a *App) after(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { a.post(fn) })
}

func (a *App) handleRelayEvent(ev relay.Event) {
	switch e := ev.(type) {
	case relay.Opened:
		a.display.RelayStatus(e.URL, true)
		for id := range a.queued {
			a.tracker.Dispatched(id, []string{e.URL})
		}
		clear(a.queued)
		if a.backupDue {
			_ = a.publishBackup()
		}
	case relay.Closed:
		a.display.RelayStatus(e.URL, false)
		a.profileRelayGone(e.URL)
	case relay.Received:
		a.handleFrame(e.URL, e.Frame)
	}
}

func (a *App) notifyConversations() {
	records := a.store.Conversations()
	out := make([]model.ConversationRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, *rec.Clone())
	}
	a.display.ConversationsChanged(out)
}

func (a *App) timelineFor(counterparty model.Key) *timeline {
	t, ok := a.timelines[counterparty]
	if !ok {
		t = newTimeline()
		a.timelines[counterparty] = t
	}
	return t
}
