// Package tui is the terminal display of the chat client.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"incognito_chat/internal/model"
	"incognito_chat/internal/utils/log"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

const callTimeout = 10 * time.Second

type (
	// Engine is the part of the conversation engine the UI drives.
	Engine interface {
		Self() model.Key
		SendMessage(ctx context.Context, recipient model.Key, text string) (string, error)
		AcceptInvitation(ctx context.Context, sender model.Key) error
		Timeline(ctx context.Context, counterparty model.Key) ([]model.Message, error)
		MarkRead(ctx context.Context, counterparty model.Key) error
		DeleteConversation(ctx context.Context, counterparty model.Key) error
		RetryFailed(ctx context.Context, eventID string) error
		AddRelay(ctx context.Context, url string) error
		RemoveRelay(ctx context.Context, url string) error
		ConnectRelay(ctx context.Context, url string) error
		DisconnectRelay(ctx context.Context, url string) error
		PublishBackup(ctx context.Context) error
		SetProfile(ctx context.Context, md model.ProfileMetadata) error
	}

	UI struct {
		app     *tview.Application
		root    tview.Primitive
		chatbox *tview.TextView
		list    *tview.List
		status  *tview.TextView
		input   *tview.InputField

		engine Engine

		mu         sync.Mutex
		current    model.Key
		hasCurrent bool
		messages   []model.Message
		records    []model.ConversationRecord
		names      map[model.Key]string
		unread     map[model.Key]int
		relays     map[string]bool
		statusText string
	}
)

func New() *UI {
	u := &UI{
		app:    tview.NewApplication(),
		names:  make(map[model.Key]string),
		unread: make(map[model.Key]int),
		relays: make(map[string]bool),
	}
	u.build()
	return u
}

// Attach sets the engine. It must be called before Run.
func (u *UI) Attach(engine Engine) {
	u.engine = engine
}

// Run blocks until the user quits.
func (u *UI) Run() error {
	return u.app.SetRoot(u.root, true).SetFocus(u.input).Run()
}

func (u *UI) Stop() {
	u.app.Stop()
}

func (u *UI) build() {
	u.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	u.chatbox.SetBorder(true).SetTitle(" No conversation ")

	u.list = tview.NewList().ShowSecondaryText(true)
	u.list.SetBorder(true).SetTitle(" Conversations ")
	u.list.SetSelectedFunc(func(i int, _ string, _ string, _ rune) {
		u.mu.Lock()
		if i < 0 || i >= len(u.records) {
			u.mu.Unlock()
			return
		}
		key := u.records[i].Recipient
		u.mu.Unlock()

		u.app.SetFocus(u.input)
		go u.open(key)
	})

	u.status = tview.NewTextView().SetDynamicColors(true)

	u.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	u.input.SetBorder(true).SetTitle(" New Message ")
	u.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := strings.TrimSpace(u.input.GetText())
		if text == "" {
			return
		}
		u.input.SetText("")

		// Engine calls wait on the engine goroutine, which in turn queues
		// draws on this one.
		go u.submit(text)
	})

	u.app.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		if ev.Key() != tcell.KeyTab {
			return ev
		}
		if u.input.HasFocus() {
			u.app.SetFocus(u.list)
		} else {
			u.app.SetFocus(u.input)
		}
		return nil
	})

	right := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(u.chatbox, 0, 1, false).
		AddItem(u.status, 1, 0, false).
		AddItem(u.input, 3, 0, true)

	u.root = tview.NewFlex().
		AddItem(u.list, 32, 0, false).
		AddItem(right, 0, 1, true)
}

func (u *UI) submit(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	if strings.HasPrefix(text, "/") {
		u.command(ctx, strings.Fields(text))
		return
	}

	to, ok := u.currentConversation()
	if !ok {
		u.notify("[red]pick a conversation with /to <pubkey>[-]")
		return
	}
	if _, err := u.engine.SendMessage(ctx, to, text); err != nil {
		log.Error("send message failed", zap.Error(err))
		u.notify("[red]send failed: " + tview.Escape(err.Error()) + "[-]")
	}
}

func (u *UI) command(ctx context.Context, fields []string) {
	arg := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}

	var err error
	switch fields[0] {
	case "/to":
		var key model.Key
		if key, err = model.ParseKey(arg(1)); err == nil {
			u.open(key)
		}
	case "/accept":
		var key model.Key
		if key, err = model.ParseKey(arg(1)); err == nil {
			if err = u.engine.AcceptInvitation(ctx, key); err == nil {
				u.open(key)
			}
		}
	case "/retry":
		err = u.engine.RetryFailed(ctx, arg(1))
	case "/delete":
		to, ok := u.currentConversation()
		if !ok {
			break
		}
		if err = u.engine.DeleteConversation(ctx, to); err == nil {
			u.close()
		}
	case "/relay":
		switch arg(1) {
		case "add":
			err = u.engine.AddRelay(ctx, arg(2))
		case "remove":
			err = u.engine.RemoveRelay(ctx, arg(2))
		case "connect":
			err = u.engine.ConnectRelay(ctx, arg(2))
		case "disconnect":
			err = u.engine.DisconnectRelay(ctx, arg(2))
		default:
			err = fmt.Errorf("usage: /relay add|remove|connect|disconnect <url>")
		}
	case "/name":
		err = u.engine.SetProfile(ctx, model.ProfileMetadata{Name: strings.Join(fields[1:], " ")})
	case "/backup":
		err = u.engine.PublishBackup(ctx)
	case "/me":
		u.notify("you are " + u.engine.Self().Hex())
	case "/quit":
		u.app.Stop()
	default:
		err = fmt.Errorf("unknown command %s", fields[0])
	}

	if err != nil {
		u.notify("[red]" + tview.Escape(err.Error()) + "[-]")
	}
}

// open switches the chat box to counterparty.
func (u *UI) open(counterparty model.Key) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	msgs, err := u.engine.Timeline(ctx, counterparty)
	if err != nil {
		log.Error("load timeline failed", zap.Error(err))
		return
	}
	if err := u.engine.MarkRead(ctx, counterparty); err != nil {
		log.Debug("mark read failed", zap.Error(err))
	}

	u.mu.Lock()
	u.current = counterparty
	u.hasCurrent = true
	u.messages = msgs
	delete(u.unread, counterparty)
	u.mu.Unlock()

	u.redraw(u.renderChat, u.renderList)
}

func (u *UI) close() {
	u.mu.Lock()
	u.hasCurrent = false
	u.messages = nil
	u.mu.Unlock()
	u.redraw(u.renderChat)
}

func (u *UI) currentConversation() (model.Key, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.current, u.hasCurrent
}

func (u *UI) notify(text string) {
	u.mu.Lock()
	u.statusText = text
	u.mu.Unlock()
	u.redraw(u.renderStatus)
}

// redraw repaints from the current state. QueueUpdateDraw waits for the UI
// goroutine, so it never runs on the caller's goroutine.
func (u *UI) redraw(render ...func()) {
	go u.app.QueueUpdateDraw(func() {
		for _, fn := range render {
			fn()
		}
	})
}

func (u *UI) renderStatus() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.status.SetText(u.statusText)
}

func (u *UI) name(pubkey model.Key) string {
	if n, ok := u.names[pubkey]; ok && n != "" {
		return n
	}
	return pubkey.Short()
}

func (u *UI) renderChat() {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.chatbox.Clear()
	if !u.hasCurrent {
		u.chatbox.SetTitle(" No conversation ")
		return
	}
	u.chatbox.SetTitle(fmt.Sprintf(" Chat with %s ", tview.Escape(u.name(u.current))))
	for _, msg := range u.messages {
		fmt.Fprintln(u.chatbox, formatMessage(msg, u.name(msg.Counterparty)))
	}
	u.chatbox.ScrollToEnd()
}

func (u *UI) renderList() {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.list.Clear()
	for _, rec := range u.records {
		main := u.name(rec.Recipient)
		if n := u.unread[rec.Recipient]; n > 0 {
			main = fmt.Sprintf("%s (%d)", main, n)
		}
		u.list.AddItem(tview.Escape(main), rec.Role.String()+", "+rec.Status.String(), 0, nil)
	}

	connected := 0
	for _, ok := range u.relays {
		if ok {
			connected++
		}
	}
	u.list.SetTitle(fmt.Sprintf(" Conversations [%d/%d relays] ", connected, len(u.relays)))
}

func formatMessage(msg model.Message, name string) string {
	at := time.Unix(msg.CreatedAt, 0).Format("15:04")
	if !msg.Outgoing {
		return fmt.Sprintf("[gray]%s[-] [green]%s:[-] %s", at, tview.Escape(name), tview.Escape(msg.Content))
	}
	line := fmt.Sprintf("[gray]%s[-] [yellow]You:[-] %s", at, tview.Escape(msg.Content))
	switch msg.Delivery {
	case model.DeliveryPending:
		line += " [gray](sending)[-]"
	case model.DeliveryFailed:
		line += fmt.Sprintf(" [red](failed, /retry %s)[-]", msg.WireID)
	}
	return line
}

// insertMessage keeps msgs in timeline order without duplicates.
func insertMessage(msgs []model.Message, msg model.Message) []model.Message {
	for _, m := range msgs {
		if m.ID == msg.ID {
			return msgs
		}
	}
	i := sort.Search(len(msgs), func(i int) bool { return msg.Less(msgs[i]) })
	msgs = append(msgs, model.Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = msg
	return msgs
}
