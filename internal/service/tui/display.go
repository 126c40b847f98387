package tui

import (
	"fmt"

	"incognito_chat/internal/model"
	"incognito_chat/internal/service/app"

	"github.com/rivo/tview"
)

var _ app.Display = (*UI)(nil)

// The methods below run on the engine goroutine. They update the UI state
// and leave painting to the UI goroutine.

func (u *UI) MessageAdded(counterparty model.Key, msg model.Message) {
	u.mu.Lock()
	current := u.hasCurrent && u.current.Equal(counterparty)
	if current {
		u.messages = insertMessage(u.messages, msg)
	} else if !msg.Outgoing {
		u.unread[counterparty]++
	}
	u.mu.Unlock()

	if current {
		u.redraw(u.renderChat)
	} else {
		u.redraw(u.renderList)
	}
}

func (u *UI) DeliveryChanged(status model.OutboundMessageStatus) {
	u.mu.Lock()
	for i := range u.messages {
		if u.messages[i].WireID == status.EventID {
			u.messages[i].Delivery = status.Status
		}
	}
	u.mu.Unlock()

	if status.Status == model.DeliveryFailed {
		u.notify(fmt.Sprintf("[red]delivery failed (%s): %s[-]", status.LastClass, tview.Escape(status.LastReason)))
	}
	u.redraw(u.renderChat)
}

func (u *UI) ConversationsChanged(records []model.ConversationRecord) {
	u.mu.Lock()
	u.records = records
	u.mu.Unlock()
	u.redraw(u.renderList)
}

func (u *UI) InvitationReceived(inv model.PendingInvitation) {
	u.mu.Lock()
	if inv.Profile != nil && inv.Profile.Label() != "" {
		u.names[inv.SenderPubkey] = inv.Profile.Label()
	}
	name := u.name(inv.SenderPubkey)
	u.mu.Unlock()

	u.notify(fmt.Sprintf("[green]invitation from %s[-] (/accept %s)", tview.Escape(name), inv.SenderPubkey.Hex()))
}

func (u *UI) ProfileUpdated(pubkey model.Key, profile model.Profile) {
	u.mu.Lock()
	u.names[pubkey] = profile.Metadata.Label()
	u.mu.Unlock()
	u.redraw(u.renderList, u.renderChat)
}

func (u *UI) RelayStatus(url string, connected bool) {
	u.mu.Lock()
	u.relays[url] = connected
	u.mu.Unlock()
	u.redraw(u.renderList)
}

func (u *UI) Notice(relay string, text string) {
	u.notify(fmt.Sprintf("[yellow]%s:[-] %s", tview.Escape(relay), tview.Escape(text)))
}
