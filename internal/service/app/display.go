package app

import "incognito_chat/internal/model"

type (
	// Display receives engine notifications. Calls are made from the engine
	// goroutine and must not block or call back into the engine.
	Display interface {
		MessageAdded(counterparty model.Key, msg model.Message)
		DeliveryChanged(status model.OutboundMessageStatus)
		ConversationsChanged(records []model.ConversationRecord)
		InvitationReceived(inv model.PendingInvitation)
		ProfileUpdated(pubkey model.Key, profile model.Profile)
		RelayStatus(url string, connected bool)
		Notice(relay string, text string)
	}

	NopDisplay struct{}
)

func (NopDisplay) MessageAdded(model.Key, model.Message)           {}
func (NopDisplay) DeliveryChanged(model.OutboundMessageStatus)     {}
func (NopDisplay) ConversationsChanged([]model.ConversationRecord) {}
func (NopDisplay) InvitationReceived(model.PendingInvitation)      {}
func (NopDisplay) ProfileUpdated(model.Key, model.Profile)         {}
func (NopDisplay) RelayStatus(string, bool)                        {}
func (NopDisplay) Notice(string, string)                           {}
