package dispatch

import (
	"time"

	"github.com/matheus3301/relay/internal/status"
	"github.com/matheus3301/relay/internal/store"
)

// Push event actions.
const (
	ActionMessage       = "message"
	ActionStatusUpdate  = "status_update"
	ActionPong          = "pong"
	ActionError         = "error"
	ActionPartyActivity = "party_activity"
)

// Authors of a message as seen by the console.
const (
	FromUser  = "user"
	FromAdmin = "admin"
)

// MessageEvent announces a new message in a conversation.
type MessageEvent struct {
	Action    string `json:"action"`
	From      string `json:"from"`
	Username  string `json:"username"`
	Text      string `json:"text"`
	MediaType string `json:"media_type,omitempty"`
	FileID    string `json:"file_id,omitempty"`
	CreatedAt string `json:"created_at"`
	ID        int64  `json:"id"`
	Status    string `json:"status"`
}

// NewMessageEvent builds the push shape of a stored message.
func NewMessageEvent(m *store.Message) MessageEvent {
	from := FromUser
	if m.FromOperator {
		from = FromAdmin
	}
	evt := MessageEvent{
		Action:    ActionMessage,
		From:      from,
		Username:  m.SenderName,
		Text:      m.Text,
		CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339),
		ID:        m.ID,
		Status:    string(m.Status),
	}
	if m.HasMedia() {
		evt.MediaType = string(m.MediaKind)
		evt.FileID = m.MediaRef
	}
	return evt
}

// StatusUpdate announces a committed status transition.
type StatusUpdate struct {
	Action string `json:"action"`
	MsgID  int64  `json:"msg_id"`
	Status string `json:"status"`
}

// NewStatusUpdate builds a status_update event.
func NewStatusUpdate(id int64, s status.Status) StatusUpdate {
	return StatusUpdate{Action: ActionStatusUpdate, MsgID: id, Status: string(s)}
}

// Pong answers a console ping.
type Pong struct {
	Action string `json:"action"`
}

// NewPong builds a pong event.
func NewPong() Pong { return Pong{Action: ActionPong} }

// ErrorEvent reports a rejected control message.
type ErrorEvent struct {
	Action string `json:"action"`
	Detail string `json:"detail"`
}

// NewError builds an error event.
func NewError(detail string) ErrorEvent {
	return ErrorEvent{Action: ActionError, Detail: detail}
}

// PartyActivity tells every console that a party wrote in, so party lists
// can be refreshed without polling.
type PartyActivity struct {
	Action   string `json:"action"`
	PartyID  string `json:"party_id"`
	Username string `json:"username"`
	MsgID    int64  `json:"msg_id"`
}

// NewPartyActivity builds a party_activity event for an inbound message.
func NewPartyActivity(m *store.Message) PartyActivity {
	return PartyActivity{Action: ActionPartyActivity, PartyID: m.PartyID, Username: m.SenderName, MsgID: m.ID}
}
