package store

import (
	"errors"
	"time"

	"github.com/matheus3301/relay/internal/media"
	"github.com/matheus3301/relay/internal/status"
)

var (
	// ErrNotFound is returned when a message id does not exist.
	ErrNotFound = errors.New("message not found")
	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrEmptyMessage is returned when a message has neither text nor media.
	ErrEmptyMessage = errors.New("message has no text and no media")
	// ErrInvalidMediaKind is returned for a media kind outside the allowed set.
	ErrInvalidMediaKind = errors.New("invalid media kind")
)

// Message is one relayed message in a conversation.
type Message struct {
	ID           int64
	PartyID      string
	SenderName   string
	FromOperator bool
	Text         string
	MediaRef     string
	MediaKind    media.Kind
	Handle       string
	Status       status.Status
	CreatedAt    time.Time
}

// HasMedia reports whether the message carries a media reference.
func (m *Message) HasMedia() bool {
	return m.MediaRef != ""
}

// NewMessage holds the caller-supplied fields of a message to create.
type NewMessage struct {
	PartyID      string
	SenderName   string
	FromOperator bool
	Text         string
	MediaRef     string
	MediaKind    media.Kind
	Handle       string
}

// Party is a conversation counterpart with its last known display name.
type Party struct {
	ID            string
	Name          string
	LastMessageAt time.Time
	Messages      int
}

// Transition is one audited status change.
type Transition struct {
	MessageID int64
	From      status.Status
	To        status.Status
	ChangedAt time.Time
}

// Counts summarizes the store contents.
type Counts struct {
	Messages int
	Parties  int
}
