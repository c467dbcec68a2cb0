package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/relay/internal/dispatch"
	"github.com/matheus3301/relay/internal/store"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Status describes the running instance.
type Status struct {
	Instance    string `json:"instance"`
	Transport   string `json:"transport"`
	LinkState   string `json:"link_state,omitempty"`
	UptimeMs    int64  `json:"uptime_ms"`
	Messages    int    `json:"messages"`
	Parties     int    `json:"parties"`
	Connections int    `json:"connections"`
}

type Party struct {
	ID            string `json:"party_id"`
	Name          string `json:"name"`
	LastMessageAt string `json:"last_message_at"`
	Messages      int    `json:"messages"`
}

type PartyList struct {
	Parties []Party `json:"parties"`
}

type Message struct {
	ID         int64  `json:"id"`
	PartyID    string `json:"party_id"`
	From       string `json:"from"`
	SenderName string `json:"sender_name"`
	Text       string `json:"text,omitempty"`
	MediaKind  string `json:"media_kind,omitempty"`
	MediaRef   string `json:"media_ref,omitempty"`
	Handle     string `json:"handle,omitempty"`
	Status     string `json:"status"`
	CreatedAt  string `json:"created_at"`
}

type MessageList struct {
	Messages []Message `json:"messages"`
}

// SendResult is returned for a send that was persisted. Delivered is false
// when the transport refused the message; Error then says why.
type SendResult struct {
	Message   Message `json:"message"`
	Delivered bool    `json:"delivered"`
	Error     string  `json:"error,omitempty"`
}

type ClearResult struct {
	Deleted        []int64 `json:"deleted"`
	TransportError string  `json:"transport_error,omitempty"`
}

// Event is one bus event relayed to a watcher.
type Event struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// PairingStep is one step of an interactive pairing.
type PairingStep struct {
	Kind   string `json:"kind"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Requests.
type (
	PartyRequest struct {
		Party string `json:"party"`
	}
	SendRequest struct {
		Party string `json:"party"`
		Text  string `json:"text"`
	}
	DeleteRequest struct {
		ID int64 `json:"id"`
	}
	WatchRequest struct {
		// Prefix filters events by kind prefix; empty watches everything.
		Prefix string `json:"prefix,omitempty"`
	}
)

// ToStruct converts a JSON-tagged value into a protobuf Struct.
func ToStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("encode struct: %w", err)
	}
	return s, nil
}

// FromStruct decodes a protobuf Struct into v.
func FromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	data, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode struct: %w", err)
	}
	return nil
}

func messageView(m *store.Message) Message {
	from := dispatch.FromUser
	if m.FromOperator {
		from = dispatch.FromAdmin
	}
	return Message{
		ID:         m.ID,
		PartyID:    m.PartyID,
		From:       from,
		SenderName: m.SenderName,
		Text:       m.Text,
		MediaKind:  string(m.MediaKind),
		MediaRef:   m.MediaRef,
		Handle:     m.Handle,
		Status:     string(m.Status),
		CreatedAt:  m.CreatedAt.UTC().Format(time.RFC3339),
	}
}
