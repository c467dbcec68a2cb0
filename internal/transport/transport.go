// Package transport defines the capability the relay needs from a chat
// provider, independent of which provider is behind it.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/relay/internal/media"
)

// Content is an outbound message body. Text doubles as the caption when a
// media reference is present.
type Content struct {
	Text      string
	MediaKind media.Kind
	MediaRef  string
}

// Receipt is what the provider returns for an accepted send.
type Receipt struct {
	// Handle addresses the remote copy for later deletion.
	Handle string
	// MediaRef is the provider's reference for the sent media, which may
	// differ from the one supplied. Empty when unchanged.
	MediaRef string
}

// Media is downloaded media content.
type Media struct {
	Data     []byte
	MimeType string
}

// Upload is a file to stage with the provider before sending it.
type Upload struct {
	Data     []byte
	Kind     media.Kind
	FileName string
	MimeType string
}

// Transport delivers operator messages to a chat provider.
type Transport interface {
	Name() string
	Send(ctx context.Context, party string, c Content) (Receipt, error)
	Delete(ctx context.Context, party, handle string) error
	FetchMedia(ctx context.Context, ref string) (Media, error)
	// Upload stages a file and returns a media reference usable in Send.
	Upload(ctx context.Context, u Upload) (string, error)
}

// Inbound is a chat message received from a party. Transports publish it on
// the bus as bus.KindTransportMessage.
type Inbound struct {
	Party      string
	SenderName string
	Text       string
	MediaRef   string
	MediaKind  media.Kind
	Handle     string
	At         time.Time
}

// Report tells the relay that a party's device received or displayed
// operator messages. Transports that get receipts publish it on the bus as
// bus.KindTransportReport.
type Report struct {
	Party string
	// Handles are the provider handles of the acknowledged messages.
	Handles []string
	Read    bool
	At      time.Time
}

// Link is implemented by transports that hold a long-lived connection.
type Link interface {
	Connect(ctx context.Context) error
	Disconnect()
	State() string
}

// PairingEvent is one step of an interactive device pairing.
type PairingEvent struct {
	// Kind is "code", "success", "timeout" or "error".
	Kind string
	Code string
	// Detail carries an error message for Kind "error".
	Detail string
}

// ErrAlreadyPaired is returned by Pair when the device is already linked.
var ErrAlreadyPaired = errors.New("device already paired")

// Pairer is implemented by transports that pair by scanning a code.
type Pairer interface {
	Pair(ctx context.Context) (<-chan PairingEvent, error)
}
