package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	ID        string
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. The prefix before the first dot is the namespace.
const (
	KindTransportMessage = "transport.message"
	KindTransportReport  = "transport.report"

	KindMessageCreated = "relay.message_created"
	KindStatusChanged  = "relay.status_changed"

	KindLinkState = "link.state"
)
